// Package operator implements the Operator component: it owns the global
// network, the set of workers, the hook registries, and orchestrates
// pull/merge/push of replicas plus lifecycle control. Lifecycle dispatch is
// grounded on platform.Polis's per-run command channel
// (PauseRun/ContinueRun/StopRun over a chan evo.MonitorCommand); epoch
// replica evaluation fan-out is grounded on
// internal/evo/population_monitor.go's jobs/results worker pool.
package operator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wizardbeard/driftcore/internal/collab"
	"github.com/wizardbeard/driftcore/internal/hook"
	"github.com/wizardbeard/driftcore/internal/netmerge"
	"github.com/wizardbeard/driftcore/internal/registry"
	"github.com/wizardbeard/driftcore/internal/timestep"
	"github.com/wizardbeard/driftcore/internal/worker"
)

// Config constructs an Operator.
type Config struct {
	Handler         collab.ComputationHandler
	UseSessions     bool
	WorkerCount     int
	Trainer         collab.Trainer
	GlobalNetwork   collab.Network
	Merger          *netmerge.Merger
	Logger          *slog.Logger
	Replicas        []WorkerReplica
	BackgroundPool  int
}

// WorkerReplica supplies one worker's local collaborators at construction.
type WorkerReplica struct {
	Network   collab.Network
	Optimiser collab.Optimiser
	Iterator  collab.DataIterator
}

// Operator owns the global network, the workers, the hook system, and
// orchestrates the training loop's control flow.
type Operator struct {
	handler     collab.ComputationHandler
	useSessions bool
	workerCount int
	trainer     collab.Trainer
	log         *slog.Logger

	workers      []*worker.Worker
	workerIndexOf map[*worker.Worker]int

	networkMu     sync.RWMutex
	globalNetwork collab.Network
	merger        *netmerge.Merger

	hooksMu         sync.RWMutex
	localHooks      map[string]hook.Hook
	globalHooks     map[string]hook.Hook
	dependents      map[string]map[string]bool
	requiredHookUse map[string]string
	aliveFlags      map[string][]bool
	localIndex      map[string]uint32
	localTarget     map[string]uint32
	globalIndex     map[string]uint32
	globalTarget    map[string]uint32
	globalSteps     map[string]*timestep.TimeStep

	reg    *registry.Registry
	shared *registry.Registry

	progressMu             sync.Mutex
	pushedEpochNetworks     map[int][]collab.Network
	pushedIterationNumbers  map[int][]int
	epochNumber             int
	highestIterationNumber  int

	stateMu   sync.Mutex
	state     worker.State
	startedAt time.Time
	runningMs int64

	changeMu sync.Mutex
	changeCh chan struct{}

	cmdCh chan lifecycleRequest

	bg *backgroundPool

	commandsMu sync.Mutex
	commands   map[string]*Command
}

// New validates cfg, constructs every Worker replica, and starts the
// lifecycle-serialising goroutine. Returns ErrInvalidConfiguration if
// workerCount <= 0, the global network or trainer is nil, or replica counts
// disagree. A nil Handler is accepted: sessions and merges then run without
// a backend handle.
func New(cfg Config) (*Operator, error) {
	if cfg.WorkerCount <= 0 {
		return nil, fmt.Errorf("%w: workerCount must be positive, got %d", ErrInvalidConfiguration, cfg.WorkerCount)
	}
	if cfg.GlobalNetwork == nil || cfg.Trainer == nil {
		return nil, fmt.Errorf("%w: operator requires a global network and trainer", ErrInvalidConfiguration)
	}
	if len(cfg.Replicas) != cfg.WorkerCount {
		return nil, fmt.Errorf("%w: expected %d worker replicas, got %d", ErrInvalidConfiguration, cfg.WorkerCount, len(cfg.Replicas))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	merger := cfg.Merger
	if merger == nil {
		merger = netmerge.New(cfg.WorkerCount)
	}

	op := &Operator{
		handler:                cfg.Handler,
		useSessions:            cfg.UseSessions,
		workerCount:            cfg.WorkerCount,
		trainer:                cfg.Trainer,
		log:                    logger,
		workerIndexOf:          make(map[*worker.Worker]int),
		globalNetwork:          cfg.GlobalNetwork,
		merger:                 merger,
		localHooks:             make(map[string]hook.Hook),
		globalHooks:            make(map[string]hook.Hook),
		dependents:             make(map[string]map[string]bool),
		requiredHookUse:        make(map[string]string),
		aliveFlags:             make(map[string][]bool),
		localIndex:             make(map[string]uint32),
		localTarget:            make(map[string]uint32),
		globalIndex:            make(map[string]uint32),
		globalTarget:           make(map[string]uint32),
		globalSteps:            make(map[string]*timestep.TimeStep),
		reg:                    registry.New("operator"),
		shared:                 registry.New("operator-shared"),
		pushedEpochNetworks:    make(map[int][]collab.Network),
		pushedIterationNumbers: make(map[int][]int),
		state:                  worker.None,
		changeCh:               make(chan struct{}),
		cmdCh:                  make(chan lifecycleRequest, 16),
		commands:               make(map[string]*Command),
	}

	bgWorkers := cfg.BackgroundPool
	if bgWorkers <= 0 {
		bgWorkers = 4
	}
	op.bg = newBackgroundPool(bgWorkers, logger)

	for i, rep := range cfg.Replicas {
		w, err := worker.New(worker.Config{
			Index:       i,
			Operator:    op,
			Handler:     cfg.Handler,
			UseSessions: cfg.UseSessions,
			Network:     rep.Network,
			Optimiser:   rep.Optimiser,
			Iterator:    rep.Iterator,
			Trainer:     cfg.Trainer,
			WorkerCount: cfg.WorkerCount,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: worker %d: %v", ErrInvalidConfiguration, i, err)
		}
		op.workers = append(op.workers, w)
		op.workerIndexOf[w] = i
	}

	go op.runLifecycle()
	return op, nil
}

func (o *Operator) WorkerCount() int        { return o.workerCount }
func (o *Operator) Trainer() collab.Trainer { return o.trainer }
func (o *Operator) NetworkMerger() *netmerge.Merger { return o.merger }
func (o *Operator) UseSessions() bool       { return o.useSessions }
func (o *Operator) Registry() *registry.Registry { return o.reg }

func (o *Operator) Network() collab.Network {
	o.networkMu.RLock()
	defer o.networkMu.RUnlock()
	return o.globalNetwork
}

func (o *Operator) State() worker.State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

func (o *Operator) EpochNumber() int {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	return o.epochNumber
}

func (o *Operator) HighestIterationNumber() int {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	return o.highestIterationNumber
}

func (o *Operator) RunningTimeMilliseconds() int64 {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.state == worker.Running && !o.startedAt.IsZero() {
		return o.runningMs + time.Since(o.startedAt).Milliseconds()
	}
	return o.runningMs
}

// Shutdown stops every worker and the background dispatch pool. Intended
// for test/process teardown, not part of the spec's public surface.
func (o *Operator) Shutdown(ctx context.Context) {
	for _, w := range o.workers {
		_ = w.SignalStop()
	}
	o.bg.stop()
}
