// Package worker implements the Worker component: a goroutine that owns a
// local network replica, local optimiser state, local iteration/epoch
// counters, and drives the training loop plus local hook firing. Lifecycle
// and thread management are adapted from platform.Supervisor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wizardbeard/driftcore/internal/collab"
	"github.com/wizardbeard/driftcore/internal/hook"
	"github.com/wizardbeard/driftcore/internal/platform"
	"github.com/wizardbeard/driftcore/internal/registry"
	"github.com/wizardbeard/driftcore/internal/timestep"
)

// ErrInvalidLifecycleTransition is raised when a lifecycle method is called
// from a state that does not permit it.
var ErrInvalidLifecycleTransition = errors.New("worker: invalid lifecycle transition")

// ErrWorkerInitialisationFailure is raised when a worker cannot build its
// first local network/optimiser/iterator replica.
var ErrWorkerInitialisationFailure = errors.New("worker: initialisation failure")

// ErrBackendError wraps any error returned from a training iteration
// (trainer/session/backend); it pauses the worker rather than killing it.
var ErrBackendError = errors.New("worker: backend error")

// State is the worker's lifecycle state.
type State int

const (
	None State = iota
	Running
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Operator is the facade a Worker calls back into, kept minimal to avoid an
// import cycle with the operator package (which owns the Workers).
type Operator interface {
	PullProgress(w *Worker)
	PushProgress(w *Worker)
	DispatchBackground(bucket uint32, hooks []hook.Hook, reg *registry.Registry)
	MarkHookDead(workerIndex int, h hook.Hook)
	Shared() *registry.Registry
}

// Config constructs a Worker, mirroring the corpus's plain-struct-plus-
// constructor-validation convention (platform.SupervisorPolicy et al.).
type Config struct {
	Index             int
	Operator          Operator
	Handler           collab.ComputationHandler
	UseSessions       bool
	ThreadPriority    int
	Network           collab.Network
	Optimiser         collab.Optimiser
	Iterator          collab.DataIterator
	Trainer           collab.Trainer
	WorkerCount       int
	Logger            *slog.Logger
}

// Worker owns one training-loop replica and its background execution
// goroutine.
type Worker struct {
	index          int
	operator       Operator
	handler        collab.ComputationHandler
	useSessions    bool
	threadPriority int
	workerCount    int
	log            *slog.Logger

	stateMu sync.Mutex
	state   State
	lastErr error

	network   collab.Network
	optimiser collab.Optimiser
	iterator  collab.DataIterator
	trainer   collab.Trainer

	epochNumber     int
	iterationNumber int
	runtimeMillis   int64
	startedAt       time.Time
	shared          *registry.Registry

	bufferMu sync.Mutex
	hooks    []hook.Hook
	index32  map[string]uint32          // hook.ID().String() -> invocationIndex
	target32 map[string]uint32          // hook.ID().String() -> invocationTarget
	steps    map[string]*timestep.TimeStep // hook.ID().String() -> this worker's local TimeStep copy

	supervisor *platform.Supervisor
	resumeCh   chan struct{}
}

// New validates cfg and constructs a Worker in state None.
func New(cfg Config) (*Worker, error) {
	if cfg.Operator == nil {
		return nil, fmt.Errorf("%w: worker requires an operator facade", ErrWorkerInitialisationFailure)
	}
	if cfg.Network == nil || cfg.Optimiser == nil || cfg.Iterator == nil || cfg.Trainer == nil {
		return nil, fmt.Errorf("%w: worker requires network, optimiser, iterator and trainer", ErrWorkerInitialisationFailure)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// The worker's shared registry is parented to the operator's, so a
	// value an operator-level (global) hook sets on shared falls through to
	// this worker's local hooks unless the worker itself shadows it.
	shared := cfg.Operator.Shared().Child(fmt.Sprintf("worker-%d-shared", cfg.Index))

	return &Worker{
		index:          cfg.Index,
		operator:       cfg.Operator,
		handler:        cfg.Handler,
		useSessions:    cfg.UseSessions,
		threadPriority: cfg.ThreadPriority,
		workerCount:    cfg.WorkerCount,
		log:            logger.With("worker", cfg.Index),
		state:          None,
		network:        cfg.Network,
		optimiser:      cfg.Optimiser,
		iterator:       cfg.Iterator,
		trainer:        cfg.Trainer,
		index32:        make(map[string]uint32),
		target32:       make(map[string]uint32),
		steps:          make(map[string]*timestep.TimeStep),
		shared:         shared,
		supervisor:     platform.NewSupervisor(platform.SupervisorPolicy{}),
		resumeCh:       make(chan struct{}, 1),
	}, nil
}

func (w *Worker) Index() int                    { return w.index }
func (w *Worker) State() State                  { w.stateMu.Lock(); defer w.stateMu.Unlock(); return w.state }
func (w *Worker) LastError() error              { w.stateMu.Lock(); defer w.stateMu.Unlock(); return w.lastErr }
func (w *Worker) LocalEpochNumber() int         { w.stateMu.Lock(); defer w.stateMu.Unlock(); return w.epochNumber }
func (w *Worker) LocalIterationNumber() int     { w.stateMu.Lock(); defer w.stateMu.Unlock(); return w.iterationNumber }
func (w *Worker) Network() collab.Network       { return w.network }
func (w *Worker) Optimiser() collab.Optimiser   { return w.optimiser }
func (w *Worker) Trainer() collab.Trainer       { return w.trainer }
func (w *Worker) RuntimeMillis() int64          { w.stateMu.Lock(); defer w.stateMu.Unlock(); return w.runtimeMillis }
func (w *Worker) ThreadPriority() int           { return w.threadPriority }
func (w *Worker) Shared() *registry.Registry    { return w.shared }

// SetNetwork lets the operator overwrite the local replica, e.g. after
// pulling the global network.
func (w *Worker) SetNetwork(n collab.Network) { w.network = n }

// SetLocalHooks installs the hooks attached to this worker along with the
// planner's invocation index/target for them, recomputed by the Operator
// on every attach/detach.
func (w *Worker) SetLocalHooks(hooks []hook.Hook, index map[string]uint32, target map[string]uint32) {
	w.bufferMu.Lock()
	defer w.bufferMu.Unlock()
	w.hooks = hooks
	w.index32 = index
	w.target32 = target
	for _, h := range hooks {
		key := h.ID().String()
		if _, ok := w.steps[key]; !ok {
			step := h.TimeStep().DeepCopy()
			w.steps[key] = &step
		}
	}
	for key := range w.steps {
		if !containsID(hooks, key) {
			delete(w.steps, key)
		}
	}
}

func containsID(hooks []hook.Hook, key string) bool {
	for _, h := range hooks {
		if h.ID().String() == key {
			return true
		}
	}
	return false
}

// Start transitions None/Stopped -> Running and spawns the background
// execution goroutine. It is a no-op error (InvalidLifecycleTransition)
// from any other state.
func (w *Worker) Start(ctx context.Context) error {
	w.stateMu.Lock()
	if w.state != None && w.state != Stopped {
		state := w.state
		w.stateMu.Unlock()
		return fmt.Errorf("%w: cannot start from state %s", ErrInvalidLifecycleTransition, state)
	}
	w.state = Running
	w.startedAt = time.Now()
	w.stateMu.Unlock()

	spec := platform.SupervisorChildSpec{
		Name:    fmt.Sprintf("worker-%d", w.index),
		Restart: platform.SupervisorRestartTemporary,
	}
	return w.supervisor.StartSpec(spec, w.runLoop)
}

// SignalPause transitions Running -> Paused. The worker thread observes the
// transition between doWork() calls.
func (w *Worker) SignalPause() error {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.state != Running {
		return fmt.Errorf("%w: cannot pause from state %s", ErrInvalidLifecycleTransition, w.state)
	}
	w.state = Paused
	return nil
}

// SignalResume transitions Paused -> Running and wakes the worker thread.
func (w *Worker) SignalResume() error {
	w.stateMu.Lock()
	if w.state != Paused {
		state := w.state
		w.stateMu.Unlock()
		return fmt.Errorf("%w: cannot resume from state %s", ErrInvalidLifecycleTransition, state)
	}
	w.state = Running
	w.stateMu.Unlock()
	select {
	case w.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// SignalStop transitions any live state to Stopped and stops the goroutine.
func (w *Worker) SignalStop() error {
	w.stateMu.Lock()
	if w.state == Stopped {
		w.stateMu.Unlock()
		return fmt.Errorf("%w: already stopped", ErrInvalidLifecycleTransition)
	}
	w.state = Stopped
	w.stateMu.Unlock()
	select {
	case w.resumeCh <- struct{}{}:
	default:
	}
	w.supervisor.Stop(fmt.Sprintf("worker-%d", w.index))
	return nil
}

// RunOnce executes a single doWork() synchronously on the calling goroutine
// (Operator.runWorkersOnce gives each worker its own): it initialises from
// None/Stopped, or resumes a single step from Paused, ending Paused.
func (w *Worker) RunOnce(ctx context.Context) error {
	w.stateMu.Lock()
	switch w.state {
	case None, Stopped, Paused:
		w.state = Running
	default:
		state := w.state
		w.stateMu.Unlock()
		return fmt.Errorf("%w: cannot runOnce from state %s", ErrInvalidLifecycleTransition, state)
	}
	w.stateMu.Unlock()

	err := w.doWork(ctx)

	w.stateMu.Lock()
	w.state = Paused
	w.stateMu.Unlock()
	return err
}

// runLoop is the background goroutine body started by Start, adapted from
// platform.Supervisor's run-until-cancelled convention: while Stopped
// hasn't been signalled, run doWork while Running, otherwise wait for
// either a resume signal or cancellation.
func (w *Worker) runLoop(ctx context.Context) error {
	for {
		w.stateMu.Lock()
		state := w.state
		w.stateMu.Unlock()

		if state == Stopped {
			return nil
		}
		if state == Paused {
			select {
			case <-ctx.Done():
				return nil
			case <-w.resumeCh:
				continue
			}
		}

		if err := w.doWork(ctx); err != nil {
			w.stateMu.Lock()
			w.lastErr = err
			w.state = Paused
			w.stateMu.Unlock()
			w.log.Error("worker backend error, pausing", "error", err)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}
