package operator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wizardbeard/driftcore/internal/collab"
	"github.com/wizardbeard/driftcore/internal/worker"
)

// lifecycleCommand is the operator's control-plane command, extending the
// teacher's evo.MonitorCommand enum (CommandPause/CommandContinue/
// CommandStop) with CommandReset and CommandStartOnce.
type lifecycleCommand int

const (
	commandStart lifecycleCommand = iota
	commandStartOnce
	commandPause
	commandResume
	commandStop
	commandReset
)

type lifecycleRequest struct {
	cmd  lifecycleCommand
	done chan error
}

// runLifecycle drains cmdCh on a single dedicated goroutine so every
// control method is lock-serialised and returns once its transition has
// actually been applied, per spec.md §5's "dedicated lock-serialised task"
// requirement.
func (o *Operator) runLifecycle() {
	for req := range o.cmdCh {
		req.done <- o.apply(req.cmd)
	}
}

func (o *Operator) send(cmd lifecycleCommand) error {
	done := make(chan error, 1)
	o.cmdCh <- lifecycleRequest{cmd: cmd, done: done}
	return <-done
}

func (o *Operator) apply(cmd lifecycleCommand) error {
	o.stateMu.Lock()
	switch cmd {
	case commandStart:
		if o.state != worker.None && o.state != worker.Stopped {
			state := o.state
			o.stateMu.Unlock()
			return fmt.Errorf("%w: cannot start from state %s", ErrInvalidLifecycleTransition, state)
		}
		o.state = worker.Running
		o.startedAt = time.Now()
		o.stateMu.Unlock()
		o.startWorkers()
	case commandStartOnce:
		if o.state != worker.None && o.state != worker.Stopped && o.state != worker.Paused {
			state := o.state
			o.stateMu.Unlock()
			return fmt.Errorf("%w: cannot startOnce from state %s", ErrInvalidLifecycleTransition, state)
		}
		o.state = worker.Paused
		o.stateMu.Unlock()
		o.runWorkersOnce()
	case commandPause:
		if o.state != worker.Running {
			state := o.state
			o.stateMu.Unlock()
			return fmt.Errorf("%w: cannot pause from state %s", ErrInvalidLifecycleTransition, state)
		}
		o.state = worker.Paused
		o.accumulateRunningLocked()
		o.stateMu.Unlock()
		o.pauseWorkers()
	case commandResume:
		if o.state != worker.Paused {
			state := o.state
			o.stateMu.Unlock()
			return fmt.Errorf("%w: cannot resume from state %s", ErrInvalidLifecycleTransition, state)
		}
		o.state = worker.Running
		o.startedAt = time.Now()
		o.stateMu.Unlock()
		o.resumeWorkers()
	case commandStop:
		if o.state == worker.Stopped {
			o.stateMu.Unlock()
			return fmt.Errorf("%w: already stopped", ErrInvalidLifecycleTransition)
		}
		o.state = worker.Stopped
		o.accumulateRunningLocked()
		o.stateMu.Unlock()
		o.stopWorkers()
	case commandReset:
		if o.state != worker.Stopped && o.state != worker.None {
			state := o.state
			o.stateMu.Unlock()
			return fmt.Errorf("%w: cannot reset from state %s", ErrInvalidLifecycleTransition, state)
		}
		o.state = worker.None
		o.runningMs = 0
		o.stateMu.Unlock()
		o.resetProgress()
	default:
		o.stateMu.Unlock()
		return fmt.Errorf("%w: unknown command %d", ErrInvalidLifecycleTransition, cmd)
	}
	o.broadcastStateChanged()
	return nil
}

// accumulateRunningLocked assumes stateMu is held; it folds the current
// running span into runningMs and clears startedAt.
func (o *Operator) accumulateRunningLocked() {
	if !o.startedAt.IsZero() {
		o.runningMs += time.Since(o.startedAt).Milliseconds()
		o.startedAt = time.Time{}
	}
}

// broadcastStateChanged closes and replaces changeCh, waking every blocked
// WaitForStateChanged caller, mirroring a condition-variable broadcast
// generalised from the teacher's per-task done channel.
func (o *Operator) broadcastStateChanged() {
	o.changeMu.Lock()
	close(o.changeCh)
	o.changeCh = make(chan struct{})
	o.changeMu.Unlock()
}

// WaitForStateChanged blocks until the next lifecycle transition or ctx is
// done.
func (o *Operator) WaitForStateChanged(ctx context.Context) error {
	o.changeMu.Lock()
	ch := o.changeCh
	o.changeMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Operator) Start() error        { return o.send(commandStart) }
func (o *Operator) StartOnce() error    { return o.send(commandStartOnce) }
func (o *Operator) SignalPause() error  { return o.send(commandPause) }
func (o *Operator) SignalResume() error { return o.send(commandResume) }
func (o *Operator) SignalStop() error   { return o.send(commandStop) }
func (o *Operator) SignalReset() error  { return o.send(commandReset) }

func (o *Operator) startWorkers() {
	for _, w := range o.workers {
		if err := w.Start(context.Background()); err != nil {
			o.log.Error("failed to start worker", "error", err)
		}
	}
}

// runWorkersOnce fans each worker's single doWork() out onto its own
// goroutine per spec.md §4.4's "runOnce() executes a single doWork() on a
// helper thread", and joins on a WaitGroup so commandStartOnce still only
// reports completion once every worker has actually finished its step —
// the postcondition S6 depends on. Running the N workers concurrently
// here also means the lifecycle goroutine itself never blocks inside a
// single worker's doWork; it only waits on the group.
func (o *Operator) runWorkersOnce() {
	var wg sync.WaitGroup
	wg.Add(len(o.workers))
	for _, w := range o.workers {
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.RunOnce(context.Background()); err != nil {
				o.log.Error("worker runOnce failed", "error", err)
			}
		}(w)
	}
	wg.Wait()
}

func (o *Operator) pauseWorkers() {
	for _, w := range o.workers {
		if err := w.SignalPause(); err != nil {
			o.log.Warn("worker pause rejected", "error", err)
		}
	}
}

func (o *Operator) resumeWorkers() {
	for _, w := range o.workers {
		if err := w.SignalResume(); err != nil {
			o.log.Warn("worker resume rejected", "error", err)
		}
	}
}

func (o *Operator) stopWorkers() {
	for _, w := range o.workers {
		if err := w.SignalStop(); err != nil {
			o.log.Warn("worker stop rejected", "error", err)
		}
	}
}

func (o *Operator) resetProgress() {
	o.progressMu.Lock()
	o.epochNumber = 0
	o.highestIterationNumber = 0
	o.pushedEpochNetworks = make(map[int][]collab.Network)
	o.pushedIterationNumbers = make(map[int][]int)
	o.progressMu.Unlock()
}
