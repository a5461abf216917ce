package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wizardbeard/driftcore/internal/hook"
	"github.com/wizardbeard/driftcore/internal/registry"
	"github.com/wizardbeard/driftcore/internal/timestep"
)

// doWork performs exactly one training iteration, per spec.md §4.4.
func (w *Worker) doWork(ctx context.Context) error {
	block, ok, err := w.iterator.Next(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading training block: %v", ErrBackendError, err)
	}
	if !ok {
		w.fireLocal(timestep.Epoch)
		w.stateMu.Lock()
		w.epochNumber++
		w.iterationNumber = 0
		w.stateMu.Unlock()

		if err := w.iterator.Reset(ctx); err != nil {
			return fmt.Errorf("%w: resetting iterator at epoch boundary: %v", ErrBackendError, err)
		}
		block, ok, err = w.iterator.Next(ctx)
		if err != nil {
			return fmt.Errorf("%w: reading training block after reset: %v", ErrBackendError, err)
		}
		if !ok {
			return fmt.Errorf("%w: data iterator yielded no blocks for a fresh epoch", ErrBackendError)
		}
	}

	w.operator.PullProgress(w)

	if w.useSessions && w.handler != nil {
		w.handler.BeginSession()
	}
	if err := w.trainer.ProvideExternalInputData(w.network, block); err != nil {
		w.endSessionIfNeeded()
		return fmt.Errorf("%w: providing input data: %v", ErrBackendError, err)
	}
	if err := w.trainer.RunTrainingIteration(ctx, w.network, w.optimiser, w.shared, w.handler); err != nil {
		w.endSessionIfNeeded()
		return fmt.Errorf("%w: running training iteration: %v", ErrBackendError, err)
	}
	if err := w.trainer.ProvideExternalOutputData(w.network, block); err != nil {
		w.endSessionIfNeeded()
		return fmt.Errorf("%w: providing output data: %v", ErrBackendError, err)
	}
	w.endSessionIfNeeded()

	w.fireLocal(timestep.Iteration)

	w.stateMu.Lock()
	w.iterationNumber++
	w.runtimeMillis = time.Since(w.startedAt).Milliseconds()
	w.stateMu.Unlock()

	w.operator.PushProgress(w)
	return nil
}

func (w *Worker) endSessionIfNeeded() {
	if w.useSessions && w.handler != nil {
		w.handler.EndSession()
	}
}

// fireLocal fires every attached hook whose local TimeStep is this scale
// and whose tick fires this call, per spec.md §4.4's local hook firing
// procedure. bufferMu is released before any callback into w.operator: a
// dead hook's MarkHookDead can cascade into pushHooksToWorkers, which calls
// back into this same worker's SetLocalHooks — holding bufferMu across that
// callback would self-deadlock the worker against its own non-reentrant
// mutex.
func (w *Worker) fireLocal(scale timestep.Scale) {
	w.bufferMu.Lock()

	var firing []hook.Hook
	var dead []hook.Hook
	for _, h := range w.hooks {
		if h.TimeStep().Scale() != scale {
			continue
		}
		step := w.steps[h.ID().String()]
		if step == nil {
			continue
		}
		if step.Tick() {
			firing = append(firing, h)
		}
		if step.Dead() {
			dead = append(dead, h)
		}
	}
	if len(firing) == 0 {
		w.bufferMu.Unlock()
		for _, h := range dead {
			w.operator.MarkHookDead(w.index, h)
		}
		return
	}

	buf := w.buildBufferRegistry()

	sort.SliceStable(firing, func(i, j int) bool {
		return w.index32[firing[i].ID().String()] < w.index32[firing[j].ID().String()]
	})

	buckets := make(map[uint32][]hook.Hook)
	var foreground []hook.Hook
	for _, h := range firing {
		target := w.target32[h.ID().String()]
		if target == 0 {
			foreground = append(foreground, h)
			continue
		}
		buckets[target] = append(buckets[target], h)
	}
	w.bufferMu.Unlock()

	for _, h := range foreground {
		if err := h.Invoke(buf); err != nil {
			w.log.Error("local hook invocation failed", "hook", h.ID(), "error", err)
		}
	}

	for bucket, hooks := range buckets {
		keys := requiredKeysOf(hooks)
		snapshot := buf.Snapshot(keys...)
		w.operator.DispatchBackground(bucket, hooks, snapshot)
	}

	for _, h := range dead {
		w.operator.MarkHookDead(w.index, h)
	}
}

// buildBufferRegistry populates the reusable scratch registry from
// worker-local state ahead of a hook-firing pass, per spec.md §4.4's
// standard key set: network, optimiser, iterator, trainer, epoch,
// iteration, runtime_millis, shared. Each collaborator's own RegistryInto
// is also flattened in underneath (e.g. "layers.0.weights"), so
// glob-pattern requiredRegistryKeys and the merger's "layers.*.*" pattern
// keep resolving against the same buffer a hook can also read the
// collaborator object itself from.
func (w *Worker) buildBufferRegistry() *registry.Registry {
	buf := registry.New("worker-buffer")
	w.network.RegistryInto(buf)
	w.optimiser.RegistryInto(buf)
	w.iterator.RegistryInto(buf)
	w.trainer.RegistryInto(buf)
	buf.Set("network", w.network)
	buf.Set("optimiser", w.optimiser)
	buf.Set("iterator", w.iterator)
	buf.Set("trainer", w.trainer)
	buf.Set("epoch", w.epochNumber)
	buf.Set("iteration", w.iterationNumber)
	buf.Set("runtime_millis", w.runtimeMillis)
	buf.Set("shared", w.shared)
	return buf
}

// requiredKeysOf is the union of every hook's direct requiredRegistryKeys,
// resolver patterns included verbatim — Registry.Snapshot expands globs.
func requiredKeysOf(hooks []hook.Hook) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, h := range hooks {
		for _, k := range h.RequiredRegistryKeys() {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out
}
