package operator

import (
	"sort"

	"github.com/wizardbeard/driftcore/internal/collab"
	"github.com/wizardbeard/driftcore/internal/hook"
	"github.com/wizardbeard/driftcore/internal/netmerge"
	"github.com/wizardbeard/driftcore/internal/registry"
	"github.com/wizardbeard/driftcore/internal/timestep"
	"github.com/wizardbeard/driftcore/internal/worker"
)

// Shared returns the operator-level child registry tagged "shared",
// populated into every event's buffer registry alongside the standard
// keys, mirroring worker.Worker.Shared().
func (o *Operator) Shared() *registry.Registry { return o.shared }

// PullProgress implements worker.Operator, per spec.md §4.5: pull the
// global network into the worker's local replica at the start of a new
// epoch (workerCount > 1), so every worker begins an epoch from the same
// merged state.
func (o *Operator) PullProgress(w *worker.Worker) {
	if w.LocalIterationNumber() != 0 || o.workerCount <= 1 {
		return
	}
	o.networkMu.RLock()
	global := o.globalNetwork
	o.networkMu.RUnlock()
	w.SetNetwork(global.DeepCopy())
}

// PushProgress implements worker.Operator, per spec.md §4.5: record the
// worker's pushed epoch replica and iteration number, merging and firing
// global events once every worker has caught up.
func (o *Operator) PushProgress(w *worker.Worker) {
	workerIndex, ok := o.workerIndexOf[w]
	if !ok {
		return
	}

	localEpoch := w.LocalEpochNumber()
	localIteration := w.LocalIterationNumber()

	o.progressMu.Lock()
	crossedEpoch := localEpoch > o.epochNumber && localIteration == 1
	var mergeNow bool
	var mergeSources []collab.Network
	if crossedEpoch {
		slot := o.pushedEpochNetworks[localEpoch]
		if len(slot) >= o.workerCount {
			o.log.Error("worker pushed more epoch replicas than configured worker count",
				"error", netmerge.ErrMergerMismatch, "epoch", localEpoch)
		} else {
			slot = append(slot, w.Network().DeepCopy())
			o.pushedEpochNetworks[localEpoch] = slot
			if len(slot) == o.workerCount {
				mergeNow = true
				mergeSources = append(mergeSources, slot...)
				delete(o.pushedEpochNetworks, localEpoch)
			}
		}
	}
	o.progressMu.Unlock()

	if mergeNow {
		o.networkMu.Lock()
		if err := o.merger.Merge(o.globalNetwork, mergeSources, o.handler); err != nil {
			o.log.Error("network merge failed", "error", err)
		}
		o.networkMu.Unlock()

		o.progressMu.Lock()
		o.epochNumber = localEpoch
		o.progressMu.Unlock()
		o.fireGlobal(timestep.Epoch)
	}

	o.progressMu.Lock()
	iterSlot := o.pushedIterationNumbers[localEpoch]
	if iterSlot == nil {
		iterSlot = make([]int, o.workerCount)
		for i := range iterSlot {
			iterSlot[i] = -1
		}
	}
	iterSlot[workerIndex] = localIteration
	o.pushedIterationNumbers[localEpoch] = iterSlot

	fireIteration := localEpoch == o.epochNumber && allEqualAndSet(iterSlot)
	if fireIteration && localIteration > o.highestIterationNumber {
		o.highestIterationNumber = localIteration
	}
	o.progressMu.Unlock()

	if fireIteration {
		o.fireGlobal(timestep.Iteration)
	}
}

func allEqualAndSet(iterSlot []int) bool {
	if len(iterSlot) == 0 {
		return false
	}
	first := iterSlot[0]
	if first < 0 {
		return false
	}
	for _, v := range iterSlot[1:] {
		if v != first {
			return false
		}
	}
	return true
}

// fireGlobal runs the time-scale event ejection + invocation procedure for
// operator-owned global hooks, the global-scope analogue of
// worker.fireLocal.
func (o *Operator) fireGlobal(scale timestep.Scale) {
	o.hooksMu.Lock()

	var firing []hook.Hook
	var dead []hook.Hook
	for _, h := range o.globalHooks {
		if h.TimeStep().Scale() != scale {
			continue
		}
		step := o.globalSteps[h.ID().String()]
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

	for _, h := range dead {
		// Globally scoped hooks detach directly on localLiveTime == 0,
		// independent of per-worker aliveFlags (those track local hooks).
		// removeFromScope(key, false) only drops the global entry, so a
		// hook also attached locally keeps firing there.
		if len(o.dependents[h.ID().String()]) == 0 {
			o.removeFromScope(h.ID().String(), false)
		}
	}
	if len(dead) > 0 {
		o.replan()
		o.pushHooksToWorkers()
	}

	if len(firing) == 0 {
		o.hooksMu.Unlock()
		return
	}

	sort.SliceStable(firing, func(i, j int) bool {
		return o.globalIndex[firing[i].ID().String()] < o.globalIndex[firing[j].ID().String()]
	})

	buf := o.buildGlobalBufferRegistry()

	buckets := make(map[uint32][]hook.Hook)
	var foreground []hook.Hook
	for _, h := range firing {
		target := o.globalTarget[h.ID().String()]
		if target == 0 {
			foreground = append(foreground, h)
			continue
		}
		buckets[target] = append(buckets[target], h)
	}
	o.hooksMu.Unlock()

	for _, h := range foreground {
		if err := h.Invoke(buf); err != nil {
			o.log.Error("global hook invocation failed", "hook", h.ID(), "error", err)
		}
	}
	for bucket, hooks := range buckets {
		keys := requiredKeysOf(hooks)
		o.bg.submit(bucket, hooks, buf.Snapshot(keys...))
	}
}

// buildGlobalBufferRegistry is fireGlobal's analogue of
// worker.buildBufferRegistry: the same standard keys, minus the
// per-worker-only optimiser/iterator (the operator owns no single replica
// of either), plus network/trainer/shared set under their literal names
// alongside the flattened parameter keys.
func (o *Operator) buildGlobalBufferRegistry() *registry.Registry {
	buf := registry.New("operator-buffer")
	o.networkMu.RLock()
	o.globalNetwork.RegistryInto(buf)
	buf.Set("network", o.globalNetwork)
	o.networkMu.RUnlock()
	o.trainer.RegistryInto(buf)
	buf.Set("trainer", o.trainer)
	o.progressMu.Lock()
	buf.Set("epoch", o.epochNumber)
	buf.Set("iteration", o.highestIterationNumber)
	o.progressMu.Unlock()
	buf.Set("runtime_millis", o.RunningTimeMilliseconds())
	buf.Set("shared", o.shared)
	return buf
}

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
