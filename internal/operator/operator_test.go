package operator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wizardbeard/driftcore/internal/collab"
	"github.com/wizardbeard/driftcore/internal/densenet"
	"github.com/wizardbeard/driftcore/internal/hook"
	"github.com/wizardbeard/driftcore/internal/registry"
	"github.com/wizardbeard/driftcore/internal/timestep"
	"github.com/wizardbeard/driftcore/internal/worker"
)

func newBlock() map[string]any {
	return map[string]any{"input": []float64{0.1, 0.2}, "target": []float64{1}}
}

func newReplica(t *testing.T, blocks int) WorkerReplica {
	t.Helper()
	net, err := densenet.New(2, 3, 1)
	if err != nil {
		t.Fatalf("densenet.New: %v", err)
	}
	net.Randomize(1)
	converted := make([]collab.Block, blocks)
	for i := range converted {
		converted[i] = newBlock()
	}

	it := densenet.NewSliceIterator(converted...)
	return WorkerReplica{Network: net, Optimiser: densenet.NewSGD(0.1), Iterator: it}
}

func newTestOperator(t *testing.T, workerCount, blocksPerWorker int) *Operator {
	t.Helper()
	global, err := densenet.New(2, 3, 1)
	if err != nil {
		t.Fatalf("densenet.New: %v", err)
	}
	global.Randomize(1)

	replicas := make([]WorkerReplica, workerCount)
	for i := range replicas {
		replicas[i] = newReplica(t, blocksPerWorker)
	}

	op, err := New(Config{
		WorkerCount:   workerCount,
		Trainer:       densenet.NewBackpropTrainer(),
		GlobalNetwork: global,
		Replicas:      replicas,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return op
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

// S6: startOnce is legal from None/Paused/Stopped and leaves workers Paused.
func TestStartOnceRunsEachWorkerOnceThenPauses(t *testing.T) {
	op := newTestOperator(t, 1, 3)

	if err := op.StartOnce(); err != nil {
		t.Fatalf("StartOnce: %v", err)
	}
	for _, w := range op.workers {
		if w.State() != worker.Paused {
			t.Fatalf("expected worker paused after startOnce, got %s", w.State())
		}
		if w.LocalIterationNumber() != 1 {
			t.Fatalf("expected one iteration run, got %d", w.LocalIterationNumber())
		}
	}
}

// S1/S5: a single worker crossing two epochs, with pause/resume exercised
// around it, keeps (epoch, iteration) lexicographically increasing and
// rejects invalid transitions.
func TestSingleWorkerIterationMonotonicityAcrossEpochs(t *testing.T) {
	op := newTestOperator(t, 1, 2)

	if err := op.SignalPause(); err == nil {
		t.Fatalf("expected pause from None to be rejected")
	}

	// A local Iteration hook records (epoch, iteration) from the worker's
	// own buffer registry on every doWork, on the worker goroutine itself.
	var seqMu sync.Mutex
	var seq [][2]int
	probe := hook.New(timestep.Every(1, timestep.Iteration), func(reg *registry.Registry) error {
		e, _ := reg.Get("epoch")
		i, _ := reg.Get("iteration")
		seqMu.Lock()
		seq = append(seq, [2]int{e.(int), i.(int)})
		seqMu.Unlock()
		return nil
	})
	if _, err := op.AttachLocalHook(probe); err != nil {
		t.Fatalf("attach probe: %v", err)
	}

	if err := op.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	w := op.workers[0]
	ok := waitForCondition(t, time.Second, func() bool {
		return w.LocalEpochNumber() >= 1
	})
	if !ok {
		t.Fatalf("worker never crossed an epoch boundary, epoch=%d iter=%d", w.LocalEpochNumber(), w.LocalIterationNumber())
	}

	if err := op.SignalPause(); err != nil {
		t.Fatalf("SignalPause: %v", err)
	}
	if err := op.SignalPause(); err == nil {
		t.Fatalf("expected double pause to be rejected")
	}
	if err := op.SignalResume(); err != nil {
		t.Fatalf("SignalResume: %v", err)
	}
	if err := op.SignalStop(); err != nil {
		t.Fatalf("SignalStop: %v", err)
	}
	if op.State() != worker.Stopped {
		t.Fatalf("expected operator stopped, got %s", op.State())
	}

	seqMu.Lock()
	defer seqMu.Unlock()
	for k := 1; k < len(seq); k++ {
		prev, cur := seq[k-1], seq[k]
		if cur[0] < prev[0] || (cur[0] == prev[0] && cur[1] <= prev[1]) {
			t.Fatalf("(epoch, iteration) not strictly increasing: %v then %v", prev, cur)
		}
	}
}

// S2: four workers completing one epoch each push a replica; once all four
// have pushed, the merge runs and the global epoch number advances exactly
// once.
func TestFourWorkersMergeOnSharedEpochBoundary(t *testing.T) {
	op := newTestOperator(t, 4, 1)

	// One block per worker: the first StartOnce consumes each worker's only
	// block in epoch 0; the second finds the iterator exhausted
	// (fireLocal(Epoch), then reset) and trains the first block of epoch 1,
	// which is the push that crosses the epoch boundary.
	// runWorkersOnce runs every worker's doWork concurrently on its own
	// goroutine but waits for all of them, so by the time the second
	// StartOnce returns every replica has pushed its epoch-1 copy
	// regardless of the order they finished in.
	if err := op.StartOnce(); err != nil {
		t.Fatalf("StartOnce: %v", err)
	}
	if err := op.StartOnce(); err != nil {
		t.Fatalf("second StartOnce: %v", err)
	}
	for _, w := range op.workers {
		if w.LocalIterationNumber() != 1 {
			t.Fatalf("expected each worker at iteration 1, got %d", w.LocalIterationNumber())
		}
	}

	if op.EpochNumber() != 1 {
		t.Fatalf("expected global epoch to advance once all workers pushed, got %d", op.EpochNumber())
	}
}

// S4: two hooks that both require a functionally-equal hook R share a
// single attached instance of R; detaching one leaves R attached until the
// second is also detached.
func TestDependencyDedupAndCascadeDetach(t *testing.T) {
	op := newTestOperator(t, 1, 2)

	step := timestep.Every(1, timestep.Iteration)
	r := hook.New(step, func(reg *registry.Registry) error { return nil }, hook.WithEqualityKey("shared-required"))
	h1 := hook.New(step, func(reg *registry.Registry) error { return nil },
		hook.WithEqualityKey("h1"), hook.WithRequiredHooks(r))
	h2 := hook.New(step, func(reg *registry.Registry) error { return nil },
		hook.WithEqualityKey("h2"), hook.WithRequiredHooks(r))

	if _, err := op.AttachLocalHook(h1); err != nil {
		t.Fatalf("attach h1: %v", err)
	}
	if _, err := op.AttachLocalHook(h2); err != nil {
		t.Fatalf("attach h2: %v", err)
	}

	rKey := r.ID().String()
	if len(op.dependents[rKey]) != 2 {
		t.Fatalf("expected R to have 2 dependents, got %d", len(op.dependents[rKey]))
	}

	if ok, err := op.DetachLocalHook(h1); err != nil || !ok {
		t.Fatalf("detach h1: ok=%v err=%v", ok, err)
	}
	if _, stillThere := op.canonical()[rKey]; !stillThere {
		t.Fatalf("expected R to survive detaching h1 while h2 still requires it")
	}

	if ok, err := op.DetachLocalHook(h2); err != nil || !ok {
		t.Fatalf("detach h2: ok=%v err=%v", ok, err)
	}
	if _, stillThere := op.canonical()[rKey]; stillThere {
		t.Fatalf("expected R to be cascade-detached once both dependents are gone")
	}
}

// Hook dedup (operator-level): attaching the same functionally-equal hook twice is
// idempotent and does not duplicate firing.
func TestAttachLocalHookDedupsByFunctionalEquality(t *testing.T) {
	op := newTestOperator(t, 1, 5)

	var mu sync.Mutex
	calls := 0
	step := timestep.Every(1, timestep.Iteration)
	build := func() hook.Hook {
		return hook.New(step, func(reg *registry.Registry) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		}, hook.WithEqualityKey("counter"))
	}

	first, err := op.AttachLocalHook(build())
	if err != nil || !first {
		t.Fatalf("first attach: new=%v err=%v", first, err)
	}
	second, err := op.AttachLocalHook(build())
	if err != nil || second {
		t.Fatalf("second attach should be a no-op dedup: new=%v err=%v", second, err)
	}
	if len(op.localHooks) != 1 {
		t.Fatalf("expected exactly one canonical local hook, got %d", len(op.localHooks))
	}

	if err := op.StartOnce(); err != nil {
		t.Fatalf("StartOnce: %v", err)
	}
	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected the deduped hook to fire exactly once per iteration, got %d calls", got)
	}
}

// A hook attached as both local and global tracks two independent
// liveness states: exhausting its local firing budget (MarkHookDead)
// detaches it from local scope only, leaving the global attachment intact.
func TestDualAttachedHookIndependentLiveness(t *testing.T) {
	op := newTestOperator(t, 1, 2)

	step, err := timestep.New(timestep.Iteration, 1, 1)
	if err != nil {
		t.Fatalf("timestep.New: %v", err)
	}
	h := hook.New(step, func(reg *registry.Registry) error { return nil }, hook.WithEqualityKey("dual"))

	if _, err := op.AttachLocalHook(h); err != nil {
		t.Fatalf("attach local: %v", err)
	}
	if _, err := op.AttachGlobalHook(h); err != nil {
		t.Fatalf("attach global: %v", err)
	}

	key := h.ID().String()
	op.MarkHookDead(0, h)

	op.hooksMu.RLock()
	_, stillLocal := op.localHooks[key]
	_, stillGlobal := op.globalHooks[key]
	op.hooksMu.RUnlock()

	if stillLocal {
		t.Fatalf("expected local attachment to be dropped once its liveness is exhausted")
	}
	if !stillGlobal {
		t.Fatalf("expected global attachment to survive the local hook's death")
	}
}

// A bounded-liveTime local hook exhausting its liveness inside a real
// Worker's fireLocal must not deadlock: MarkHookDead's cascade into
// pushHooksToWorkers calls back into the very worker that is currently
// inside fireLocal, so fireLocal must have released its buffer lock before
// that callback runs. workerCount==1 makes the hook's single alive flag go
// false on the very first tick.
func TestBoundedLiveHookExhaustingInFireLocalDoesNotDeadlock(t *testing.T) {
	op := newTestOperator(t, 1, 2)

	step, err := timestep.New(timestep.Iteration, 1, 1)
	if err != nil {
		t.Fatalf("timestep.New: %v", err)
	}
	h := hook.New(step, func(reg *registry.Registry) error { return nil }, hook.WithEqualityKey("bounded-local"))
	if _, err := op.AttachLocalHook(h); err != nil {
		t.Fatalf("attach local: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- op.StartOnce() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartOnce: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("StartOnce deadlocked on a self-exhausting local hook")
	}

	key := h.ID().String()
	op.hooksMu.RLock()
	_, stillLocal := op.localHooks[key]
	op.hooksMu.RUnlock()
	if stillLocal {
		t.Fatalf("expected the exhausted hook to be detached from local scope")
	}
}

// invokeCommand's paired local+global hook accumulates completions past
// workerCount and fires onFinish exactly once.
func TestInvokeCommandFiresOnFinishAfterThresholdCompletions(t *testing.T) {
	op := newTestOperator(t, 2, 3)

	var mu sync.Mutex
	finished := 0
	cmd := NewCommand(func(reg *registry.Registry) error {
		return nil
	}, func() {
		mu.Lock()
		finished++
		mu.Unlock()
	})

	if err := op.InvokeCommand(cmd); err != nil {
		t.Fatalf("InvokeCommand: %v", err)
	}
	if err := op.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer op.Shutdown(context.Background())

	ok := waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return finished == 1
	})
	if !ok {
		t.Fatalf("expected onFinish to fire exactly once, got %d (completions=%d)", finished, cmd.Completions())
	}
}

// waitForStateChanged wakes exactly once per transition and respects ctx
// cancellation.
func TestWaitForStateChangedWakesOnTransitionAndCtx(t *testing.T) {
	op := newTestOperator(t, 1, 2)
	defer op.Shutdown(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- op.WaitForStateChanged(context.Background())
	}()

	if err := op.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForStateChanged: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitForStateChanged never woke on Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := op.WaitForStateChanged(ctx); err == nil {
		t.Fatalf("expected context deadline error when no transition occurs")
	}
}
