package worker

import (
	"context"
	"sync"
	"testing"

	"github.com/wizardbeard/driftcore/internal/densenet"
	"github.com/wizardbeard/driftcore/internal/hook"
	"github.com/wizardbeard/driftcore/internal/registry"
	"github.com/wizardbeard/driftcore/internal/timestep"
)

type stubOperator struct {
	mu          sync.Mutex
	pulls       int
	pushes      int
	dispatched  []uint32
	deadReports int
	shared      *registry.Registry
}

func (s *stubOperator) Shared() *registry.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shared == nil {
		s.shared = registry.New("stub-operator-shared")
	}
	return s.shared
}

func (s *stubOperator) PullProgress(w *Worker) {
	s.mu.Lock()
	s.pulls++
	s.mu.Unlock()
}

func (s *stubOperator) PushProgress(w *Worker) {
	s.mu.Lock()
	s.pushes++
	s.mu.Unlock()
}

func (s *stubOperator) DispatchBackground(bucket uint32, hooks []hook.Hook, reg *registry.Registry) {
	s.mu.Lock()
	s.dispatched = append(s.dispatched, bucket)
	s.mu.Unlock()
	for _, h := range hooks {
		_ = h.Invoke(reg)
	}
}

func (s *stubOperator) MarkHookDead(workerIndex int, h hook.Hook) {
	s.mu.Lock()
	s.deadReports++
	s.mu.Unlock()
}

func newTestWorker(t *testing.T, op *stubOperator) *Worker {
	t.Helper()
	net, err := densenet.New(2, 3, 1)
	if err != nil {
		t.Fatalf("densenet.New: %v", err)
	}
	net.Randomize(1)
	block := map[string]any{"input": []float64{0.1, 0.2}, "target": []float64{1}}
	it := densenet.NewSliceIterator(block, block, block)
	w, err := New(Config{
		Index:     0,
		Operator:  op,
		Network:   net,
		Optimiser: densenet.NewSGD(0.1),
		Iterator:  it,
		Trainer:   densenet.NewBackpropTrainer(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestRunOnceExecutesOneIterationAndEndsPaused(t *testing.T) {
	op := &stubOperator{}
	w := newTestWorker(t, op)

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if w.State() != Paused {
		t.Fatalf("expected Paused after RunOnce, got %s", w.State())
	}
	if w.LocalIterationNumber() != 1 {
		t.Fatalf("expected iteration 1, got %d", w.LocalIterationNumber())
	}
	if op.pulls != 1 || op.pushes != 1 {
		t.Fatalf("expected one pull and one push, got pulls=%d pushes=%d", op.pulls, op.pushes)
	}
}

func TestDoWorkCrossesEpochBoundaryWhenIteratorExhausted(t *testing.T) {
	op := &stubOperator{}
	w := newTestWorker(t, op)

	// Three calls consume the 3-block epoch; the fourth finds the iterator
	// exhausted, crosses into epoch 1, and trains its first block.
	for i := 0; i < 4; i++ {
		if err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}
	if w.LocalEpochNumber() != 1 {
		t.Fatalf("expected epoch 1 after a 3-block epoch plus one more call, got %d", w.LocalEpochNumber())
	}
	if w.LocalIterationNumber() != 1 {
		t.Fatalf("expected iteration 1 into the new epoch, got %d", w.LocalIterationNumber())
	}
}

func TestSignalPauseAndResumeRejectInvalidTransitions(t *testing.T) {
	op := &stubOperator{}
	w := newTestWorker(t, op)

	if err := w.SignalPause(); err == nil {
		t.Fatal("expected error pausing from None")
	}
	if err := w.SignalResume(); err == nil {
		t.Fatal("expected error resuming from None")
	}
}

func TestFireLocalInvokesForegroundHookSynchronously(t *testing.T) {
	op := &stubOperator{}
	w := newTestWorker(t, op)

	invoked := false
	h := hook.New(timestep.Every(1, timestep.Iteration), func(reg *registry.Registry) error {
		invoked = true
		return nil
	})
	w.SetLocalHooks([]hook.Hook{h}, map[string]uint32{h.ID().String(): 0}, map[string]uint32{h.ID().String(): 0})

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !invoked {
		t.Fatal("expected foreground hook to be invoked")
	}
}

func TestFireLocalDispatchesBackgroundBucket(t *testing.T) {
	op := &stubOperator{}
	w := newTestWorker(t, op)

	h := hook.New(timestep.Every(1, timestep.Iteration), func(reg *registry.Registry) error { return nil }, hook.WithBackground(true))
	w.SetLocalHooks([]hook.Hook{h}, map[string]uint32{h.ID().String(): 0}, map[string]uint32{h.ID().String(): 1})

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(op.dispatched) != 1 || op.dispatched[0] != 1 {
		t.Fatalf("expected one dispatch to bucket 1, got %v", op.dispatched)
	}
}

func TestFireLocalReportsDeadHooks(t *testing.T) {
	op := &stubOperator{}
	w := newTestWorker(t, op)

	step, err := timestep.New(timestep.Iteration, 1, 1)
	if err != nil {
		t.Fatalf("timestep.New: %v", err)
	}
	h := hook.New(step, func(reg *registry.Registry) error { return nil })
	w.SetLocalHooks([]hook.Hook{h}, map[string]uint32{h.ID().String(): 0}, map[string]uint32{h.ID().String(): 0})

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if op.deadReports != 1 {
		t.Fatalf("expected exactly one dead-hook report, got %d", op.deadReports)
	}
}
