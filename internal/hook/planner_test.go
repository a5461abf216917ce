package hook

import (
	"testing"

	"github.com/wizardbeard/driftcore/internal/registry"
	"github.com/wizardbeard/driftcore/internal/timestep"
)

func noop(*registry.Registry) error { return nil }

func plainRequiredOf(h Hook) []Hook { return h.RequiredHooks() }

func TestPlanOrdersByPriorityThenDependency(t *testing.T) {
	// S3: A(priority 10), B(priority 0), C(priority 5, requires A) -> B, A, C
	step := timestep.Every(1, timestep.Iteration)
	a := New(step, noop, WithPriority(10))
	b := New(step, noop, WithPriority(0))
	c := New(step, noop, WithPriority(5), WithRequiredHooks(a))

	hooks := []Hook{a, b, c}
	index, _, err := Plan(hooks, plainRequiredOf)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !(index[b.ID()] < index[a.ID()] && index[a.ID()] < index[c.ID()]) {
		t.Fatalf("expected order B, A, C; got indices b=%d a=%d c=%d", index[b.ID()], index[a.ID()], index[c.ID()])
	}
}

func TestPlanDetectsCycle(t *testing.T) {
	step := timestep.Every(1, timestep.Iteration)
	a := New(step, noop)
	b := New(step, noop, WithRequiredHooks(a))
	// Manually wire a cycle: a requires b, b requires a.
	a.required = append(a.required, b)

	_, _, err := Plan([]Hook{a, b}, plainRequiredOf)
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestPlanPromotesBackgroundRequiredByForeground(t *testing.T) {
	step := timestep.Every(1, timestep.Iteration)
	bg := New(step, noop, WithBackground(true))
	fg := New(step, noop, WithRequiredHooks(bg))

	_, target, err := Plan([]Hook{bg, fg}, plainRequiredOf)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if target[bg.ID()] != 0 {
		t.Fatalf("background hook required by foreground must be promoted to target 0, got %d", target[bg.ID()])
	}
	if target[fg.ID()] != 0 {
		t.Fatalf("foreground hook must have target 0, got %d", target[fg.ID()])
	}
}

func TestPlanGroupsBackgroundClosureIntoSameBucket(t *testing.T) {
	step := timestep.Every(1, timestep.Iteration)
	leaf := New(step, noop, WithBackground(true))
	mid := New(step, noop, WithBackground(true), WithRequiredHooks(leaf))
	top := New(step, noop, WithBackground(true), WithRequiredHooks(mid))
	unrelated := New(step, noop, WithBackground(true))

	_, target, err := Plan([]Hook{leaf, mid, top, unrelated}, plainRequiredOf)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if target[leaf.ID()] == 0 || target[mid.ID()] == 0 || target[top.ID()] == 0 {
		t.Fatal("background closure hooks must not get target 0")
	}
	if target[leaf.ID()] != target[mid.ID()] || target[mid.ID()] != target[top.ID()] {
		t.Fatalf("closure must share one bucket: leaf=%d mid=%d top=%d", target[leaf.ID()], target[mid.ID()], target[top.ID()])
	}
	if target[unrelated.ID()] == target[leaf.ID()] {
		t.Fatal("unrelated background hook must not share the closure's bucket")
	}
}

func TestPlanPriorityTieBreaksByInsertionOrder(t *testing.T) {
	step := timestep.Every(1, timestep.Iteration)
	first := New(step, noop, WithPriority(5))
	second := New(step, noop, WithPriority(5))

	index, _, err := Plan([]Hook{first, second}, plainRequiredOf)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if index[first.ID()] > index[second.ID()] {
		t.Fatal("equal-priority hooks must keep insertion order")
	}
}

func TestPlanEmptyRequiredSetIsLegal(t *testing.T) {
	step := timestep.Every(1, timestep.Iteration)
	solo := New(step, noop)
	_, _, err := Plan([]Hook{solo}, plainRequiredOf)
	if err != nil {
		t.Fatalf("Plan with empty required set: %v", err)
	}
}
