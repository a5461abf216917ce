package netmerge

import (
	"testing"

	"github.com/wizardbeard/driftcore/internal/collab"
	"github.com/wizardbeard/driftcore/internal/densenet"
)

func asNetworks(nets ...*densenet.Network) []collab.Network {
	out := make([]collab.Network, len(nets))
	for i, n := range nets {
		out[i] = n
	}
	return out
}

func TestMergeAveragesMatchingParameters(t *testing.T) {
	target, _ := densenet.New(2, 3, 1)
	a, _ := densenet.New(2, 3, 1)
	b, _ := densenet.New(2, 3, 1)
	a.Randomize(1)
	b.Randomize(2)

	wantWeight := (a.Layers[0].Weights.At(0, 0) + b.Layers[0].Weights.At(0, 0)) / 2

	m := New(2)
	if err := m.Merge(target, asNetworks(a, b), nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got := target.Layers[0].Weights.At(0, 0)
	if diff := got - wantWeight; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected averaged weight %f, got %f", wantWeight, got)
	}
}

func TestMergeRejectsWorkerCountMismatch(t *testing.T) {
	target, _ := densenet.New(2, 2, 1)
	a, _ := densenet.New(2, 2, 1)

	m := New(2)
	if err := m.Merge(target, asNetworks(a), nil); err == nil {
		t.Fatal("expected ErrMergerMismatch for a single source against a 2-worker merger")
	}
}

func TestSumReducerDoesNotAverage(t *testing.T) {
	target, _ := densenet.New(2, 2, 1)
	a, _ := densenet.New(2, 2, 1)
	b, _ := densenet.New(2, 2, 1)
	a.Randomize(5)
	b.Randomize(6)
	want := a.Layers[0].Bias.AtVec(0) + b.Layers[0].Bias.AtVec(0)

	m := New(2)
	m.Reducer = SumReducer{}
	if err := m.Merge(target, asNetworks(a, b), nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got := target.Layers[0].Bias.AtVec(0)
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected summed bias %f, got %f", want, got)
	}
}
