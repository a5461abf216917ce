// Package netmerge implements the NetworkMerger component: reduction of N
// worker network replicas into one global network, parameter-wise over a
// resolver glob pattern. Grounded on
// other_examples/AnthonyKot-gon__neuralnet.go's MAX_WORKERS goroutine pool
// for fanning the per-parameter reduction out across workers, and on
// gonum.org/v1/gonum/mat for the arithmetic itself.
package netmerge

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/wizardbeard/driftcore/internal/collab"
	"github.com/wizardbeard/driftcore/internal/registry"
)

// ErrMergerMismatch is raised when the number of source replicas does not
// match the merger's configured worker count.
var ErrMergerMismatch = errors.New("netmerge: source replica count mismatch")

// Reducer collapses the values gathered for one parameter key across every
// source replica into the value target should hold.
type Reducer interface {
	Reduce(values []any) (any, error)
}

// MergerHandler is a narrowed collab.ComputationHandler, accepted so the
// merger does not need to import collab types beyond Network/Registrar.
type MergerHandler interface {
	BeginSession()
	EndSession()
}

// Merger performs parameter-wise reduction of worker network replicas into
// a target network, matching spec §4.3: for every key the pattern matches,
// target's value becomes reduce(sources' values); unmatched keys are
// untouched.
type Merger struct {
	Pattern      string
	Reducer      Reducer
	WorkerCount  int
	Concurrency  int
}

// New builds a Merger with the default pattern "layers.*.*", MeanReducer,
// and a worker count workers must match on every Merge call.
func New(workerCount int) *Merger {
	return &Merger{
		Pattern:     "layers.*.*",
		Reducer:     MeanReducer{},
		WorkerCount: workerCount,
		Concurrency: 8,
	}
}

// Merge updates target in place: for every registry key target and every
// source export that matches Pattern, target's parameter becomes
// m.Reducer.Reduce of the sources' values at that key.
func (m *Merger) Merge(target collab.Network, sources []collab.Network, handler MergerHandler) error {
	if len(sources) != m.WorkerCount {
		return fmt.Errorf("%w: merger configured for %d workers, got %d sources", ErrMergerMismatch, m.WorkerCount, len(sources))
	}
	if handler != nil {
		handler.BeginSession()
		defer handler.EndSession()
	}

	targetReg := registry.New("netmerge-target")
	target.RegistryInto(targetReg)
	keys := registry.Resolve(targetReg, m.Pattern)
	if len(keys) == 0 {
		return nil
	}

	sourceRegs := make([]*registry.Registry, len(sources))
	for i, s := range sources {
		r := registry.New("netmerge-source")
		s.RegistryInto(r)
		sourceRegs[i] = r
	}

	concurrency := m.Concurrency
	if concurrency <= 0 || concurrency > len(keys) {
		concurrency = len(keys)
	}

	type job struct {
		key string
	}
	jobs := make(chan job, len(keys))
	for _, k := range keys {
		jobs <- job{key: k}
	}
	close(jobs)

	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for j := range jobs {
				values := make([]any, len(sourceRegs))
				missing := false
				for i, sr := range sourceRegs {
					v, ok := sr.Get(j.key)
					if !ok {
						missing = true
						break
					}
					values[i] = v
				}
				if missing {
					continue
				}
				reduced, err := m.Reducer.Reduce(values)
				if err != nil {
					errs[slot] = fmt.Errorf("netmerge: reducing %q: %w", j.key, err)
					continue
				}
				targetVal, _ := targetReg.Get(j.key)
				if err := assignInto(targetVal, reduced); err != nil {
					errs[slot] = fmt.Errorf("netmerge: assigning %q: %w", j.key, err)
				}
			}
		}(w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// assignInto copies reduced's data into target's underlying storage, since
// target's registry export holds the live *mat.Dense/*mat.VecDense the
// network actually reads from.
func assignInto(target, reduced any) error {
	switch t := target.(type) {
	case *mat.Dense:
		r, ok := reduced.(*mat.Dense)
		if !ok {
			return fmt.Errorf("reduced value is %T, not *mat.Dense", reduced)
		}
		t.Copy(r)
		return nil
	case *mat.VecDense:
		r, ok := reduced.(*mat.VecDense)
		if !ok {
			return fmt.Errorf("reduced value is %T, not *mat.VecDense", reduced)
		}
		t.CopyVec(r)
		return nil
	default:
		return fmt.Errorf("unsupported parameter type %T", target)
	}
}
