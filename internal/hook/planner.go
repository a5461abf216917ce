package hook

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrCycle is returned when the required-hook graph contains a cycle.
var ErrCycle = errors.New("hook: required-hook dependency cycle")

// RequiredOf resolves a hook's *used* required hooks (post-dedup canonical
// instances) for planning purposes. The Operator supplies this, since only
// it knows which attached instance a nominal required hook resolved to.
type RequiredOf func(h Hook) []Hook

// Plan computes, for the given hook set, a total invocation order
// (invocationIndex) honouring required-hook precedence and invokePriority,
// plus a foreground/background bucket assignment (invocationTarget): 0 for
// foreground, a positive bucket id shared by a transitively-required
// background closure otherwise.
func Plan(hooks []Hook, requiredOf RequiredOf) (index map[uuid.UUID]uint32, target map[uuid.UUID]uint32, err error) {
	order, err := topologicalOrder(hooks, requiredOf)
	if err != nil {
		return nil, nil, err
	}

	index = make(map[uuid.UUID]uint32, len(order))
	for i, h := range order {
		index[h.ID()] = uint32(i)
	}

	target = assignTargets(order, requiredOf)
	return index, target, nil
}

// topologicalOrder performs a priority-ordered topological walk: among
// hooks whose required hooks have all already been placed, the one with
// the smallest InvokePriority goes next; ties keep the input order.
func topologicalOrder(hooks []Hook, requiredOf RequiredOf) ([]Hook, error) {
	byID := make(map[uuid.UUID]Hook, len(hooks))
	position := make(map[uuid.UUID]int, len(hooks))
	for i, h := range hooks {
		byID[h.ID()] = h
		position[h.ID()] = i
	}

	deps := make(map[uuid.UUID][]uuid.UUID, len(hooks))
	for _, h := range hooks {
		for _, req := range requiredOf(h) {
			if _, known := byID[req.ID()]; !known {
				// Required hook not part of this planning set (e.g. attached
				// at a different scope); it cannot gate ordering here.
				continue
			}
			deps[h.ID()] = append(deps[h.ID()], req.ID())
		}
	}

	placed := make(map[uuid.UUID]bool, len(hooks))
	var out []Hook

	for len(out) < len(hooks) {
		var ready []Hook
		for _, h := range hooks {
			if placed[h.ID()] {
				continue
			}
			if allPlaced(deps[h.ID()], placed) {
				ready = append(ready, h)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("%w", ErrCycle)
		}

		best := ready[0]
		for _, h := range ready[1:] {
			if h.InvokePriority() < best.InvokePriority() {
				best = h
				continue
			}
			if h.InvokePriority() == best.InvokePriority() && position[h.ID()] < position[best.ID()] {
				best = h
			}
		}

		out = append(out, best)
		placed[best.ID()] = true
	}
	return out, nil
}

func allPlaced(ids []uuid.UUID, placed map[uuid.UUID]bool) bool {
	for _, id := range ids {
		if !placed[id] {
			return false
		}
	}
	return true
}

// assignTargets promotes any hook transitively required by a foreground
// hook to foreground (target 0), then groups the remaining background
// hooks into self-contained dependency-closure buckets via union-find,
// numbering buckets by first appearance in visit order for determinism.
func assignTargets(order []Hook, requiredOf RequiredOf) map[uuid.UUID]uint32 {
	byID := make(map[uuid.UUID]Hook, len(order))
	for _, h := range order {
		byID[h.ID()] = h
	}

	foreground := make(map[uuid.UUID]bool, len(order))
	var markForeground func(h Hook)
	markForeground = func(h Hook) {
		if foreground[h.ID()] {
			return
		}
		foreground[h.ID()] = true
		for _, req := range requiredOf(h) {
			if r, ok := byID[req.ID()]; ok {
				markForeground(r)
			}
		}
	}
	for _, h := range order {
		if !h.InvokeInBackground() {
			markForeground(h)
		}
	}

	uf := newUnionFind()
	for _, h := range order {
		uf.add(h.ID())
	}
	for _, h := range order {
		if foreground[h.ID()] {
			continue
		}
		for _, req := range requiredOf(h) {
			r, ok := byID[req.ID()]
			if !ok || foreground[r.ID()] {
				continue
			}
			uf.union(h.ID(), r.ID())
		}
	}

	target := make(map[uuid.UUID]uint32, len(order))
	bucketOf := make(map[uuid.UUID]uint32)
	var next uint32 = 1
	for _, h := range order {
		if foreground[h.ID()] {
			target[h.ID()] = 0
			continue
		}
		root := uf.find(h.ID())
		bucket, ok := bucketOf[root]
		if !ok {
			bucket = next
			next++
			bucketOf[root] = bucket
		}
		target[h.ID()] = bucket
	}
	return target
}

type unionFind struct {
	parent map[uuid.UUID]uuid.UUID
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[uuid.UUID]uuid.UUID)}
}

func (u *unionFind) add(id uuid.UUID) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
	}
}

func (u *unionFind) find(id uuid.UUID) uuid.UUID {
	p, ok := u.parent[id]
	if !ok {
		u.parent[id] = id
		return id
	}
	if p == id {
		return id
	}
	root := u.find(p)
	u.parent[id] = root
	return root
}

func (u *unionFind) union(a, b uuid.UUID) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}
