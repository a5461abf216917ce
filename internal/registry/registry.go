// Package registry implements the hierarchical, tagged, string-keyed
// mapping used as the sole data channel into hooks.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"
)

var ErrKeyNotFound = errors.New("registry: key not found")

// Registry is an ordered mapping string -> value, optionally parented
// (child lookups fall through to parent) and tagged.
type Registry struct {
	mu     sync.RWMutex
	name   string
	parent *Registry
	tags   map[string]struct{}
	values map[string]any
	order  []string
}

// New creates a root registry with the given name and tags.
func New(name string, tags ...string) *Registry {
	return &Registry{
		name:   name,
		tags:   tagSet(tags),
		values: make(map[string]any),
	}
}

// Child creates a registry parented to r: lookups that miss locally fall
// through to the parent chain.
func (r *Registry) Child(name string, tags ...string) *Registry {
	return &Registry{
		name:   name,
		parent: r,
		tags:   tagSet(tags),
		values: make(map[string]any),
	}
}

func tagSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}

// Name returns this registry's own name (not the full hierarchical path).
func (r *Registry) Name() string {
	return r.name
}

// HasTag reports whether this registry (not its parents) carries tag.
func (r *Registry) HasTag(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tags[tag]
	return ok
}

// Tags returns a sorted copy of this registry's own tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tags))
	for t := range r.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Set stores value under key in this registry (never in a parent).
func (r *Registry) Set(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.values[key]; !exists {
		r.order = append(r.order, key)
	}
	r.values[key] = value
}

// Get looks up key in this registry, falling through to parents on miss.
func (r *Registry) Get(key string) (any, bool) {
	for reg := r; reg != nil; reg = reg.parent {
		reg.mu.RLock()
		v, ok := reg.values[key]
		reg.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// MustGet is Get but returns ErrKeyNotFound instead of a boolean.
func (r *Registry) MustGet(key string) (any, error) {
	v, ok := r.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return v, nil
}

// Delete removes key from this registry only.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.values[key]; !exists {
		return
	}
	delete(r.values, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Keys returns this registry's own keys in insertion order (parents not
// included).
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// AllKeys returns the union of this registry's keys and every ancestor's
// keys, sorted, deduplicated (a child key shadows a parent key of the same
// name).
func (r *Registry) AllKeys() []string {
	seen := make(map[string]struct{})
	for reg := r; reg != nil; reg = reg.parent {
		reg.mu.RLock()
		for _, k := range reg.order {
			seen[k] = struct{}{}
		}
		reg.mu.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a detached, parentless Registry containing the values
// for keys (and any glob patterns in keys, expanded via Resolve against r
// and its ancestors). Background hooks use Snapshot to see a point-in-time
// copy that is immune to concurrent foreground writes.
func (r *Registry) Snapshot(keys ...string) *Registry {
	out := New(r.name + ".snapshot")
	resolved := make(map[string]struct{})
	for _, k := range keys {
		if strings.Contains(k, "*") {
			for _, match := range Resolve(r, k) {
				resolved[match] = struct{}{}
			}
			continue
		}
		resolved[k] = struct{}{}
	}
	names := make([]string, 0, len(resolved))
	for k := range resolved {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if v, ok := r.Get(k); ok {
			out.Set(k, snapshotCopy(v))
		}
	}
	return out
}

// snapshotCopy deep-copies the pointer-typed values a Network's
// RegistryInto exports (the live *mat.Dense/*mat.VecDense tensors a
// foreground training iteration mutates in place), so a Snapshot taken for
// a background hook is actually immune to the next doWork() call's
// backprop step rather than just aliasing the same matrix. Mirrors
// densenet.Layer.deepCopy's own mat.DenseCopyOf/CopyVec pattern. Any other
// value is returned as-is: ordinary Go value-copy assignment already
// isolates scalars and other immutable values.
func snapshotCopy(v any) any {
	switch t := v.(type) {
	case *mat.Dense:
		return mat.DenseCopyOf(t)
	case *mat.VecDense:
		c := mat.NewVecDense(t.Len(), nil)
		c.CopyVec(t)
		return c
	default:
		return v
	}
}
