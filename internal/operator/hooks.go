package operator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/wizardbeard/driftcore/internal/hook"
)

// canonical is the single namespace for every hook known to the operator,
// local or global; localHooks/globalHooks (declared in operator.go) record
// which scope(s) a canonical hook participates in. This mirrors the design
// notes' "arena of hook handles with explicit dependents and
// usedRequiredHook maps": functional-equality dedup and reference-counted
// detachment operate over one namespace regardless of scope.
func (o *Operator) canonical() map[string]hook.Hook {
	// localHooks ∪ globalHooks is the canonical store; every attached hook
	// appears in at least one of them.
	merged := make(map[string]hook.Hook, len(o.localHooks)+len(o.globalHooks))
	for id, h := range o.localHooks {
		merged[id] = h
	}
	for id, h := range o.globalHooks {
		merged[id] = h
	}
	return merged
}

// resolveEqual scans every currently attached hook for functional equality
// with h, per the spec's dedup contract. Must be called with hooksMu held.
func (o *Operator) resolveEqual(h hook.Hook) (hook.Hook, bool) {
	for _, existing := range o.canonical() {
		if existing.Equal(h) {
			return existing, true
		}
	}
	return nil, false
}

// ensureAttached recursively attaches h's required-hook closure into the
// given scope (deduping by functional equality against anything already
// attached), returning the canonical instance h now resolves to. A
// required hook is inserted into set itself, not just tracked in
// dependents — otherwise it would be tracked as a dependency but never
// actually planned or invoked. Must be called with hooksMu held.
func (o *Operator) ensureAttached(h hook.Hook, set map[string]hook.Hook) hook.Hook {
	if existing, ok := o.resolveEqual(h); ok {
		return existing
	}
	for _, req := range h.RequiredHooks() {
		canonicalReq := o.ensureAttached(req, set)
		reqKey := canonicalReq.ID().String()
		set[reqKey] = canonicalReq
		o.requiredHookUse[req.ID().String()] = reqKey
		if o.dependents[reqKey] == nil {
			o.dependents[reqKey] = make(map[string]bool)
		}
		o.dependents[reqKey][h.ID().String()] = true
	}
	o.aliveFlags[h.ID().String()] = make([]bool, o.workerCount)
	for i := range o.aliveFlags[h.ID().String()] {
		o.aliveFlags[h.ID().String()][i] = true
	}
	return h
}

// canonicalRequiredOf resolves a hook's required hooks to their canonical
// attached instances, for planner ordering.
func (o *Operator) canonicalRequiredOf(h hook.Hook) []hook.Hook {
	merged := o.canonical()
	var out []hook.Hook
	for _, req := range h.RequiredHooks() {
		canonicalID, ok := o.requiredHookUse[req.ID().String()]
		if !ok {
			canonicalID = req.ID().String()
		}
		if c, ok := merged[canonicalID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// AttachLocalHook attaches h (or reuses a functionally-equal already
// attached hook) scoped to local (per-worker) firing. Returns false if a
// functionally-equal hook was already attached in this scope (idempotent),
// true if newly attached. Rejects cycles with ErrDependencyViolation.
func (o *Operator) AttachLocalHook(h hook.Hook) (bool, error) {
	return o.attach(h, true)
}

// AttachGlobalHook attaches h scoped to global (operator-fired) events.
func (o *Operator) AttachGlobalHook(h hook.Hook) (bool, error) {
	return o.attach(h, false)
}

func (o *Operator) attach(h hook.Hook, local bool) (bool, error) {
	o.hooksMu.Lock()
	defer o.hooksMu.Unlock()

	set := o.localHooks
	if !local {
		set = o.globalHooks
	}

	canonical := o.ensureAttached(h, set)
	key := canonical.ID().String()
	alreadyExplicit := o.explicitScope(key, local)

	set[key] = canonical
	o.requiredHookUse[h.ID().String()] = key

	if err := o.validateNoCycles(); err != nil {
		delete(set, key)
		return false, err
	}

	o.replan()
	o.pushHooksToWorkers()
	return !alreadyExplicit, nil
}

func (o *Operator) explicitScope(key string, local bool) bool {
	if local {
		_, ok := o.localHooks[key]
		return ok
	}
	_, ok := o.globalHooks[key]
	return ok
}

// DetachLocalHook detaches h (resolved by functional equality) from the
// local scope. Returns ErrDependencyViolation if other attached hooks
// still require it.
func (o *Operator) DetachLocalHook(h hook.Hook) (bool, error) {
	return o.detach(h, true)
}

// DetachGlobalHook detaches h from the global scope.
func (o *Operator) DetachGlobalHook(h hook.Hook) (bool, error) {
	return o.detach(h, false)
}

func (o *Operator) detach(h hook.Hook, local bool) (bool, error) {
	o.hooksMu.Lock()
	defer o.hooksMu.Unlock()

	canonical, ok := o.resolveEqual(h)
	if !ok {
		return false, nil
	}
	key := canonical.ID().String()

	set := o.localHooks
	if !local {
		set = o.globalHooks
	}
	if _, ok := set[key]; !ok {
		return false, nil
	}
	if len(o.dependents[key]) > 0 {
		return false, fmt.Errorf("%w: hook %s still required by %d other hook(s)", ErrDependencyViolation, key, len(o.dependents[key]))
	}

	o.removeFromScope(key, local)
	o.replan()
	o.pushHooksToWorkers()
	return true, nil
}

// removeFromScope deletes a hook from the named scope only and cascades
// the same scoped removal through its own required-hook edges once they
// become unreferenced. A hook attached to both scopes keeps its other
// scope's entry intact — this is what makes local and global liveness
// independent for a dual-attached hook (spec.md §9 open question:
// MarkHookDead is local-only and must never reach into global scope, and
// symmetrically fireGlobal's own dead-hook ejection must never reach into
// local scope). aliveFlags/globalSteps are only dropped once neither scope
// still references the key. hooksMu must be held.
func (o *Operator) removeFromScope(key string, local bool) {
	set, other := o.localHooks, o.globalHooks
	if !local {
		set, other = o.globalHooks, o.localHooks
	}
	h, ok := set[key]
	if !ok {
		return
	}
	delete(set, key)
	if _, stillAttached := other[key]; !stillAttached {
		delete(o.aliveFlags, key)
		delete(o.globalSteps, key)
	}

	for _, req := range h.RequiredHooks() {
		reqKey := req.ID().String()
		if canonicalID, ok := o.requiredHookUse[req.ID().String()]; ok {
			reqKey = canonicalID
		}
		delete(o.dependents[reqKey], key)
		if len(o.dependents[reqKey]) == 0 {
			delete(o.dependents, reqKey)
			o.removeFromScope(reqKey, local)
		}
	}
}

// validateNoCycles runs the planner over the current local and global hook
// sets purely to surface ErrCycle as ErrDependencyViolation; it discards
// the computed order (replan recomputes it for real after validation).
func (o *Operator) validateNoCycles() error {
	for _, hooks := range [][]hook.Hook{mapValues(o.localHooks), mapValues(o.globalHooks)} {
		if _, _, err := hook.Plan(hooks, o.canonicalRequiredOf); err != nil {
			return fmt.Errorf("%w: %v", ErrDependencyViolation, err)
		}
	}
	return nil
}

// replan recomputes invocationIndex/invocationTarget for both scopes.
// hooksMu must be held.
func (o *Operator) replan() {
	localHooks := mapValues(o.localHooks)
	idx, tgt, err := hook.Plan(localHooks, o.canonicalRequiredOf)
	if err == nil {
		o.localIndex = uuidMapToStringMap(idx)
		o.localTarget = uuidMapToStringMap(tgt)
	}

	globalHooks := mapValues(o.globalHooks)
	idx, tgt, err = hook.Plan(globalHooks, o.canonicalRequiredOf)
	if err == nil {
		o.globalIndex = uuidMapToStringMap(idx)
		o.globalTarget = uuidMapToStringMap(tgt)
	}

	for _, h := range globalHooks {
		key := h.ID().String()
		if _, ok := o.globalSteps[key]; !ok {
			step := h.TimeStep().DeepCopy()
			o.globalSteps[key] = &step
		}
	}
}

// pushHooksToWorkers installs the freshly replanned local hook set and
// invocation maps on every worker. hooksMu must be held.
func (o *Operator) pushHooksToWorkers() {
	localHooks := mapValues(o.localHooks)
	for _, w := range o.workers {
		w.SetLocalHooks(localHooks, o.localIndex, o.localTarget)
	}
}

// MarkHookDead implements worker.Operator: it records that hook h's local
// liveTime reached zero for workerIndex. Per the spec's preserved open
// question, dead marking stays local-only — a hook attached as both local
// and global is never auto-detached here from its global liveness, even
// though that means a hook attached to both scopes can outlive its local
// instance. See DESIGN.md.
func (o *Operator) MarkHookDead(workerIndex int, h hook.Hook) {
	o.hooksMu.Lock()
	defer o.hooksMu.Unlock()

	canonical, ok := o.resolveEqual(h)
	if !ok {
		return
	}
	key := canonical.ID().String()
	flags, ok := o.aliveFlags[key]
	if !ok || workerIndex < 0 || workerIndex >= len(flags) {
		return
	}
	flags[workerIndex] = false

	for _, alive := range flags {
		if alive {
			return
		}
	}
	// aliveFlags are all false across every worker: detach this local hook.
	// Only the local scope is touched; a hook also attached globally keeps
	// firing as a global hook until its own global TimeStep runs out.
	if len(o.dependents[key]) == 0 {
		o.removeFromScope(key, true)
		o.replan()
		o.pushHooksToWorkers()
	}
}

func mapValues(m map[string]hook.Hook) []hook.Hook {
	out := make([]hook.Hook, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	return out
}

func uuidMapToStringMap(m map[uuid.UUID]uint32) map[string]uint32 {
	out := make(map[string]uint32, len(m))
	for id, v := range m {
		out[id.String()] = v
	}
	return out
}
