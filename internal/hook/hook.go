// Package hook defines the Hook contract and the pure invocation planner
// that orders hooks by dependency and priority into foreground/background
// buckets.
package hook

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/wizardbeard/driftcore/internal/registry"
	"github.com/wizardbeard/driftcore/internal/timestep"
)

// Target names which network replica a hook's registry snapshot defaults
// to when not otherwise specified by the firing event.
type Target int

const (
	Local Target = iota
	Global
)

// Hook is a user-supplied callback bound to a TimeStep, with a required-hook
// set, invocation priority, a foreground/background flag, and a parameter
// registry. Invoke must be pure with respect to operator state except via
// registry writes.
type Hook interface {
	// ID is a stable identity assigned at construction, used as the map key
	// for liveness/dependency/planner bookkeeping (Hook values are not
	// generally comparable, so identity cannot be the Hook itself).
	ID() uuid.UUID
	TimeStep() timestep.TimeStep
	RequiredHooks() []Hook
	InvokePriority() int
	InvokeInBackground() bool
	RequiredRegistryKeys() []string
	Params() *registry.Registry
	DefaultTarget() Target
	// Equal reports functional equality, used to dedup attachments: two
	// hooks that would do the same thing are treated as one.
	Equal(other Hook) bool
	Invoke(reg *registry.Registry) error
}

// Func is a callback invoked with the event registry.
type Func func(reg *registry.Registry) error

// Basic is a minimal Hook implementation built from plain values, for
// hooks that need no bespoke type of their own — mirrors the corpus's
// preference for small functional adapters (nn.ActivationFunc,
// io.SensorFactory) over heavyweight interfaces.
type Basic struct {
	id           uuid.UUID
	step         timestep.TimeStep
	required     []Hook
	priority     int
	background   bool
	requiredKeys []string
	params       *registry.Registry
	target       Target
	equalityKey  string
	fn           Func
}

// Option configures a Basic hook at construction time.
type Option func(*Basic)

func WithRequiredHooks(required ...Hook) Option {
	return func(b *Basic) { b.required = append(b.required, required...) }
}

func WithPriority(p int) Option {
	return func(b *Basic) { b.priority = p }
}

func WithBackground(bg bool) Option {
	return func(b *Basic) { b.background = bg }
}

func WithRequiredRegistryKeys(keys ...string) Option {
	return func(b *Basic) { b.requiredKeys = append(b.requiredKeys, keys...) }
}

func WithDefaultTarget(t Target) Option {
	return func(b *Basic) { b.target = t }
}

// WithEqualityKey sets the string two Basic hooks are compared by for
// functional-equality dedup. Hooks built without one are never considered
// equal to any other hook (each is unique).
func WithEqualityKey(key string) Option {
	return func(b *Basic) { b.equalityKey = key }
}

// New constructs a Basic hook firing fn on the given TimeStep.
func New(step timestep.TimeStep, fn Func, opts ...Option) *Basic {
	b := &Basic{
		id:     uuid.New(),
		step:   step,
		params: registry.New("hook-params"),
		fn:     fn,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Basic) ID() uuid.UUID                  { return b.id }
func (b *Basic) TimeStep() timestep.TimeStep    { return b.step }
func (b *Basic) RequiredHooks() []Hook          { return append([]Hook(nil), b.required...) }
func (b *Basic) InvokePriority() int            { return b.priority }
func (b *Basic) InvokeInBackground() bool       { return b.background }
func (b *Basic) RequiredRegistryKeys() []string { return append([]string(nil), b.requiredKeys...) }
func (b *Basic) Params() *registry.Registry     { return b.params }
func (b *Basic) DefaultTarget() Target          { return b.target }

func (b *Basic) Equal(other Hook) bool {
	if other == nil || b.equalityKey == "" {
		return false
	}
	o, ok := other.(*Basic)
	if !ok {
		return false
	}
	return o.equalityKey == b.equalityKey
}

func (b *Basic) Invoke(reg *registry.Registry) error {
	if b.fn == nil {
		return fmt.Errorf("hook %s: no invoke function set", b.id)
	}
	return b.fn(reg)
}
