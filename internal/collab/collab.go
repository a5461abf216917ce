// Package collab fixes the interfaces of the external collaborators this
// core consumes but does not own: the tensor backend, the network
// architecture, the data iterator, the optimiser, and the trainer. Concrete
// implementations live outside this package; internal/densenet provides a
// minimal reference Network used by the Operator/Worker tests.
package collab

import "context"

// Sink is the write side of a registry.Registry, kept minimal here so this
// package does not need to import registry itself.
type Sink interface {
	Set(key string, value any)
}

// Registrar is implemented by anything that exposes its internal state
// through a registry.Registry, the sole data channel into hooks.
type Registrar interface {
	// RegistryInto writes this collaborator's exported state (e.g. a
	// Network's parameters under "layers.*.*") into dst.
	RegistryInto(dst Sink)
}

// Network is the trained model, opaque to this core beyond deep-copy and
// registry export.
type Network interface {
	Registrar
	// DeepCopy returns an independent replica: mutating the copy must never
	// affect the original.
	DeepCopy() Network
}

// Optimiser is consumed but not implemented here.
type Optimiser interface {
	Registrar
	ShallowCopy() Optimiser
}

// Block is one epoch-iterator yield: named input/target tensors for a
// single training iteration.
type Block map[string]any

// DataIterator lazily yields the blocks for one epoch and resets at epoch
// boundaries. A pull-based iterator is sufficient; no generator machinery
// is required (spec design notes §9).
type DataIterator interface {
	Registrar
	// Next returns the next block of the current epoch, or ok=false when
	// the epoch's stream is exhausted.
	Next(ctx context.Context) (Block, bool, error)
	// Reset re-yields the iterator for a fresh epoch.
	Reset(ctx context.Context) error
	ShallowCopy() DataIterator
}

// ComputationHandler is the tensor backend: dense linear algebra, SIMD
// kernels, BLAS/LAPACK bindings — none of which this core implements.
type ComputationHandler interface {
	BeginSession()
	EndSession()
}

// Trainer drives exactly one optimiser step given a network, optimiser,
// registry, and backend handle.
type Trainer interface {
	Registrar
	ProvideExternalInputData(net Network, block Block) error
	RunTrainingIteration(ctx context.Context, net Network, opt Optimiser, reg Sink, handler ComputationHandler) error
	ProvideExternalOutputData(net Network, block Block) error
}
