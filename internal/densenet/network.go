// Package densenet is the reference Network/Optimiser/DataIterator/Trainer
// implementation exercised by the Operator/Worker tests. It stands in for
// the tensor backend and architecture collaborators spec.md treats as
// opaque (out of scope for this core), modeled on
// other_examples/AnthonyKot-gon__neuralnet.go's dense-layer-of-neurons
// structure, rebuilt over gonum matrices instead of hand-rolled float
// slices.
package densenet

import (
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/wizardbeard/driftcore/internal/collab"
)

// Layer is one dense layer: Weights is outputs x inputs, Bias is outputs x 1.
type Layer struct {
	Weights *mat.Dense
	Bias    *mat.VecDense
}

func (l *Layer) deepCopy() *Layer {
	w := mat.DenseCopyOf(l.Weights)
	b := mat.NewVecDense(l.Bias.Len(), nil)
	b.CopyVec(l.Bias)
	return &Layer{Weights: w, Bias: b}
}

// Network is a fully-connected feed-forward network with sigmoid hidden
// activations and a linear output layer.
type Network struct {
	Layers []*Layer
}

// New builds a network with the given layer sizes, e.g. New(4, 8, 2) for a
// 4-input, one 8-unit hidden layer, 2-output network. Weights start at
// zero; callers wanting non-trivial behavior should call Randomize.
func New(sizes ...int) (*Network, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("densenet: need at least input and output sizes, got %d sizes", len(sizes))
	}
	layers := make([]*Layer, 0, len(sizes)-1)
	for i := 1; i < len(sizes); i++ {
		in, out := sizes[i-1], sizes[i]
		layers = append(layers, &Layer{
			Weights: mat.NewDense(out, in, nil),
			Bias:    mat.NewVecDense(out, nil),
		})
	}
	return &Network{Layers: layers}, nil
}

// Randomize fills every weight/bias deterministically from seed, avoiding
// the symmetric zero-weight trap without pulling in a PRNG dependency not
// otherwise used by this package.
func (n *Network) Randomize(seed float64) {
	v := seed
	next := func() float64 {
		v = math.Mod(v*48271+1, 2147483647)
		return (v/2147483647)*2 - 1
	}
	for _, l := range n.Layers {
		r, c := l.Weights.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				l.Weights.Set(i, j, next()*0.5)
			}
			l.Bias.SetVec(i, next()*0.1)
		}
	}
}

// DeepCopy implements collab.Network.
func (n *Network) DeepCopy() collab.Network {
	out := &Network{Layers: make([]*Layer, len(n.Layers))}
	for i, l := range n.Layers {
		out.Layers[i] = l.deepCopy()
	}
	return out
}

// RegistryInto implements collab.Registrar, exporting every layer's weight
// matrix and bias vector under "layers.<index>.weights"/"layers.<index>.bias"
// — the key pattern NetworkMerger's default glob, "layers.*.*", matches.
func (n *Network) RegistryInto(dst collab.Sink) {
	for i, l := range n.Layers {
		dst.Set("layers."+strconv.Itoa(i)+".weights", l.Weights)
		dst.Set("layers."+strconv.Itoa(i)+".bias", l.Bias)
	}
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func sigmoidPrime(y float64) float64 { return y * (1 - y) }

// forwardPass runs input through every layer, returning each layer's
// pre-activation-free output (sigmoid for hidden layers, linear for the
// last) alongside the per-layer inputs backprop needs.
func (n *Network) forwardPass(input *mat.VecDense) (activations []*mat.VecDense) {
	activations = make([]*mat.VecDense, len(n.Layers)+1)
	activations[0] = input
	cur := input
	for i, l := range n.Layers {
		out, _ := l.Weights.Dims()
		z := mat.NewVecDense(out, nil)
		z.MulVec(l.Weights, cur)
		z.AddVec(z, l.Bias)
		if i < len(n.Layers)-1 {
			for k := 0; k < out; k++ {
				z.SetVec(k, sigmoid(z.AtVec(k)))
			}
		}
		activations[i+1] = z
		cur = z
	}
	return activations
}

// Forward runs a single inference pass and returns the output activation.
func (n *Network) Forward(input []float64) []float64 {
	in := mat.NewVecDense(len(input), input)
	activations := n.forwardPass(in)
	out := activations[len(activations)-1]
	result := make([]float64, out.Len())
	for i := range result {
		result[i] = out.AtVec(i)
	}
	return result
}
