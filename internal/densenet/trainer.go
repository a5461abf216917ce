package densenet

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/wizardbeard/driftcore/internal/collab"
)

// SGD is the reference Optimiser: plain stochastic gradient descent with a
// fixed learning rate, grounded on AnthonyKot-gon__neuralnet.go's
// UpdateWeights(learningRate) step.
type SGD struct {
	LearningRate float64
}

func NewSGD(learningRate float64) *SGD {
	return &SGD{LearningRate: learningRate}
}

func (s *SGD) RegistryInto(dst collab.Sink) {
	dst.Set("optimiser.learning_rate", s.LearningRate)
}

func (s *SGD) ShallowCopy() collab.Optimiser {
	return &SGD{LearningRate: s.LearningRate}
}

// SliceIterator replays a fixed, in-memory sequence of blocks for one
// epoch, then reports exhaustion until Reset.
type SliceIterator struct {
	blocks []collab.Block
	pos    int
}

func NewSliceIterator(blocks ...collab.Block) *SliceIterator {
	return &SliceIterator{blocks: blocks}
}

func (it *SliceIterator) RegistryInto(dst collab.Sink) {
	dst.Set("iterator.position", it.pos)
	dst.Set("iterator.size", len(it.blocks))
}

func (it *SliceIterator) Next(ctx context.Context) (collab.Block, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if it.pos >= len(it.blocks) {
		return nil, false, nil
	}
	b := it.blocks[it.pos]
	it.pos++
	return b, true, nil
}

func (it *SliceIterator) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	it.pos = 0
	return nil
}

func (it *SliceIterator) ShallowCopy() collab.DataIterator {
	return &SliceIterator{blocks: it.blocks, pos: it.pos}
}

// BackpropTrainer runs one mean-squared-error gradient step per call to
// RunTrainingIteration, backpropagated through every dense layer in place,
// grounded on AnthonyKot-gon__neuralnet.go's per-sample FeedForward +
// UpdateWeights pair.
type BackpropTrainer struct {
	InputKey  string
	TargetKey string

	// lastInput/lastTarget stage the block data captured by
	// ProvideExternalInputData (which reads both the input and the target
	// key) for the RunTrainingIteration call that follows it, so the fixed
	// input -> step -> output call sequence works.
	// ProvideExternalOutputData only re-stages the target.
	lastInput  []float64
	lastTarget []float64
}

func NewBackpropTrainer() *BackpropTrainer {
	return &BackpropTrainer{InputKey: "input", TargetKey: "target"}
}

func (t *BackpropTrainer) RegistryInto(dst collab.Sink) {
	dst.Set("trainer.input_key", t.InputKey)
	dst.Set("trainer.target_key", t.TargetKey)
}

func (t *BackpropTrainer) ProvideExternalInputData(net collab.Network, block collab.Block) error {
	v, ok := block[t.InputKey]
	if !ok {
		return fmt.Errorf("densenet trainer: block missing input key %q", t.InputKey)
	}
	input, ok := v.([]float64)
	if !ok {
		return fmt.Errorf("densenet trainer: input key %q is %T, not []float64", t.InputKey, v)
	}
	tv, ok := block[t.TargetKey]
	if !ok {
		return fmt.Errorf("densenet trainer: block missing target key %q", t.TargetKey)
	}
	target, ok := tv.([]float64)
	if !ok {
		return fmt.Errorf("densenet trainer: target key %q is %T, not []float64", t.TargetKey, tv)
	}
	t.lastInput, t.lastTarget = input, target
	return nil
}

func (t *BackpropTrainer) ProvideExternalOutputData(net collab.Network, block collab.Block) error {
	v, ok := block[t.TargetKey]
	if !ok {
		return fmt.Errorf("densenet trainer: block missing target key %q", t.TargetKey)
	}
	target, ok := v.([]float64)
	if !ok {
		return fmt.Errorf("densenet trainer: target key %q is %T, not []float64", t.TargetKey, v)
	}
	t.lastTarget = target
	return nil
}

func (t *BackpropTrainer) RunTrainingIteration(ctx context.Context, network collab.Network, opt collab.Optimiser, reg collab.Sink, handler collab.ComputationHandler) error {
	net, ok := network.(*Network)
	if !ok {
		return fmt.Errorf("densenet trainer: network is %T, not *densenet.Network", network)
	}
	sgd, ok := opt.(*SGD)
	if !ok {
		return fmt.Errorf("densenet trainer: optimiser is %T, not *densenet.SGD", opt)
	}
	input, target := t.lastInput, t.lastTarget
	if input == nil || target == nil {
		return fmt.Errorf("densenet trainer: ProvideExternalInputData must run before RunTrainingIteration")
	}
	if handler != nil {
		handler.BeginSession()
		defer handler.EndSession()
	}

	activations := net.forwardPass(mat.NewVecDense(len(input), input))
	out := activations[len(activations)-1]

	loss := 0.0
	delta := mat.NewVecDense(out.Len(), nil)
	for i := 0; i < out.Len(); i++ {
		d := out.AtVec(i) - target[i]
		loss += d * d
		delta.SetVec(i, d)
	}
	loss /= float64(out.Len())
	reg.Set("trainer.last_loss", loss)

	for li := len(net.Layers) - 1; li >= 0; li-- {
		layer := net.Layers[li]
		a := activations[li]
		out, in := layer.Weights.Dims()

		if li < len(net.Layers)-1 {
			for k := 0; k < out; k++ {
				delta.SetVec(k, delta.AtVec(k)*sigmoidPrime(activations[li+1].AtVec(k)))
			}
		}

		nextDelta := mat.NewVecDense(in, nil)
		nextDelta.MulVec(layer.Weights.T(), delta)

		for o := 0; o < out; o++ {
			d := delta.AtVec(o)
			for i := 0; i < in; i++ {
				layer.Weights.Set(o, i, layer.Weights.At(o, i)-sgd.LearningRate*d*a.AtVec(i))
			}
			layer.Bias.SetVec(o, layer.Bias.AtVec(o)-sgd.LearningRate*d)
		}
		delta = nextDelta
	}

	t.lastInput, t.lastTarget = nil, nil
	return nil
}
