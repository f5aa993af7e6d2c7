// Package mlp is a small self-contained multi-layer perceptron trained with
// mini-batch SGD. It consumes batches from a data pipeline and takes all of
// its randomness from an explicit key, so a training run is a pure function
// of its configuration: same key, same data, same weights out.
package mlp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/chainguard-dev/clog"
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"detdata/pipeline"
	"detdata/randkey"
)

// Dataset is the batch stream the trainer consumes. *pipeline.Pipeline
// satisfies it.
type Dataset interface {
	Next(ctx context.Context) (*pipeline.Batch, error)
	Restart() error
}

// Config holds the model and training hyperparameters.
type Config struct {
	// InputField and LabelField name the batch features used as model input
	// and regression target.
	InputField string
	LabelField string

	// InputDim and OutputDim are the model's input and output widths.
	InputDim  int
	OutputDim int

	// HiddenSizes lists the hidden layer widths. Default: one layer of 64.
	HiddenSizes []int

	// LearningRate for SGD (default 0.001).
	LearningRate float64

	// Epochs to train for (default 10). Each epoch restarts the dataset.
	Epochs int

	// Seed drives weight initialization. Required.
	Seed *randkey.Key
}

// Model is an MLP with ReLU hidden activations and a linear output layer,
// trained with mean-squared-error loss.
type Model struct {
	cfg Config

	// layerSizes is input size, hidden sizes, then output size.
	layerSizes []int

	// weights[l] has shape [out][in] for layer l -> l+1.
	weights [][][]float32
	biases  [][]float32

	rng *rand.Rand
}

// New builds a model and initializes its weights from cfg.Seed.
func New(cfg Config) (*Model, error) {
	if cfg.Seed == nil {
		return nil, errors.New("mlp: Seed is required")
	}
	if cfg.InputDim < 1 || cfg.OutputDim < 1 {
		return nil, fmt.Errorf("mlp: InputDim and OutputDim must be positive, got %d and %d",
			cfg.InputDim, cfg.OutputDim)
	}
	if cfg.InputField == "" || cfg.LabelField == "" {
		return nil, errors.New("mlp: InputField and LabelField are required")
	}
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = []int{64}
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.001
	}
	if cfg.Epochs == 0 {
		cfg.Epochs = 10
	}

	m := &Model{
		cfg: cfg,
		rng: cfg.Seed.Rand(),
	}

	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.InputDim)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, cfg.OutputDim)
	m.layerSizes = sizes

	L := len(sizes) - 1
	m.weights = make([][][]float32, L)
	m.biases = make([][]float32, L)
	for l := 0; l < L; l++ {
		in := sizes[l]
		out := sizes[l+1]
		// Xavier/Glorot uniform initialization heuristic
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		mat := make([][]float32, out)
		for j := 0; j < out; j++ {
			row := make([]float32, in)
			for i := 0; i < in; i++ {
				row[i] = (m.rng.Float32()*2.0 - 1.0) * limit * 0.5
			}
			mat[j] = row
		}
		m.weights[l] = mat
		m.biases[l] = make([]float32, out)
	}
	return m, nil
}

func reluInPlace(x []float32) {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
}

func reluDeriv(preact []float32) []float32 {
	d := make([]float32, len(preact))
	for i := range preact {
		if preact[i] > 0 {
			d[i] = 1.0
		}
	}
	return d
}

// forward runs one input through the network, returning per-layer
// pre-activations (len L) and activations (len L+1, index 0 is the input).
func (m *Model) forward(input []float32) (preActs, acts [][]float32, err error) {
	if len(input) != m.layerSizes[0] {
		return nil, nil, fmt.Errorf("mlp: input has dimension %d, want %d", len(input), m.layerSizes[0])
	}
	L := len(m.weights)
	acts = make([][]float32, L+1)
	acts[0] = make([]float32, len(input))
	copy(acts[0], input)

	preActs = make([][]float32, L)
	for l := 0; l < L; l++ {
		inVec := acts[l]
		outDim := len(m.biases[l])
		pre := make([]float32, outDim)
		W := m.weights[l]
		for j := 0; j < outDim; j++ {
			sum := m.biases[l][j]
			row := W[j]
			for i := range inVec {
				sum += row[i] * inVec[i]
			}
			pre[j] = sum
		}
		preActs[l] = pre

		act := make([]float32, outDim)
		copy(act, pre)
		if l < L-1 {
			reluInPlace(act)
		}
		acts[l+1] = act
	}
	return preActs, acts, nil
}

// Predict returns the model output for one input vector.
func (m *Model) Predict(input []float32) ([]float32, error) {
	_, acts, err := m.forward(input)
	if err != nil {
		return nil, err
	}
	last := acts[len(acts)-1]
	out := make([]float32, len(last))
	copy(out, last)
	return out, nil
}

// PredictBatch returns model outputs for a batch of inputs.
func (m *Model) PredictBatch(inputs [][]float32) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		pred, err := m.Predict(in)
		if err != nil {
			return nil, err
		}
		out[i] = pred
	}
	return out, nil
}

// Weights returns a deep copy of the model's weights, outermost by layer.
func (m *Model) Weights() [][][]float32 {
	out := make([][][]float32, len(m.weights))
	for l, mat := range m.weights {
		out[l] = make([][]float32, len(mat))
		for j, row := range mat {
			out[l][j] = append([]float32(nil), row...)
		}
	}
	return out
}

// Train runs cfg.Epochs passes over ds, restarting it between epochs. Filler
// examples flagged by a batch mask are excluded from the gradient.
func (m *Model) Train(ctx context.Context, ds Dataset) error {
	if ds == nil {
		return errors.New("mlp: dataset is nil")
	}
	log := clog.FromContext(ctx)

	for ep := 0; ep < m.cfg.Epochs; ep++ {
		var lossSum float64
		var seen int
		for {
			b, err := ds.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("mlp: epoch %d: %w", ep, err)
			}
			inputs, labels, err := m.decodeBatch(b)
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				continue
			}
			loss, err := m.step(inputs, labels)
			if err != nil {
				return err
			}
			lossSum += loss * float64(len(inputs))
			seen += len(inputs)
		}
		if seen == 0 {
			return errors.New("mlp: dataset yielded no trainable examples")
		}
		if err := ds.Restart(); err != nil {
			return fmt.Errorf("mlp: restarting dataset after epoch %d: %w", ep, err)
		}
		log.Infof("epoch %d: mean loss %.6f over %d examples", ep, lossSum/float64(seen), seen)
	}
	return nil
}

// decodeBatch extracts the input and label rows from a batch, dropping rows
// the mask marks as filler.
func (m *Model) decodeBatch(b *pipeline.Batch) (inputs, labels [][]float32, err error) {
	inputs, err = fieldRows(b, m.cfg.InputField, m.cfg.InputDim)
	if err != nil {
		return nil, nil, err
	}
	labels, err = fieldRows(b, m.cfg.LabelField, m.cfg.OutputDim)
	if err != nil {
		return nil, nil, err
	}
	if len(inputs) != len(labels) {
		return nil, nil, fmt.Errorf("mlp: %d inputs but %d labels in batch", len(inputs), len(labels))
	}
	if b.Mask == nil {
		return inputs, labels, nil
	}
	mask, err := maskRows(b.Mask)
	if err != nil {
		return nil, nil, err
	}
	if len(mask) != len(inputs) {
		return nil, nil, fmt.Errorf("mlp: mask covers %d rows but batch has %d", len(mask), len(inputs))
	}
	keptIn := inputs[:0]
	keptLa := labels[:0]
	for i, real := range mask {
		if real {
			keptIn = append(keptIn, inputs[i])
			keptLa = append(keptLa, labels[i])
		}
	}
	return keptIn, keptLa, nil
}

// fieldRows flattens a feature tensor into per-example rows of width dim.
// Leading batch dimensions of any depth collapse into the row count.
func fieldRows(b *pipeline.Batch, name string, dim int) ([][]float32, error) {
	t, ok := b.Features[name]
	if !ok {
		return nil, fmt.Errorf("mlp: batch has no field %q", name)
	}
	flat := flattenFloat32(t.Value())
	if flat == nil {
		return nil, fmt.Errorf("mlp: field %q is not a float32 tensor", name)
	}
	if len(flat)%dim != 0 {
		return nil, fmt.Errorf("mlp: field %q has %d elements, not divisible by width %d", name, len(flat), dim)
	}
	rows := make([][]float32, len(flat)/dim)
	for i := range rows {
		rows[i] = flat[i*dim : (i+1)*dim]
	}
	return rows, nil
}

// flattenFloat32 collapses the nested slices tensors.Tensor.Value returns
// into one flat row-major slice.
func flattenFloat32(v any) []float32 {
	switch x := v.(type) {
	case float32:
		return []float32{x}
	case []float32:
		return x
	case []any:
		var out []float32
		for _, e := range x {
			sub := flattenFloat32(e)
			if sub == nil {
				return nil
			}
			out = append(out, sub...)
		}
		return out
	case [][]float32:
		var out []float32
		for _, row := range x {
			out = append(out, row...)
		}
		return out
	case [][][]float32:
		var out []float32
		for _, mat := range x {
			for _, row := range mat {
				out = append(out, row...)
			}
		}
		return out
	default:
		return nil
	}
}

func maskRows(t *tensors.Tensor) ([]bool, error) {
	switch x := t.Value().(type) {
	case []bool:
		return x, nil
	case [][]bool:
		var out []bool
		for _, row := range x {
			out = append(out, row...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("mlp: mask is not a bool tensor")
	}
}

// step applies one averaged SGD update over a mini-batch and returns the
// batch's mean squared error.
func (m *Model) step(inputs, labels [][]float32) (float64, error) {
	L := len(m.weights)
	gradW := make([][][]float32, L)
	gradB := make([][]float32, L)
	for l := 0; l < L; l++ {
		outDim := len(m.biases[l])
		inDim := len(m.weights[l][0])
		gradW[l] = make([][]float32, outDim)
		for j := 0; j < outDim; j++ {
			gradW[l][j] = make([]float32, inDim)
		}
		gradB[l] = make([]float32, outDim)
	}

	var lossSum float64
	for ex := range inputs {
		preacts, acts, err := m.forward(inputs[ex])
		if err != nil {
			return 0, err
		}
		outAct := acts[len(acts)-1]
		la := labels[ex]

		// dLoss/dOutput = 2*(pred - label) for squared error.
		delta := make([]float32, len(outAct))
		for j := range outAct {
			diff := outAct[j] - la[j]
			delta[j] = 2.0 * diff
			lossSum += float64(diff) * float64(diff)
		}

		for l := L - 1; l >= 0; l-- {
			inAct := acts[l]
			for j := range delta {
				gradB[l][j] += delta[j]
				for i := range inAct {
					gradW[l][j][i] += delta[j] * inAct[i]
				}
			}
			if l > 0 {
				prevLen := len(m.weights[l][0])
				newDelta := make([]float32, prevLen)
				for i := 0; i < prevLen; i++ {
					var sum float32
					for j := range delta {
						sum += m.weights[l][j][i] * delta[j]
					}
					newDelta[i] = sum
				}
				deriv := reluDeriv(preacts[l-1])
				for i := range newDelta {
					newDelta[i] *= deriv[i]
				}
				delta = newDelta
			}
		}
	}

	lr := float32(m.cfg.LearningRate)
	bInv := float32(1.0 / float64(len(inputs)))
	for l := 0; l < L; l++ {
		for j := range m.biases[l] {
			m.biases[l][j] -= lr * gradB[l][j] * bInv
			for i := range m.weights[l][j] {
				m.weights[l][j][i] -= lr * gradW[l][j][i] * bInv
			}
		}
	}
	return lossSum / float64(len(inputs)), nil
}
