package mlp

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"detdata/pipeline"
	"detdata/randkey"
)

// lineSource builds a split of n examples of the line y = 2x + 1, with x
// scaled into [0, 1).
func lineSource(n int) *pipeline.SliceSource {
	examples := make([]pipeline.Example, n)
	for i := range examples {
		x := float32(i) / float32(n)
		examples[i] = pipeline.Example{
			"x": pipeline.Scalar(x),
			"y": pipeline.Scalar(2*x + 1),
		}
	}
	return &pipeline.SliceSource{Splits: map[string][]pipeline.Example{"train": examples}}
}

func newLinePipeline(t *testing.T, ctx context.Context, cfg pipeline.Config) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(ctx, cfg)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func modelConfig(seed *randkey.Key) Config {
	return Config{
		InputField:   "x",
		LabelField:   "y",
		InputDim:     1,
		OutputDim:    1,
		HiddenSizes:  []int{8},
		LearningRate: 0.05,
		Epochs:       20,
		Seed:         seed,
	}
}

func TestNewValidation(t *testing.T) {
	seed := randkey.New(1)
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"missing seed", Config{InputField: "x", LabelField: "y", InputDim: 1, OutputDim: 1}},
		{"zero input dim", modelConfigWith(&seed, func(c *Config) { c.InputDim = 0 })},
		{"missing fields", modelConfigWith(&seed, func(c *Config) { c.InputField = "" })},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatalf("New accepted invalid config")
			}
		})
	}
}

func modelConfigWith(seed *randkey.Key, mutate func(*Config)) Config {
	cfg := modelConfig(seed)
	mutate(&cfg)
	return cfg
}

// TestDeterministicTraining trains the same model twice end to end; with the
// same keys everywhere, the resulting weights must be bit-identical.
func TestDeterministicTraining(t *testing.T) {
	ctx := context.Background()

	run := func() [][][]float32 {
		dataSeed := randkey.New(7)
		p := newLinePipeline(t, ctx, pipeline.Config{
			Source:    lineSource(32),
			Split:     "train",
			BatchDims: []int{8},
			NumEpochs: 1,
			Shuffle:   true,
			Seed:      &dataSeed,
		})

		modelSeed := randkey.New(13)
		m, err := New(modelConfig(&modelSeed))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := m.Train(ctx, p); err != nil {
			t.Fatalf("Train: %v", err)
		}
		return m.Weights()
	}

	first := run()
	second := run()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("same seeds produced different weights (-first +second):\n%s", diff)
	}
}

func TestDifferentSeedsDiverge(t *testing.T) {
	seedA := randkey.New(13)
	seedB := randkey.New(14)
	a, err := New(modelConfig(&seedA))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(modelConfig(&seedB))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if diff := cmp.Diff(a.Weights(), b.Weights()); diff == "" {
		t.Fatalf("different seeds initialized identical weights")
	}
}

// TestTrainingReducesLoss fits the line and checks the fit actually improves.
func TestTrainingReducesLoss(t *testing.T) {
	ctx := context.Background()
	dataSeed := randkey.New(21)
	p := newLinePipeline(t, ctx, pipeline.Config{
		Source:    lineSource(64),
		Split:     "train",
		BatchDims: []int{8},
		NumEpochs: 1,
		Shuffle:   true,
		Seed:      &dataSeed,
	})

	modelSeed := randkey.New(5)
	m, err := New(modelConfig(&modelSeed))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mse := func() float64 {
		var sum float64
		const n = 16
		for i := 0; i < n; i++ {
			x := float32(i) / n
			pred, err := m.Predict([]float32{x})
			if err != nil {
				t.Fatalf("Predict: %v", err)
			}
			diff := float64(pred[0] - (2*x + 1))
			sum += diff * diff
		}
		return sum / n
	}

	before := mse()
	if err := m.Train(ctx, p); err != nil {
		t.Fatalf("Train: %v", err)
	}
	after := mse()
	if after >= before {
		t.Fatalf("loss did not improve: before %.6f, after %.6f", before, after)
	}
}

// TestMaskedFillerExcluded checks that padded filler rows never reach the
// gradient.
func TestMaskedFillerExcluded(t *testing.T) {
	ctx := context.Background()
	dataSeed := randkey.New(9)
	// 5 real examples padded to 2 batches of 4: 3 filler rows.
	p := newLinePipeline(t, ctx, pipeline.Config{
		Source:         lineSource(5),
		Split:          "train",
		BatchDims:      []int{4},
		NumEpochs:      1,
		PadUpToBatches: 2,
		Seed:           &dataSeed,
	})

	modelSeed := randkey.New(3)
	m, err := New(modelConfig(&modelSeed))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var real int
	for {
		b, err := p.Next(ctx)
		if err != nil {
			break
		}
		inputs, labels, err := m.decodeBatch(b)
		if err != nil {
			t.Fatalf("decodeBatch: %v", err)
		}
		if len(inputs) != len(labels) {
			t.Fatalf("decodeBatch returned %d inputs, %d labels", len(inputs), len(labels))
		}
		real += len(inputs)
	}
	if real != 5 {
		t.Fatalf("decoded %d real examples, want 5", real)
	}
}

func TestTrainRejectsNilDataset(t *testing.T) {
	seed := randkey.New(2)
	m, err := New(modelConfig(&seed))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Train(context.Background(), nil); err == nil {
		t.Fatalf("Train accepted a nil dataset")
	}
}
