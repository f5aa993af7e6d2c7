// Package pipeline assembles deterministic, reproducible input pipelines for
// model training.
//
// A Pipeline reads an absolute index range of a dataset split from a Source,
// optionally shuffles and filters it, derives a unique pseudo-random key for
// every example (folding the example's enumeration position into a
// preprocessing key), applies a stateless preprocessing function, optionally
// pads the stream to a fixed number of batches with masked filler records,
// stacks consecutive examples into gomlx tensors along the configured batch
// dimensions, and prefetches finished batches in the background.
//
// Everything is driven by explicit inputs: the same Config (same source
// contents, same seed) always produces the same sequence of batches, across
// process restarts and across hosts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"detdata/randkey"
	"detdata/sharding"
)

// PrefetchAuto selects a prefetch depth based on available parallelism.
const PrefetchAuto = -1

const (
	defaultShuffleBufferSize = 10000
	defaultPrefetchSize      = 4
)

// ErrMissingSeed is returned by New when shuffling is requested without a
// seed. Shuffling without a seed would silently break reproducibility, so it
// fails at construction time.
var ErrMissingSeed = errors.New("pipeline: shuffling requires a seed")

// PaddingUnderflowError reports that the source cannot fill the requested
// number of batches: the stream already holds more examples than the padded
// capacity.
type PaddingUnderflowError struct {
	// Capacity is PadUpToBatches times the product of the batch dimensions.
	Capacity int
	// Available is the number of examples the stream produces naturally.
	Available int
}

func (e *PaddingUnderflowError) Error() string {
	return fmt.Sprintf("cannot pad %d examples down to a capacity of %d; raise PadUpToBatches",
		e.Available, e.Capacity)
}

// Config describes one pipeline. All randomness and topology is explicit;
// nothing is read from ambient process state.
type Config struct {
	// Source supplies the examples. Required.
	Source Source

	// Split names the dataset split to read.
	Split string

	// Range restricts reading to an absolute index range, typically this
	// host's shard from sharding.Plan. Nil means the whole split.
	Range *sharding.Range

	// BatchDims lists batch sizes outermost first, e.g. [devices, perDevice].
	// Empty means no batching: every emitted Batch holds a single example.
	BatchDims []int

	// Seed is the base key for shuffling and preprocessing. Required when
	// Shuffle is set. When present it is split into three sub-keys (file
	// order, example shuffle, preprocessing) exactly once at construction.
	Seed *randkey.Key

	// Filter drops examples before preprocessing.
	Filter FilterFunc

	// Preprocess transforms each example, receiving the example's derived
	// key as an explicit argument.
	Preprocess PreprocessFunc

	// SkipDecode lists fields whose decoding the source should bypass.
	SkipDecode []string

	// Cache materializes the filtered, pre-preprocessing stream in memory at
	// construction; later epochs replay it without touching the source.
	Cache bool

	// NumEpochs is how many times to repeat the stream. Zero repeats
	// forever; the consumer stops iteration via Close.
	NumEpochs int

	// Shuffle enables file-order and example-level shuffling.
	Shuffle bool

	// ShuffleBufferSize is the example shuffle window (default 10000).
	ShuffleBufferSize int

	// PrefetchSize is the number of finished batches buffered ahead of the
	// consumer: a small positive integer (default 4) or PrefetchAuto.
	PrefetchSize int

	// PadUpToBatches, when positive, pads the stream with zero-valued
	// filler records so it yields exactly this many full batches, and adds
	// a mask marking real versus filler examples.
	PadUpToBatches int

	// InputFields and LabelFields name the feature tensors Yield hands to a
	// gomlx training loop as inputs and labels respectively.
	InputFields []string
	LabelFields []string
}

type derivedKeys struct {
	preprocess randkey.Key
	shuffle    randkey.Key
	file       randkey.Key
	ok         bool
}

// Pipeline is a constructed, validated input pipeline. Create one with New,
// consume it with Next or Yield, and release it with Close. A Pipeline is
// safe for use by one consumer goroutine at a time.
type Pipeline struct {
	cfg        Config
	keys       derivedKeys
	span       sharding.Range
	groupSize  int // product of BatchDims; examples per emitted batch
	perEpoch   int // post-filter examples per epoch (only valid when counted)
	padTotal   int // filler records to append across the whole stream
	shuffleBuf int
	prefetch   int
	workers    int
	skipDecode map[string]bool
	cached     []Example // materialized post-filter stream when cfg.Cache

	baseCtx context.Context

	mu     sync.Mutex
	out    chan batchResult
	cancel context.CancelFunc
}

type batchResult struct {
	batch *Batch
	err   error
}

// New validates cfg and constructs a pipeline. All configuration errors -
// missing seed, malformed batch dims, padding underflow - surface here, never
// during iteration. ctx scopes construction-time source reads, logging, and
// the background prefetcher.
func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("pipeline: Source is required")
	}
	if cfg.NumEpochs < 0 {
		return nil, fmt.Errorf("pipeline: NumEpochs must be non-negative, got %d", cfg.NumEpochs)
	}
	if cfg.PadUpToBatches < 0 {
		return nil, fmt.Errorf("pipeline: PadUpToBatches must be non-negative, got %d", cfg.PadUpToBatches)
	}
	if cfg.Shuffle && cfg.Seed == nil {
		return nil, ErrMissingSeed
	}
	if cfg.PadUpToBatches > 0 && len(cfg.BatchDims) == 0 {
		return nil, fmt.Errorf("pipeline: PadUpToBatches requires BatchDims")
	}

	groupSize := 1
	for i, d := range cfg.BatchDims {
		if d < 1 {
			return nil, fmt.Errorf("pipeline: BatchDims[%d] must be positive, got %d", i, d)
		}
		groupSize *= d
	}

	p := &Pipeline{
		cfg:        cfg,
		groupSize:  groupSize,
		shuffleBuf: cfg.ShuffleBufferSize,
		prefetch:   cfg.PrefetchSize,
		workers:    runtime.GOMAXPROCS(0),
		baseCtx:    ctx,
	}
	if p.shuffleBuf <= 0 {
		p.shuffleBuf = defaultShuffleBufferSize
	}
	switch {
	case p.prefetch == PrefetchAuto:
		p.prefetch = runtime.GOMAXPROCS(0)
	case p.prefetch <= 0:
		p.prefetch = defaultPrefetchSize
	}
	if len(cfg.SkipDecode) > 0 {
		p.skipDecode = make(map[string]bool, len(cfg.SkipDecode))
		for _, f := range cfg.SkipDecode {
			p.skipDecode[f] = true
		}
	}

	if cfg.Seed != nil {
		ks := cfg.Seed.Split(3)
		p.keys = derivedKeys{preprocess: ks[0], shuffle: ks[1], file: ks[2], ok: true}
	}

	total, err := cfg.Source.NumExamples(cfg.Split)
	if err != nil {
		return nil, fmt.Errorf("pipeline: counting split %q: %w", cfg.Split, err)
	}
	if cfg.Range != nil {
		r := *cfg.Range
		if r.Start < 0 || r.Start > r.End || r.End > total {
			return nil, fmt.Errorf("pipeline: range [%d, %d) out of bounds for split %q with %d examples",
				r.Start, r.End, cfg.Split, total)
		}
		p.span = r
	} else {
		p.span = sharding.Range{Start: 0, End: total}
	}

	// Establish the per-epoch example count. With a filter and no cache this
	// costs one extra pass over the source, which keeps padding a
	// construction-time check instead of an iteration-time surprise.
	switch {
	case cfg.Cache:
		if err := p.materialize(ctx); err != nil {
			return nil, err
		}
		p.perEpoch = len(p.cached)
	case cfg.Filter != nil && cfg.PadUpToBatches > 0:
		n, err := p.countFiltered(ctx)
		if err != nil {
			return nil, err
		}
		p.perEpoch = n
	default:
		p.perEpoch = p.span.Len()
	}

	if cfg.PadUpToBatches > 0 {
		if cfg.NumEpochs == 0 {
			return nil, fmt.Errorf("pipeline: PadUpToBatches cannot be combined with unlimited epochs")
		}
		capacity := cfg.PadUpToBatches * groupSize
		available := p.perEpoch * cfg.NumEpochs
		if capacity < available {
			return nil, &PaddingUnderflowError{Capacity: capacity, Available: available}
		}
		if available == 0 && capacity > 0 {
			return nil, fmt.Errorf("pipeline: cannot pad an empty stream (no example to infer the schema from)")
		}
		p.padTotal = capacity - available
	}

	return p, nil
}

// readOpts builds the Source read options the pipeline uses everywhere:
// decode bypass plus a fixed file-order key when shuffling. The key is fixed
// across epochs so repeated epochs replay the same file order, matching a
// single read followed by repetition.
func (p *Pipeline) readOpts() ReadOptions {
	opts := ReadOptions{SkipDecode: p.skipDecode}
	if p.cfg.Shuffle && p.keys.ok {
		k := p.keys.file
		opts.FileOrderKey = &k
	}
	return opts
}

// materialize reads and filters the span once, retaining it for replay.
func (p *Pipeline) materialize(ctx context.Context) error {
	r, err := p.cfg.Source.Read(ctx, p.cfg.Split, p.span, p.readOpts())
	if err != nil {
		return fmt.Errorf("pipeline: caching split %q: %w", p.cfg.Split, err)
	}
	cached := make([]Example, 0, p.span.Len())
	for {
		ex, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("pipeline: caching split %q: %w", p.cfg.Split, err)
		}
		if p.cfg.Filter != nil && !p.cfg.Filter(ex) {
			continue
		}
		cached = append(cached, ex)
	}
	p.cached = cached
	return nil
}

// countFiltered counts the post-filter stream without retaining it.
func (p *Pipeline) countFiltered(ctx context.Context) (int, error) {
	r, err := p.cfg.Source.Read(ctx, p.cfg.Split, p.span, p.readOpts())
	if err != nil {
		return 0, fmt.Errorf("pipeline: counting split %q: %w", p.cfg.Split, err)
	}
	n := 0
	for {
		ex, err := r.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("pipeline: counting split %q: %w", p.cfg.Split, err)
		}
		if p.cfg.Filter(ex) {
			n++
		}
	}
}

// Next returns the next batch, blocking until one is prefetched. It returns
// io.EOF when the stream is exhausted; pipelines with unlimited epochs never
// return io.EOF and must be stopped with Close. ctx bounds the wait only.
func (p *Pipeline) Next(ctx context.Context) (*Batch, error) {
	p.mu.Lock()
	if p.out == nil {
		p.startLocked()
	}
	out := p.out
	p.mu.Unlock()

	select {
	case r, ok := <-out:
		if !ok {
			return nil, io.EOF
		}
		if r.err != nil {
			return nil, r.err
		}
		return r.batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startLocked launches the background producer. Caller holds p.mu.
func (p *Pipeline) startLocked() {
	ctx, cancel := context.WithCancel(p.baseCtx)
	p.cancel = cancel
	p.out = make(chan batchResult, p.prefetch)
	go p.produce(ctx, p.out)
}

// stop cancels the producer and forgets its channel.
func (p *Pipeline) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.out = nil
}

// Close releases the background producer. The pipeline can be iterated again
// afterwards; iteration restarts from the beginning.
func (p *Pipeline) Close() {
	p.stop()
}

// Restart resets iteration to the beginning of the stream. Because all
// randomness derives from the construction-time keys, the replayed stream is
// identical to the first one.
func (p *Pipeline) Restart() error {
	p.stop()
	return nil
}

// Name identifies the pipeline in training-loop logs.
func (p *Pipeline) Name() string {
	if p.cfg.Split != "" {
		return "pipeline/" + p.cfg.Split
	}
	return "pipeline"
}

// Yield returns the next batch shaped for a gomlx training loop: the
// configured input fields followed by the configured label fields. It
// returns io.EOF at the end of the stream.
func (p *Pipeline) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if len(p.cfg.InputFields) == 0 {
		return nil, nil, nil, fmt.Errorf("pipeline: Yield requires InputFields")
	}
	b, err := p.Next(p.baseCtx)
	if err != nil {
		return nil, nil, nil, err
	}
	pick := func(names []string) ([]*tensors.Tensor, error) {
		ts := make([]*tensors.Tensor, 0, len(names))
		for _, name := range names {
			t, ok := b.Features[name]
			if !ok {
				return nil, fmt.Errorf("pipeline: batch has no field %q", name)
			}
			ts = append(ts, t)
		}
		return ts, nil
	}
	if inputs, err = pick(p.cfg.InputFields); err != nil {
		return nil, nil, nil, err
	}
	if labels, err = pick(p.cfg.LabelFields); err != nil {
		return nil, nil, nil, err
	}
	return nil, inputs, labels, nil
}
