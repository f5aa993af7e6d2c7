package pipeline

import (
	"context"
	"fmt"
	"io"

	"detdata/randkey"
	"detdata/sharding"
)

// ReadOptions carries the per-read knobs a Source must honor.
type ReadOptions struct {
	// SkipDecode lists fields whose decoding is bypassed: the source carries
	// them as raw bytes (Value.Raw) instead of decoded floats.
	SkipDecode map[string]bool

	// FileOrderKey, when non-nil, seeds a deterministic shuffle of the order
	// in which the files backing the requested range are emitted. It never
	// changes which absolute indices the range selects - only their emission
	// order - so host shards stay an exact partition of the split.
	FileOrderKey *randkey.Key
}

// Reader streams examples for one range read. Next returns io.EOF after the
// last example of the range.
type Reader interface {
	Next() (Example, error)
}

// Source materializes an ordered, absolutely-indexable collection of example
// records per named split. Implementations must be deterministic: the same
// (split, range, options) always yields the same examples.
type Source interface {
	// NumExamples reports the total example count of the split.
	NumExamples(split string) (int, error)

	// Read streams the examples with absolute indices in [r.Start, r.End).
	Read(ctx context.Context, split string, r sharding.Range, opts ReadOptions) (Reader, error)
}

// SliceSource is an in-memory Source over pre-built examples, keyed by split
// name. It is the reference implementation and the natural choice for tests.
// Decode bypass and file-order shuffling are no-ops: the examples are already
// decoded and there is a single logical file per split.
type SliceSource struct {
	Splits map[string][]Example
}

// NumExamples implements Source.
func (s *SliceSource) NumExamples(split string) (int, error) {
	exs, ok := s.Splits[split]
	if !ok {
		return 0, fmt.Errorf("unknown split %q", split)
	}
	return len(exs), nil
}

// Read implements Source.
func (s *SliceSource) Read(_ context.Context, split string, r sharding.Range, _ ReadOptions) (Reader, error) {
	exs, ok := s.Splits[split]
	if !ok {
		return nil, fmt.Errorf("unknown split %q", split)
	}
	if r.Start < 0 || r.Start > r.End || r.End > len(exs) {
		return nil, fmt.Errorf("range [%d, %d) out of bounds for split %q with %d examples",
			r.Start, r.End, split, len(exs))
	}
	return &sliceReader{examples: exs[r.Start:r.End]}, nil
}

type sliceReader struct {
	examples []Example
	pos      int
}

func (r *sliceReader) Next() (Example, error) {
	if r.pos >= len(r.examples) {
		return nil, io.EOF
	}
	ex := r.examples[r.pos]
	r.pos++
	return ex, nil
}
