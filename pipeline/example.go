package pipeline

import (
	"fmt"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"detdata/randkey"
)

// Value is one field of an example: a flat float32 buffer plus its
// per-example shape. Dims is empty for scalars (Data has one element).
// When decoding was bypassed for the field, Raw holds the undecoded bytes
// and Data is nil.
type Value struct {
	Data []float32
	Dims []int
	Raw  []byte
}

// NumElements returns the number of float32 elements the value's shape
// implies. Raw values have no elements.
func (v Value) NumElements() int {
	if v.Data == nil {
		return 0
	}
	n := 1
	for _, d := range v.Dims {
		n *= d
	}
	return n
}

// Scalar wraps a single float32 as a scalar Value.
func Scalar(x float32) Value {
	return Value{Data: []float32{x}}
}

// Vector wraps a float32 slice as a rank-1 Value. The slice is not copied.
func Vector(xs []float32) Value {
	return Value{Data: xs, Dims: []int{len(xs)}}
}

// Example is a single record flowing through the pipeline, mapping field
// names to values. Examples are one-pass: the pipeline never retains them
// after they leave a batch.
type Example map[string]Value

// FilterFunc decides whether an example enters the stream. It runs before
// preprocessing and must be pure.
type FilterFunc func(Example) bool

// PreprocessFunc transforms one example. The derived key is passed as an
// explicit argument; it is unique per enumeration position and must not be
// retained across calls. The function must be safe to invoke concurrently
// for distinct examples.
type PreprocessFunc func(Example, randkey.Key) (Example, error)

// zeroLike builds a synthetic filler example with the same field set and
// shapes as ex but all-zero contents.
func zeroLike(ex Example) Example {
	out := make(Example, len(ex))
	for name, v := range ex {
		if v.Data == nil {
			out[name] = Value{Raw: []byte{}}
			continue
		}
		dims := make([]int, len(v.Dims))
		copy(dims, v.Dims)
		out[name] = Value{Data: make([]float32, len(v.Data)), Dims: dims}
	}
	return out
}

// Batch is a group of consecutive examples stacked into gomlx tensors.
//
// Each feature tensor has shape batchDims ++ fieldDims. Fields whose decoding
// was bypassed appear in Raw instead, one byte slice per example in row-major
// batch order. Mask is a bool tensor of shape batchDims, present only when
// padding is enabled: true for examples that came from the source, false for
// synthetic filler.
type Batch struct {
	Features map[string]*tensors.Tensor
	Raw      map[string][][]byte
	Mask     *tensors.Tensor
}

// FieldNames returns the batch's tensor field names in sorted order.
func (b *Batch) FieldNames() []string {
	names := make([]string, 0, len(b.Features))
	for name := range b.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildBatch stacks examples into a Batch. len(examples) must equal the
// product of batchDims; masks is consulted only when withMask is set.
func buildBatch(examples []Example, masks []bool, batchDims []int, withMask bool) (*Batch, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("cannot build an empty batch")
	}

	b := &Batch{Features: make(map[string]*tensors.Tensor)}
	first := examples[0]
	for name, v0 := range first {
		if v0.Data == nil {
			col := make([][]byte, len(examples))
			for i, ex := range examples {
				v, ok := ex[name]
				if !ok {
					return nil, fmt.Errorf("field %q missing from example %d", name, i)
				}
				col[i] = v.Raw
			}
			if b.Raw == nil {
				b.Raw = make(map[string][][]byte)
			}
			b.Raw[name] = col
			continue
		}

		n := v0.NumElements()
		flat := make([]float32, 0, n*len(examples))
		for i, ex := range examples {
			v, ok := ex[name]
			if !ok {
				return nil, fmt.Errorf("field %q missing from example %d", name, i)
			}
			if len(v.Data) != n {
				return nil, fmt.Errorf("field %q: example %d has %d elements, want %d",
					name, i, len(v.Data), n)
			}
			flat = append(flat, v.Data...)
		}
		dims := make([]int, 0, len(batchDims)+len(v0.Dims))
		dims = append(dims, batchDims...)
		dims = append(dims, v0.Dims...)
		b.Features[name] = tensors.FromFlatDataAndDimensions(flat, dims...)
	}

	// Fields present in later examples but not the first indicate an
	// inconsistent schema.
	for i, ex := range examples[1:] {
		if len(ex) != len(first) {
			return nil, fmt.Errorf("example %d has %d fields, want %d", i+1, len(ex), len(first))
		}
	}

	if withMask {
		flat := make([]bool, len(examples))
		copy(flat, masks)
		b.Mask = tensors.FromFlatDataAndDimensions(flat, batchDims...)
	}
	return b, nil
}
