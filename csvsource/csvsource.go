// Package csvsource provides a pipeline.Source backed by CSV files.
//
// Each split maps to a glob pattern. Files matching the pattern contribute
// their data rows in path-sorted order, giving every example a stable
// absolute index within the split - the property host sharding depends on.
// Files are indexed lazily at construction (row counts only); actual data is
// streamed on demand, so large splits never have to fit in memory.
//
// Every header column becomes a scalar float32 field of the example. Columns
// listed for decode bypass are carried as raw bytes instead of being parsed.
package csvsource

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"detdata/pipeline"
	"detdata/sharding"
)

// Source is a CSV-backed pipeline.Source. Construct with New; a Source is
// immutable afterwards and safe for concurrent reads.
type Source struct {
	splits map[string]*splitIndex
}

type splitIndex struct {
	pattern   string
	paths     []string // sorted; defines absolute index order
	rowCounts []int
	cumCounts []int // cumCounts[i] = examples before paths[i]; len(paths)+1
	columns   []string
}

// New indexes the given splits, each a glob pattern of CSV files. Row counts
// and the column layout are read eagerly so that example counts and schema
// mismatches surface at construction.
func New(splits map[string]string) (*Source, error) {
	if len(splits) == 0 {
		return nil, fmt.Errorf("csvsource: no splits given")
	}
	s := &Source{splits: make(map[string]*splitIndex, len(splits))}
	for name, pattern := range splits {
		idx, err := buildIndex(pattern)
		if err != nil {
			return nil, fmt.Errorf("csvsource: split %q: %w", name, err)
		}
		s.splits[name] = idx
	}
	return s, nil
}

func buildIndex(pattern string) (*splitIndex, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no CSV files found matching pattern: %s", pattern)
	}
	sort.Strings(paths)

	idx := &splitIndex{
		pattern:   pattern,
		paths:     paths,
		rowCounts: make([]int, len(paths)),
		cumCounts: make([]int, len(paths)+1),
	}

	columns, err := readHeader(paths[0])
	if err != nil {
		return nil, err
	}
	idx.columns = columns

	for i, path := range paths {
		count, err := countRows(path)
		if err != nil {
			return nil, fmt.Errorf("count rows in %s: %w", path, err)
		}
		idx.rowCounts[i] = count
		idx.cumCounts[i+1] = idx.cumCounts[i] + count
	}
	return idx, nil
}

func (idx *splitIndex) total() int {
	return idx.cumCounts[len(idx.paths)]
}

// NumExamples implements pipeline.Source.
func (s *Source) NumExamples(split string) (int, error) {
	idx, ok := s.splits[split]
	if !ok {
		return 0, fmt.Errorf("csvsource: unknown split %q", split)
	}
	return idx.total(), nil
}

// Columns returns the split's column names in file order.
func (s *Source) Columns(split string) ([]string, error) {
	idx, ok := s.splits[split]
	if !ok {
		return nil, fmt.Errorf("csvsource: unknown split %q", split)
	}
	cols := make([]string, len(idx.columns))
	copy(cols, idx.columns)
	return cols, nil
}

// segment is the portion of one file a range read covers.
type segment struct {
	path string
	skip int // data rows to skip before emitting
	take int // data rows to emit
}

// Read implements pipeline.Source. The requested range is resolved against
// the canonical path-sorted order; a file-order key only permutes the order
// in which the covered files are emitted, never which rows are selected.
func (s *Source) Read(_ context.Context, split string, r sharding.Range, opts pipeline.ReadOptions) (pipeline.Reader, error) {
	idx, ok := s.splits[split]
	if !ok {
		return nil, fmt.Errorf("csvsource: unknown split %q", split)
	}
	if r.Start < 0 || r.Start > r.End || r.End > idx.total() {
		return nil, fmt.Errorf("csvsource: range [%d, %d) out of bounds for split %q with %d examples",
			r.Start, r.End, split, idx.total())
	}

	var segments []segment
	for i, path := range idx.paths {
		fileStart := idx.cumCounts[i]
		fileEnd := idx.cumCounts[i+1]
		lo := max(r.Start, fileStart)
		hi := min(r.End, fileEnd)
		if lo >= hi {
			continue
		}
		segments = append(segments, segment{
			path: path,
			skip: lo - fileStart,
			take: hi - lo,
		})
	}

	if opts.FileOrderKey != nil && len(segments) > 1 {
		rng := opts.FileOrderKey.Rand()
		rng.Shuffle(len(segments), func(i, j int) {
			segments[i], segments[j] = segments[j], segments[i]
		})
	}

	return &reader{
		columns:    idx.columns,
		segments:   segments,
		skipDecode: opts.SkipDecode,
	}, nil
}

// reader streams the selected segments one file at a time.
type reader struct {
	columns    []string
	segments   []segment
	skipDecode map[string]bool

	cur       int
	file      *os.File
	csv       *csv.Reader
	remaining int
}

func (r *reader) Next() (pipeline.Example, error) {
	for {
		if r.csv != nil && r.remaining > 0 {
			record, err := r.csv.Read()
			if err != nil {
				r.closeFile()
				return nil, fmt.Errorf("csvsource: reading %s: %w", r.segments[r.cur].path, err)
			}
			r.remaining--
			ex, err := r.decode(record)
			if err != nil {
				r.closeFile()
				return nil, fmt.Errorf("csvsource: %s: %w", r.segments[r.cur].path, err)
			}
			if r.remaining == 0 {
				r.closeFile()
				r.cur++
			}
			return ex, nil
		}
		if r.cur >= len(r.segments) {
			return nil, io.EOF
		}
		if err := r.openSegment(r.segments[r.cur]); err != nil {
			return nil, err
		}
	}
}

func (r *reader) openSegment(seg segment) error {
	file, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("csvsource: open %s: %w", seg.path, err)
	}
	cr := csv.NewReader(file)

	header, err := cr.Read()
	if err != nil {
		file.Close()
		return fmt.Errorf("csvsource: read header of %s: %w", seg.path, err)
	}
	if err := matchColumns(r.columns, header); err != nil {
		file.Close()
		return fmt.Errorf("csvsource: %s: %w", seg.path, err)
	}

	for i := 0; i < seg.skip; i++ {
		if _, err := cr.Read(); err != nil {
			file.Close()
			return fmt.Errorf("csvsource: skip to row %d of %s: %w", seg.skip, seg.path, err)
		}
	}

	r.file = file
	r.csv = cr
	r.remaining = seg.take
	return nil
}

func (r *reader) closeFile() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
		r.csv = nil
	}
}

func (r *reader) decode(record []string) (pipeline.Example, error) {
	if len(record) != len(r.columns) {
		return nil, fmt.Errorf("row has %d cells, want %d", len(record), len(r.columns))
	}
	ex := make(pipeline.Example, len(r.columns))
	for j, col := range r.columns {
		if r.skipDecode[col] {
			ex[col] = pipeline.Value{Raw: []byte(record[j])}
			continue
		}
		v, err := parseFloat32(record[j])
		if err != nil {
			return nil, fmt.Errorf("parse column %q: %w", col, err)
		}
		ex[col] = pipeline.Scalar(v)
	}
	return ex, nil
}

// matchColumns verifies a file's header against the split's canonical one.
func matchColumns(want []string, header []string) error {
	if len(header) != len(want) {
		return fmt.Errorf("header has %d columns, want %d", len(header), len(want))
	}
	for i, col := range header {
		if normalizeColumn(col) != want[i] {
			return fmt.Errorf("header column %d is %q, want %q", i, col, want[i])
		}
	}
	return nil
}
