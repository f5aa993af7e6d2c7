package csvsource

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"detdata/pipeline"
	"detdata/randkey"
	"detdata/sharding"
)

// writeCSV writes a CSV file with the given header and rows to path.
func writeCSV(t *testing.T, path, header string, rows []string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create csv %s: %v", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(header + "\n"); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	for _, r := range rows {
		if _, err := f.WriteString(r + "\n"); err != nil {
			t.Fatalf("failed to write row: %v", err)
		}
	}
}

// fixture writes two 3-row files whose "id" column runs 0..5 across the
// path-sorted file order.
func fixture(t *testing.T) *Source {
	t.Helper()
	tmp := t.TempDir()
	writeCSV(t, filepath.Join(tmp, "a.csv"), "id,value,tag", []string{
		"0,10,alpha",
		"1,11,beta",
		"2,12,gamma",
	})
	writeCSV(t, filepath.Join(tmp, "b.csv"), "id,value,tag", []string{
		"3,13,delta",
		"4,14,epsilon",
		"5,15,zeta",
	})

	src, err := New(map[string]string{"train": filepath.Join(tmp, "*.csv")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return src
}

func drain(t *testing.T, r pipeline.Reader) []pipeline.Example {
	t.Helper()
	var out []pipeline.Example
	for {
		ex, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, ex)
	}
}

func ids(exs []pipeline.Example) []float32 {
	out := make([]float32, len(exs))
	for i, ex := range exs {
		out[i] = ex["id"].Data[0]
	}
	return out
}

func TestNumExamples(t *testing.T) {
	src := fixture(t)
	n, err := src.NumExamples("train")
	if err != nil {
		t.Fatalf("NumExamples: %v", err)
	}
	if n != 6 {
		t.Fatalf("NumExamples = %d, want 6", n)
	}
	if _, err := src.NumExamples("test"); err == nil {
		t.Fatalf("NumExamples accepted unknown split")
	}
}

// TestReadRangeAcrossFiles reads a range straddling the file boundary; tag is
// carried raw via decode bypass.
func TestReadRangeAcrossFiles(t *testing.T) {
	src := fixture(t)
	r, err := src.Read(context.Background(), "train", sharding.Range{Start: 1, End: 5},
		pipeline.ReadOptions{SkipDecode: map[string]bool{"tag": true}})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	exs := drain(t, r)
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, ids(exs)); diff != "" {
		t.Fatalf("range ids mismatch (-want +got):\n%s", diff)
	}

	first := exs[0]
	if first["value"].Data[0] != 11 {
		t.Fatalf("value = %v, want 11", first["value"].Data)
	}
	if first["tag"].Data != nil {
		t.Fatalf("bypassed column was decoded: %v", first["tag"].Data)
	}
	if got := string(first["tag"].Raw); got != "beta" {
		t.Fatalf("tag raw = %q, want %q", got, "beta")
	}
}

func TestReadFullAndEmpty(t *testing.T) {
	src := fixture(t)
	opts := pipeline.ReadOptions{SkipDecode: map[string]bool{"tag": true}}

	r, err := src.Read(context.Background(), "train", sharding.Range{Start: 0, End: 6}, opts)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := len(drain(t, r)); got != 6 {
		t.Fatalf("full read returned %d examples, want 6", got)
	}

	r, err = src.Read(context.Background(), "train", sharding.Range{Start: 3, End: 3}, opts)
	if err != nil {
		t.Fatalf("Read empty range: %v", err)
	}
	if got := len(drain(t, r)); got != 0 {
		t.Fatalf("empty range returned %d examples", got)
	}

	if _, err := src.Read(context.Background(), "train", sharding.Range{Start: 0, End: 7}, opts); err == nil {
		t.Fatalf("Read accepted an out-of-bounds range")
	}
}

// TestFileOrderShuffle checks that a file-order key permutes emission
// deterministically without changing which rows are selected.
func TestFileOrderShuffle(t *testing.T) {
	src := fixture(t)
	k := randkey.New(99)
	read := func() []float32 {
		r, err := src.Read(context.Background(), "train", sharding.Range{Start: 0, End: 6},
			pipeline.ReadOptions{FileOrderKey: &k, SkipDecode: map[string]bool{"tag": true}})
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		return ids(drain(t, r))
	}

	first := read()
	second := read()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("same key produced different file orders (-first +second):\n%s", diff)
	}

	seen := make(map[float32]bool)
	for _, id := range first {
		seen[id] = true
	}
	if len(seen) != 6 {
		t.Fatalf("shuffled read selected %d distinct rows, want 6", len(seen))
	}
}

func TestParseErrorCarriesContext(t *testing.T) {
	tmp := t.TempDir()
	writeCSV(t, filepath.Join(tmp, "bad.csv"), "id,value", []string{"0,not-a-number"})
	src, err := New(map[string]string{"train": filepath.Join(tmp, "*.csv")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r, err := src.Read(context.Background(), "train", sharding.Range{Start: 0, End: 1}, pipeline.ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := r.Next(); err == nil {
		t.Fatalf("Next decoded a non-numeric cell without error")
	}
}

func TestHeaderMismatch(t *testing.T) {
	tmp := t.TempDir()
	writeCSV(t, filepath.Join(tmp, "a.csv"), "id,value", []string{"0,1"})
	writeCSV(t, filepath.Join(tmp, "b.csv"), "id,other", []string{"1,2"})
	src, err := New(map[string]string{"train": filepath.Join(tmp, "*.csv")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r, err := src.Read(context.Background(), "train", sharding.Range{Start: 0, End: 2}, pipeline.ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("first file should read cleanly: %v", err)
	}
	if _, err := r.Next(); err == nil {
		t.Fatalf("mismatched header in second file not reported")
	}
}

func TestNewRejectsEmptyGlob(t *testing.T) {
	if _, err := New(map[string]string{"train": filepath.Join(t.TempDir(), "*.csv")}); err == nil {
		t.Fatalf("New accepted a pattern with no matches")
	}
}

// TestPipelineIntegration runs a CSV source through a full pipeline, sharded
// for host 1 of 2.
func TestPipelineIntegration(t *testing.T) {
	ctx := context.Background()
	src := fixture(t)

	span, err := sharding.Plan(ctx, 6, 2, 1, false)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	p, err := pipeline.New(ctx, pipeline.Config{
		Source:     src,
		Split:      "train",
		Range:      &span,
		BatchDims:  []int{3},
		NumEpochs:  1,
		SkipDecode: []string{"tag"},
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	defer p.Close()

	b, err := p.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	got, ok := b.Features["id"].Value().([]float32)
	if !ok {
		t.Fatalf("unexpected id tensor type %T", b.Features["id"].Value())
	}
	if diff := cmp.Diff([]float32{3, 4, 5}, got); diff != "" {
		t.Fatalf("host 1 shard ids mismatch (-want +got):\n%s", diff)
	}
	if _, err := p.Next(ctx); err != io.EOF {
		t.Fatalf("expected io.EOF after the only batch, got %v", err)
	}
}
