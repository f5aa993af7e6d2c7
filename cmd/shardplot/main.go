// shardplot visualizes how a dataset splits across training hosts and how the
// per-example key derivation distributes.
//
// It plans a shard for every host of the configured topology, logs the plan,
// and writes two PNGs: a scatter of per-host shard sizes and a histogram of
// derived key values mapped into [0, 1).
package main

import (
	"context"
	"fmt"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"detdata/randkey"
	"detdata/sharding"
)

// Config holds the tool's configuration.
type Config struct {
	NumExamples   int    `env:"NUM_EXAMPLES, default=100000"`
	HostCount     int    `env:"HOST_COUNT, default=8"`
	DropRemainder bool   `env:"DROP_REMAINDER, default=false"`
	Seed          int64  `env:"SEED, default=42"`
	KeySamples    int    `env:"KEY_SAMPLES, default=20000"`
	OutDir        string `env:"OUT_DIR, default=plots"`
}

func main() {
	ctx := context.Background()
	logger := clog.New(slog.Default().Handler())
	ctx = clog.WithLogger(ctx, logger)

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		logger.Fatalf("failed to process config: %v", err)
	}

	if err := run(ctx, cfg); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(ctx context.Context, cfg Config) error {
	logger := clog.FromContext(ctx)

	ranges, err := planAll(ctx, cfg)
	if err != nil {
		return err
	}
	covered := 0
	for id, r := range ranges {
		logger.Infof("host %d/%d: examples [%d, %d) (%d)", id, cfg.HostCount, r.Start, r.End, r.Len())
		covered += r.Len()
	}
	logger.Infof("topology covers %d of %d examples (drop remainder: %v)",
		covered, cfg.NumExamples, cfg.DropRemainder)

	if err := os.MkdirAll(cfg.OutDir, 0755); err != nil {
		return fmt.Errorf("create output dir %s: %w", cfg.OutDir, err)
	}

	balancePath := filepath.Join(cfg.OutDir, "shard_balance.png")
	if err := plotShardBalance(balancePath, ranges); err != nil {
		return fmt.Errorf("plot shard balance: %w", err)
	}
	logger.Infof("wrote %s", balancePath)

	keysPath := filepath.Join(cfg.OutDir, "key_distribution.png")
	if err := plotKeyDistribution(keysPath, randkey.New(cfg.Seed), cfg.KeySamples); err != nil {
		return fmt.Errorf("plot key distribution: %w", err)
	}
	logger.Infof("wrote %s", keysPath)
	return nil
}

// planAll computes every host's shard for the configured topology.
func planAll(ctx context.Context, cfg Config) ([]sharding.Range, error) {
	ranges := make([]sharding.Range, cfg.HostCount)
	for id := 0; id < cfg.HostCount; id++ {
		r, err := sharding.Plan(ctx, cfg.NumExamples, cfg.HostCount, id, cfg.DropRemainder)
		if err != nil {
			return nil, fmt.Errorf("plan shard for host %d: %w", id, err)
		}
		ranges[id] = r
	}
	return ranges, nil
}

// plotShardBalance writes a scatter of per-host shard sizes.
func plotShardBalance(path string, ranges []sharding.Range) error {
	p := plot.New()
	p.Title.Text = "Shard sizes per host"
	p.X.Label.Text = "host id"
	p.Y.Label.Text = "examples"

	pts := make(plotter.XYs, len(ranges))
	for id, r := range ranges {
		pts[id] = plotter.XY{X: float64(id), Y: float64(r.Len())}
	}
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	sc.GlyphStyle.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	sc.GlyphStyle.Radius = vg.Points(3)
	p.Add(sc, plotter.NewGrid())
	p.Legend.Add("shard size", sc)

	p.X.Min = -0.5
	p.X.Max = float64(len(ranges)) - 0.5
	p.Y.Min = 0

	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}

// plotKeyDistribution writes a histogram of n fold-in derivations of the base
// key, each mapped into [0, 1). A well-mixed derivation looks uniform.
func plotKeyDistribution(path string, base randkey.Key, n int) error {
	if n < 1 {
		return fmt.Errorf("key sample count must be positive, got %d", n)
	}
	vals := make(plotter.Values, n)
	for i := 0; i < n; i++ {
		vals[i] = float64(base.FoldIn(int64(i)).Uint64()>>11) / float64(1<<53)
	}

	p := plot.New()
	p.Title.Text = "Derived key distribution"
	p.X.Label.Text = "key value in [0, 1)"
	p.Y.Label.Text = "count"

	h, err := plotter.NewHist(vals, 50)
	if err != nil {
		return err
	}
	h.FillColor = color.RGBA{R: 120, G: 120, B: 120, A: 180}
	p.Add(h, plotter.NewGrid())

	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}
