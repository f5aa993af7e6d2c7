// Package distributed fans a pipeline configuration out across training
// replicas.
//
// Each replica gets its own independent pipeline, seeded by folding the
// replica id into the base key. That single derivation is the only
// cross-replica coordination: afterwards every replica's stream is fully
// determined by its own configuration, so replicas never need to talk to
// each other and any replica's stream can be reproduced in isolation.
package distributed

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"

	"detdata/pipeline"
)

// Replica identifies one worker in the fan-out: its integer pipeline id and
// the per-replica slice of the requested global batch size.
type Replica struct {
	ID        int
	BatchSize int
}

// BuildFunc constructs the pipeline for one replica. A Strategy invokes it
// exactly once per replica.
type BuildFunc func(ctx context.Context, r Replica) (*pipeline.Pipeline, error)

// Strategy assigns replica ids and per-replica batch sizes for a requested
// global batch size, and drives pipeline construction once per replica.
type Strategy interface {
	Distribute(ctx context.Context, globalBatchSize int, build BuildFunc) ([]*pipeline.Pipeline, error)
}

// Local is an in-process SPMD strategy with a fixed number of replicas. The
// global batch size must divide evenly across them.
type Local struct {
	Replicas int
}

// Distribute implements Strategy.
func (l Local) Distribute(ctx context.Context, globalBatchSize int, build BuildFunc) ([]*pipeline.Pipeline, error) {
	if l.Replicas < 1 {
		return nil, fmt.Errorf("distributed: replica count must be positive, got %d", l.Replicas)
	}
	if globalBatchSize < 1 {
		return nil, fmt.Errorf("distributed: global batch size must be positive, got %d", globalBatchSize)
	}
	if globalBatchSize%l.Replicas != 0 {
		return nil, fmt.Errorf("distributed: global batch size %d is not divisible by %d replicas",
			globalBatchSize, l.Replicas)
	}
	perReplica := globalBatchSize / l.Replicas

	pipelines := make([]*pipeline.Pipeline, l.Replicas)
	for id := range pipelines {
		p, err := build(ctx, Replica{ID: id, BatchSize: perReplica})
		if err != nil {
			for _, built := range pipelines[:id] {
				built.Close()
			}
			return nil, fmt.Errorf("distributed: building pipeline for replica %d: %w", id, err)
		}
		pipelines[id] = p
	}
	return pipelines, nil
}

// New constructs one pipeline per replica from a shared base configuration.
//
// Per replica, the base seed (when present) is replaced by
// seed.FoldIn(replicaID) and the batch dims by the replica's batch size; the
// rest of cfg is used as-is. The returned slice is indexed by replica id.
func New(ctx context.Context, cfg pipeline.Config, globalBatchSize int, strategy Strategy) ([]*pipeline.Pipeline, error) {
	if strategy == nil {
		return nil, fmt.Errorf("distributed: strategy is required")
	}
	return strategy.Distribute(ctx, globalBatchSize, func(ctx context.Context, r Replica) (*pipeline.Pipeline, error) {
		clog.InfoContextf(ctx, "building pipeline for replica %d (batch size %d)", r.ID, r.BatchSize)

		replicaCfg := cfg
		if cfg.Seed != nil {
			local := cfg.Seed.FoldIn(int64(r.ID))
			replicaCfg.Seed = &local
		}
		replicaCfg.BatchDims = []int{r.BatchSize}
		return pipeline.New(ctx, replicaCfg)
	})
}
