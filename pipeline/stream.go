package pipeline

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"detdata/randkey"
)

// nextFunc pulls the next example of a stream stage. It returns io.EOF once
// the stage is exhausted.
type nextFunc func() (Example, error)

// baseStream yields the filtered span, repeated for the configured number of
// epochs (forever when NumEpochs is zero). Cached pipelines replay the
// materialized slice; otherwise every epoch re-reads the source with the same
// options, which produces the same examples in the same order.
func (p *Pipeline) baseStream(ctx context.Context) nextFunc {
	var (
		epoch     int
		emitted   int // examples emitted during the current epoch
		reader    Reader
		cacheIdx  int
		done      bool
		unlimited = p.cfg.NumEpochs == 0
	)

	advanceEpoch := func() error {
		// An epoch that emitted nothing would repeat forever under
		// unlimited epochs; end the stream instead.
		if emitted == 0 {
			done = true
			return io.EOF
		}
		epoch++
		emitted = 0
		cacheIdx = 0
		if !unlimited && epoch >= p.cfg.NumEpochs {
			done = true
			return io.EOF
		}
		return nil
	}

	if p.cached != nil {
		return func() (Example, error) {
			for !done {
				if cacheIdx < len(p.cached) {
					ex := p.cached[cacheIdx]
					cacheIdx++
					emitted++
					return ex, nil
				}
				if err := advanceEpoch(); err != nil {
					return nil, err
				}
			}
			return nil, io.EOF
		}
	}

	return func() (Example, error) {
		for !done {
			if reader == nil {
				r, err := p.cfg.Source.Read(ctx, p.cfg.Split, p.span, p.readOpts())
				if err != nil {
					return nil, fmt.Errorf("pipeline: reading split %q: %w", p.cfg.Split, err)
				}
				reader = r
			}
			ex, err := reader.Next()
			if err == io.EOF {
				reader = nil
				if err := advanceEpoch(); err != nil {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("pipeline: reading split %q: %w", p.cfg.Split, err)
			}
			if p.cfg.Filter != nil && !p.cfg.Filter(ex) {
				continue
			}
			emitted++
			return ex, nil
		}
		return nil, io.EOF
	}
}

// shuffleStream wraps next with a windowed shuffle buffer: the buffer is kept
// full, and each pull emits a uniformly chosen resident example. Determinism
// comes from the seeded generator; a given (stream, seed, size) always
// produces the same order.
func shuffleStream(next nextFunc, size int, rng *rand.Rand) nextFunc {
	buf := make([]Example, 0, size)
	var srcErr error

	return func() (Example, error) {
		for srcErr == nil && len(buf) < size {
			ex, err := next()
			if err != nil {
				srcErr = err
				break
			}
			buf = append(buf, ex)
		}
		if srcErr != nil && srcErr != io.EOF {
			return nil, srcErr
		}
		if len(buf) == 0 {
			return nil, io.EOF
		}
		j := rng.Intn(len(buf))
		ex := buf[j]
		last := len(buf) - 1
		buf[j] = buf[last]
		buf[last] = nil
		buf = buf[:last]
		return ex, nil
	}
}

// preprocessAll maps the preprocessing function over a slice of examples in
// parallel, preserving slot order. Each example gets its own derived key.
func (p *Pipeline) preprocessAll(raw []Example, keys []randkey.Key) ([]Example, error) {
	if p.cfg.Preprocess == nil {
		return raw, nil
	}
	out := make([]Example, len(raw))
	var g errgroup.Group
	g.SetLimit(p.workers)
	for i := range raw {
		g.Go(func() error {
			ex, err := p.cfg.Preprocess(raw[i], keys[i])
			if err != nil {
				return fmt.Errorf("pipeline: preprocessing: %w", err)
			}
			out[i] = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// send delivers one result to the consumer, giving up if the producer is
// cancelled.
func send(ctx context.Context, out chan<- batchResult, r batchResult) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// produce runs in the background and assembles batches ahead of the
// consumer: pull a group of examples, preprocess them in parallel (order
// preserved by slot), top up with filler when padding, stack into tensors,
// and hand the batch over the bounded prefetch channel. Batches are emitted
// strictly in stream order.
func (p *Pipeline) produce(ctx context.Context, out chan<- batchResult) {
	defer close(out)

	next := p.baseStream(ctx)
	if p.cfg.Shuffle {
		next = shuffleStream(next, p.shuffleBuf, p.keys.shuffle.Rand())
	}

	withMask := p.cfg.PadUpToBatches > 0
	var (
		enumIdx int64
		padLeft = p.padTotal
		filler  Example
	)

	for {
		if ctx.Err() != nil {
			return
		}

		// Pull up to one group of natural examples, assigning each its
		// enumeration-derived key before preprocessing.
		raw := make([]Example, 0, p.groupSize)
		keys := make([]randkey.Key, 0, p.groupSize)
		streamDone := false
		for len(raw) < p.groupSize {
			ex, err := next()
			if err == io.EOF {
				streamDone = true
				break
			}
			if err != nil {
				send(ctx, out, batchResult{err: err})
				return
			}
			raw = append(raw, ex)
			keys = append(keys, p.keys.preprocess.FoldIn(enumIdx))
			enumIdx++
		}

		group, err := p.preprocessAll(raw, keys)
		if err != nil {
			send(ctx, out, batchResult{err: err})
			return
		}
		masks := make([]bool, len(group))
		for i := range masks {
			masks[i] = true
		}

		if withMask {
			if filler == nil && len(group) > 0 {
				filler = zeroLike(group[0])
			}
			for len(group) < p.groupSize && padLeft > 0 {
				group = append(group, filler)
				masks = append(masks, false)
				padLeft--
			}
		}

		if len(group) < p.groupSize {
			// End of stream: either nothing left, or a partial group that
			// batching drops.
			return
		}

		batch, err := buildBatch(group, masks, p.cfg.BatchDims, withMask)
		if err != nil {
			send(ctx, out, batchResult{err: err})
			return
		}
		if !send(ctx, out, batchResult{batch: batch}) {
			return
		}
		if streamDone && padLeft == 0 {
			return
		}
	}
}
