package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/batch"
	"github.com/aceteam-ai/citadel-fabric/internal/bus"
	"github.com/rs/zerolog"
)

// Pipeline drives one bus partition: accumulate, apply, acknowledge.
type Pipeline struct {
	acc  *batch.Accumulator
	proc *Processor
	log  zerolog.Logger

	// OnBatch, if set, is called after every acknowledged batch.
	OnBatch func(Result)
}

// NewPipeline connects src to proc through an accumulator.
func NewPipeline(src bus.Source, cfg batch.Config, proc *Processor) *Pipeline {
	proc = proc.ForPartition(src.Name())
	return &Pipeline{
		acc:  batch.New(src, cfg),
		proc: proc,
		log:  proc.log,
	}
}

// Run processes batches until ctx is cancelled. A partial batch buffered at
// shutdown is still applied and acknowledged. Run returns nil on a clean
// shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info().Msg("pipeline started")
	defer p.log.Info().Msg("pipeline stopped")

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		b, err := p.acc.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn().Err(err).Dur("backoff", backoff).Msg("bus read failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		res, err := p.proc.Process(ctx, b)
		if err != nil && !errors.Is(err, ErrBatchDropped) {
			// Cancelled while retrying: leave the batch pending for redelivery.
			return nil
		}

		if err := p.commit(ctx, b); err != nil {
			if ctx.Err() != nil {
				p.log.Warn().Err(err).Uint64("seq", b.Seq).Msg("ack failed during shutdown, batch will be redelivered")
				return nil
			}
			// The batch stays in flight and is reapplied; the bucket guard
			// keeps that idempotent.
			p.log.Warn().Err(err).Uint64("seq", b.Seq).Dur("backoff", backoff).Msg("ack failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		if p.OnBatch != nil {
			p.OnBatch(res)
		}
	}
}

// commit acknowledges b. On shutdown the ack still goes out on a short
// detached context, since the batch is already durable.
func (p *Pipeline) commit(ctx context.Context, b *batch.Batch) error {
	ackCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ackCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	return p.acc.Commit(ackCtx, b)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
