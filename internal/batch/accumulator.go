// Package batch groups bus entries into batches that are released when they
// reach a maximum size or when the oldest buffered entry has waited for the
// batch timeout, whichever comes first.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/bus"
)

// Config holds the release thresholds.
type Config struct {
	// MaxBatchSize releases a batch once it holds this many entries (default: 100).
	MaxBatchSize int

	// BatchTimeout releases a non-empty batch this long after its first entry
	// arrived (default: 5s).
	BatchTimeout time.Duration

	// IdlePoll is how long a read waits while the buffer is empty (default: 1s).
	IdlePoll time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 100,
		BatchTimeout: 5 * time.Second,
		IdlePoll:     time.Second,
	}
}

// Batch is a released group of entries.
type Batch struct {
	Seq      uint64
	Messages []bus.Message

	// FirstAt is when the first entry was buffered.
	FirstAt time.Time
}

// Len returns the number of entries.
func (b *Batch) Len() int { return len(b.Messages) }

// Accumulator pulls from one source. It is not safe for concurrent use; each
// partition pipeline owns one.
type Accumulator struct {
	src bus.Source
	cfg Config
	now func() time.Time

	buf      []bus.Message
	firstAt  time.Time
	inflight *Batch
	seq      uint64
}

// New creates an accumulator over src.
func New(src bus.Source, cfg Config) *Accumulator {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = def.IdlePoll
	}
	return &Accumulator{src: src, cfg: cfg, now: time.Now}
}

// Next returns the next batch. Until Commit is called for it, Next keeps
// returning the same batch, so a caller that failed to apply it retries the
// whole batch and nothing is dropped.
//
// When ctx is cancelled while entries are buffered, the partial batch is
// released instead of being discarded; the following call returns ctx's error.
func (a *Accumulator) Next(ctx context.Context) (*Batch, error) {
	if a.inflight != nil {
		return a.inflight, nil
	}

	for {
		wait := a.cfg.IdlePoll
		if len(a.buf) > 0 {
			wait = a.firstAt.Add(a.cfg.BatchTimeout).Sub(a.now())
			if wait <= 0 {
				return a.release(), nil
			}
		}
		if err := ctx.Err(); err != nil {
			if len(a.buf) > 0 {
				return a.release(), nil
			}
			return nil, err
		}

		msgs, err := a.src.Read(ctx, a.cfg.MaxBatchSize-len(a.buf), wait)
		if len(msgs) > 0 {
			if len(a.buf) == 0 {
				a.firstAt = a.now()
			}
			a.buf = append(a.buf, msgs...)
		}
		if len(a.buf) >= a.cfg.MaxBatchSize {
			return a.release(), nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, err
		}
	}
}

func (a *Accumulator) release() *Batch {
	a.seq++
	a.inflight = &Batch{Seq: a.seq, Messages: a.buf, FirstAt: a.firstAt}
	a.buf = nil
	a.firstAt = time.Time{}
	return a.inflight
}

// Commit acknowledges b on the source and clears it. It must be called only
// after b has been durably applied or deliberately dropped. If the ack fails
// the batch stays in flight and is handed out again.
func (a *Accumulator) Commit(ctx context.Context, b *Batch) error {
	if b == nil || b != a.inflight {
		return errors.New("commit of a batch that is not in flight")
	}
	if err := a.src.Ack(ctx, b.Messages); err != nil {
		return err
	}
	a.inflight = nil
	return nil
}

// Buffered returns the number of entries waiting for release.
func (a *Accumulator) Buffered() int { return len(a.buf) }
