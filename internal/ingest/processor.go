// Package ingest applies batches of heartbeats to the store.
//
// Each batch is written in a single transaction: raw heartbeats, the
// bucket-guarded daily aggregates and the last-write-wins snapshots either all
// commit or none do. Because aggregates only advance for a strictly newer
// bucket, replaying a batch after a crash leaves the totals unchanged.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/batch"
	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/aceteam-ai/citadel-fabric/internal/store"
	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config controls bucketing and the retry budget.
type Config struct {
	// Interval is the heartbeat bucket width (default: 60s).
	Interval time.Duration

	// MaxRetries is how many times a failed transaction is retried before the
	// batch is dropped (default: 5).
	MaxRetries int

	// BaseBackoff is the first retry delay; it doubles up to MaxBackoff
	// (defaults: 1s, 30s).
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the default processor settings.
func DefaultConfig() Config {
	return Config{
		Interval:    60 * time.Second,
		MaxRetries:  5,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Result summarises one Process call.
type Result struct {
	Messages int // entries in the batch
	Decoded  int // entries that decoded into heartbeats
	Skipped  int // entries that failed to decode

	// Duplicates are heartbeats whose (client, timestamp) was already stored.
	Duplicates int

	// Stale counts aggregate rows left untouched by the bucket guard.
	Stale int

	Attempts int
}

// Processor applies batches to a store. A Processor may be shared by several
// pipelines; each should use its own ForPartition copy so metrics are labelled.
type Processor struct {
	store   *store.Store
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	label   string
	now     func() time.Time
}

// NewProcessor creates a processor writing to st.
func NewProcessor(st *store.Store, cfg Config, log zerolog.Logger, m *observability.Metrics) *Processor {
	if m == nil {
		m = observability.Discard()
	}
	return &Processor{
		store:   st,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: m,
		tracer:  observability.Tracer("ingest"),
		label:   "0",
		now:     time.Now,
	}
}

// ForPartition returns a copy of p that labels its logs and metrics with the
// partition name.
func (p *Processor) ForPartition(label string) *Processor {
	cp := *p
	cp.label = label
	cp.log = p.log.With().Str("partition", label).Logger()
	return &cp
}

// Process decodes b and applies it in one transaction.
//
// Entries that do not decode are skipped. A failing transaction is rolled
// back and retried with exponential backoff while the error is transient;
// once the budget is spent, or on a non-transient error, the batch is
// dropped and an error wrapping ErrBatchDropped is returned. The caller must
// still acknowledge a dropped batch. If ctx is cancelled while waiting to
// retry, ctx's error is returned and the batch must not be acknowledged.
//
// The transaction itself runs detached from ctx so a shutdown does not abort
// a commit that is already under way.
func (p *Processor) Process(ctx context.Context, b *batch.Batch) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.process", trace.WithAttributes(
		attribute.String("partition", p.label),
		attribute.Int64("batch.seq", int64(b.Seq)),
		attribute.Int("batch.size", b.Len()),
	))
	defer span.End()

	start := p.now()
	defer func() { p.metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	res := Result{Messages: b.Len()}
	p.metrics.MessagesConsumed.WithLabelValues(p.label).Add(float64(b.Len()))
	p.metrics.BatchSize.Observe(float64(b.Len()))

	events := p.decode(b, &res)
	if len(events) == 0 {
		return res, nil
	}

	backoff := p.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		err := p.apply(context.WithoutCancel(ctx), events, &res)
		if err == nil {
			p.metrics.BatchesCommitted.WithLabelValues(p.label).Inc()
			p.metrics.StaleAggregates.Add(float64(res.Stale))
			p.log.Debug().
				Uint64("seq", b.Seq).
				Int("heartbeats", res.Decoded).
				Int("duplicates", res.Duplicates).
				Int("stale", res.Stale).
				Msg("batch committed")
			return res, nil
		}

		if !store.IsTransient(err) || attempt > p.cfg.MaxRetries {
			p.metrics.BatchesLost.WithLabelValues(p.label).Inc()
			p.metrics.MessagesLost.WithLabelValues(p.label).Add(float64(len(events)))
			p.log.Error().Err(err).
				Uint64("seq", b.Seq).
				Int("attempts", attempt).
				Int("lost", len(events)).
				Msg("dropping batch")
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch dropped")
			return res, fmt.Errorf("%w after %d attempts: %w", ErrBatchDropped, attempt, err)
		}

		p.metrics.BatchRetries.WithLabelValues(p.label).Inc()
		p.log.Warn().Err(err).
			Uint64("seq", b.Seq).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("batch transaction failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return res, ctx.Err()
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}

func (p *Processor) decode(b *batch.Batch, res *Result) []telemetry.Event {
	events := make([]telemetry.Event, 0, len(b.Messages))
	for _, m := range b.Messages {
		msg, err := telemetry.Unmarshal(m.Payload)
		if err == nil {
			err = msg.Validate()
		}
		if err != nil {
			res.Skipped++
			p.metrics.DecodeErrors.WithLabelValues(p.label).Inc()
			p.log.Warn().Err(err).Str("id", m.ID).Str("client_id", m.ClientID).Msg("skipping undecodable heartbeat")
			continue
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = p.now()
		}
		events = append(events, telemetry.Event{Message: *msg, Timestamp: ts.UTC()})
	}
	res.Decoded = len(events)
	return events
}

// apply writes all events in one transaction. Counters in res are reset on
// every attempt so a retried batch reports only what was committed.
func (p *Processor) apply(ctx context.Context, events []telemetry.Event, res *Result) error {
	return p.store.WithTx(ctx, func(tx *store.Tx) error {
		res.Duplicates, res.Stale = 0, 0
		for i := range events {
			ev := &events[i]
			inserted, err := tx.InsertHeartbeat(ctx, ev)
			if err != nil {
				return err
			}
			if !inserted {
				res.Duplicates++
			}

			stale, err := p.applyAggregates(ctx, tx, ev)
			if err != nil {
				return err
			}
			res.Stale += stale

			if err := applySnapshots(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// applyAggregates folds ev into the daily rows guarded by its bucket and
// returns how many rows the guard rejected.
func (p *Processor) applyAggregates(ctx context.Context, tx *store.Tx, ev *telemetry.Event) (int, error) {
	bucket := telemetry.Bucket(ev.Timestamp, p.cfg.Interval)
	stale := 0

	ok, err := tx.UpsertClientDaily(ctx, ev, bucket)
	if err != nil {
		return 0, err
	}
	if !ok {
		stale++
	}
	for i := range ev.Message.Devices {
		ok, err := tx.UpsertDeviceDaily(ctx, ev, &ev.Message.Devices[i], bucket)
		if err != nil {
			return 0, err
		}
		if !ok {
			stale++
		}
	}
	return stale, nil
}

// applySnapshots overwrites the latest-value rows. They carry no bucket guard.
func applySnapshots(ctx context.Context, tx *store.Tx, ev *telemetry.Event) error {
	if err := tx.UpsertClientSnapshot(ctx, ev); err != nil {
		return err
	}
	for i := range ev.Message.Devices {
		if err := tx.UpsertDeviceSnapshot(ctx, ev, &ev.Message.Devices[i]); err != nil {
			return err
		}
	}
	return nil
}
