package points

import (
	"context"
	"sync"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/aceteam-ai/citadel-fabric/internal/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine rebuilds the points projection.
type Engine struct {
	store    *store.Store
	catalog  *Catalog
	interval time.Duration
	log      zerolog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer

	mu      sync.Mutex
	trigger chan struct{}
}

// NewEngine creates an engine. interval is the heartbeat interval each
// counted heartbeat stands for.
func NewEngine(st *store.Store, cat *Catalog, interval time.Duration, log zerolog.Logger, m *observability.Metrics) *Engine {
	if m == nil {
		m = observability.Discard()
	}
	return &Engine{
		store:    st,
		catalog:  cat,
		interval: interval,
		log:      log,
		metrics:  m,
		tracer:   observability.Tracer("points"),
		trigger:  make(chan struct{}, 1),
	}
}

// Recompute reads all device statistics from one consistent snapshot and
// replaces the projection in a single write transaction. It returns the
// number of rows written. Concurrent calls are serialised.
func (e *Engine) Recompute(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "points.recompute")
	defer span.End()
	start := time.Now()

	days, err := e.store.ReadDeviceDays(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return 0, err
	}
	rows := Project(days, e.catalog.Snapshot(), e.interval.Seconds())
	if err := e.store.ReplacePoints(ctx, rows); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return 0, err
	}

	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("rows", len(rows)))
	e.metrics.PointsDuration.Observe(elapsed.Seconds())
	e.metrics.PointsRows.Set(float64(len(rows)))
	e.log.Info().Int("rows", len(rows)).Dur("took", elapsed).Msg("points recomputed")
	return len(rows), nil
}

// Trigger requests a recomputation from Run without waiting for it.
// Requests made while one is pending collapse into one.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run recomputes every interval and whenever Trigger is called, until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.trigger:
		}
		if _, err := e.Recompute(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn().Err(err).Msg("points recomputation failed")
		}
	}
}
