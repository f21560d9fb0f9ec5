package ingest

import (
	"context"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/aceteam-ai/citadel-fabric/internal/store"
	"github.com/rs/zerolog"
)

// Sweeper periodically marks clients offline when no heartbeat has been
// applied for them within OfflineAfter.
type Sweeper struct {
	store        *store.Store
	offlineAfter time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

// NewSweeper creates a sweeper. offlineAfter defaults to 300s.
func NewSweeper(st *store.Store, offlineAfter time.Duration, log zerolog.Logger, m *observability.Metrics) *Sweeper {
	if offlineAfter <= 0 {
		offlineAfter = 300 * time.Second
	}
	if m == nil {
		m = observability.Discard()
	}
	return &Sweeper{store: st, offlineAfter: offlineAfter, log: log, metrics: m, now: time.Now}
}

// Sweep runs one pass and returns how many clients went offline.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.SweepStale(ctx, s.now().Add(-s.offlineAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.ClientsOffline.Add(float64(n))
		s.log.Info().Int64("clients", n).Msg("marked stale clients offline")
	}
	return n, nil
}

// Run sweeps every interval (default 30s) until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("stale client sweep failed")
			}
		}
	}
}
