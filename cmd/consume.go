// cmd/consume.go
package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aceteam-ai/citadel-fabric/internal/bus"
	"github.com/aceteam-ai/citadel-fabric/internal/ingest"
	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/aceteam-ai/citadel-fabric/internal/points"
)

var consumePartitions int

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Aggregate heartbeats from the bus into daily statistics and points",
	Long: `Reads heartbeats from every Redis stream partition, applies them in
batches to the database and keeps the points projection up to date.

One pipeline runs per partition. Entries are acknowledged only after their
batch has committed, so a restart re-reads whatever was in flight. A stale
sweeper marks clients offline once they stop reporting.

The metrics address serves /health, /metrics and POST /recompute.`,
	Example: `  # Consume with the defaults (SQLite fabric.db, local Redis)
  citadel-fabric consume

  # PostgreSQL and four partitions
  DATABASE_URL=postgres://fabric@db/fabric citadel-fabric consume --partitions 4`,
	RunE: runConsume,
}

func init() {
	consumeCmd.Flags().IntVar(&consumePartitions, "partitions", 0, "number of stream partitions (overrides config)")
	rootCmd.AddCommand(consumeCmd)
}

func runConsume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if consumePartitions > 0 {
		cfg.Redis.Partitions = consumePartitions
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := newLogger(cfg, cmd, args)

	ctx, stop := signalContext()
	defer stop()

	stopTracing, err := startTracing(cfg, log)
	if err != nil {
		return err
	}
	defer stopTracing()

	reg, metrics := newRegistry()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	rb := bus.NewRedis(cfg.Bus())
	if err := rb.Connect(ctx); err != nil {
		return err
	}
	defer rb.Close()
	if err := rb.EnsureConsumerGroups(ctx); err != nil {
		return err
	}
	log.Info().
		Str("redis", bus.MaskURL(cfg.Redis.URL)).
		Int("partitions", rb.Partitions()).
		Str("group", cfg.Redis.ConsumerGroup).
		Msg("connected to bus")

	catalog := points.NewCatalog(st, observability.Component(log, "catalog"), metrics)
	if err := catalog.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial catalog load failed; multipliers default to 1.0")
	}
	engine := points.NewEngine(st, catalog, cfg.Ingest.Interval, observability.Component(log, "points"), metrics)
	proc := ingest.NewProcessor(st, cfg.IngestOptions(), observability.Component(log, "ingest"), metrics)
	sweeper := ingest.NewSweeper(st, cfg.Ingest.OfflineAfter, observability.Component(log, "sweeper"), metrics)

	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < rb.Partitions(); p++ {
		pipeline := ingest.NewPipeline(rb.Consumer(p), cfg.BatchOptions(), proc)
		g.Go(func() error { return pipeline.Run(gctx) })
	}
	g.Go(func() error { return catalog.Run(gctx, cfg.Points.CatalogRefresh) })
	g.Go(func() error { return engine.Run(gctx, cfg.Points.RecomputeInterval) })
	g.Go(func() error { return sweeper.Run(gctx, cfg.Ingest.SweepInterval) })
	if cfg.Metrics.Addr != "" {
		started := time.Now()
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler(reg))
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			status, code := "healthy", http.StatusOK
			if err := st.Ping(pingCtx); err != nil {
				status, code = "unhealthy", http.StatusServiceUnavailable
			}
			writeJSON(w, code, map[string]any{
				"status":     status,
				"backend":    st.Backend(),
				"partitions": rb.Partitions(),
				"catalog":    catalog.Snapshot().Len(),
				"uptime":     time.Since(started).Round(time.Second).String(),
			})
		})
		mux.HandleFunc("/recompute", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
				return
			}
			engine.Trigger()
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
		})
		g.Go(func() error { return serveHTTP(gctx, cfg.Metrics.Addr, mux, log) })
	}

	log.Info().Msg("consumer started")
	err = g.Wait()
	log.Info().Msg("consumer stopped")
	return err
}
