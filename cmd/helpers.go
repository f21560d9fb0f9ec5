// cmd/helpers.go
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aceteam-ai/citadel-fabric/internal/config"
	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/aceteam-ai/citadel-fabric/internal/store"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newRegistry returns a Prometheus registry with the process collectors and
// the fabric metrics registered.
func newRegistry() (*prometheus.Registry, *observability.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, observability.NewMetrics(reg)
}

// startTracing installs the tracer and returns a shutdown function that never
// blocks longer than five seconds.
func startTracing(cfg *config.Config, log zerolog.Logger) (func(), error) {
	shutdown, err := observability.InitTracer(cfg.TracingOptions(), log)
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}, nil
}

func openStore(cfg *config.Config, log zerolog.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.Database.URL, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.Info().Str("backend", st.Backend()).Msg("database ready")
	return st, nil
}

// serveHTTP runs srv on addr until ctx is cancelled, then shuts it down.
func serveHTTP(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("addr", ln.Addr().String()).Msg("http endpoint listening")

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// metricsHandler serves the registry in the Prometheus text format.
func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
