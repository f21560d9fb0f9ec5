// internal/fabric/server.go
package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/bus"
	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ServerConfig holds listener settings.
type ServerConfig struct {
	// TCPAddr accepts length-prefixed binary connections. Empty disables it.
	TCPAddr string

	// HTTPAddr serves /ws, /health, /metrics and /workers. Empty disables it.
	HTTPAddr string

	// MaxFrameSize caps one inbound payload (default: protocol.DefaultMaxFrameSize).
	MaxFrameSize int

	// RateLimitRPS and RateLimitBurst limit connection attempts per IP
	// (default: 5 per second, burst 10).
	RateLimitRPS   float64
	RateLimitBurst int

	// DrainTimeout bounds graceful shutdown of open connections (default: 30s).
	DrainTimeout time.Duration

	// Handle configures each accepted connection.
	Handle Config
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 5
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 10
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Server accepts worker connections and hands each one to a WorkerHandle.
type Server struct {
	cfg      ServerConfig
	registry *Registry
	pub      bus.Publisher
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	metrics  *observability.Metrics
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	started  time.Time

	// Connections outlive the listener context so they can drain.
	connCtx    context.Context
	connCancel context.CancelFunc
	conns      sync.WaitGroup
	mu         sync.Mutex
	closing    bool
}

// NewServer creates a server. gatherer may be nil to disable /metrics.
func NewServer(cfg ServerConfig, registry *Registry, pub bus.Publisher, gatherer prometheus.Gatherer, log zerolog.Logger, m *observability.Metrics) *Server {
	cfg = cfg.withDefaults()
	if m == nil {
		m = observability.Discard()
	}
	connCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		registry: registry,
		pub:      pub,
		gatherer: gatherer,
		log:      log,
		metrics:  m,
		limiter:  NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers are not browsers; there is no origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started:    time.Now(),
		connCtx:    connCtx,
		connCancel: cancel,
	}
}

// Run listens on the configured addresses until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var tcpLn, httpLn net.Listener
	var err error
	if s.cfg.TCPAddr != "" {
		if tcpLn, err = net.Listen("tcp", s.cfg.TCPAddr); err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.TCPAddr, err)
		}
	}
	if s.cfg.HTTPAddr != "" {
		if httpLn, err = net.Listen("tcp", s.cfg.HTTPAddr); err != nil {
			if tcpLn != nil {
				tcpLn.Close()
			}
			return fmt.Errorf("listen %s: %w", s.cfg.HTTPAddr, err)
		}
	}
	return s.Serve(ctx, tcpLn, httpLn)
}

// Serve accepts on the given listeners, either of which may be nil. When ctx
// is cancelled it stops accepting, drains open connections for DrainTimeout,
// then closes whatever is left.
func (s *Server) Serve(ctx context.Context, tcpLn, httpLn net.Listener) error {
	defer s.limiter.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if tcpLn != nil {
		s.log.Info().Str("addr", tcpLn.Addr().String()).Msg("accepting tcp workers")
		g.Go(func() error { return s.acceptLoop(gctx, tcpLn) })
	}

	if httpLn != nil {
		srv := &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.log.Info().Str("addr", httpLn.Addr().String()).Msg("serving http")
		g.Go(func() error {
			if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	s.shutdown()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		ip := hostOf(conn.RemoteAddr().String())
		if !s.limiter.Allow(ip) {
			s.metrics.ConnectionsRejected.Inc()
			s.log.Warn().Str("remote", ip).Msg("rate limit exceeded")
			conn.Close()
			continue
		}
		s.goServe(NewStreamTransport(conn, s.cfg.MaxFrameSize))
	}
}

func (s *Server) shutdown() {
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout+time.Second)
	defer cancel()
	if err := s.registry.DrainAll(drainCtx, s.cfg.DrainTimeout); err != nil {
		s.log.Warn().Err(err).Msg("drain incomplete")
	}
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.connCancel()
	s.conns.Wait()
}

func (s *Server) goServe(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		t.Close()
		return
	}
	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		s.ServeConn(t)
	}()
}

// ServeConn runs one connection to completion.
func (s *Server) ServeConn(t Transport) error {
	h := NewWorkerHandle(t, s.cfg.Handle, Deps{
		Registry:  s.registry,
		Publisher: s.pub,
		Log:       s.log,
		Metrics:   s.metrics,
	})
	return h.Serve(s.connCtx)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/workers", s.handleWorkers)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := getClientIP(r)
	if !s.limiter.Allow(ip) {
		s.metrics.ConnectionsRejected.Inc()
		s.log.Warn().Str("remote", ip).Msg("rate limit exceeded")
		writeJSONError(w, ErrRateLimited.Error(), http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", ip).Msg("websocket upgrade failed")
		return // Upgrade already sent error response
	}
	s.goServe(NewWebSocketTransport(conn, s.cfg.MaxFrameSize))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.registry.Count(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": n,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": list})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON-formatted error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]any{"error": message, "status": status})
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check for X-Forwarded-For header (for proxied requests)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return hostOf(r.RemoteAddr)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
