package fabric

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/aceteam-ai/citadel-fabric/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *Registry, *fakePublisher, *observability.Metrics) {
	t.Helper()
	reg := newRegistry(t)
	pub := &fakePublisher{}
	promReg := prometheus.NewRegistry()
	m := observability.NewMetrics(promReg)
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 100 * time.Millisecond
	}
	return NewServer(cfg, reg, pub, promReg, zerolog.Nop(), m), reg, pub, m
}

func dialWS(t *testing.T, ts *httptest.Server) (*peer, *websocket.Conn) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return newPeer(t, NewWebSocketTransport(conn, 0), conn.SetReadDeadline), conn
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestServerWebSocketWorker(t *testing.T) {
	s, _, pub, _ := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.shutdown()

	p, _ := dialWS(t, ts)
	ack := p.register(clientA, protocol.Latest)
	assert.Equal(t, protocol.Latest, ack.Version)

	p.send(heartbeat(clientA))
	require.Eventually(t, func() bool { return len(pub.all()) == 1 }, waitFor, time.Millisecond)

	var workers struct {
		Workers []Info `json:"workers"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/workers", &workers))
	require.Len(t, workers.Workers, 1)
	assert.Equal(t, clientA.String(), workers.Workers[0].ClientID)
	assert.Equal(t, "active", workers.Workers[0].State)
	assert.Equal(t, protocol.Latest, workers.Workers[0].Version)

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["workers"])
}

func TestServerDispatchThroughRegistry(t *testing.T) {
	s, reg, _, _ := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.shutdown()

	p, _ := dialWS(t, ts)
	p.register(clientA, protocol.Latest)
	ctx := context.Background()

	pending, err := reg.Dispatch(ctx, clientA, Task{Type: "embed", Input: []byte("x")})
	require.NoError(t, err)
	d, ok := p.recv().(protocol.TaskDispatch)
	require.True(t, ok)
	p.send(protocol.TaskResult{TaskID: d.TaskID, Success: true, Output: []byte("y")})

	out, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), out.Result.Output)

	_, err = reg.Dispatch(ctx, clientB, Task{Type: "embed"})
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestServerMetricsEndpoint(t *testing.T) {
	s, _, _, _ := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.shutdown()

	p, _ := dialWS(t, ts)
	p.register(clientA, protocol.Latest)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fabric_server_active_connections 1")
}

func TestServerRateLimitsWebSocket(t *testing.T) {
	s, _, _, m := newTestServer(t, ServerConfig{RateLimitRPS: 0.001, RateLimitBurst: 1})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.shutdown()

	dialWS(t, ts)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsRejected))
}

func TestServerTCPAndGracefulShutdown(t *testing.T) {
	s, reg, _, _ := newTestServer(t, ServerConfig{DrainTimeout: time.Second})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln, nil) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	p := newPeer(t, NewStreamTransport(conn, 0), conn.SetReadDeadline)
	p.register(clientA, protocol.Latest)

	n, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("server did not stop")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = p.tr.ReadFrame()
	assert.Error(t, err)
}
