// internal/agent/agent.go

// Package agent is the node side of the fabric: it registers with the control
// plane, reports heartbeats and runs dispatched tasks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/fabric"
	"github.com/aceteam-ai/citadel-fabric/internal/protocol"
	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds agent settings.
type Config struct {
	// ServerURL is tcp://host:port or ws(s)://host/ws.
	ServerURL string

	ClientID     telemetry.ClientID
	Hostname     string
	AgentVersion string

	// MaxVersion is the newest protocol version offered (default: protocol.Latest).
	MaxVersion protocol.Version

	// DialTimeout bounds connecting (default: 10s).
	DialTimeout time.Duration

	// RegisterTimeout bounds the wait for RegisterAck (default: 10s).
	RegisterTimeout time.Duration

	// HeartbeatInterval is used when the server announces none (default: 60s).
	HeartbeatInterval time.Duration

	// MinBackoff and MaxBackoff bound the reconnect delay (default: 1s, 60s).
	MinBackoff time.Duration
	MaxBackoff time.Duration

	MaxFrameSize int

	// Chunk controls embedding uploads (default: protocol.DefaultChunkOptions).
	Chunk protocol.ChunkOptions
}

func (c Config) withDefaults() Config {
	if c.MaxVersion == 0 || c.MaxVersion > protocol.Latest {
		c.MaxVersion = protocol.Latest
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(60*time.Second, c.MinBackoff)
	}
	if c.Chunk.ChunkSize <= 0 {
		c.Chunk = protocol.DefaultChunkOptions()
	}
	return c
}

// Agent keeps one session with the control plane alive.
type Agent struct {
	cfg     Config
	sampler Sampler
	handler TaskHandler
	log     zerolog.Logger

	connected atomic.Bool
	sessions  atomic.Int64
}

// New creates an agent.
func New(cfg Config, sampler Sampler, handler TaskHandler, log zerolog.Logger) *Agent {
	return &Agent{
		cfg:     cfg.withDefaults(),
		sampler: sampler,
		handler: handler,
		log:     log.With().Str("client_id", cfg.ClientID.String()).Logger(),
	}
}

// Connected reports whether a registered session is open.
func (a *Agent) Connected() bool { return a.connected.Load() }

// Sessions returns the number of sessions that completed registration.
func (a *Agent) Sessions() int64 { return a.sessions.Load() }

// Run keeps a session open until ctx is cancelled, reconnecting with capped
// exponential backoff. The delay resets after a session that registered.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.MinBackoff
	for {
		registered, err := a.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			backoff = a.cfg.MinBackoff
		}
		a.log.Warn().Err(err).Dur("retry_in", backoff).Msg("session ended, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, a.cfg.MaxBackoff)
	}
}

// RunOnce dials and runs a single session. It reports whether the session got
// past registration.
func (a *Agent) RunOnce(ctx context.Context) (bool, error) {
	t, err := a.dial(ctx)
	if err != nil {
		return false, err
	}
	s := &session{
		a:     a,
		t:     t,
		codec: protocol.NewCodec(a.cfg.MaxVersion),
		log:   a.log,
		tasks: make(map[uint64]*runningTask),
	}
	return s.run(ctx)
}

func (a *Agent) dial(ctx context.Context) (fabric.Transport, error) {
	u, err := url.Parse(a.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "tcp":
		d := net.Dialer{Timeout: a.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", u.Host, err)
		}
		return fabric.NewStreamTransport(conn, a.cfg.MaxFrameSize), nil
	case "ws", "wss":
		d := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout, Proxy: websocket.DefaultDialer.Proxy}
		conn, _, err := d.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
		}
		return fabric.NewWebSocketTransport(conn, a.cfg.MaxFrameSize), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

type frame struct {
	b   []byte
	err error
}

type runningTask struct {
	cancel    context.CancelFunc
	cancelled bool
}

type session struct {
	a       *Agent
	t       fabric.Transport
	codec   *protocol.Codec
	version protocol.Version
	log     zerolog.Logger

	writeMu sync.Mutex

	mu    sync.Mutex
	tasks map[uint64]*runningTask
	wg    sync.WaitGroup
}

func (s *session) send(cmd protocol.Command) error {
	b, err := s.codec.Encode(s.version, cmd)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.t.WriteFrame(b)
}

func (s *session) run(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	frames := make(chan frame)
	defer func() {
		cancel()
		s.t.Close()
		s.wg.Wait()
		s.a.connected.Store(false)
	}()

	go func() {
		for {
			b, err := s.t.ReadFrame()
			select {
			case frames <- frame{b, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	interval, err := s.register(ctx, frames)
	if err != nil {
		return false, err
	}
	s.a.connected.Store(true)
	s.a.sessions.Add(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(ctx, interval)
	}()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case f := <-frames:
			if f.err != nil {
				return true, fmt.Errorf("read: %w", f.err)
			}
			msg, err := s.codec.Decode(f.b)
			if err != nil {
				s.log.Warn().Err(err).Msg("ignoring undecodable command")
				continue
			}
			s.handle(ctx, msg.Command)
		}
	}
}

func (s *session) register(ctx context.Context, frames <-chan frame) (time.Duration, error) {
	s.version = protocol.V1
	reg := protocol.Register{
		ClientID:     s.a.cfg.ClientID,
		MaxVersion:   s.a.cfg.MaxVersion,
		AgentVersion: s.a.cfg.AgentVersion,
		Hostname:     s.a.cfg.Hostname,
	}
	if err := s.send(reg); err != nil {
		return 0, fmt.Errorf("send register: %w", err)
	}

	timer := time.NewTimer(s.a.cfg.RegisterTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
			return 0, ErrRegisterTimeout
		case f := <-frames:
			if f.err != nil {
				return 0, fmt.Errorf("read register ack: %w", f.err)
			}
			msg, err := s.codec.Decode(f.b)
			if err != nil {
				return 0, fmt.Errorf("read register ack: %w", err)
			}
			switch c := msg.Command.(type) {
			case protocol.RegisterAck:
				s.version = c.Version
				interval := time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
				if interval <= 0 {
					interval = s.a.cfg.HeartbeatInterval
				}
				s.log.Info().
					Uint8("protocol_version", uint8(c.Version)).
					Dur("heartbeat_interval", interval).
					Msg("registered with control plane")
				return interval, nil
			case protocol.Error:
				return 0, fmt.Errorf("%w: code %d: %s", ErrRegisterRejected, c.Code, c.Message)
			default:
				return 0, fmt.Errorf("%w: got %s before register ack", protocol.ErrProtocolViolation, c.Kind())
			}
		}
	}
}

func (s *session) heartbeatLoop(ctx context.Context, interval time.Duration) {
	s.heartbeat(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

func (s *session) heartbeat(ctx context.Context) {
	msg, err := s.a.sampler.Collect(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("heartbeat sample failed")
		return
	}
	msg.ClientID = s.a.cfg.ClientID
	if err := s.send(protocol.Heartbeat{Message: *msg}); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("heartbeat send failed")
	}
}

func (s *session) handle(ctx context.Context, cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.TaskDispatch:
		s.start(ctx, c)
	case protocol.Cancel:
		s.cancel(c.TaskID)
	case protocol.Error:
		s.log.Warn().Uint16("code", uint16(c.Code)).Uint64("task_id", c.TaskID).Str("message", c.Message).Msg("control plane reported an error")
	default:
		s.log.Debug().Str("kind", cmd.Kind().String()).Msg("ignoring unexpected command")
	}
}

func (s *session) start(ctx context.Context, d protocol.TaskDispatch) {
	var (
		tctx   context.Context
		cancel context.CancelFunc
	)
	if d.TimeoutMs > 0 {
		tctx, cancel = context.WithTimeout(ctx, time.Duration(d.TimeoutMs)*time.Millisecond)
	} else {
		tctx, cancel = context.WithCancel(ctx)
	}
	rt := &runningTask{cancel: cancel}

	s.mu.Lock()
	s.tasks[d.TaskID] = rt
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.execute(tctx, d, rt)
	}()
}

func (s *session) cancel(id uint64) {
	s.mu.Lock()
	if rt, ok := s.tasks[id]; ok {
		rt.cancelled = true
		rt.cancel()
	}
	s.mu.Unlock()

	if err := s.send(protocol.CancelAck{TaskID: id}); err != nil {
		s.log.Debug().Err(err).Uint64("task_id", id).Msg("cancel ack not sent")
	}
}

func (s *session) execute(ctx context.Context, d protocol.TaskDispatch, rt *runningTask) {
	log := s.log.With().Uint64("task_id", d.TaskID).Str("type", d.Type).Logger()
	start := time.Now()

	progress := func(percent uint8, message string) {
		if s.version < protocol.V2 {
			return
		}
		if err := s.send(protocol.TaskProgress{TaskID: d.TaskID, Percent: min(percent, 100), Message: message}); err != nil {
			log.Debug().Err(err).Msg("progress not sent")
		}
	}

	out, err := s.a.handler.Handle(ctx, Task{ID: d.TaskID, Type: d.Type, Params: d.Params, Input: d.Input}, progress)

	s.mu.Lock()
	cancelled := rt.cancelled
	delete(s.tasks, d.TaskID)
	s.mu.Unlock()
	if cancelled {
		log.Debug().Msg("task cancelled")
		return
	}

	if err == nil && out != nil && len(out.Embeddings) > 0 {
		err = s.upload(d.TaskID, out.Embeddings)
	}

	res := protocol.TaskResult{TaskID: d.TaskID, DurationMs: uint32(time.Since(start).Milliseconds())}
	switch {
	case err != nil:
		res.Error = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			res.Error = "task deadline exceeded"
		}
		log.Warn().Err(err).Msg("task failed")
	default:
		res.Success = true
		if out != nil {
			res.Output = out.Data
		}
		log.Debug().Dur("took", time.Since(start)).Msg("task finished")
	}
	if err := s.send(res); err != nil {
		log.Warn().Err(err).Msg("result not sent")
	}
}

func (s *session) upload(taskID uint64, embeddings []protocol.Embedding) error {
	if s.version < protocol.V2 {
		return fmt.Errorf("embedding upload needs protocol v%d, session runs v%d", protocol.V2, s.version)
	}
	for _, e := range embeddings {
		e.TaskID = taskID
		chunks, err := protocol.SplitEmbedding(s.a.cfg.Chunk, e)
		if err != nil {
			return fmt.Errorf("split embedding: %w", err)
		}
		for _, c := range chunks {
			if err := s.send(c); err != nil {
				return fmt.Errorf("upload embedding %s: %w", c.EmbeddingID, err)
			}
		}
	}
	return nil
}
