// internal/fabric/handle.go

// Package fabric runs the control-plane side of worker connections.
//
// Each connection is owned by a WorkerHandle: one event loop goroutine holds
// all session state (negotiated version, task correlation table, partial
// embedding transfers), while a reader and a writer goroutine move frames.
// A Registry maps client ids to their active handle, and a Server accepts
// connections over TCP and WebSocket.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/bus"
	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/aceteam-ai/citadel-fabric/internal/protocol"
	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/rs/zerolog"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateRegistering
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds per-connection settings.
type Config struct {
	// MaxVersion is the newest protocol version offered (default: protocol.Latest).
	MaxVersion protocol.Version

	// HeartbeatInterval is announced to the worker. A connection with no
	// heartbeat for twice this long is closed (default: 60s).
	HeartbeatInterval time.Duration

	// RegisterTimeout bounds the wait for the first command (default: 10s).
	RegisterTimeout time.Duration

	// TaskTimeout applies to tasks dispatched without a timeout (default: 5m).
	TaskTimeout time.Duration

	// CancelTimeout frees a cancelled slot when no CancelAck arrives (default: 10s).
	CancelTimeout time.Duration

	// TransferTimeout drops partial embedding transfers (default: 2m).
	TransferTimeout time.Duration

	// MaxTransferBytes caps one buffered transfer (default: 256 MiB).
	MaxTransferBytes int

	// OutboundQueue is the number of frames waiting for the writer (default: 64).
	OutboundQueue int

	// PublishTimeout bounds forwarding one heartbeat to the bus (default: 5s).
	PublishTimeout time.Duration
}

// DefaultConfig returns the default connection settings.
func DefaultConfig() Config {
	return Config{
		MaxVersion:        protocol.Latest,
		HeartbeatInterval: 60 * time.Second,
		RegisterTimeout:   10 * time.Second,
		TaskTimeout:       5 * time.Minute,
		CancelTimeout:     10 * time.Second,
		TransferTimeout:   2 * time.Minute,
		MaxTransferBytes:  256 << 20,
		OutboundQueue:     64,
		PublishTimeout:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxVersion == 0 || c.MaxVersion > protocol.Latest {
		c.MaxVersion = def.MaxVersion
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = def.RegisterTimeout
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = def.TaskTimeout
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = def.CancelTimeout
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = def.TransferTimeout
	}
	if c.MaxTransferBytes <= 0 {
		c.MaxTransferBytes = def.MaxTransferBytes
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = def.OutboundQueue
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	return c
}

// Deps are the collaborators shared by all handles of a server.
type Deps struct {
	Registry  *Registry
	Publisher bus.Publisher
	Log       zerolog.Logger
	Metrics   *observability.Metrics
}

// Info is a point-in-time view of a registered connection.
type Info struct {
	ClientID      string           `json:"client_id"`
	Hostname      string           `json:"hostname"`
	AgentVersion  string           `json:"agent_version"`
	Version       protocol.Version `json:"protocol_version"`
	Remote        string           `json:"remote"`
	State         string           `json:"state"`
	InFlight      int              `json:"in_flight"`
	ConnectedAt   time.Time        `json:"connected_at"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
}

// recentResults bounds the memory of task ids completed by a result.
const recentResults = 1024

type timerKind int

const (
	timerTask timerKind = iota
	timerCancel
)

type timerEvent struct {
	kind timerKind
	id   uint64
}

type inbound struct {
	msg   protocol.Message
	err   error
	fatal bool
}

type identity struct {
	clientID     telemetry.ClientID
	hostname     string
	agentVersion string
	version      protocol.Version
	connectedAt  time.Time
}

type taskSlot struct {
	pending     *Pending
	typ         string
	started     time.Time
	deadline    *time.Timer
	cancelTimer *time.Timer
	cancelling  bool
}

// WorkerHandle owns one worker connection.
type WorkerHandle struct {
	cfg     Config
	t       Transport
	codec   *protocol.Codec
	reg     *Registry
	pub     bus.Publisher
	log     zerolog.Logger
	metrics *observability.Metrics

	// Owned by the event loop until registration, then published in ident.
	clientID telemetry.ClientID
	version  protocol.Version
	ident    atomic.Pointer[identity]

	state         atomic.Int32
	lastHeartbeat atomic.Int64
	inFlight      atomic.Int32

	inbound  chan inbound
	outbound chan []byte
	requests chan func()
	timers   chan timerEvent
	closeCh  chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	// Owned by the event loop.
	tasks      map[uint64]*taskSlot
	nextID     uint64
	recent     map[uint64]struct{}
	recentRing []uint64
	reasm      *protocol.Reassembler
	idle       *time.Timer
	drainC     <-chan time.Time
	registered bool
}

// NewWorkerHandle creates a handle for an accepted transport. Call Serve to
// run it.
func NewWorkerHandle(t Transport, cfg Config, deps Deps) *WorkerHandle {
	cfg = cfg.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = observability.Discard()
	}
	h := &WorkerHandle{
		cfg:      cfg,
		t:        t,
		codec:    protocol.NewCodec(cfg.MaxVersion),
		reg:      deps.Registry,
		pub:      deps.Publisher,
		log:      deps.Log.With().Str("remote", t.RemoteAddr()).Logger(),
		metrics:  deps.Metrics,
		inbound:  make(chan inbound),
		outbound: make(chan []byte, cfg.OutboundQueue),
		requests: make(chan func()),
		timers:   make(chan timerEvent),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
		tasks:    make(map[uint64]*taskSlot),
		recent:   make(map[uint64]struct{}),
		reasm:    protocol.NewReassembler(cfg.MaxTransferBytes),
	}
	h.state.Store(int32(StateConnecting))
	return h
}

// State returns the current lifecycle stage.
func (h *WorkerHandle) State() State { return State(h.state.Load()) }

// ClientID returns the registered client id. It is zero before registration.
func (h *WorkerHandle) ClientID() telemetry.ClientID {
	if id := h.ident.Load(); id != nil {
		return id.clientID
	}
	return telemetry.ClientID{}
}

// Version returns the negotiated protocol version, or zero before
// registration.
func (h *WorkerHandle) Version() protocol.Version {
	if id := h.ident.Load(); id != nil {
		return id.version
	}
	return 0
}

// Done is closed once the handle reaches Closed.
func (h *WorkerHandle) Done() <-chan struct{} { return h.done }

// Err returns why the handle closed, or nil while it is open.
func (h *WorkerHandle) Err() error {
	select {
	case <-h.done:
		return h.closeErr
	default:
		return nil
	}
}

// Info returns a snapshot of the connection. Identity fields are only set
// once the handle has registered.
func (h *WorkerHandle) Info() Info {
	info := Info{
		Remote:   h.t.RemoteAddr(),
		State:    h.State().String(),
		InFlight: int(h.inFlight.Load()),
	}
	if id := h.ident.Load(); id != nil {
		info.ClientID = id.clientID.String()
		info.Hostname = id.hostname
		info.AgentVersion = id.agentVersion
		info.Version = id.version
		info.ConnectedAt = id.connectedAt
	}
	if ns := h.lastHeartbeat.Load(); ns != 0 {
		info.LastHeartbeat = time.Unix(0, ns).UTC()
	}
	return info
}

// Close asks the handle to shut down with reason err. It does not wait.
func (h *WorkerHandle) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	h.closeOnce.Do(func() {
		h.closeErr = err
		close(h.closeCh)
	})
}

// Serve runs the connection until it closes and returns the reason.
// Cancelling ctx closes the connection immediately; use Drain for a graceful
// stop.
func (h *WorkerHandle) Serve(ctx context.Context) error {
	h.setState(StateRegistering)
	h.idle = time.NewTimer(time.Hour)
	h.idle.Stop()

	go h.readLoop()
	go h.writeLoop()

	err := h.loop(ctx)
	h.shutdown(err)
	return err
}

func (h *WorkerHandle) setState(s State) {
	h.state.Store(int32(s))
}

func (h *WorkerHandle) readLoop() {
	for {
		b, err := h.t.ReadFrame()
		if err != nil {
			select {
			case h.inbound <- inbound{err: err, fatal: true}:
			case <-h.done:
			}
			return
		}
		msg, err := h.codec.Decode(b)
		select {
		case h.inbound <- inbound{msg: msg, err: err}:
		case <-h.done:
			return
		}
	}
}

// writeLoop sends queued frames. After the handle closes it flushes what is
// already queued, then closes the transport.
func (h *WorkerHandle) writeLoop() {
	defer h.t.Close()
	for {
		select {
		case b := <-h.outbound:
			if err := h.t.WriteFrame(b); err != nil {
				h.Close(fmt.Errorf("write: %w", err))
				return
			}
		case <-h.done:
			for {
				select {
				case b := <-h.outbound:
					if h.t.WriteFrame(b) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (h *WorkerHandle) loop(ctx context.Context) error {
	register := time.NewTimer(h.cfg.RegisterTimeout)
	defer register.Stop()
	defer h.idle.Stop()
	expiry := time.NewTicker(h.cfg.TransferTimeout / 2)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrClosed, ctx.Err())
		case <-h.closeCh:
			return h.closeErr
		case in := <-h.inbound:
			if err := h.handleInbound(ctx, in); err != nil {
				return err
			}
			if h.State() == StateActive {
				register.Stop()
			}
		case fn := <-h.requests:
			fn()
		case te := <-h.timers:
			h.handleTimer(te)
		case <-register.C:
			if h.State() == StateRegistering {
				return ErrRegisterTimeout
			}
		case <-h.idle.C:
			return ErrIdleTimeout
		case now := <-expiry.C:
			h.expireTransfers(now)
		case <-h.drainC:
			return fmt.Errorf("%w: drain timeout with %d task(s) in flight", ErrClosed, len(h.tasks))
		}

		if h.State() == StateDraining && len(h.tasks) == 0 {
			return nil
		}
	}
}

func (h *WorkerHandle) shutdown(reason error) {
	h.setState(StateClosed)

	failure := ErrClosed
	if reason != nil && !errors.Is(reason, ErrClosed) {
		failure = fmt.Errorf("%w: %v", ErrClosed, reason)
	} else if reason != nil {
		failure = reason
	}
	for id, slot := range h.tasks {
		stopTimers(slot)
		slot.pending.push(TaskEvent{Kind: EventFailed, Err: failure})
		delete(h.tasks, id)
	}
	h.inFlight.Store(0)

	if h.registered {
		h.metrics.ActiveConnections.Dec()
		if h.reg != nil {
			h.reg.release(h)
		}
	}

	h.Close(reason)
	close(h.done)
	time.AfterFunc(time.Second, func() { h.t.Close() })

	ev := h.log.Info()
	if reason != nil && !errors.Is(reason, io.EOF) {
		ev = h.log.Warn().Err(reason)
	}
	ev.Msg("connection closed")
}

// exec runs fn on the event loop and waits for it.
func (h *WorkerHandle) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case h.requests <- func() { fn(); close(done) }:
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// send encodes cmd at the session version and queues it without blocking.
func (h *WorkerHandle) send(cmd protocol.Command) error {
	v := h.version
	if v == 0 {
		v = protocol.V1
	}
	b, err := h.codec.Encode(v, cmd)
	if err != nil {
		return err
	}
	select {
	case h.outbound <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

func (h *WorkerHandle) sendError(code protocol.ErrorCode, taskID uint64, msg string) {
	if err := h.send(protocol.Error{Code: code, TaskID: taskID, Message: msg}); err != nil {
		h.log.Debug().Err(err).Msg("could not send error command")
	}
}

// violation reports err to the peer and returns it so the loop closes.
func (h *WorkerHandle) violation(format string, args ...any) error {
	err := fmt.Errorf("%w: %s", protocol.ErrProtocolViolation, fmt.Sprintf(format, args...))
	h.metrics.ProtocolViolations.Inc()
	h.sendError(protocol.CodeProtocolViolation, 0, err.Error())
	return err
}

func (h *WorkerHandle) handleInbound(ctx context.Context, in inbound) error {
	if in.fatal {
		if errors.Is(in.err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read: %w", in.err)
	}

	if in.err != nil {
		if h.State() == StateRegistering {
			return h.violation("undecodable first command: %v", in.err)
		}
		if errors.Is(in.err, protocol.ErrUnsupportedCommand) {
			h.metrics.UnsupportedCommands.Inc()
			h.log.Warn().Err(in.err).Msg("ignoring unsupported command")
			return nil
		}
		h.log.Warn().Err(in.err).Msg("ignoring malformed command")
		return nil
	}

	if h.State() == StateRegistering {
		return h.handleRegister(ctx, in.msg)
	}
	if in.msg.Version > h.version {
		h.metrics.UnsupportedCommands.Inc()
		h.log.Warn().
			Uint8("version", uint8(in.msg.Version)).
			Str("kind", in.msg.Command.Kind().String()).
			Msg("ignoring command above the session version")
		return nil
	}
	return h.handleActive(ctx, in.msg)
}

func (h *WorkerHandle) handleRegister(ctx context.Context, msg protocol.Message) error {
	reg, ok := msg.Command.(protocol.Register)
	if !ok {
		return h.violation("first command was %s, want register", msg.Command.Kind())
	}
	if reg.ClientID.IsZero() {
		return h.violation("register without client id")
	}

	v, err := protocol.Negotiate(reg.MaxVersion, h.codec.MaxVersion())
	if err != nil {
		h.sendError(protocol.CodeUnsupported, 0, err.Error())
		return err
	}

	h.clientID = reg.ClientID
	h.version = v
	h.ident.Store(&identity{
		clientID:     reg.ClientID,
		hostname:     reg.Hostname,
		agentVersion: reg.AgentVersion,
		version:      v,
		connectedAt:  time.Now().UTC(),
	})
	h.log = h.log.With().Str("client_id", reg.ClientID.String()).Logger()

	if h.reg != nil {
		if err := h.reg.claim(ctx, h); err != nil {
			return err
		}
	}
	h.registered = true
	h.metrics.ActiveConnections.Inc()

	ack := protocol.RegisterAck{Version: v, HeartbeatIntervalMs: uint32(h.cfg.HeartbeatInterval.Milliseconds())}
	if err := h.send(ack); err != nil {
		return fmt.Errorf("send register ack: %w", err)
	}

	h.setState(StateActive)
	h.idle.Reset(2 * h.cfg.HeartbeatInterval)
	h.log.Info().
		Str("hostname", reg.Hostname).
		Str("agent_version", reg.AgentVersion).
		Uint8("protocol_version", uint8(v)).
		Msg("worker registered")
	return nil
}

func (h *WorkerHandle) handleActive(ctx context.Context, msg protocol.Message) error {
	switch c := msg.Command.(type) {
	case protocol.Heartbeat:
		return h.handleHeartbeat(ctx, &c.Message)

	case protocol.TaskResult:
		slot, ok := h.tasks[c.TaskID]
		if !ok {
			if _, done := h.recent[c.TaskID]; done {
				return h.violation("duplicate result for task %d", c.TaskID)
			}
			h.log.Warn().Uint64("task_id", c.TaskID).Msg("dropping result for unknown task")
			return nil
		}
		h.log.Debug().
			Uint64("task_id", c.TaskID).
			Str("type", slot.typ).
			Bool("success", c.Success).
			Dur("took", time.Since(slot.started)).
			Msg("task finished")
		h.finish(c.TaskID, TaskEvent{Kind: EventResult, Result: &c})
		h.remember(c.TaskID)

	case protocol.TaskProgress:
		slot, ok := h.tasks[c.TaskID]
		if !ok {
			h.log.Warn().Uint64("task_id", c.TaskID).Msg("dropping progress for unknown task")
			return nil
		}
		slot.pending.push(TaskEvent{Kind: EventProgress, Progress: &c})

	case protocol.EmbeddingChunk:
		h.handleChunk(c)

	case protocol.CancelAck:
		slot, ok := h.tasks[c.TaskID]
		if !ok || !slot.cancelling {
			h.log.Debug().Uint64("task_id", c.TaskID).Msg("dropping unexpected cancel ack")
			return nil
		}
		h.finish(c.TaskID, TaskEvent{Kind: EventFailed, Err: ErrTaskCancelled})

	case protocol.Error:
		if _, ok := h.tasks[c.TaskID]; ok && c.TaskID != 0 {
			h.finish(c.TaskID, TaskEvent{Kind: EventFailed, Err: fmt.Errorf("%w: code %d: %s", ErrRemote, c.Code, c.Message)})
			return nil
		}
		h.log.Warn().Uint16("code", uint16(c.Code)).Uint64("task_id", c.TaskID).Str("message", c.Message).Msg("worker reported an error")

	case protocol.Register:
		return h.violation("register on an active connection")

	default:
		return h.violation("%s is not accepted from a worker", msg.Command.Kind())
	}
	return nil
}

func (h *WorkerHandle) handleHeartbeat(ctx context.Context, m *telemetry.HeartbeatMessage) error {
	if m.ClientID != h.clientID {
		return h.violation("heartbeat for client %s on connection of %s", m.ClientID, h.clientID)
	}
	h.lastHeartbeat.Store(time.Now().UnixNano())
	h.idle.Reset(2 * h.cfg.HeartbeatInterval)

	if err := m.Validate(); err != nil {
		h.log.Warn().Err(err).Msg("ignoring invalid heartbeat")
		return nil
	}
	if h.pub == nil {
		return nil
	}
	pubCtx, cancel := context.WithTimeout(ctx, h.cfg.PublishTimeout)
	defer cancel()
	if err := h.pub.Publish(pubCtx, h.clientID, telemetry.Marshal(m)); err != nil {
		h.log.Warn().Err(err).Msg("could not publish heartbeat")
		return nil
	}
	h.metrics.HeartbeatsPublished.Inc()
	return nil
}

func (h *WorkerHandle) handleChunk(c protocol.EmbeddingChunk) {
	slot, ok := h.tasks[c.TaskID]
	if !ok {
		h.log.Warn().Uint64("task_id", c.TaskID).Str("embedding_id", c.EmbeddingID.String()).Msg("dropping chunk for unknown task")
		return
	}
	emb, err := h.reasm.Add(c, time.Now())
	if err != nil {
		if errors.Is(err, protocol.ErrChecksumMismatch) {
			h.metrics.ChecksumMismatches.Inc()
			h.sendError(protocol.CodeChecksumMismatch, c.TaskID, err.Error())
		}
		h.log.Warn().Err(err).Uint64("task_id", c.TaskID).Str("embedding_id", c.EmbeddingID.String()).Msg("discarding embedding transfer")
		slot.pending.push(TaskEvent{Kind: EventTransferFailed, Err: err})
		return
	}
	if emb != nil {
		slot.pending.push(TaskEvent{Kind: EventEmbedding, Embedding: emb})
	}
}

func (h *WorkerHandle) expireTransfers(now time.Time) {
	for _, x := range h.reasm.Expire(now.Add(-h.cfg.TransferTimeout)) {
		h.log.Warn().
			Uint64("task_id", x.TaskID).
			Str("embedding_id", x.EmbeddingID.String()).
			Int("received", x.Received).
			Uint32("total", x.Total).
			Msg("partial embedding transfer expired")
		if slot, ok := h.tasks[x.TaskID]; ok {
			slot.pending.push(TaskEvent{Kind: EventTransferFailed,
				Err: fmt.Errorf("%w: %d of %d chunks before expiry", protocol.ErrChecksumMismatch, x.Received, x.Total)})
		}
	}
}

// finish removes a task from the table and delivers its final event.
func (h *WorkerHandle) finish(id uint64, ev TaskEvent) {
	slot, ok := h.tasks[id]
	if !ok {
		return
	}
	stopTimers(slot)
	delete(h.tasks, id)
	h.inFlight.Store(int32(len(h.tasks)))
	h.reasm.DropTask(id)
	slot.pending.push(ev)
}

func (h *WorkerHandle) remember(id uint64) {
	h.recent[id] = struct{}{}
	h.recentRing = append(h.recentRing, id)
	if len(h.recentRing) > recentResults {
		delete(h.recent, h.recentRing[0])
		h.recentRing = h.recentRing[1:]
	}
}

func stopTimers(slot *taskSlot) {
	if slot.deadline != nil {
		slot.deadline.Stop()
	}
	if slot.cancelTimer != nil {
		slot.cancelTimer.Stop()
	}
}

// after delivers ev to the event loop once d has elapsed.
func (h *WorkerHandle) after(d time.Duration, ev timerEvent) *time.Timer {
	return time.AfterFunc(d, func() {
		select {
		case h.timers <- ev:
		case <-h.done:
		}
	})
}

func (h *WorkerHandle) handleTimer(te timerEvent) {
	slot, ok := h.tasks[te.id]
	if !ok {
		return
	}
	switch te.kind {
	case timerTask:
		h.metrics.TasksTimedOut.Inc()
		h.log.Warn().Uint64("task_id", te.id).Str("type", slot.typ).Msg("task timed out")
		if !slot.cancelling {
			if err := h.send(protocol.Cancel{TaskID: te.id}); err != nil {
				h.log.Debug().Err(err).Uint64("task_id", te.id).Msg("could not send cancel for timed out task")
			}
		}
		h.finish(te.id, TaskEvent{Kind: EventFailed, Err: ErrTaskTimeout})
	case timerCancel:
		h.finish(te.id, TaskEvent{Kind: EventFailed, Err: ErrTaskCancelled})
	}
}

// Dispatch sends task to the worker and returns its correlation slot.
func (h *WorkerHandle) Dispatch(ctx context.Context, task Task) (*Pending, error) {
	var (
		p   *Pending
		err error
	)
	if e := h.exec(ctx, func() { p, err = h.dispatch(task) }); e != nil {
		return nil, e
	}
	return p, err
}

func (h *WorkerHandle) dispatch(task Task) (*Pending, error) {
	switch h.State() {
	case StateActive:
	case StateDraining:
		return nil, ErrDraining
	default:
		return nil, ErrNotActive
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = h.cfg.TaskTimeout
	}
	h.nextID++
	id := h.nextID
	cmd := protocol.TaskDispatch{
		TaskID:    id,
		Type:      task.Type,
		Params:    task.Params,
		Input:     task.Input,
		TimeoutMs: uint32(min(timeout.Milliseconds(), int64(^uint32(0)))),
	}
	if err := h.send(cmd); err != nil {
		return nil, err
	}

	p := newPending(id, h)
	h.tasks[id] = &taskSlot{
		pending:  p,
		typ:      task.Type,
		started:  time.Now(),
		deadline: h.after(timeout, timerEvent{kind: timerTask, id: id}),
	}
	h.inFlight.Store(int32(len(h.tasks)))
	h.metrics.TasksDispatched.Inc()
	h.log.Debug().Uint64("task_id", id).Str("type", task.Type).Dur("timeout", timeout).Msg("task dispatched")
	return p, nil
}

// Cancel asks the worker to stop a task. The slot is freed when the worker
// acknowledges or after the cancel timeout, whichever comes first.
func (h *WorkerHandle) Cancel(ctx context.Context, taskID uint64) error {
	var err error
	if e := h.exec(ctx, func() { err = h.cancel(taskID) }); e != nil {
		return e
	}
	return err
}

func (h *WorkerHandle) cancel(id uint64) error {
	slot, ok := h.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	if slot.cancelling {
		return nil
	}
	if err := h.send(protocol.Cancel{TaskID: id}); err != nil {
		h.log.Debug().Err(err).Uint64("task_id", id).Msg("cancel not sent, freeing slot")
		h.finish(id, TaskEvent{Kind: EventFailed, Err: ErrTaskCancelled})
		return nil
	}
	slot.cancelling = true
	slot.cancelTimer = h.after(h.cfg.CancelTimeout, timerEvent{kind: timerCancel, id: id})
	return nil
}

// Drain stops new dispatches and closes the connection once in-flight tasks
// finish or timeout elapses. It does not wait; see Done.
func (h *WorkerHandle) Drain(ctx context.Context, timeout time.Duration) error {
	return h.exec(ctx, func() {
		switch h.State() {
		case StateActive:
			h.setState(StateDraining)
			h.drainC = time.After(timeout)
			h.log.Info().Int("in_flight", len(h.tasks)).Dur("timeout", timeout).Msg("draining connection")
		case StateRegistering, StateConnecting:
			h.Close(ErrClosed)
		}
	})
}
