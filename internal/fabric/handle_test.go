package fabric

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/aceteam-ai/citadel-fabric/internal/protocol"
	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var (
	clientA = telemetry.ClientID{0xa, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	clientB = telemetry.ClientID{0xb, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
)

type published struct {
	clientID telemetry.ClientID
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(ctx context.Context, clientID telemetry.ClientID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{clientID, append([]byte(nil), payload...)})
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

// peer plays the worker side of a connection.
type peer struct {
	t        *testing.T
	tr       Transport
	deadline func(time.Time) error
	codec    *protocol.Codec
	v        protocol.Version
}

func newPeer(t *testing.T, tr Transport, deadline func(time.Time) error) *peer {
	return &peer{t: t, tr: tr, deadline: deadline, codec: protocol.NewCodec(protocol.Latest), v: protocol.V1}
}

func (p *peer) send(cmd protocol.Command) {
	p.t.Helper()
	p.sendAt(p.v, cmd)
}

func (p *peer) sendAt(v protocol.Version, cmd protocol.Command) {
	p.t.Helper()
	b, err := p.codec.Encode(v, cmd)
	require.NoError(p.t, err)
	require.NoError(p.t, p.tr.WriteFrame(b))
}

func (p *peer) recv() protocol.Command {
	p.t.Helper()
	require.NoError(p.t, p.deadline(time.Now().Add(waitFor)))
	b, err := p.tr.ReadFrame()
	require.NoError(p.t, err)
	msg, err := p.codec.Decode(b)
	require.NoError(p.t, err)
	return msg.Command
}

func (p *peer) register(id telemetry.ClientID, max protocol.Version) protocol.RegisterAck {
	p.t.Helper()
	p.sendAt(protocol.V1, protocol.Register{ClientID: id, MaxVersion: max, AgentVersion: "test", Hostname: "node-1"})
	ack, ok := p.recv().(protocol.RegisterAck)
	require.True(p.t, ok, "expected register ack")
	p.v = ack.Version
	return ack
}

type harness struct {
	h    *WorkerHandle
	peer *peer
	errc chan error
	pub  *fakePublisher
	m    *observability.Metrics
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	t.Cleanup(cancel)
	return reg
}

func startHandle(t *testing.T, cfg Config, reg *Registry) *harness {
	t.Helper()
	server, client := net.Pipe()
	pub := &fakePublisher{}
	m := observability.NewMetrics(prometheus.NewRegistry())
	h := NewWorkerHandle(NewStreamTransport(server, 0), cfg, Deps{
		Registry:  reg,
		Publisher: pub,
		Log:       zerolog.Nop(),
		Metrics:   m,
	})
	errc := make(chan error, 1)
	go func() { errc <- h.Serve(context.Background()) }()
	t.Cleanup(func() { client.Close() })

	return &harness{
		h:    h,
		peer: newPeer(t, NewStreamTransport(client, 0), client.SetReadDeadline),
		errc: errc,
		pub:  pub,
		m:    m,
	}
}

func (hs *harness) closed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-hs.errc:
		return err
	case <-time.After(waitFor):
		t.Fatal("handle did not close")
		return nil
	}
}

func heartbeat(id telemetry.ClientID) protocol.Heartbeat {
	return protocol.Heartbeat{Message: telemetry.HeartbeatMessage{
		ClientID:    id,
		System:      telemetry.SystemInfo{CPUUsage: 12, MemoryUsage: 40, DiskUsage: 3},
		DeviceCount: 1,
		TotalTFLOPS: 82,
		Devices: []telemetry.DeviceInfo{
			{Index: 0, DeviceID: 0x2684, VendorID: 0x10de, Usage: 90, MemoryUsage: 50, PowerUsage: 300, Temperature: 60, MemorySize: 24 << 30},
		},
	}}
}

func TestRegisterNegotiatesVersion(t *testing.T) {
	hs := startHandle(t, Config{HeartbeatInterval: 30 * time.Second}, newRegistry(t))

	ack := hs.peer.register(clientA, protocol.Latest)
	assert.Equal(t, protocol.Latest, ack.Version)
	assert.Equal(t, uint32(30000), ack.HeartbeatIntervalMs)

	require.Eventually(t, func() bool { return hs.h.State() == StateActive }, waitFor, time.Millisecond)
	assert.Equal(t, clientA, hs.h.ClientID())
	info := hs.h.Info()
	assert.Equal(t, "node-1", info.Hostname)
	assert.Equal(t, "test", info.AgentVersion)
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.m.ActiveConnections))
}

func TestRegisterPicksOlderPeerVersion(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	ack := hs.peer.register(clientA, protocol.V1)
	assert.Equal(t, protocol.V1, ack.Version)
}

func TestFirstCommandMustBeRegister(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))

	hs.peer.send(heartbeat(clientA))
	e, ok := hs.peer.recv().(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeProtocolViolation, e.Code)

	assert.ErrorIs(t, hs.closed(t), protocol.ErrProtocolViolation)
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.m.ProtocolViolations))
}

func TestRegisterTimeout(t *testing.T) {
	hs := startHandle(t, Config{RegisterTimeout: 20 * time.Millisecond}, newRegistry(t))
	assert.ErrorIs(t, hs.closed(t), ErrRegisterTimeout)
	assert.Equal(t, StateClosed, hs.h.State())
}

func TestHeartbeatIsPublished(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)

	hb := heartbeat(clientA)
	hs.peer.send(hb)

	require.Eventually(t, func() bool { return len(hs.pub.all()) == 1 }, waitFor, time.Millisecond)
	got := hs.pub.all()[0]
	assert.Equal(t, clientA, got.clientID)
	decoded, err := telemetry.Unmarshal(got.payload)
	require.NoError(t, err)
	assert.Equal(t, hb.Message, *decoded)
	assert.False(t, hs.h.Info().LastHeartbeat.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.m.HeartbeatsPublished))
}

func TestInvalidHeartbeatIsSkipped(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)

	bad := heartbeat(clientA)
	bad.Message.System.CPUUsage = 200
	hs.peer.send(bad)
	hs.peer.send(heartbeat(clientA))

	require.Eventually(t, func() bool { return len(hs.pub.all()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, StateActive, hs.h.State())
}

func TestHeartbeatForOtherClientIsViolation(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)

	hs.peer.send(heartbeat(clientB))
	e, ok := hs.peer.recv().(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeProtocolViolation, e.Code)
	assert.ErrorIs(t, hs.closed(t), protocol.ErrProtocolViolation)
	assert.Empty(t, hs.pub.all())
}

func TestUnsupportedCommandsAreIgnored(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.V1)

	// Unknown kind, then a V2-only command on a V1 session.
	require.NoError(t, hs.peer.tr.WriteFrame([]byte{byte(protocol.V1), 200}))
	hs.peer.sendAt(protocol.V2, protocol.TaskProgress{TaskID: 1, Percent: 50})
	hs.peer.send(heartbeat(clientA))

	require.Eventually(t, func() bool { return len(hs.pub.all()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(hs.m.UnsupportedCommands))
	assert.Equal(t, StateActive, hs.h.State())
}

func TestDispatchAndResult(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)
	ctx := context.Background()

	p, err := hs.h.Dispatch(ctx, Task{Type: "embed", Input: []byte("hello"), Timeout: time.Minute})
	require.NoError(t, err)

	d, ok := hs.peer.recv().(protocol.TaskDispatch)
	require.True(t, ok)
	assert.Equal(t, p.TaskID, d.TaskID)
	assert.Equal(t, "embed", d.Type)
	assert.Equal(t, []byte("hello"), d.Input)
	assert.Equal(t, uint32(60000), d.TimeoutMs)
	assert.Equal(t, 1, hs.h.Info().InFlight)

	hs.peer.send(protocol.TaskProgress{TaskID: d.TaskID, Percent: 40, Message: "warming up"})
	hs.peer.send(protocol.TaskResult{TaskID: d.TaskID, Success: true, Output: []byte("done"), DurationMs: 12})

	ev, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventProgress, ev.Kind)
	assert.Equal(t, uint8(40), ev.Progress.Percent)

	out, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), out.Result.Output)
	assert.Equal(t, uint32(12), out.Result.DurationMs)

	require.Eventually(t, func() bool { return hs.h.Info().InFlight == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.m.TasksDispatched))
}

func TestFailedResult(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)
	ctx := context.Background()

	p, err := hs.h.Dispatch(ctx, Task{Type: "embed"})
	require.NoError(t, err)
	hs.peer.recv()
	hs.peer.send(protocol.TaskResult{TaskID: p.TaskID, Success: false, Error: "out of memory"})

	out, err := p.Wait(ctx)
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.Contains(t, err.Error(), "out of memory")
	assert.NotNil(t, out.Result)
}

func TestDuplicateResultIsViolation(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)

	p, err := hs.h.Dispatch(context.Background(), Task{Type: "embed"})
	require.NoError(t, err)
	hs.peer.recv()

	hs.peer.send(protocol.TaskResult{TaskID: p.TaskID, Success: true})
	hs.peer.send(protocol.TaskResult{TaskID: p.TaskID, Success: true})

	assert.ErrorIs(t, hs.closed(t), protocol.ErrProtocolViolation)
	_, err = p.Wait(context.Background())
	assert.NoError(t, err)
}

func TestResultForUnknownTaskIsDropped(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)

	hs.peer.send(protocol.TaskResult{TaskID: 99, Success: true})

	p, err := hs.h.Dispatch(context.Background(), Task{Type: "embed"})
	require.NoError(t, err)
	d, ok := hs.peer.recv().(protocol.TaskDispatch)
	require.True(t, ok)
	assert.Equal(t, p.TaskID, d.TaskID)
	assert.Equal(t, StateActive, hs.h.State())
}

func TestTaskIDsAreUnique(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)

	seen := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		p, err := hs.h.Dispatch(context.Background(), Task{Type: "embed"})
		require.NoError(t, err)
		assert.False(t, seen[p.TaskID])
		seen[p.TaskID] = true
		hs.peer.recv()
	}
}

func TestDispatchBeforeRegister(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	_, err := hs.h.Dispatch(context.Background(), Task{Type: "embed"})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestTaskTimeout(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)

	p, err := hs.h.Dispatch(context.Background(), Task{Type: "embed", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	hs.peer.recv()

	c, ok := hs.peer.recv().(protocol.Cancel)
	require.True(t, ok, "expected cancel after timeout")
	assert.Equal(t, p.TaskID, c.TaskID)

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTaskTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.m.TasksTimedOut))

	// A late result is dropped without closing the connection.
	hs.peer.send(protocol.TaskResult{TaskID: p.TaskID, Success: true})
	hs.peer.send(heartbeat(clientA))
	require.Eventually(t, func() bool { return len(hs.pub.all()) == 1 }, waitFor, time.Millisecond)
}

func TestCancelAcknowledged(t *testing.T) {
	hs := startHandle(t, Config{CancelTimeout: time.Minute}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)
	ctx := context.Background()

	p, err := hs.h.Dispatch(ctx, Task{Type: "embed"})
	require.NoError(t, err)
	hs.peer.recv()

	require.NoError(t, p.Cancel(ctx))
	c, ok := hs.peer.recv().(protocol.Cancel)
	require.True(t, ok)
	hs.peer.send(protocol.CancelAck{TaskID: c.TaskID})

	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, ErrTaskCancelled)
}

func TestCancelWithoutAckFreesSlot(t *testing.T) {
	hs := startHandle(t, Config{CancelTimeout: 20 * time.Millisecond}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)
	ctx := context.Background()

	p, err := hs.h.Dispatch(ctx, Task{Type: "embed"})
	require.NoError(t, err)
	hs.peer.recv()

	require.NoError(t, p.Cancel(ctx))
	hs.peer.recv()

	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, ErrTaskCancelled)
	assert.ErrorIs(t, hs.h.Cancel(ctx, p.TaskID), ErrUnknownTask)
}

func TestRemoteErrorFailsTask(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)
	ctx := context.Background()

	p, err := hs.h.Dispatch(ctx, Task{Type: "embed"})
	require.NoError(t, err)
	hs.peer.recv()
	hs.peer.send(protocol.Error{Code: protocol.CodeInternal, TaskID: p.TaskID, Message: "gpu fell off the bus"})

	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, ErrRemote)
}

func TestIdleTimeoutFailsPendingTasks(t *testing.T) {
	hs := startHandle(t, Config{HeartbeatInterval: 20 * time.Millisecond}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)

	p, err := hs.h.Dispatch(context.Background(), Task{Type: "embed", Timeout: time.Minute})
	require.NoError(t, err)
	hs.peer.recv()

	assert.ErrorIs(t, hs.closed(t), ErrIdleTimeout)
	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(hs.m.ActiveConnections))
}

func TestHeartbeatsKeepConnectionAlive(t *testing.T) {
	hs := startHandle(t, Config{HeartbeatInterval: 50 * time.Millisecond}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)

	for i := 0; i < 6; i++ {
		time.Sleep(30 * time.Millisecond)
		hs.peer.send(heartbeat(clientA))
	}
	assert.Equal(t, StateActive, hs.h.State())
}

func TestPeerDisconnect(t *testing.T) {
	reg := newRegistry(t)
	hs := startHandle(t, Config{}, reg)
	hs.peer.register(clientA, protocol.Latest)

	hs.peer.tr.Close()
	hs.closed(t)
	require.Eventually(t, func() bool {
		_, err := reg.Lookup(context.Background(), clientA)
		return err != nil
	}, waitFor, time.Millisecond)
}

func TestDuplicateRegistrationTakesOver(t *testing.T) {
	reg := newRegistry(t)
	first := startHandle(t, Config{}, reg)
	first.peer.register(clientA, protocol.Latest)

	second := startHandle(t, Config{}, reg)
	second.peer.register(clientA, protocol.Latest)

	assert.ErrorIs(t, first.closed(t), ErrSuperseded)

	h, err := reg.Lookup(context.Background(), clientA)
	require.NoError(t, err)
	assert.Same(t, second.h, h)
	n, err := reg.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrainWaitsForTasks(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)
	ctx := context.Background()

	p, err := hs.h.Dispatch(ctx, Task{Type: "embed"})
	require.NoError(t, err)
	hs.peer.recv()

	require.NoError(t, hs.h.Drain(ctx, time.Minute))
	assert.Equal(t, StateDraining, hs.h.State())
	_, err = hs.h.Dispatch(ctx, Task{Type: "embed"})
	assert.ErrorIs(t, err, ErrDraining)

	hs.peer.send(protocol.TaskResult{TaskID: p.TaskID, Success: true})
	assert.NoError(t, hs.closed(t))
	_, err = p.Wait(ctx)
	assert.NoError(t, err)
}

func TestDrainTimeout(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)
	ctx := context.Background()

	p, err := hs.h.Dispatch(ctx, Task{Type: "embed"})
	require.NoError(t, err)
	hs.peer.recv()

	require.NoError(t, hs.h.Drain(ctx, 20*time.Millisecond))
	assert.ErrorIs(t, hs.closed(t), ErrClosed)
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChunkedEmbedding(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)
	ctx := context.Background()

	p, err := hs.h.Dispatch(ctx, Task{Type: "embed"})
	require.NoError(t, err)
	hs.peer.recv()

	data := bytes.Repeat([]byte{1, 2, 3, 4}, 25)
	chunks, err := protocol.SplitEmbedding(
		protocol.ChunkOptions{Compression: protocol.CompressionNone, ChunkThreshold: 16, ChunkSize: 16},
		protocol.Embedding{TaskID: p.TaskID, DType: protocol.DTypeF32, Shape: []uint32{25}, Data: data},
	)
	require.NoError(t, err)
	require.Len(t, chunks, 7)

	// Out of order arrival.
	for i := len(chunks) - 1; i >= 0; i-- {
		hs.peer.send(chunks[i])
	}
	hs.peer.send(protocol.TaskResult{TaskID: p.TaskID, Success: true})

	out, err := p.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, out.Embeddings, 1)
	assert.Equal(t, data, out.Embeddings[0].Data)
	assert.Equal(t, []uint32{25}, out.Embeddings[0].Shape)
}

func TestEmbeddingChecksumMismatch(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)
	ctx := context.Background()

	p, err := hs.h.Dispatch(ctx, Task{Type: "embed"})
	require.NoError(t, err)
	hs.peer.recv()

	chunks, err := protocol.SplitEmbedding(
		protocol.ChunkOptions{Compression: protocol.CompressionNone},
		protocol.Embedding{TaskID: p.TaskID, Data: []byte("not what the checksum says")},
	)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	chunks[0].Checksum++
	hs.peer.send(chunks[0])

	e, ok := hs.peer.recv().(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeChecksumMismatch, e.Code)
	assert.Equal(t, p.TaskID, e.TaskID)

	ev, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventTransferFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, protocol.ErrChecksumMismatch)
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.m.ChecksumMismatches))

	// The task itself is still open.
	hs.peer.send(protocol.TaskResult{TaskID: p.TaskID, Success: true})
	_, err = p.Wait(ctx)
	assert.NoError(t, err)
}

func TestOversizedChunkHeaderFailsTransferOnly(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)
	ctx := context.Background()

	p, err := hs.h.Dispatch(ctx, Task{Type: "embed"})
	require.NoError(t, err)
	hs.peer.recv()

	hs.peer.send(protocol.EmbeddingChunk{
		EmbeddingID:      uuid.New(),
		TaskID:           p.TaskID,
		TotalChunks:      0xFFFFFFFF,
		Compression:      protocol.CompressionZstd,
		UncompressedSize: 1 << 63,
		Data:             []byte{1, 2, 3},
	})

	e, ok := hs.peer.recv().(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeChecksumMismatch, e.Code)

	ev, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventTransferFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, protocol.ErrChecksumMismatch)

	hs.peer.send(protocol.TaskResult{TaskID: p.TaskID, Success: true})
	_, err = p.Wait(ctx)
	assert.NoError(t, err)
	assert.Equal(t, StateActive, hs.h.State())
}

func TestCloseFromOutside(t *testing.T) {
	hs := startHandle(t, Config{}, newRegistry(t))
	hs.peer.register(clientA, protocol.Latest)

	hs.h.Close(nil)
	assert.ErrorIs(t, hs.closed(t), ErrClosed)
	<-hs.h.Done()
	assert.ErrorIs(t, hs.h.Err(), ErrClosed)
}
