package agent

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/bus"
	"github.com/aceteam-ai/citadel-fabric/internal/fabric"
	"github.com/aceteam-ai/citadel-fabric/internal/protocol"
	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/rs/zerolog"
)

var testClient = telemetry.ClientID{0xc0, 0xff, 0xee, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}

type staticSampler struct{}

func (staticSampler) Collect(ctx context.Context) (*telemetry.HeartbeatMessage, error) {
	return &telemetry.HeartbeatMessage{
		System:      telemetry.SystemInfo{CPUUsage: 5, MemoryUsage: 20, DiskUsage: 30},
		DeviceCount: 1,
		TotalTFLOPS: 83,
		Devices:     []telemetry.DeviceInfo{{Index: 0, DeviceID: 0x2684, VendorID: 0x10de, Usage: 10}},
	}, nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type testFabric struct {
	reg  *fabric.Registry
	mem  *bus.Memory
	addr string
}

func startFabric(t *testing.T) *testFabric {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	reg := fabric.NewRegistry(zerolog.Nop())
	go reg.Run(ctx)

	mem := bus.NewMemory(1)
	srv := fabric.NewServer(fabric.ServerConfig{
		DrainTimeout: 100 * time.Millisecond,
		Handle:       fabric.Config{HeartbeatInterval: 50 * time.Millisecond, CancelTimeout: time.Second},
	}, reg, mem, nil, zerolog.Nop(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln, nil)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &testFabric{reg: reg, mem: mem, addr: "tcp://" + ln.Addr().String()}
}

func testMux() *Mux {
	mux := NewMux()
	mux.RegisterFunc("echo", EchoHandler)
	mux.RegisterFunc("embed", func(ctx context.Context, task Task, progress ProgressFunc) (*Output, error) {
		progress(50, "encoding")
		return &Output{
			Data: []byte("ok"),
			Embeddings: []protocol.Embedding{{
				DType: protocol.DTypeF32,
				Shape: []uint32{750},
				Data:  bytes.Repeat([]byte{9, 8, 7, 6}, 750),
			}},
		}, nil
	})
	mux.RegisterFunc("block", func(ctx context.Context, task Task, progress ProgressFunc) (*Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return mux
}

func startAgent(t *testing.T, f *testFabric, cfg Config) *Agent {
	t.Helper()
	cfg.ServerURL = f.addr
	cfg.ClientID = testClient
	cfg.Hostname = "gpu-box"
	cfg.AgentVersion = "test"
	cfg.MinBackoff = 10 * time.Millisecond
	cfg.Chunk = protocol.ChunkOptions{Compression: protocol.CompressionNone, ChunkThreshold: 1024, ChunkSize: 1024}

	a := New(cfg, staticSampler{}, testMux(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("agent run: %v", err)
		}
	})

	waitUntil(t, "registration", func() bool {
		_, err := f.reg.Lookup(context.Background(), testClient)
		return err == nil && a.Connected()
	})
	return a
}

func dispatch(t *testing.T, f *testFabric, task fabric.Task) (*fabric.Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p, err := f.reg.Dispatch(ctx, testClient, task)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return p.Wait(ctx)
}

func TestAgentHeartbeatsReachBus(t *testing.T) {
	f := startFabric(t)
	startAgent(t, f, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msgs, err := f.mem.Source(0).Read(ctx, 10, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) == 0 {
		t.Fatal("no heartbeat published")
	}
	hb, err := telemetry.Unmarshal(msgs[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if hb.ClientID != testClient {
		t.Errorf("client id = %s, want %s", hb.ClientID, testClient)
	}
	if hb.TotalTFLOPS != 83 {
		t.Errorf("total tflops = %d, want 83", hb.TotalTFLOPS)
	}
}

func TestAgentRunsTasks(t *testing.T) {
	f := startFabric(t)
	startAgent(t, f, Config{})

	out, err := dispatch(t, f, fabric.Task{Type: "echo", Input: []byte("ping")})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if string(out.Result.Output) != "ping" {
		t.Errorf("echo output = %q, want ping", out.Result.Output)
	}

	_, err = dispatch(t, f, fabric.Task{Type: "missing"})
	if !errors.Is(err, fabric.ErrTaskFailed) {
		t.Errorf("unknown task type: got %v, want ErrTaskFailed", err)
	}
}

func TestAgentUploadsEmbeddings(t *testing.T) {
	f := startFabric(t)
	startAgent(t, f, Config{})

	out, err := dispatch(t, f, fabric.Task{Type: "embed"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(out.Embeddings) != 1 {
		t.Fatalf("got %d embeddings, want 1", len(out.Embeddings))
	}
	e := out.Embeddings[0]
	if !bytes.Equal(e.Data, bytes.Repeat([]byte{9, 8, 7, 6}, 750)) {
		t.Error("embedding data differs after reassembly")
	}
	if len(e.Shape) != 1 || e.Shape[0] != 750 {
		t.Errorf("shape = %v, want [750]", e.Shape)
	}
	if string(out.Result.Output) != "ok" {
		t.Errorf("output = %q, want ok", out.Result.Output)
	}
}

func TestAgentEmbeddingsNeedV2(t *testing.T) {
	f := startFabric(t)
	startAgent(t, f, Config{MaxVersion: protocol.V1})

	_, err := dispatch(t, f, fabric.Task{Type: "embed"})
	if !errors.Is(err, fabric.ErrTaskFailed) {
		t.Errorf("got %v, want ErrTaskFailed", err)
	}
}

func TestAgentHonoursCancel(t *testing.T) {
	f := startFabric(t)
	startAgent(t, f, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p, err := f.reg.Dispatch(ctx, testClient, fabric.Task{Type: "block"})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Wait(ctx); !errors.Is(err, fabric.ErrTaskCancelled) {
		t.Errorf("got %v, want ErrTaskCancelled", err)
	}
}

func TestAgentReconnects(t *testing.T) {
	f := startFabric(t)
	a := startAgent(t, f, Config{})

	h, err := f.reg.Lookup(context.Background(), testClient)
	if err != nil {
		t.Fatal(err)
	}
	h.Close(errors.New("test disconnect"))

	waitUntil(t, "second session", func() bool { return a.Sessions() >= 2 })
	waitUntil(t, "re-registration", func() bool {
		h2, err := f.reg.Lookup(context.Background(), testClient)
		return err == nil && h2 != h
	})
}

func TestUnsupportedScheme(t *testing.T) {
	a := New(Config{ServerURL: "http://localhost:1"}, staticSampler{}, NewMux(), zerolog.Nop())
	if _, err := a.RunOnce(context.Background()); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("got %v, want ErrUnsupportedScheme", err)
	}
}

func TestMuxRouting(t *testing.T) {
	mux := NewMux()
	mux.RegisterFunc("echo", EchoHandler)

	var got []uint8
	out, err := mux.Handle(context.Background(), Task{Type: "echo", Input: []byte("x")}, func(p uint8, _ string) { got = append(got, p) })
	if err != nil || string(out.Data) != "x" {
		t.Fatalf("echo = %v, %v", out, err)
	}
	if len(got) != 1 || got[0] != 100 {
		t.Errorf("progress = %v, want [100]", got)
	}
	if _, err := mux.Handle(context.Background(), Task{Type: "nope"}, func(uint8, string) {}); !errors.Is(err, ErrNoHandler) {
		t.Errorf("got %v, want ErrNoHandler", err)
	}
	if types := mux.Types(); len(types) != 1 || types[0] != "echo" {
		t.Errorf("types = %v", types)
	}
}
