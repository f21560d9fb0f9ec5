package bus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

// setupMiniredis starts a miniredis instance and returns a connected bus.
func setupMiniredis(t *testing.T, partitions int) (*miniredis.Miniredis, *Redis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	b := NewRedis(RedisConfig{
		URL:          "redis://" + mr.Addr(),
		Partitions:   partitions,
		ConsumerName: "test-consumer",
	})
	ctx := context.Background()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := b.EnsureConsumerGroups(ctx); err != nil {
		t.Fatalf("EnsureConsumerGroups: %v", err)
	}

	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })

	return mr, b, raw
}

func TestRedisPublishAndRead(t *testing.T) {
	_, b, raw := setupMiniredis(t, 1)
	ctx := context.Background()

	id := telemetry.ClientID{1, 2, 3}
	if err := b.Publish(ctx, id, []byte{0x00, 0xff, 0x10}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	n, err := raw.XLen(ctx, "client-heartbeats:0").Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if n != 1 {
		t.Fatalf("stream length = %d, want 1", n)
	}

	c := b.Consumer(0)
	msgs, err := c.Read(ctx, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ClientID != id.String() {
		t.Errorf("ClientID = %s, want %s", m.ClientID, id)
	}
	if string(m.Payload) != string([]byte{0x00, 0xff, 0x10}) {
		t.Errorf("Payload = %x", m.Payload)
	}
	if m.Timestamp.IsZero() {
		t.Error("Timestamp not derived from entry id")
	}

	if p, _ := c.Pending(ctx); p != 1 {
		t.Errorf("pending before ack = %d, want 1", p)
	}
	if err := c.Ack(ctx, msgs); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if p, _ := c.Pending(ctx); p != 0 {
		t.Errorf("pending after ack = %d, want 0", p)
	}
}

func TestRedisReadEmptyReturnsNil(t *testing.T) {
	_, b, _ := setupMiniredis(t, 1)
	msgs, err := b.Consumer(0).Read(context.Background(), 10, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages from empty stream", len(msgs))
	}
}

func TestRedisRestartReplaysPending(t *testing.T) {
	_, b, _ := setupMiniredis(t, 1)
	ctx := context.Background()
	id := telemetry.ClientID{9}

	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, id, []byte{byte(i)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	first := b.Consumer(0)
	msgs, err := first.Read(ctx, 2, 50*time.Millisecond)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("first Read = %d msgs, err %v", len(msgs), err)
	}
	// Crash before acking: a new consumer with the same name takes over.
	second := b.Consumer(0)
	replayed, err := second.Read(ctx, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("replay Read: %v", err)
	}
	if len(replayed) != 2 || replayed[0].ID != msgs[0].ID || replayed[1].ID != msgs[1].ID {
		t.Fatalf("replayed %v, want the two unacked entries", replayed)
	}
	if err := second.Ack(ctx, replayed); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	fresh, err := second.Read(ctx, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Read new: %v", err)
	}
	if len(fresh) != 1 || fresh[0].Payload[0] != 2 {
		t.Errorf("after replay got %v, want the third entry", fresh)
	}
}

func TestPartitionIsStable(t *testing.T) {
	id := telemetry.ClientID{0xaa, 0xbb}
	p := Partition(id, 8)
	for i := 0; i < 10; i++ {
		if got := Partition(id, 8); got != p {
			t.Fatalf("Partition changed: %d then %d", p, got)
		}
	}
	if p < 0 || p >= 8 {
		t.Errorf("Partition = %d out of range", p)
	}
	if Partition(id, 1) != 0 || Partition(id, 0) != 0 {
		t.Error("single partition must map to 0")
	}
}

func TestEntryTime(t *testing.T) {
	got := entryTime("1700000000123-4")
	if got.UnixMilli() != 1700000000123 {
		t.Errorf("entryTime = %d", got.UnixMilli())
	}
	if !entryTime("garbage").IsZero() {
		t.Error("bad id should give zero time")
	}
}

func TestMaskURL(t *testing.T) {
	masked := MaskURL("redis://:secret@localhost:6379/0")
	if strings.Contains(masked, "secret") {
		t.Errorf("MaskURL leaked the password: %s", masked)
	}
	if !strings.Contains(masked, "localhost:6379") {
		t.Errorf("MaskURL dropped the host: %s", masked)
	}
	if got := MaskURL("redis://localhost:6379"); got != "redis://localhost:6379" {
		t.Errorf("MaskURL without password = %s", got)
	}
}

func TestRedisReadSubMillisecondBlockReturns(t *testing.T) {
	_, b, _ := setupMiniredis(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c := b.Consumer(0)
	start := time.Now()
	for i := 0; i < 3; i++ {
		msgs, err := c.Read(ctx, 10, 500*time.Microsecond)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(msgs) != 0 {
			t.Fatalf("Read returned %d entries from an empty stream", len(msgs))
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("three short reads took %s", elapsed)
	}
}
