// internal/bus/memory.go
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
)

// Memory is an in-process bus with consumer-group semantics: entries move
// from the queue to a pending set on Read and leave it on Ack.
type Memory struct {
	mu      sync.Mutex
	streams []*memStream
	seq     uint64
	now     func() time.Time
}

type memStream struct {
	name    string
	queue   []Message
	pending []Message
	wake    chan struct{}
}

// NewMemory creates a bus with the given number of partitions.
func NewMemory(partitions int) *Memory {
	if partitions <= 0 {
		partitions = 1
	}
	m := &Memory{now: time.Now}
	for p := 0; p < partitions; p++ {
		m.streams = append(m.streams, &memStream{
			name: StreamName("memory", p),
			wake: make(chan struct{}),
		})
	}
	return m
}

// Partitions returns the partition count.
func (m *Memory) Partitions() int { return len(m.streams) }

// Publish appends to the client's partition and wakes its reader.
func (m *Memory) Publish(ctx context.Context, clientID telemetry.ClientID, payload []byte) error {
	p := Partition(clientID, len(m.streams))
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	ts := m.now().UTC()
	s := m.streams[p]
	s.queue = append(s.queue, Message{
		ID:        fmt.Sprintf("%d-%d", ts.UnixMilli(), m.seq),
		Stream:    s.name,
		ClientID:  clientID.String(),
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.UnixMilli(ts.UnixMilli()).UTC(),
	})
	close(s.wake)
	s.wake = make(chan struct{})
	return nil
}

// Source returns the consuming side of a partition.
func (m *Memory) Source(partition int) Source {
	return &memSource{m: m, s: m.streams[partition]}
}

// Pending returns the number of read but unacked entries of a partition.
func (m *Memory) Pending(partition int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[partition].pending)
}

// Redeliver puts every pending entry of a partition back at the head of its
// queue, as a consumer restart would.
func (m *Memory) Redeliver(partition int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.streams[partition]
	s.queue = append(s.pending, s.queue...)
	s.pending = nil
}

type memSource struct {
	m *Memory
	s *memStream
}

func (src *memSource) Name() string { return src.s.name }

func (src *memSource) Read(ctx context.Context, count int, block time.Duration) ([]Message, error) {
	if count <= 0 {
		count = 1
	}
	var timer <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timer = t.C
	}

	for {
		src.m.mu.Lock()
		if n := len(src.s.queue); n > 0 {
			if n > count {
				n = count
			}
			out := make([]Message, n)
			copy(out, src.s.queue[:n])
			src.s.queue = src.s.queue[n:]
			src.s.pending = append(src.s.pending, out...)
			src.m.mu.Unlock()
			return out, nil
		}
		wake := src.s.wake
		src.m.mu.Unlock()

		if timer == nil {
			return nil, nil
		}
		select {
		case <-wake:
		case <-timer:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (src *memSource) Ack(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	acked := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		acked[m.ID] = struct{}{}
	}

	src.m.mu.Lock()
	defer src.m.mu.Unlock()
	kept := src.s.pending[:0]
	for _, m := range src.s.pending {
		if _, ok := acked[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	src.s.pending = kept
	return nil
}
