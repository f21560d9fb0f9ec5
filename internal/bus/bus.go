// internal/bus/bus.go

// Package bus carries encoded heartbeats from the connection layer to the
// ingestion pipelines.
//
// The production transport is Redis Streams with one consumer group per
// partition stream. Entries are acknowledged only after the batch that
// contains them has been committed, so a crashed consumer re-reads its own
// pending entries on restart. An in-memory bus with the same semantics backs
// tests and single-process deployments.
package bus

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/cespare/xxhash/v2"
)

// Message is one bus entry.
type Message struct {
	ID        string
	Stream    string
	ClientID  string
	Payload   []byte
	Timestamp time.Time
}

// Source is the consuming side of one partition.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Read returns up to count entries, waiting at most block for the first.
	// It returns an empty slice, not an error, when nothing arrived.
	Read(ctx context.Context, count int, block time.Duration) ([]Message, error)

	// Ack marks entries processed. Unacked entries are redelivered after a restart.
	Ack(ctx context.Context, msgs []Message) error
}

// Publisher is the producing side.
type Publisher interface {
	Publish(ctx context.Context, clientID telemetry.ClientID, payload []byte) error
}

// Partition maps a client to one of n partitions. All heartbeats of a client
// land on the same partition, so one pipeline sees them in order.
func Partition(id telemetry.ClientID, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64(id[:]) % uint64(n))
}

// StreamName returns the stream key of a partition.
func StreamName(topic string, partition int) string {
	return fmt.Sprintf("%s:%d", topic, partition)
}

// MaskURL hides the password of a Redis URL for logging.
func MaskURL(redisURL string) string {
	u, err := url.Parse(redisURL)
	if err != nil {
		if strings.HasPrefix(redisURL, "redis://") {
			return "redis://***"
		}
		return "***"
	}
	if _, hasPass := u.User.Password(); hasPass {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
