// internal/bus/redis.go
package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis Streams bus.
type RedisConfig struct {
	URL      string
	Password string

	// Topic is the stream key prefix (default: "client-heartbeats").
	Topic string

	// Partitions is the number of partition streams (default: 1).
	Partitions int

	// ConsumerGroup is shared by every consumer (default: "heartbeat-consumer-group").
	ConsumerGroup string

	// ConsumerName must be stable across restarts so pending entries are
	// re-read by their owner (default: hostname).
	ConsumerName string

	// MaxLen trims each stream approximately (default: 100000).
	MaxLen int64
}

// Redis is a Redis Streams bus.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedis creates a bus; call Connect before use.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Topic == "" {
		cfg.Topic = "client-heartbeats"
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "heartbeat-consumer-group"
	}
	if cfg.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "fabric"
		}
		cfg.ConsumerName = host
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = 100000
	}
	return &Redis{cfg: cfg}
}

// Connect establishes the connection and verifies it.
func (r *Redis) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if r.cfg.Password != "" {
		opts.Password = r.cfg.Password
	}
	r.client = redis.NewClient(opts)

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Close closes the connection.
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Partitions returns the configured partition count.
func (r *Redis) Partitions() int { return r.cfg.Partitions }

// EnsureConsumerGroups creates the group on every partition stream.
func (r *Redis) EnsureConsumerGroups(ctx context.Context) error {
	for p := 0; p < r.cfg.Partitions; p++ {
		stream := StreamName(r.cfg.Topic, p)
		err := r.client.XGroupCreateMkStream(ctx, stream, r.cfg.ConsumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
		}
	}
	return nil
}

// Publish appends a heartbeat to its client's partition stream.
func (r *Redis) Publish(ctx context.Context, clientID telemetry.ClientID, payload []byte) error {
	stream := StreamName(r.cfg.Topic, Partition(clientID, r.cfg.Partitions))
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: r.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"client_id": clientID.String(),
			"payload":   payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// Consumer returns the source of one partition.
func (r *Redis) Consumer(partition int) *RedisConsumer {
	return &RedisConsumer{
		r:        r,
		stream:   StreamName(r.cfg.Topic, partition),
		consumer: fmt.Sprintf("%s-p%d", r.cfg.ConsumerName, partition),
	}
}

// RedisConsumer reads one partition stream through the consumer group.
// It is used by a single pipeline goroutine.
type RedisConsumer struct {
	r        *Redis
	stream   string
	consumer string

	// pendingDrained is set once the entries left unacked by a previous run
	// have all been handed out again.
	pendingDrained bool
	pendingCursor  string
}

func (c *RedisConsumer) Name() string {
	return "redis:" + c.stream + "/" + c.consumer
}

// Read first replays this consumer's pending entries, then reads new ones.
func (c *RedisConsumer) Read(ctx context.Context, count int, block time.Duration) ([]Message, error) {
	if !c.pendingDrained {
		if c.pendingCursor == "" {
			c.pendingCursor = "0"
		}
		msgs, err := c.read(ctx, c.pendingCursor, count, -1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			c.pendingCursor = msgs[len(msgs)-1].ID
			return msgs, nil
		}
		c.pendingDrained = true
	}
	// The block time goes out in whole milliseconds and BLOCK 0 waits
	// forever, so a sub-millisecond wait is rounded up.
	switch {
	case block <= 0:
		block = -1
	case block < time.Millisecond:
		block = time.Millisecond
	}
	return c.read(ctx, ">", count, block)
}

func (c *RedisConsumer) read(ctx context.Context, id string, count int, block time.Duration) ([]Message, error) {
	streams, err := c.r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.r.cfg.ConsumerGroup,
		Consumer: c.consumer,
		Streams:  []string{c.stream, id},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream %s: %w", c.stream, err)
	}

	var out []Message
	var tombstones []string
	for _, s := range streams {
		for _, xm := range s.Messages {
			msg, ok := parseMessage(s.Stream, xm)
			if !ok {
				// Entry trimmed away while pending.
				tombstones = append(tombstones, xm.ID)
				continue
			}
			out = append(out, msg)
		}
	}
	if len(tombstones) > 0 {
		if err := c.r.client.XAck(ctx, c.stream, c.r.cfg.ConsumerGroup, tombstones...).Err(); err != nil {
			return nil, fmt.Errorf("ack trimmed entries: %w", err)
		}
		if len(out) == 0 && id != ">" {
			// Advance past the tombstones so the pending replay makes progress.
			c.pendingCursor = tombstones[len(tombstones)-1]
			return c.read(ctx, c.pendingCursor, count, block)
		}
	}
	return out, nil
}

// Ack acknowledges entries after their batch committed.
func (c *RedisConsumer) Ack(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := c.r.client.XAck(ctx, c.stream, c.r.cfg.ConsumerGroup, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d entries on %s: %w", len(ids), c.stream, err)
	}
	return nil
}

// Pending returns how many entries of this consumer are delivered but unacked.
func (c *RedisConsumer) Pending(ctx context.Context) (int64, error) {
	res, err := c.r.client.XPending(ctx, c.stream, c.r.cfg.ConsumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return res.Consumers[c.consumer], nil
}

func parseMessage(stream string, xm redis.XMessage) (Message, bool) {
	if len(xm.Values) == 0 {
		return Message{}, false
	}
	msg := Message{
		ID:        xm.ID,
		Stream:    stream,
		Timestamp: entryTime(xm.ID),
	}
	if v, ok := xm.Values["client_id"].(string); ok {
		msg.ClientID = v
	}
	if v, ok := xm.Values["payload"].(string); ok {
		msg.Payload = []byte(v)
	}
	return msg, true
}

// entryTime extracts the millisecond time Redis assigned to an entry id.
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
