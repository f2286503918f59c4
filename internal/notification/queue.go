package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

// payloadField is the single key carried by every stream entry.
const payloadField = "payload"

// QueuedRecord is a retry record together with its stream entry ID, needed
// for acknowledgement.
type QueuedRecord struct {
	ID     string
	Record RetryRecord
}

// RetryQueue is the durable, consumer-group backed log of retry jobs.
// Delivery is at-least-once: entries read by a consumer stay pending until
// acknowledged and are redeliverable if the consumer dies.
type RetryQueue interface {
	// Enqueue appends a retry record to the stream.
	Enqueue(ctx context.Context, record RetryRecord) error

	// EnsureGroup creates the consumer group if it does not exist.
	// Creation races are idempotent.
	EnsureGroup(ctx context.Context) error

	// Read blocks up to the given duration for one new entry addressed to
	// this consumer. Returns nil when the wait times out empty.
	Read(ctx context.Context, consumer string, block time.Duration) (*QueuedRecord, error)

	// Ack acknowledges a processed entry.
	Ack(ctx context.Context, id string) error

	// Depth returns the number of entries in the stream.
	Depth(ctx context.Context) (int64, error)

	// PendingCount returns the number of delivered-but-unacknowledged
	// entries for the group.
	PendingCount(ctx context.Context) (int64, error)

	// Close closes the queue connection.
	Close() error
}

// RedisQueue implements RetryQueue on a Redis stream.
type RedisQueue struct {
	client *redis.Client
	stream string
	group  string
}

// NewRedisQueue creates a new Redis-backed queue from a connection URL.
// URL format: redis://[:password@]host:port[/db]
func NewRedisQueue(queueURL, stream, group string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(queueURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue URL: %w", err)
	}

	client := redis.NewClient(opts)
	telemetry.InstrumentRedisClient(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to queue: %w", err)
	}

	return NewRedisQueueFromClient(client, stream, group), nil
}

// NewRedisQueueFromClient creates a RedisQueue from an existing client.
func NewRedisQueueFromClient(client *redis.Client, stream, group string) *RedisQueue {
	return &RedisQueue{
		client: client,
		stream: stream,
		group:  group,
	}
}

// Enqueue appends a retry record to the stream.
func (q *RedisQueue) Enqueue(ctx context.Context, record RetryRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal retry record: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue retry record: %w", err)
	}

	return nil
}

// EnsureGroup creates the consumer group, reading from the beginning of the
// stream so entries enqueued before the first worker start are not skipped.
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read blocks up to the given duration for one new entry.
func (q *RedisQueue) Read(ctx context.Context, consumer string, block time.Duration) (*QueuedRecord, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from queue: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	msg := streams[0].Messages[0]
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return nil, fmt.Errorf("queue entry %s has no %s field", msg.ID, payloadField)
	}

	var record RetryRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode queue entry %s: %w", msg.ID, err)
	}

	return &QueuedRecord{ID: msg.ID, Record: record}, nil
}

// Ack acknowledges a processed entry.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack queue entry %s: %w", id, err)
	}
	return nil
}

// Depth returns the number of entries in the stream.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

// PendingCount returns the number of delivered-but-unacknowledged entries.
func (q *RedisQueue) PendingCount(ctx context.Context) (int64, error) {
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read pending entries: %w", err)
	}
	return pending.Count, nil
}

// Ping verifies the queue connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the queue connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
