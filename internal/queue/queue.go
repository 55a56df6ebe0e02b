// Package queue carries operator commands (drain, resync, archive) from the
// CLI or API to the running sync daemon.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// Message types understood by the sync daemon.
const (
	TypeDrain   = "drain"
	TypeResync  = "resync"
	TypeArchive = "archive"
)

// DefaultKey is the Redis list commands are pushed to.
const DefaultKey = "edgeattend:control"

// Message represents one operator command.
type Message struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
	At   time.Time       `json:"at"`
}

// ArchiveBody is the payload of an archive command.
type ArchiveBody struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewMessage builds a message with a JSON body. body may be nil.
func NewMessage(typ string, body any) (Message, error) {
	msg := Message{Type: typ, At: time.Now().UTC()}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s body: %w", typ, err)
		}
		msg.Body = b
	}
	return msg, nil
}

// Decode unmarshals the body into v.
func (m Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return errors.New("empty message body")
	}
	return json.Unmarshal(m.Body, v)
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a channel-backed queue for single-process setups and tests.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel that closes when ctx is done.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// NewRedisClient connects to redis with short timeouts.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  7 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
}

// RedisQueue implements a Redis list-backed queue.
type RedisQueue struct {
	client  *redis.Client
	key     string
	wait    time.Duration
	logger  *slog.Logger
	backoff func() backoff.BackOff
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string, logger *slog.Logger) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client: client,
		key:    key,
		wait:   5 * time.Second,
		logger: logger,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Healthy verifies redis connectivity.
func (q *RedisQueue) Healthy(ctx context.Context) bool {
	if q == nil || q.client == nil {
		return false
	}
	return q.client.Ping(ctx).Err() == nil
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	return nil
}

// Consume streams messages using BRPOP. Redis errors back off exponentially
// so a dead server is not hammered; malformed entries are logged and dropped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		bo := q.backoff()
		for {
			res, err := q.client.BRPop(ctx, q.wait, q.key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				delay := bo.NextBackOff()
				q.logger.Warn("control queue read failed", "error", err, "retry_in", delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
				continue
			}
			bo.Reset()
			if len(res) != 2 {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
				q.logger.Warn("dropping malformed control message", "error", err)
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
