package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const defaultStreamPrefix = "autoos:ledger:"

// Redis appends events to one Redis stream per workflow. Streams are never
// trimmed.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a Redis ledger.
type RedisOption func(*Redis)

// WithStreamPrefix overrides the stream key prefix.
func WithStreamPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, opts ...RedisOption) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisFromClient(client, opts...), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultStreamPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StreamKey returns the stream holding workflowID's events.
func (r *Redis) StreamKey(workflowID string) string {
	return r.prefix + workflowID
}

func (r *Redis) Write(ctx context.Context, e Event) error {
	e = stamp(e)
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: r.StreamKey(e.WorkflowID),
		Values: map[string]interface{}{
			"type":  string(e.Type),
			"event": string(data),
		},
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

func (r *Redis) Read(ctx context.Context, workflowID string) ([]Event, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("redis ledger requires a workflow id")
	}
	msgs, err := r.client.XRange(ctx, r.StreamKey(workflowID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
