package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultKeyPrefix = "autoos:workflow:"
	defaultTTL       = 7 * 24 * time.Hour
)

// Redis stores snapshots as JSON values with a TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis wraps client. A ttl of zero uses seven days.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, prefix: defaultKeyPrefix, ttl: ttl}
}

// Connect parses redisURL, pings the server and returns a store.
func Connect(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client, ttl), nil
}

func (r *Redis) key(id string) string {
	return r.prefix + id
}

func (r *Redis) Save(ctx context.Context, s *Snapshot) error {
	if s == nil || s.Workflow == nil || s.Workflow.ID == "" {
		return errors.New("snapshot requires a workflow id")
	}
	cp := *s
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(s.Workflow.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.Workflow.ID, err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, workflowID string) (*Snapshot, error) {
	data, err := r.client.Get(ctx, r.key(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", workflowID, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", workflowID, err)
	}
	return &s, nil
}

func (r *Redis) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
