// Package cache - redis.go provides the redis-backed Store for deployments
// where multiple instances should share the result cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonathan/postpulse/internal/post"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces cache keys in a shared redis.
const keyPrefix = "postpulse:post:"

// Redis is a Store backed by a redis instance. Expiry is delegated to redis
// TTLs, so entries vanish server-side instead of being lazily evicted.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a redis-backed store from a connection URL
// (e.g. redis://localhost:6379/0).
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewRedisWithClient wraps an existing client; used by tests with miniredis.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, postID string) (*post.Record, bool, error) {
	data, err := r.client.Get(ctx, keyPrefix+postID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var rec post.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt entry is treated as a miss rather than an outage.
		return nil, false, nil
	}
	return &rec, true, nil
}

// Put implements Store.
func (r *Redis) Put(ctx context.Context, postID string, rec *post.Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+postID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the underlying client connections.
func (r *Redis) Close() error {
	return r.client.Close()
}
