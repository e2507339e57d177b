// Package store holds session snapshots in Redis for the duration of a
// verification session. Snapshots expire with the session TTL, so nothing
// outlives the session.
package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// SnapshotStore abstracts the Redis operations used by the flow controller
// to make testing easier.
type SnapshotStore interface {
	Save(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Load(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// RedisStore is a concrete implementation backed by go-redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a new Redis-backed snapshot store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Save writes a snapshot with the session TTL.
func (s *RedisStore) Save(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Load retrieves a snapshot. Returns redis.Nil when the session is unknown
// or expired.
func (s *RedisStore) Load(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key).Result()
}

// Delete removes a snapshot ahead of its TTL.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
