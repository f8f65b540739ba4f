// Package kv wraps the Redis client used for rate limiting, response
// caching, entity-resolution caching, and ingestion job state.
//
// Redis is optional: a nil *Store degrades every operation to a miss or
// no-op, so the pipeline works (uncached) without it.
package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin namespace-aware wrapper over a Redis client.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// Open connects to Redis using a redis:// URL. Returns an error if the
// URL is malformed or the server is unreachable.
func Open(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: ping redis: %w", err)
	}
	return &Store{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client (used by tests).
func NewWithClient(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Client exposes the underlying client for packages that need pipelines
// (the rate limiter's sorted-set window).
func (s *Store) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Get returns the value for key, or ("", false) on miss or when Redis
// is not configured.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	if s == nil || s.client == nil {
		return "", false
	}
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		s.logger.Debug("kv: get failed", "key", key, "error", err)
		return "", false
	}
	return v, true
}

// Set stores a value with a TTL. Errors are logged, not returned —
// cache writes are best-effort.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if s == nil || s.client == nil {
		return
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Debug("kv: set failed", "key", key, "error", err)
	}
}

// Delete removes keys. Best-effort.
func (s *Store) Delete(ctx context.Context, keys ...string) {
	if s == nil || s.client == nil || len(keys) == 0 {
		return
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.logger.Debug("kv: delete failed", "error", err)
	}
}

// DeleteByPrefix removes all keys matching prefix* using SCAN, so it is
// safe on large keyspaces. Best-effort.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) {
	if s == nil || s.client == nil {
		return
	}
	iter := s.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			s.Delete(ctx, batch...)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		s.Delete(ctx, batch...)
	}
	if err := iter.Err(); err != nil {
		s.logger.Debug("kv: scan failed", "prefix", prefix, "error", err)
	}
}

// HSetAll writes all fields of a hash and refreshes its TTL atomically.
func (s *Store) HSetAll(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	pipe := s.client.TxPipeline()
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	pipe.HSet(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: hset %s: %w", key, err)
	}
	return nil
}

// HGetAll returns all fields of a hash; empty map on miss.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if s == nil || s.client == nil {
		return map[string]string{}, nil
	}
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: hgetall %s: %w", key, err)
	}
	return m, nil
}

// Exists reports whether the key is present.
func (s *Store) Exists(ctx context.Context, key string) bool {
	if s == nil || s.client == nil {
		return false
	}
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		s.logger.Debug("kv: exists failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

// Close shuts down the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
