// Package ratelimit provides a Redis-backed sliding-window rate limiter.
//
// Each (rule, key) pair maps to a Redis sorted set whose members are
// request timestamps. A pipelined trim/insert/count keeps the window
// accurate across processes. With a nil Redis client the limiter runs
// in noop mode and permits everything, so local development does not
// require Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule describes one limit: at most Limit requests per Window, under
// the given key prefix.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of an Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders renders the standard X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// ErrLimitExceeded is returned by Wait when the caller's budget for
// waiting on a free slot runs out. RetryAfter carries the hint.
type ErrLimitExceeded struct {
	RetryAfter time.Duration
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("ratelimit: limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// IsLimitExceeded reports whether err is a rate-limit exhaustion.
func IsLimitExceeded(err error) bool {
	var e *ErrLimitExceeded
	return errors.As(err, &e)
}

// Limiter enforces sliding-window rules against Redis.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a Limiter. A nil client puts the limiter in noop mode.
func New(client *redis.Client, logger *slog.Logger) *Limiter {
	return &Limiter{client: client, logger: logger}
}

// Allow records one request under (rule, key) and reports whether it is
// within the window. Limiter malfunctions fail open: traffic is never
// blocked by a Redis outage.
func (l *Limiter) Allow(ctx context.Context, rule Rule, key string) Result {
	if l == nil || l.client == nil {
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: time.Now().Add(rule.Window)}
	}

	now := time.Now()
	redisKey := "ratelimit:" + rule.Prefix + ":" + key
	windowStart := now.Add(-rule.Window)
	member := strconv.FormatInt(now.UnixMicro(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixMicro(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rule.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("ratelimit: pipeline failed, failing open", "error", err)
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: now.Add(rule.Window)}
	}

	count := int(countCmd.Val())
	if count <= rule.Limit {
		return Result{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: rule.Limit - count,
			ResetAt:   now.Add(rule.Window),
		}
	}

	// Over the limit: the timestamp we just inserted does not count as
	// an admitted request.
	if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		l.logger.Debug("ratelimit: remove rejected member", "error", err)
	}
	return Result{
		Allowed:   false,
		Limit:     rule.Limit,
		Remaining: 0,
		ResetAt:   l.oldestReset(ctx, redisKey, rule.Window, now),
	}
}

// Wait blocks until a slot frees under (rule, key), polling as earlier
// timestamps age out of the window. If no slot frees within maxWait it
// returns an ErrLimitExceeded with a retry-after hint.
func (l *Limiter) Wait(ctx context.Context, rule Rule, key string, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		result := l.Allow(ctx, rule, key)
		if result.Allowed {
			return nil
		}

		sleep := time.Until(result.ResetAt)
		if sleep < 100*time.Millisecond {
			sleep = 100 * time.Millisecond
		}
		if time.Now().Add(sleep).After(deadline) {
			return &ErrLimitExceeded{RetryAfter: time.Until(result.ResetAt)}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// oldestReset computes when the oldest timestamp in the window ages out.
func (l *Limiter) oldestReset(ctx context.Context, redisKey string, window time.Duration, now time.Time) time.Time {
	zs, err := l.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err != nil || len(zs) == 0 {
		return now.Add(window)
	}
	oldest := time.UnixMicro(int64(zs[0].Score))
	return oldest.Add(window)
}
