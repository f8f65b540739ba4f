package llm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/engramhq/engram/internal/kv"
)

// ResponseCache stores validated model output in Redis keyed by prompt
// version, call type, and an MD5 of the input content. Bumping the
// prompt version invalidates every cached response at once.
type ResponseCache struct {
	store   *kv.Store
	version string
	ttl     time.Duration
}

// NewResponseCache builds a cache. A nil store disables caching.
func NewResponseCache(store *kv.Store, version string, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ResponseCache{store: store, version: version, ttl: ttl}
}

// Key derives the cache key for a call type and its input content.
func (c *ResponseCache) Key(callType, content string) string {
	sum := md5.Sum([]byte(content))
	return "llm:" + c.version + ":" + callType + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached response for (callType, content), if any.
func (c *ResponseCache) Get(ctx context.Context, callType, content string) (string, bool) {
	if c.store == nil {
		return "", false
	}
	return c.store.Get(ctx, c.Key(callType, content))
}

// Put caches a validated response. Only output that passed downstream
// validation belongs here; failures must be retried, not replayed.
func (c *ResponseCache) Put(ctx context.Context, callType, content, response string) {
	if c.store == nil {
		return
	}
	c.store.Set(ctx, c.Key(callType, content), response, c.ttl)
}
