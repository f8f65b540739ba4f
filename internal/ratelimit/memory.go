package ratelimit

import (
	"sync"
	"time"
)

// MemoryWindow is an in-process sliding-window limiter with the same
// admission semantics as the Redis Limiter. It backs per-connection
// limits that never need cross-process coordination (WebSocket message
// throttling) and local development without Redis.
type MemoryWindow struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	seen  map[string][]time.Time
	sweep time.Time
}

// NewMemoryWindow creates a sliding-window limiter admitting at most
// limit events per window per key.
func NewMemoryWindow(limit int, window time.Duration) *MemoryWindow {
	return &MemoryWindow{
		limit:  limit,
		window: window,
		seen:   make(map[string][]time.Time),
		sweep:  time.Now(),
	}
}

// Allow records one event for key and reports whether it is within the
// window.
func (m *MemoryWindow) Allow(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-m.window)

	times := m.seen[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= m.limit {
		m.seen[key] = kept
		return false
	}
	m.seen[key] = append(kept, now)

	// Opportunistic sweep of idle keys to bound memory.
	if now.Sub(m.sweep) > m.window*4 {
		for k, ts := range m.seen {
			if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
				delete(m.seen, k)
			}
		}
		m.sweep = now
	}
	return true
}

// Reset forgets all events for key.
func (m *MemoryWindow) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
}
