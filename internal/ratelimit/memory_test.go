package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryWindowAdmitsUpToLimit(t *testing.T) {
	w := NewMemoryWindow(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, w.Allow("conn-1"), "event %d", i+1)
	}
	assert.False(t, w.Allow("conn-1"), "4th event should be denied")

	// Independent keys have independent windows.
	assert.True(t, w.Allow("conn-2"))
}

func TestMemoryWindowSlides(t *testing.T) {
	w := NewMemoryWindow(2, 200*time.Millisecond)

	assert.True(t, w.Allow("k"))
	assert.True(t, w.Allow("k"))
	assert.False(t, w.Allow("k"))

	time.Sleep(250 * time.Millisecond)
	assert.True(t, w.Allow("k"), "events should age out of the window")
}

func TestMemoryWindowReset(t *testing.T) {
	w := NewMemoryWindow(1, time.Minute)
	assert.True(t, w.Allow("k"))
	assert.False(t, w.Allow("k"))

	w.Reset("k")
	assert.True(t, w.Allow("k"))
}
