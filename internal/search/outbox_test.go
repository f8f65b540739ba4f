package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxOutboxAttempts(t *testing.T) {
	// Dead-letter threshold; entries past this are skipped and eventually
	// cleaned up.
	assert.Equal(t, 10, maxOutboxAttempts)
}
