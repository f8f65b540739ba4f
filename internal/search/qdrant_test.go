package search

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{
			name:   "https cloud URL with REST port",
			rawURL: "https://xyz.cloud.qdrant.io:6333",
			host:   "xyz.cloud.qdrant.io",
			port:   6334, // REST 6333 maps to gRPC 6334
			tls:    true,
		},
		{
			name:   "https cloud URL with gRPC port",
			rawURL: "https://xyz.cloud.qdrant.io:6334",
			host:   "xyz.cloud.qdrant.io",
			port:   6334,
			tls:    true,
		},
		{
			name:   "http local URL",
			rawURL: "http://localhost:6333",
			host:   "localhost",
			port:   6334,
			tls:    false,
		},
		{
			name:   "http no port defaults to 6334",
			rawURL: "http://qdrant.internal",
			host:   "qdrant.internal",
			port:   6334,
			tls:    false,
		},
		{
			name:   "custom port preserved",
			rawURL: "https://qdrant.example.com:9334",
			host:   "qdrant.example.com",
			port:   9334,
			tls:    true,
		},
		{
			name:    "empty URL",
			rawURL:  "",
			wantErr: true,
		},
		{
			name:    "garbage URL",
			rawURL:  "not a url",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

// newTestQdrantIndex connects to a local address with no server running.
// gRPC connects lazily, so this suffices for early-return paths, error
// handling, and the health cache.
func newTestQdrantIndex(t *testing.T) *QdrantIndex {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:16334",
		Collection: "test_collection",
		Dims:       1536,
	}, logger)
	require.NoError(t, err, "NewQdrantIndex should succeed (gRPC is lazy-connect)")
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestQdrantUpsertEmptyPoints(t *testing.T) {
	idx := newTestQdrantIndex(t)

	require.NoError(t, idx.Upsert(context.Background(), nil))
	require.NoError(t, idx.Upsert(context.Background(), []Point{}))
}

func TestQdrantDeleteByIDsEmpty(t *testing.T) {
	idx := newTestQdrantIndex(t)

	require.NoError(t, idx.DeleteByIDs(context.Background(), nil))
	require.NoError(t, idx.DeleteByIDs(context.Background(), []uuid.UUID{}))
}

func TestQdrantHealthErrStoreAndLoad(t *testing.T) {
	idx := newTestQdrantIndex(t)

	assert.Nil(t, idx.loadHealthErr())

	testErr := fmt.Errorf("connection refused")
	idx.storeHealthErr(testErr)
	assert.Equal(t, testErr, idx.loadHealthErr())

	idx.storeHealthErr(nil)
	assert.Nil(t, idx.loadHealthErr())
}

func TestQdrantHealthyCachesResult(t *testing.T) {
	idx := newTestQdrantIndex(t)

	// Prime the cache with a failure and a fresh timestamp; Healthy must
	// return the cached error without another RPC.
	cached := fmt.Errorf("search: qdrant unhealthy: cached")
	idx.storeHealthErr(cached)
	idx.healthAt.Store(time.Now().UnixNano())

	err := idx.Healthy(context.Background())
	assert.Equal(t, cached, err)
}

func TestBuildConditions(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	full := buildConditions("user-1", Filters{
		Kind:    "decision",
		Project: "api",
		Scope:   "library",
		Since:   &since,
	})
	assert.Len(t, full, 5, "user scope plus four filters")

	minimal := buildConditions("user-1", Filters{})
	assert.Len(t, minimal, 1, "user scope is always applied")
}
