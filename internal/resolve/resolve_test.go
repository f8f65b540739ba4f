package resolve

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "postgresql", Normalize("  PostgreSQL "))
	assert.Equal(t, "react query", Normalize("React   Query"))
	assert.Equal(t, "", Normalize("   "))
}

func TestTokenRatio(t *testing.T) {
	assert.Equal(t, 1.0, TokenRatio("PostgreSQL", "postgresql"))
	// Token order does not matter.
	assert.Equal(t, 1.0, TokenRatio("Query React", "react query"))
	assert.Greater(t, TokenRatio("PostgreSQL", "PostgresQL"), 0.85)
	assert.Less(t, TokenRatio("PostgreSQL", "MongoDB"), 0.5)
	assert.Equal(t, 0.0, TokenRatio("", "x"))
}

func TestBestFuzzyMatch(t *testing.T) {
	candidates := []model.Entity{
		{ID: uuid.New(), Name: "PostgreSQL"},
		{ID: uuid.New(), Name: "MongoDB", Aliases: []string{"mongo db"}},
	}
	best, score := bestFuzzyMatch("postgre sql", candidates)
	assert.Equal(t, "PostgreSQL", best.Name)
	assert.Greater(t, score, 0.8)

	// Alias matches count too.
	best, score = bestFuzzyMatch("mongo db", candidates)
	assert.Equal(t, "MongoDB", best.Name)
	assert.Equal(t, 1.0, score)
}

func TestFuzzyThresholdsPerType(t *testing.T) {
	// Files demand near-exact matches; concepts are forgiving.
	assert.Greater(t, fuzzyThreshold(model.EntityFile), fuzzyThreshold(model.EntityConcept))
	assert.Equal(t, 0.95, fuzzyThreshold(model.EntityFile))
	assert.Equal(t, 0.75, fuzzyThreshold(model.EntityConcept))
	// Unknown types fall back to a sane default.
	assert.Equal(t, 0.85, fuzzyThreshold(model.EntityType("weird")))
}

func TestCanonicalStaticLookup(t *testing.T) {
	c := NewCanonical("", testLogger())

	canon, ok := c.Lookup("postgres")
	require.True(t, ok)
	assert.Equal(t, "PostgreSQL", canon)

	canon, ok = c.Lookup("K8S")
	require.True(t, ok)
	assert.Equal(t, "Kubernetes", canon)

	_, ok = c.Lookup("some-internal-service")
	assert.False(t, ok)
}

func TestCanonicalIsCanonicalName(t *testing.T) {
	c := NewCanonical("", testLogger())
	assert.True(t, c.IsCanonicalName("PostgreSQL"))
	assert.True(t, c.IsCanonicalName("postgresql")) // case-insensitive
	assert.False(t, c.IsCanonicalName("postgres"))  // an alias, not a canonical value
}

func TestCanonicalRegistryRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/-/v1/search")
		switch r.URL.Query().Get("text") {
		case "fastify":
			_, _ = w.Write([]byte(`{"objects":[{"package":{"name":"fastify"}}]}`))
		case "http":
			// Top hit is an unrelated package; must not canonicalize.
			_, _ = w.Write([]byte(`{"objects":[{"package":{"name":"axios"}}]}`))
		default:
			_, _ = w.Write([]byte(`{"objects":[]}`))
		}
	}))
	defer srv.Close()

	c := NewCanonical(srv.URL, testLogger())
	c.Refresh(context.Background(), []string{"fastify", "http", "nosuchpkg"})

	canon, ok := c.Lookup("Fastify")
	require.True(t, ok)
	assert.Equal(t, "fastify", canon)

	_, ok = c.Lookup("http")
	assert.False(t, ok)
	_, ok = c.Lookup("nosuchpkg")
	assert.False(t, ok)
}

func TestCanonicalRegistryFailsSilently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCanonical(srv.URL, testLogger())
	done := make(chan struct{})
	go func() {
		c.Refresh(context.Background(), []string{"anything"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("registry refresh did not return")
	}
	_, ok := c.Lookup("anything")
	assert.False(t, ok)
}

func TestDuplicateGroups(t *testing.T) {
	a := model.Entity{ID: uuid.New(), Name: "PostgreSQL", CreatedAt: time.Now().Add(-time.Hour)}
	b := model.Entity{ID: uuid.New(), Name: "PostgreeSQL", CreatedAt: time.Now()}
	c := model.Entity{ID: uuid.New(), Name: "MongoDB", CreatedAt: time.Now()}

	groups := duplicateGroups([]model.Entity{a, b, c})
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 2)
	assert.Equal(t, "PostgreSQL", groups[0][0].Name)
}

func TestPickRepresentativePrefersCanonical(t *testing.T) {
	r := &Resolver{canon: NewCanonical("", testLogger())}
	older := model.Entity{ID: uuid.New(), Name: "postgre", CreatedAt: time.Now().Add(-time.Hour)}
	canonical := model.Entity{ID: uuid.New(), Name: "PostgreSQL", CreatedAt: time.Now()}

	keep := r.pickRepresentative([]model.Entity{older, canonical})
	assert.Equal(t, canonical.ID, keep.ID)

	// Without a canonical name, the oldest wins.
	other := model.Entity{ID: uuid.New(), Name: "my-service", CreatedAt: time.Now()}
	keep = r.pickRepresentative([]model.Entity{other, older})
	assert.Equal(t, older.ID, keep.ID)
}
