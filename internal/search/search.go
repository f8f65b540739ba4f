// Package search provides the vector index over graph nodes: a Qdrant
// backend with payload filtering, plus the outbox worker that keeps the
// index eventually consistent with Postgres.
package search

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Result holds a node ID and its raw similarity score from the index.
// The caller hydrates full rows from Postgres (the source of truth).
type Result struct {
	NodeID uuid.UUID
	Score  float32
}

// Filters narrow a vector query. Zero values mean no filter.
type Filters struct {
	Kind    string // "decision" or "entity"; empty matches both
	Project string
	Scope   string
	Since   *time.Time
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns node IDs matching the query vector, always scoped to
	// the user (plus global rows).
	Search(ctx context.Context, userID string, embedding []float32, f Filters, limit int) ([]Result, error)

	// FindSimilar is the internal ANN entry point used by the similarity
	// and cross-user analyzers: user-scoped, one excluded source node.
	FindSimilar(ctx context.Context, userID string, embedding []float32, excludeID uuid.UUID, f Filters, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Point is the data needed to upsert a single graph node into the index.
type Point struct {
	ID         uuid.UUID
	UserID     string // empty for global nodes
	Kind       string // "decision" or "entity"
	Project    string
	Scope      string
	Confidence float32
	CreatedAt  time.Time
	Embedding  []float32
}
