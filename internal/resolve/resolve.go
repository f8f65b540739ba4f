// Package resolve prevents the entity graph from fragmenting into
// duplicates: each extracted (name, type) pair runs a cascade of exact,
// canonical-alias, fuzzy, and embedding matching before a new entity is
// allocated.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/kv"
	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/service/embedding"
	"github.com/engramhq/engram/internal/storage"
)

// Match methods reported on resolution results.
const (
	MethodCached    = "cached"
	MethodExact     = "exact"
	MethodCanonical = "canonical"
	MethodFuzzy     = "fuzzy"
	MethodEmbedding = "embedding"
	MethodNew       = "new"
)

const (
	cacheTTL = 5 * time.Minute
	// Fuzzy scan paging: batches of 100, at most 500 candidates.
	fuzzyPageSize     = 100
	fuzzyCandidateCap = 500
	embeddingTopK     = 5
	// Duplicate-merge grouping threshold.
	mergeThreshold = 0.85
)

// negativeMarker is the cached value for a confirmed miss.
const negativeMarker = `{"miss":true}`

// ErrNoMatch is returned by Lookup when the cascade finds nothing.
var ErrNoMatch = errors.New("resolve: no matching entity")

// Result is one resolution outcome.
type Result struct {
	Entity      model.Entity `json:"entity"`
	MatchMethod string       `json:"match_method"`
	Score       float64      `json:"score,omitempty"`
	Created     bool         `json:"created,omitempty"`
}

// Resolver runs the resolution cascade against the graph store.
type Resolver struct {
	db       *storage.DB
	embedder embedding.Provider
	store    *kv.Store
	canon    *Canonical
	logger   *slog.Logger
}

func New(db *storage.DB, embedder embedding.Provider, store *kv.Store, canon *Canonical, logger *slog.Logger) *Resolver {
	return &Resolver{db: db, embedder: embedder, store: store, canon: canon, logger: logger}
}

// Resolve returns the entity for (name, type), creating one when the
// cascade misses. Idempotent: the same name resolves to the same id.
func (r *Resolver) Resolve(ctx context.Context, userID string, name string, typ model.EntityType) (Result, error) {
	norm := Normalize(name)
	if norm == "" {
		return Result{}, fmt.Errorf("resolve: empty entity name")
	}

	if res, ok := r.cacheGet(ctx, userID, norm); ok && res != nil {
		return *res, nil
	}

	res, err := r.cascade(ctx, userID, name, norm, typ)
	if err != nil {
		return Result{}, err
	}
	if res == nil {
		created, err := r.createNew(ctx, userID, name, norm, typ)
		if err != nil {
			return Result{}, err
		}
		res = &created
	}
	r.cachePut(ctx, userID, norm, *res)
	return *res, nil
}

// Lookup runs the cascade without creating; a miss returns ErrNoMatch
// and is negatively cached.
func (r *Resolver) Lookup(ctx context.Context, userID string, name string, typ model.EntityType) (Result, error) {
	norm := Normalize(name)
	if norm == "" {
		return Result{}, fmt.Errorf("resolve: empty entity name")
	}

	if res, ok := r.cacheGet(ctx, userID, norm); ok {
		if res == nil {
			return Result{}, ErrNoMatch
		}
		return *res, nil
	}

	res, err := r.cascade(ctx, userID, name, norm, typ)
	if err != nil {
		return Result{}, err
	}
	if res == nil {
		r.cachePutNegative(ctx, userID, norm)
		return Result{}, ErrNoMatch
	}
	r.cachePut(ctx, userID, norm, *res)
	return *res, nil
}

// cascade runs stages 1-5; nil means no match.
func (r *Resolver) cascade(ctx context.Context, userID, name, norm string, typ model.EntityType) (*Result, error) {
	// Exact (and alias-field) match; user rows win over global ones.
	if e, err := r.db.FindEntityByName(ctx, userID, name); err == nil {
		return &Result{Entity: e, MatchMethod: MethodExact, Score: 1}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// Canonical alias, then retry the exact lookup.
	if canon, ok := r.canon.Lookup(name); ok && Normalize(canon) != norm {
		if e, err := r.db.FindEntityByName(ctx, userID, canon); err == nil {
			return &Result{Entity: e, MatchMethod: MethodCanonical, Score: 1}, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	// Fuzzy token-ratio scan over same-type entities, paged.
	candidates, err := r.fuzzyCandidates(ctx, userID, typ)
	if err != nil {
		return nil, err
	}
	if best, score := bestFuzzyMatch(name, candidates); score >= fuzzyThreshold(typ) {
		return &Result{Entity: best, MatchMethod: MethodFuzzy, Score: score}, nil
	}

	// Embedding similarity over stored entity vectors.
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, string(typ)+": "+name)
		if err != nil {
			r.logger.Debug("resolve: embedding stage skipped", "error", err)
		} else {
			matches, err := r.db.FindEntitiesByEmbedding(ctx, userID, typ, vec, embeddingTopK)
			if err != nil {
				return nil, err
			}
			threshold := embeddingThreshold(typ)
			for _, m := range matches {
				if m.Similarity >= threshold {
					return &Result{Entity: m.Entity, MatchMethod: MethodEmbedding, Score: m.Similarity}, nil
				}
			}
		}
	}
	return nil, nil
}

func (r *Resolver) fuzzyCandidates(ctx context.Context, userID string, typ model.EntityType) ([]model.Entity, error) {
	var all []model.Entity
	for offset := 0; offset < fuzzyCandidateCap; offset += fuzzyPageSize {
		page, err := r.db.ListEntitiesPage(ctx, userID, typ, fuzzyPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < fuzzyPageSize {
			break
		}
	}
	if len(all) > fuzzyCandidateCap {
		all = all[:fuzzyCandidateCap]
	}
	return all, nil
}

// createNew allocates an entity, preferring the canonical name and
// recording the original input as an alias.
func (r *Resolver) createNew(ctx context.Context, userID, name, norm string, typ model.EntityType) (Result, error) {
	storedName := name
	var aliases []string
	if canon, ok := r.canon.Lookup(name); ok && Normalize(canon) != norm {
		storedName = canon
		aliases = []string{norm}
	}

	e := model.Entity{
		ID:      uuid.New(),
		UserID:  &userID,
		Name:    storedName,
		Type:    typ,
		Aliases: aliases,
	}
	if r.embedder != nil {
		if vec, err := r.embedder.Embed(ctx, string(typ)+": "+storedName); err == nil {
			e.Embedding = &vec
		} else {
			r.logger.Debug("resolve: new entity embedding failed", "name", storedName, "error", err)
		}
	}

	stored, err := r.db.UpsertEntity(ctx, r.db.Pool(), &e)
	if err != nil {
		return Result{}, err
	}
	return Result{Entity: stored, MatchMethod: MethodNew, Created: true}, nil
}

// ResolveBatch resolves a list of (name, type) inputs, memoizing within
// the batch on the normalized name and on the canonical form.
func (r *Resolver) ResolveBatch(ctx context.Context, userID string, inputs []model.Entity) ([]Result, error) {
	memo := map[string]Result{}
	results := make([]Result, 0, len(inputs))
	for _, in := range inputs {
		norm := Normalize(in.Name)
		if norm == "" {
			continue
		}
		key := norm
		if canon, ok := r.canon.Lookup(in.Name); ok {
			key = Normalize(canon)
		}
		if res, ok := memo[norm]; ok {
			results = append(results, res)
			continue
		}
		if res, ok := memo[key]; ok {
			results = append(results, res)
			continue
		}
		res, err := r.Resolve(ctx, userID, in.Name, in.Type)
		if err != nil {
			return nil, err
		}
		memo[norm] = res
		memo[key] = res
		results = append(results, res)
	}
	return results, nil
}

// MergeDuplicates groups same-type entities whose pairwise token ratio
// is at least 0.85, keeps a canonical representative per group, folds
// the rest into it, and invalidates the resolution cache. Returns the
// number of entities removed.
func (r *Resolver) MergeDuplicates(ctx context.Context, userID string) (int, error) {
	merged := 0
	for typ := range fuzzyThresholds {
		entities, err := r.fuzzyCandidates(ctx, userID, typ)
		if err != nil {
			return merged, err
		}
		for _, group := range duplicateGroups(entities) {
			keep := r.pickRepresentative(group)
			for _, dup := range group {
				if dup.ID == keep.ID {
					continue
				}
				if err := r.db.MergeEntities(ctx, keep.ID, dup.ID); err != nil {
					return merged, fmt.Errorf("resolve: merge %s into %s: %w", dup.Name, keep.Name, err)
				}
				merged++
			}
		}
	}
	r.InvalidateUser(ctx, userID)
	return merged, nil
}

// duplicateGroups clusters entities by pairwise ratio >= mergeThreshold
// (exact self-matches excluded). Greedy single-linkage over the page.
func duplicateGroups(entities []model.Entity) [][]model.Entity {
	var groups [][]model.Entity
	used := make([]bool, len(entities))
	for i := range entities {
		if used[i] {
			continue
		}
		group := []model.Entity{entities[i]}
		used[i] = true
		for j := i + 1; j < len(entities); j++ {
			if used[j] {
				continue
			}
			ratio := TokenRatio(entities[i].Name, entities[j].Name)
			if ratio >= mergeThreshold && ratio < 1.0 {
				group = append(group, entities[j])
				used[j] = true
			}
		}
		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

func (r *Resolver) pickRepresentative(group []model.Entity) model.Entity {
	for _, e := range group {
		if r.canon.IsCanonicalName(e.Name) {
			return e
		}
	}
	// Otherwise the oldest entity wins; it has accumulated the edges.
	best := group[0]
	for _, e := range group[1:] {
		if e.CreatedAt.Before(best.CreatedAt) {
			best = e
		}
	}
	return best
}

// InvalidateUser drops all cached resolutions for the user; called on
// any write to the entity set.
func (r *Resolver) InvalidateUser(ctx context.Context, userID string) {
	r.store.DeleteByPrefix(ctx, "cache:entity:"+userID+":")
}

func cacheKey(userID, norm string) string {
	return "cache:entity:" + userID + ":name:" + norm
}

// cacheGet returns (result, found). A found nil result is a cached
// negative.
func (r *Resolver) cacheGet(ctx context.Context, userID, norm string) (*Result, bool) {
	v, ok := r.store.Get(ctx, cacheKey(userID, norm))
	if !ok {
		return nil, false
	}
	if v == negativeMarker {
		return nil, true
	}
	var res Result
	if err := json.Unmarshal([]byte(v), &res); err != nil {
		return nil, false
	}
	res.MatchMethod = MethodCached
	res.Created = false
	return &res, true
}

func (r *Resolver) cachePut(ctx context.Context, userID, norm string, res Result) {
	res.Created = false
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	r.store.Set(ctx, cacheKey(userID, norm), string(data), cacheTTL)
}

func (r *Resolver) cachePutNegative(ctx context.Context, userID, norm string) {
	r.store.Set(ctx, cacheKey(userID, norm), negativeMarker, cacheTTL)
}
