package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/resolve"
	"github.com/engramhq/engram/internal/retrieval"
	"github.com/engramhq/engram/internal/search"
	"github.com/engramhq/engram/internal/storage"
)

// HandleGraph handles GET /graph?page&page_size.
func (h *Handlers) HandleGraph(w http.ResponseWriter, r *http.Request) {
	limit, offset, page, pageSize := pagination(r)
	view, total, err := h.db.GraphPage(r.Context(), UserFromContext(r.Context()), limit, offset)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"graph": view,
		"pagination": model.Pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
			Pages:    pages(total, pageSize),
		},
	})
}

// HandleGraphAll handles GET /graph/all.
func (h *Handlers) HandleGraphAll(w http.ResponseWriter, r *http.Request) {
	view, err := h.db.GraphAll(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleGraphNode handles GET /graph/nodes/{id}. The node may be a
// decision or an entity; the response names which.
func (h *Handlers) HandleGraphNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID := UserFromContext(r.Context())

	if d, err := h.db.GetDecision(r.Context(), userID, id, true); err == nil {
		writeJSON(w, r, http.StatusOK, map[string]any{"kind": model.NodeDecision, "node": d})
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeStorageError(w, r, err)
		return
	}

	e, err := h.db.GetEntity(r.Context(), userID, id)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"kind": model.NodeEntity, "node": e})
}

// neighborView is one hop from a node.
type neighborView struct {
	Edge     model.Edge           `json:"edge"`
	Kind     model.NodeKind       `json:"kind"`
	Decision *model.DecisionTrace `json:"decision,omitempty"`
	Entity   *model.Entity        `json:"entity,omitempty"`
}

// HandleGraphNeighbors handles GET /graph/nodes/{id}/neighbors.
func (h *Handlers) HandleGraphNeighbors(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	var types []model.EdgeType
	if csv := r.URL.Query().Get("relationship_types"); csv != "" {
		for _, t := range strings.Split(csv, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, model.EdgeType(t))
			}
		}
	}

	out, err := h.db.EdgesBySource(r.Context(), id, types...)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	in, err := h.db.EdgesByTarget(r.Context(), id, types...)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	userID := UserFromContext(r.Context())
	neighbors := make([]neighborView, 0, len(out)+len(in))
	for _, e := range append(out, in...) {
		if len(neighbors) >= limit {
			break
		}
		otherID, otherKind := e.TargetID, e.TargetKind
		if otherID == id {
			otherID, otherKind = e.SourceID, e.SourceKind
		}
		nv := neighborView{Edge: e, Kind: otherKind}
		switch otherKind {
		case model.NodeDecision:
			d, err := h.db.GetDecision(r.Context(), userID, otherID, false)
			if err != nil {
				continue // other user's node or deleted; skip silently
			}
			nv.Decision = &d
		case model.NodeEntity:
			ent, err := h.db.GetEntity(r.Context(), userID, otherID)
			if err != nil {
				continue
			}
			nv.Entity = &ent
		default:
			continue
		}
		neighbors = append(neighbors, nv)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"neighbors": neighbors})
}

// HandleGraphSimilar handles GET /graph/nodes/{id}/similar.
func (h *Handlers) HandleGraphSimilar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	topK := queryInt(r, "top_k", 10)
	if topK < 1 || topK > 100 {
		topK = 10
	}
	threshold := queryFloat(r, "threshold", 0)
	userID := UserFromContext(r.Context())

	kind := model.NodeDecision
	if _, err := h.db.GetDecision(r.Context(), userID, id, false); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			writeStorageError(w, r, err)
			return
		}
		if _, err := h.db.GetEntity(r.Context(), userID, id); err != nil {
			writeStorageError(w, r, err)
			return
		}
		kind = model.NodeEntity
	}

	vec, hasVec, err := h.db.NodeEmbedding(r.Context(), userID, id, kind)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	if !hasVec {
		writeJSON(w, r, http.StatusOK, map[string]any{"similar": []any{}, "reason": "node has no embedding"})
		return
	}

	type similar struct {
		Kind     model.NodeKind       `json:"kind"`
		Score    float64              `json:"score"`
		Decision *model.DecisionTrace `json:"decision,omitempty"`
		Entity   *model.Entity        `json:"entity,omitempty"`
	}
	var out []similar

	appendDecision := func(did uuid.UUID, score float64) {
		if score < threshold {
			return
		}
		d, err := h.db.GetDecision(r.Context(), userID, did, false)
		if err != nil {
			return
		}
		out = append(out, similar{Kind: model.NodeDecision, Score: score, Decision: &d})
	}

	if h.searcher != nil && h.searcher.Healthy(r.Context()) == nil {
		results, err := h.searcher.FindSimilar(r.Context(), userID, vec.Slice(), id,
			search.Filters{Kind: string(kind)}, topK)
		if err == nil {
			for _, res := range results {
				switch kind {
				case model.NodeDecision:
					appendDecision(res.NodeID, float64(res.Score))
				case model.NodeEntity:
					if float64(res.Score) < threshold {
						continue
					}
					ent, err := h.db.GetEntity(r.Context(), userID, res.NodeID)
					if err != nil {
						continue
					}
					e := ent
					out = append(out, similar{Kind: model.NodeEntity, Score: float64(res.Score), Entity: &e})
				}
			}
			writeJSON(w, r, http.StatusOK, map[string]any{"similar": out})
			return
		}
		h.logger.Warn("similar: index query failed, falling back to pgvector", "error", err)
	}

	switch kind {
	case model.NodeDecision:
		results, err := h.db.SearchDecisionsByEmbedding(r.Context(), userID, vec, "", topK+1)
		if err != nil {
			writeStorageError(w, r, err)
			return
		}
		for _, res := range results {
			if res.Decision.ID == id {
				continue
			}
			if res.Similarity >= threshold {
				d := res.Decision
				out = append(out, similar{Kind: model.NodeDecision, Score: res.Similarity, Decision: &d})
			}
		}
	case model.NodeEntity:
		results, err := h.db.SearchEntitiesByEmbedding(r.Context(), userID, vec, topK+1)
		if err != nil {
			writeStorageError(w, r, err)
			return
		}
		for _, res := range results {
			if res.Entity.ID == id {
				continue
			}
			if res.Similarity >= threshold {
				e := res.Entity
				out = append(out, similar{Kind: model.NodeEntity, Score: res.Similarity, Entity: &e})
			}
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"similar": out})
}

// hybridSearchRequest is the POST /graph/search/hybrid body.
type hybridSearchRequest struct {
	Query            string  `json:"query"`
	TopK             int     `json:"top_k"`
	Threshold        float64 `json:"threshold"`
	Alpha            float64 `json:"alpha"`
	IncludeDecisions bool    `json:"include_decisions"`
	IncludeEntities  bool    `json:"include_entities"`
	GraphDepth       int     `json:"graph_depth"`
	Project          string  `json:"project"`
	Rerank           bool    `json:"rerank"`
}

// HandleHybridSearch handles POST /graph/search/hybrid.
func (h *Handlers) HandleHybridSearch(w http.ResponseWriter, r *http.Request) {
	var req hybridSearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "invalid request body")
		return
	}
	hits, err := h.retriever.Search(r.Context(), UserFromContext(r.Context()), retrieval.Options{
		Query:            req.Query,
		TopK:             req.TopK,
		Threshold:        req.Threshold,
		Alpha:            req.Alpha,
		IncludeDecisions: req.IncludeDecisions,
		IncludeEntities:  req.IncludeEntities,
		GraphDepth:       req.GraphDepth,
		Project:          req.Project,
		Rerank:           req.Rerank,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"results": hits})
}

// HandleSemanticSearch handles POST /graph/search/semantic.
func (h *Handlers) HandleSemanticSearch(w http.ResponseWriter, r *http.Request) {
	var req hybridSearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "invalid request body")
		return
	}
	hits, err := h.retriever.Semantic(r.Context(), UserFromContext(r.Context()), req.Query, req.TopK, req.Threshold)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"results": hits})
}

// HandleGraphStats handles GET /graph/stats.
func (h *Handlers) HandleGraphStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.Stats(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleGraphSources handles GET /graph/sources.
func (h *Handlers) HandleGraphSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.db.DecisionSources(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"sources": sources})
}

// HandleGraphProjects handles GET /graph/projects.
func (h *Handlers) HandleGraphProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.db.DecisionProjects(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"projects": projects})
}

// HandleGraphEnhance handles POST /graph/enhance: backfills embeddings
// for nodes that were saved while the embedding provider was down.
func (h *Handlers) HandleGraphEnhance(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())
	decisionIDs, entityIDs, err := h.db.NodesMissingEmbeddings(r.Context(), userID)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	var embedded, failed int
	for _, id := range decisionIDs {
		d, err := h.db.GetDecision(r.Context(), userID, id, false)
		if err != nil {
			failed++
			continue
		}
		vec, err := h.embedder.Embed(r.Context(), d.EmbeddingText())
		if err != nil {
			failed++
			continue
		}
		if err := h.db.SetDecisionEmbedding(r.Context(), h.db.Pool(), id, vec); err != nil {
			failed++
			continue
		}
		embedded++
	}
	for _, id := range entityIDs {
		ent, err := h.db.GetEntity(r.Context(), userID, id)
		if err != nil {
			failed++
			continue
		}
		vec, err := h.embedder.Embed(r.Context(), ent.Name)
		if err != nil {
			failed++
			continue
		}
		if err := h.db.SetEntityEmbedding(r.Context(), h.db.Pool(), id, vec); err != nil {
			failed++
			continue
		}
		embedded++
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"missing":  len(decisionIDs) + len(entityIDs),
		"embedded": embedded,
		"failed":   failed,
	})
}

// HandleAnalyzeRelationships handles POST /graph/analyze-relationships:
// runs the batch pair analyzer over entity-overlapping decisions.
func (h *Handlers) HandleAnalyzeRelationships(w http.ResponseWriter, r *http.Request) {
	written, err := h.analyzer.AnalyzeAll(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		h.logger.Error("analyze relationships failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "analysis failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"edges_written": written})
}

// HandleMergeDuplicates handles POST /graph/entities/merge-duplicates.
func (h *Handlers) HandleMergeDuplicates(w http.ResponseWriter, r *http.Request) {
	merged, err := h.resolver.MergeDuplicates(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		h.logger.Error("merge duplicates failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "merge failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"merged": merged})
}

// HandleValidate handles GET /graph/validate: structural sweep plus
// cycle detection.
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())
	issues, err := h.analyzer.Validate(r.Context(), userID)
	if err != nil {
		h.logger.Error("graph validation failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "validation failed")
		return
	}
	cycles, err := h.analyzer.DetectCycles(r.Context(), userID)
	if err != nil {
		h.logger.Error("cycle detection failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "validation failed")
		return
	}
	issues = append(issues, cycles...)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"issues": issues,
		"count":  len(issues),
	})
}

// HandleDecisionContradictions handles
// GET /graph/decisions/{id}/contradictions.
func (h *Handlers) HandleDecisionContradictions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID := UserFromContext(r.Context())
	if _, err := h.db.GetDecision(r.Context(), userID, id, false); err != nil {
		writeStorageError(w, r, err)
		return
	}

	edges, err := h.db.AdjacentDecisionEdges(r.Context(), id)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	type contradiction struct {
		Edge      model.Edge           `json:"edge"`
		Other     *model.DecisionTrace `json:"other,omitempty"`
		CrossUser bool                 `json:"cross_user"`
	}
	var out []contradiction
	for _, e := range edges {
		if e.Type != model.EdgeContradicts || e.InvalidAt != nil {
			continue
		}
		otherID := e.TargetID
		if otherID == id {
			otherID = e.SourceID
		}
		c := contradiction{Edge: e}
		if cu, ok := e.Properties["cross_user"].(bool); ok {
			c.CrossUser = cu
		}
		// The other side may belong to another user; its content is
		// only included when the caller can see it.
		if d, err := h.db.GetDecision(r.Context(), userID, otherID, false); err == nil {
			c.Other = &d
		}
		out = append(out, c)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"contradictions": out})
}

// HandleDecisionEvolution handles GET /graph/decisions/{id}/evolution:
// the SUPERSEDES chain through the given decision, oldest first.
func (h *Handlers) HandleDecisionEvolution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID := UserFromContext(r.Context())
	if _, err := h.db.GetDecision(r.Context(), userID, id, false); err != nil {
		writeStorageError(w, r, err)
		return
	}

	chainIDs, err := h.supersedesChain(r, id)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	var chain []model.DecisionTrace
	for _, cid := range chainIDs {
		d, err := h.db.GetDecision(r.Context(), userID, cid, false)
		if err != nil {
			continue
		}
		chain = append(chain, d)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"evolution": chain})
}

// supersedesChain walks SUPERSEDES edges in both directions from id.
// Returns node ids oldest first. Walks are capped to keep a corrupted
// graph from looping forever.
func (h *Handlers) supersedesChain(r *http.Request, id uuid.UUID) ([]uuid.UUID, error) {
	const maxChain = 50
	seen := map[uuid.UUID]struct{}{id: {}}

	// Ancestors: this decision superseded them (source = newer).
	var older []uuid.UUID
	cur := id
	for len(older) < maxChain {
		edges, err := h.db.EdgesBySource(r.Context(), cur, model.EdgeSupersedes)
		if err != nil {
			return nil, err
		}
		if len(edges) == 0 {
			break
		}
		next := edges[0].TargetID
		if _, dup := seen[next]; dup {
			break
		}
		seen[next] = struct{}{}
		older = append(older, next)
		cur = next
	}

	// Descendants: decisions that superseded this one (target = older).
	var newer []uuid.UUID
	cur = id
	for len(newer) < maxChain {
		edges, err := h.db.EdgesByTarget(r.Context(), cur, model.EdgeSupersedes)
		if err != nil {
			return nil, err
		}
		if len(edges) == 0 {
			break
		}
		next := edges[0].SourceID
		if _, dup := seen[next]; dup {
			break
		}
		seen[next] = struct{}{}
		newer = append(newer, next)
		cur = next
	}

	// oldest ... id ... newest
	chain := make([]uuid.UUID, 0, len(older)+1+len(newer))
	for i := len(older) - 1; i >= 0; i-- {
		chain = append(chain, older[i])
	}
	chain = append(chain, id)
	chain = append(chain, newer...)
	return chain, nil
}

// HandleEntityTimeline handles GET /graph/entities/timeline/{name}.
func (h *Handlers) HandleEntityTimeline(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "name is required")
		return
	}
	ec, err := h.agent.EntityContext(r.Context(), UserFromContext(r.Context()), name)
	if err != nil {
		if errors.Is(err, resolve.ErrNoMatch) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
			return
		}
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"entity":   ec.Entity,
		"timeline": ec.Timeline,
	})
}

// HandleGraphReset handles DELETE /graph/reset?confirm=bool.
func (h *Handlers) HandleGraphReset(w http.ResponseWriter, r *http.Request) {
	if !queryBool(r, "confirm") {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "pass confirm=true to delete all your data")
		return
	}
	userID := UserFromContext(r.Context())
	counts, err := h.db.ResetUserData(r.Context(), userID)
	if err != nil {
		h.logger.Error("graph reset failed", "user_id", userID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "reset failed")
		return
	}
	h.resolver.InvalidateUser(r.Context(), userID)
	h.logger.Info("graph reset", "user_id", userID, "deleted", counts)
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": counts})
}
