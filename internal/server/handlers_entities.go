package server

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/resolve"
)

// HandleCreateEntity handles POST /entities. Creation goes through the
// resolver, so posting an existing name returns the existing node.
func (h *Handlers) HandleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string           `json:"name"`
		Type model.EntityType `json:"type"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "name is required")
		return
	}
	if req.Type == "" {
		req.Type = model.EntityConcept
	}

	result, err := h.resolver.Resolve(r.Context(), UserFromContext(r.Context()), req.Name, req.Type)
	if err != nil {
		h.logger.Error("create entity failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to resolve entity")
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, result)
}

// HandleListEntities handles GET /entities.
func (h *Handlers) HandleListEntities(w http.ResponseWriter, r *http.Request) {
	limit, offset, page, pageSize := pagination(r)
	typ := model.EntityType(r.URL.Query().Get("type"))

	entities, err := h.db.ListEntitiesPage(r.Context(), UserFromContext(r.Context()), typ, limit, offset)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"entities":  entities,
		"page":      page,
		"page_size": pageSize,
	})
}

// HandleGetEntity handles GET /entities/{id}.
func (h *Handlers) HandleGetEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID := UserFromContext(r.Context())
	entity, err := h.db.GetEntity(r.Context(), userID, id)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	decisions, err := h.db.DecisionsForEntity(r.Context(), userID, id, queryInt(r, "limit", 20))
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"entity":    entity,
		"decisions": decisions,
	})
}

// HandleDeleteEntity handles DELETE /entities/{id}?force=bool.
func (h *Handlers) HandleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID := UserFromContext(r.Context())
	if err := h.db.DeleteEntity(r.Context(), userID, id, queryBool(r, "force")); err != nil {
		writeStorageError(w, r, err)
		return
	}
	h.resolver.InvalidateUser(r.Context(), userID)
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": id})
}

// linkEntitiesRequest is the POST /entities/link body.
type linkEntitiesRequest struct {
	SourceID     uuid.UUID `json:"source_id"`
	TargetID     uuid.UUID `json:"target_id"`
	Relationship string    `json:"relationship"`
	Confidence   float64   `json:"confidence"`
	Reasoning    string    `json:"reasoning"`
}

// HandleLinkEntities handles POST /entities/link. The relationship is
// validated against the entity-edge matrix; invalid combinations are
// downgraded to RELATED_TO with scaled confidence.
func (h *Handlers) HandleLinkEntities(w http.ResponseWriter, r *http.Request) {
	var req linkEntitiesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "invalid request body")
		return
	}
	if req.SourceID == req.TargetID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "cannot link an entity to itself")
		return
	}
	rel := model.EdgeType(req.Relationship)
	if !validEntityEdgeType(rel) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "unknown relationship "+req.Relationship)
		return
	}
	if req.Confidence <= 0 || req.Confidence > 1 {
		req.Confidence = 1.0
	}

	userID := UserFromContext(r.Context())
	src, err := h.db.GetEntity(r.Context(), userID, req.SourceID)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	dst, err := h.db.GetEntity(r.Context(), userID, req.TargetID)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	typ, valid := model.ValidateEntityEdge(src.Type, rel, dst.Type)
	confidence := req.Confidence
	if !valid {
		confidence *= model.RelatedToConfidenceFactor
	}
	now := time.Now().UTC()
	edge := model.Edge{
		Type:       typ,
		SourceID:   src.ID,
		SourceKind: model.NodeEntity,
		TargetID:   dst.ID,
		TargetKind: model.NodeEntity,
		Confidence: &confidence,
		Reasoning:  req.Reasoning,
		ValidAt:    &now,
	}
	if err := h.db.InsertEdge(r.Context(), h.db.Pool(), &edge); err != nil {
		h.logger.Error("link entities failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to create edge")
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{
		"edge":       edge,
		"downgraded": !valid,
	})
}

// HandleSuggestEntities handles POST /entities/suggest: candidate
// matches for a free-form name, without creating anything.
func (h *Handlers) HandleSuggestEntities(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string           `json:"name"`
		Type  model.EntityType `json:"type"`
		Limit int              `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "name is required")
		return
	}
	if req.Limit <= 0 || req.Limit > 50 {
		req.Limit = 10
	}
	userID := UserFromContext(r.Context())

	type suggestion struct {
		Entity model.Entity `json:"entity"`
		Score  float64      `json:"score"`
		Via    string       `json:"via"`
	}
	byID := map[uuid.UUID]*suggestion{}

	lexical, err := h.db.SearchEntitiesByName(r.Context(), userID, req.Name, req.Limit)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	for _, m := range lexical {
		byID[m.Entity.ID] = &suggestion{Entity: m.Entity, Score: m.Similarity, Via: "name"}
	}

	// Semantic candidates are best-effort; an embedding outage still
	// returns the lexical matches.
	if vec, err := h.embedder.Embed(r.Context(), req.Name); err == nil {
		semantic, err := h.db.SearchEntitiesByEmbedding(r.Context(), userID, vec, req.Limit)
		if err == nil {
			for _, m := range semantic {
				if existing, ok := byID[m.Entity.ID]; ok {
					if m.Similarity > existing.Score {
						existing.Score = m.Similarity
						existing.Via = "embedding"
					}
					continue
				}
				byID[m.Entity.ID] = &suggestion{Entity: m.Entity, Score: m.Similarity, Via: "embedding"}
			}
		}
	}

	// An exact cascade hit goes first regardless of score.
	if req.Type != "" {
		if res, err := h.resolver.Lookup(r.Context(), userID, req.Name, req.Type); err == nil {
			byID[res.Entity.ID] = &suggestion{Entity: res.Entity, Score: 1.0, Via: res.MatchMethod}
		} else if !errors.Is(err, resolve.ErrNoMatch) {
			h.logger.Warn("suggest lookup failed", "error", err)
		}
	}

	suggestions := make([]suggestion, 0, len(byID))
	for _, s := range byID {
		suggestions = append(suggestions, *s)
	}
	sort.Slice(suggestions, func(i, j int) bool { return suggestions[i].Score > suggestions[j].Score })
	if len(suggestions) > req.Limit {
		suggestions = suggestions[:req.Limit]
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func validEntityEdgeType(rel model.EdgeType) bool {
	for _, t := range model.EntityEdgeTypes() {
		if t == rel {
			return true
		}
	}
	return false
}
