package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/storage"
)

// createDecisionRequest is the POST /decisions body.
type createDecisionRequest struct {
	ProjectName    string      `json:"project_name"`
	Trigger        string      `json:"trigger"`
	Context        string      `json:"context"`
	Options        []string    `json:"options"`
	AgentDecision  string      `json:"agent_decision"`
	AgentRationale string      `json:"agent_rationale"`
	Confidence     float64     `json:"confidence"`
	Scope          model.Scope `json:"scope"`
	Assumptions    []string    `json:"assumptions"`
}

// HandleCreateDecision handles POST /decisions.
func (h *Handlers) HandleCreateDecision(w http.ResponseWriter, r *http.Request) {
	var req createDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "invalid request body")
		return
	}

	d := model.DecisionTrace{
		ProjectName:    req.ProjectName,
		Trigger:        req.Trigger,
		Context:        req.Context,
		Options:        req.Options,
		AgentDecision:  req.AgentDecision,
		AgentRationale: req.AgentRationale,
		Confidence:     req.Confidence,
		Scope:          req.Scope,
		Source:         model.SourceManual,
		Assumptions:    req.Assumptions,
	}
	if len(d.Options) == 0 && d.AgentDecision != "" {
		d.Options = []string{d.AgentDecision}
	}
	if err := model.ValidateDecisionTrace(d); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeUnprocessable, err.Error())
		return
	}

	result, err := h.writer.Save(r.Context(), UserFromContext(r.Context()), &d)
	if err != nil {
		h.logger.Error("create decision failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to save decision")
		return
	}
	writeJSON(w, r, http.StatusCreated, result)
}

// HandleListDecisions handles GET /decisions.
func (h *Handlers) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := storage.DecisionFilters{
		Project:        q.Get("project"),
		Scope:          model.Scope(q.Get("scope")),
		Source:         model.Source(q.Get("source")),
		MinConfidence:  queryFloat(r, "min_confidence", 0),
		IncludeExpired: queryBool(r, "include_expired"),
		Limit:          queryInt(r, "limit", 50),
		Offset:         queryInt(r, "offset", 0),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "since must be RFC3339")
			return
		}
		filters.Since = &t
	}

	decisions, total, err := h.writer.List(r.Context(), UserFromContext(r.Context()), filters)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"decisions": decisions,
		"total":     total,
		"limit":     filters.Limit,
		"offset":    filters.Offset,
	})
}

// HandleGetDecision handles GET /decisions/{id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.writer.Get(r.Context(), UserFromContext(r.Context()), id, true)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleUpdateDecision handles PUT /decisions/{id}. Only allow-listed
// fields may change; anything else is rejected by the storage layer.
func (h *Handlers) HandleUpdateDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var fields map[string]any
	if err := decodeJSON(r, &fields); err != nil || len(fields) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "invalid request body")
		return
	}

	d, err := h.writer.Update(r.Context(), UserFromContext(r.Context()), id, fields)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeStorageError(w, r, err)
			return
		}
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeUnprocessable, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleDeleteDecision handles DELETE /decisions/{id}.
func (h *Handlers) HandleDeleteDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.writer.Delete(r.Context(), UserFromContext(r.Context()), id); err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": id})
}

// HandleNeedsReview handles GET /decisions/needs-review.
func (h *Handlers) HandleNeedsReview(w http.ResponseWriter, r *http.Request) {
	reports, err := h.analyzer.StaleDecisions(r.Context(), UserFromContext(r.Context()), time.Now().UTC())
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"stale": reports,
		"count": len(reports),
	})
}
