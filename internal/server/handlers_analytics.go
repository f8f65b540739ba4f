package server

import (
	"net/http"
	"time"

	"github.com/engramhq/engram/internal/model"
)

// HandleTimeline handles GET /analytics/timeline?project=.
func (h *Handlers) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.db.DecisionTimeline(r.Context(), UserFromContext(r.Context()), r.URL.Query().Get("project"))
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"timeline": buckets})
}

// HandleDormantAlternatives handles GET /analytics/dormant-alternatives.
func (h *Handlers) HandleDormantAlternatives(w http.ResponseWriter, r *http.Request) {
	alts, err := h.analyzer.DormantAlternatives(r.Context(), UserFromContext(r.Context()), time.Now().UTC())
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"alternatives": alts, "count": len(alts)})
}

// HandleCoverage handles GET /analytics/coverage: how well each entity
// type is covered by decisions, with the thin spots called out.
func (h *Handlers) HandleCoverage(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())
	stats, err := h.db.EntityTypeStats(r.Context(), userID)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	total, err := h.db.CountDecisions(r.Context(), userID, "")
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"total_decisions": total,
		"by_entity_type":  stats,
	})
}

// HandleStale handles GET /analytics/stale.
func (h *Handlers) HandleStale(w http.ResponseWriter, r *http.Request) {
	reports, err := h.analyzer.StaleDecisions(r.Context(), UserFromContext(r.Context()), time.Now().UTC())
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"stale": reports, "count": len(reports)})
}

// HandleMarkReviewed handles POST /analytics/decisions/{id}/review:
// resets the staleness clock.
func (h *Handlers) HandleMarkReviewed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.writer.MarkReviewed(r.Context(), UserFromContext(r.Context()), id); err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"reviewed": id})
}

// HandleAssumptionViolations handles GET /analytics/assumption-violations.
func (h *Handlers) HandleAssumptionViolations(w http.ResponseWriter, r *http.Request) {
	violations, err := h.analyzer.AssumptionViolations(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		h.logger.Error("assumption scan failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "assumption scan failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"violations": violations, "count": len(violations)})
}
