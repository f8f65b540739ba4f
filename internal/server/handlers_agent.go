package server

import (
	"errors"
	"net/http"

	"github.com/engramhq/engram/internal/agentctx"
	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/resolve"
)

// HandleAgentSummary handles GET /agent/summary.
func (h *Handlers) HandleAgentSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.agent.Summary(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// agentContextRequest is the POST /agent/context body.
type agentContextRequest struct {
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
	Project    string `json:"project"`
	GraphDepth int    `json:"graph_depth"`
	Markdown   bool   `json:"markdown"`
}

// HandleAgentContext handles POST /agent/context.
func (h *Handlers) HandleAgentContext(w http.ResponseWriter, r *http.Request) {
	var req agentContextRequest
	if err := decodeJSON(r, &req); err != nil || req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "query is required")
		return
	}
	result, err := h.agent.Context(r.Context(), UserFromContext(r.Context()), agentctx.ContextOptions{
		Query:      req.Query,
		TopK:       req.TopK,
		Project:    req.Project,
		GraphDepth: req.GraphDepth,
		Markdown:   req.Markdown,
	})
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleAgentEntity handles GET /agent/entity/{name}.
func (h *Handlers) HandleAgentEntity(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, r, http.StatusOK, ec)
}

// HandleAgentCheck handles POST /agent/check: a cheap precedent lookup
// before an agent makes a decision of its own.
func (h *Handlers) HandleAgentCheck(w http.ResponseWriter, r *http.Request) {
	var req agentContextRequest
	if err := decodeJSON(r, &req); err != nil || req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "query is required")
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}
	result, err := h.agent.Context(r.Context(), UserFromContext(r.Context()), agentctx.ContextOptions{
		Query:      req.Query,
		TopK:       topK,
		Project:    req.Project,
		GraphDepth: 1,
	})
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"has_precedent":  len(result.Decisions) > 0,
		"decisions":      result.Decisions,
		"contradictions": result.Contradictions,
	})
}

// agentRememberRequest is the POST /agent/remember body.
type agentRememberRequest struct {
	AgentName string   `json:"agent_name"`
	Project   string   `json:"project"`
	Trigger   string   `json:"trigger"`
	Context   string   `json:"context"`
	Options   []string `json:"options"`
	Decision  string   `json:"decision"`
	Rationale string   `json:"rationale"`
	Scope     string   `json:"scope"`
}

// HandleAgentRemember handles POST /agent/remember.
func (h *Handlers) HandleAgentRemember(w http.ResponseWriter, r *http.Request) {
	var req agentRememberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "invalid request body")
		return
	}
	result, err := h.agent.Remember(r.Context(), UserFromContext(r.Context()), agentctx.RememberInput{
		AgentName: req.AgentName,
		Project:   req.Project,
		Trigger:   req.Trigger,
		Context:   req.Context,
		Options:   req.Options,
		Decision:  req.Decision,
		Rationale: req.Rationale,
		Scope:     req.Scope,
	})
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeUnprocessable, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, result)
}
