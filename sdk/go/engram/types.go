package engram

import (
	"time"

	"github.com/google/uuid"
)

// Decision is one traced decision as returned by the API.
type Decision struct {
	ID             uuid.UUID  `json:"id"`
	UserID         *string    `json:"user_id,omitempty"`
	ProjectName    string     `json:"project_name,omitempty"`
	Trigger        string     `json:"trigger"`
	Context        string     `json:"context,omitempty"`
	Options        []string   `json:"options"`
	AgentDecision  string     `json:"agent_decision"`
	AgentRationale string     `json:"agent_rationale,omitempty"`
	Confidence     float64    `json:"confidence"`
	Scope          string     `json:"scope"`
	Source         string     `json:"source"`
	Assumptions    []string   `json:"assumptions,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty"`
	ExpiredAt      *time.Time `json:"expired_at,omitempty"`
	Entities       []Entity   `json:"entities,omitempty"`
}

// Entity is a named node decisions link to (library, concept, file, ...).
type Entity struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Aliases   []string  `json:"aliases,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateDecisionRequest is the body for recording a decision manually.
type CreateDecisionRequest struct {
	ProjectName    string   `json:"project_name,omitempty"`
	Trigger        string   `json:"trigger,omitempty"`
	Context        string   `json:"context,omitempty"`
	Options        []string `json:"options,omitempty"`
	AgentDecision  string   `json:"agent_decision"`
	AgentRationale string   `json:"agent_rationale,omitempty"`
	Confidence     float64  `json:"confidence"`
	Scope          string   `json:"scope,omitempty"`
	Assumptions    []string `json:"assumptions,omitempty"`
}

// SaveResult reports what a write created: the stored decision, the
// entities it resolved, and any similar decisions it linked to.
type SaveResult struct {
	Decision              Decision         `json:"decision"`
	Entities              []ResolvedEntity `json:"entities"`
	SimilarIDs            []uuid.UUID      `json:"similar_ids,omitempty"`
	SupersedeCandidateIDs []uuid.UUID      `json:"supersede_candidate_ids,omitempty"`
}

// ResolvedEntity is one entity resolution outcome.
type ResolvedEntity struct {
	Entity      Entity  `json:"entity"`
	MatchMethod string  `json:"match_method"`
	Score       float64 `json:"score"`
	Created     bool    `json:"created"`
}

// ListOptions filters a decision listing. Zero values mean no filter.
type ListOptions struct {
	Project        string
	Scope          string
	Source         string
	MinConfidence  float64
	Since          *time.Time
	IncludeExpired bool
	Limit          int
	Offset         int
}

// DecisionList is a page of decisions with the total count.
type DecisionList struct {
	Decisions []Decision `json:"decisions"`
	Total     int        `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

// SearchRequest parameterizes hybrid and semantic search.
type SearchRequest struct {
	Query            string  `json:"query"`
	TopK             int     `json:"top_k,omitempty"`
	Threshold        float64 `json:"threshold,omitempty"`
	Alpha            float64 `json:"alpha,omitempty"`
	IncludeDecisions bool    `json:"include_decisions,omitempty"`
	IncludeEntities  bool    `json:"include_entities,omitempty"`
	GraphDepth       int     `json:"graph_depth,omitempty"`
	Project          string  `json:"project,omitempty"`
	Rerank           bool    `json:"rerank,omitempty"`
}

// Hit is one fused search result. Exactly one of Decision/Entity is
// set, matching Kind.
type Hit struct {
	Kind          string    `json:"kind"`
	Decision      *Decision `json:"decision,omitempty"`
	Entity        *Entity   `json:"entity,omitempty"`
	Score         float64   `json:"score"`
	LexicalScore  float64   `json:"lexical_score,omitempty"`
	SemanticScore float64   `json:"semantic_score,omitempty"`
	MatchedFields []string  `json:"matched_fields,omitempty"`
}

// ContextRequest asks for an assembled context block around a query.
type ContextRequest struct {
	Query      string `json:"query"`
	TopK       int    `json:"top_k,omitempty"`
	Project    string `json:"project,omitempty"`
	GraphDepth int    `json:"graph_depth,omitempty"`
	Markdown   bool   `json:"markdown,omitempty"`
}

// ContextResult is a token-budgeted context block for an agent prompt.
type ContextResult struct {
	Query          string              `json:"query"`
	Decisions      []ContextDecision   `json:"decisions"`
	Chains         [][]uuid.UUID       `json:"supersedes_chains,omitempty"`
	Contradictions []ContradictionPair `json:"contradictions,omitempty"`
	Truncated      bool                `json:"truncated,omitempty"`
	Markdown       string              `json:"markdown,omitempty"`
}

// ContextDecision is one decision inside a context block.
type ContextDecision struct {
	Decision Decision `json:"decision"`
	Score    float64  `json:"score"`
}

// ContradictionPair names two decisions that disagree.
type ContradictionPair struct {
	AID       uuid.UUID `json:"a_id"`
	BID       uuid.UUID `json:"b_id"`
	CrossUser bool      `json:"cross_user,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// CheckResponse reports whether precedent exists for a query.
type CheckResponse struct {
	HasPrecedent   bool                `json:"has_precedent"`
	Decisions      []ContextDecision   `json:"decisions"`
	Contradictions []ContradictionPair `json:"contradictions,omitempty"`
}

// RememberRequest records an agent-made decision.
type RememberRequest struct {
	AgentName string   `json:"agent_name,omitempty"`
	Project   string   `json:"project,omitempty"`
	Trigger   string   `json:"trigger,omitempty"`
	Context   string   `json:"context,omitempty"`
	Options   []string `json:"options,omitempty"`
	Decision  string   `json:"decision"`
	Rationale string   `json:"rationale,omitempty"`
	Scope     string   `json:"scope,omitempty"`
}

// GraphStats summarizes the size of a user's graph.
type GraphStats struct {
	Decisions   int            `json:"decisions"`
	Entities    int            `json:"entities"`
	Candidates  int            `json:"candidates"`
	EdgesByType map[string]int `json:"edges_by_type"`
	Projects    int            `json:"projects"`
}
