package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Scope is the hierarchical level of a decision. It determines the
// staleness half-life: a strategic decision stays relevant for years,
// an operational one for days.
type Scope string

const (
	ScopeStrategic     Scope = "strategic"
	ScopeArchitectural Scope = "architectural"
	ScopeLibrary       Scope = "library"
	ScopeConfig        Scope = "config"
	ScopeOperational   Scope = "operational"
	ScopeUnknown       Scope = "unknown"
)

// StalenessThreshold returns how long a decision of this scope is
// considered current before it needs review.
func (s Scope) StalenessThreshold() time.Duration {
	days := map[Scope]int{
		ScopeStrategic:     730,
		ScopeArchitectural: 180,
		ScopeLibrary:       90,
		ScopeConfig:        30,
		ScopeOperational:   14,
		ScopeUnknown:       90,
	}
	d, ok := days[s]
	if !ok {
		d = 90
	}
	return time.Duration(d) * 24 * time.Hour
}

// Source identifies how a decision entered the graph.
type Source string

const (
	SourceClaudeLogs Source = "claude_logs"
	SourceInterview  Source = "interview"
	SourceManual     Source = "manual"
	SourceUnknown    Source = "unknown"
	// Agent sources use the form "agent:<name>"; see AgentSource.
)

// AgentSource builds the source string for a decision recorded by an AI agent.
func AgentSource(name string) Source { return Source("agent:" + name) }

// RationaleAuthor records where the rationale text came from, in
// decreasing order of fidelity: the model's thinking block, the user's
// own words, or the assistant's prose.
type RationaleAuthor string

const (
	RationaleThinking  RationaleAuthor = "thinking"
	RationaleUser      RationaleAuthor = "user"
	RationaleAssistant RationaleAuthor = "assistant"
)

// TextSpan locates a verbatim quote in the original conversation by
// character offsets plus the turn that contains the start offset.
type TextSpan struct {
	Start     int `json:"start"`
	End       int `json:"end"`
	TurnIndex int `json:"turn_index"`
}

// Provenance describes how a DecisionTrace was produced.
type Provenance struct {
	SourceType       string  `json:"source_type"`
	SourcePath       string  `json:"source_path,omitempty"`
	Model            string  `json:"model,omitempty"`
	PromptVersion    string  `json:"prompt_version,omitempty"`
	ExtractionMethod string  `json:"extraction_method,omitempty"`
	CreatedBy        string  `json:"created_by,omitempty"`
	MessageIndex     int     `json:"message_index"`
	Confidence       float64 `json:"confidence"`
}

// DecisionTrace is a structured record of a single choice: what prompted
// it, the alternatives considered, what was chosen, and why.
//
// Confidence always holds the calibrated value; RawConfidence is the
// pre-calibration score from the extractor. Traces are immutable after
// save except through Update, which bumps EditedAt/EditCount.
type DecisionTrace struct {
	ID             uuid.UUID `json:"id"`
	UserID         *string   `json:"user_id,omitempty"` // nil = visible to any user (legacy rows)
	ProjectName    string    `json:"project_name,omitempty"`
	Trigger        string    `json:"trigger"`
	Context        string    `json:"context,omitempty"`
	Options        []string  `json:"options"`
	AgentDecision  string    `json:"agent_decision"`
	AgentRationale string    `json:"agent_rationale,omitempty"`

	Confidence    float64 `json:"confidence"`
	RawConfidence float64 `json:"raw_confidence,omitempty"`
	Scope         Scope   `json:"scope"`
	Source        Source  `json:"source"`

	// Verbatim grounding: exact source quotes with their spans.
	VerbatimTrigger   string    `json:"verbatim_trigger,omitempty"`
	VerbatimDecision  string    `json:"verbatim_decision,omitempty"`
	VerbatimRationale string    `json:"verbatim_rationale,omitempty"`
	TriggerSpan       *TextSpan `json:"trigger_span,omitempty"`
	DecisionSpan      *TextSpan `json:"decision_span,omitempty"`
	RationaleSpan     *TextSpan `json:"rationale_span,omitempty"`

	// RawRationale is the episode's thinking-block text, the highest
	// fidelity rationale signal available.
	RawRationale    string          `json:"raw_rationale,omitempty"`
	RationaleAuthor RationaleAuthor `json:"rationale_author,omitempty"`
	Assumptions     []string        `json:"assumptions,omitempty"`

	TurnIndex  *int       `json:"turn_index,omitempty"`
	Provenance Provenance `json:"provenance"`

	Embedding *pgvector.Vector `json:"-"`

	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	EditCount      int        `json:"edit_count,omitempty"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty"`
	ExpiredAt      *time.Time `json:"expired_at,omitempty"` // set when a newer decision supersedes this one

	// Joined data (populated by queries, not stored on the node).
	Entities   []Entity            `json:"entities,omitempty"`
	Candidates []CandidateDecision `json:"candidates,omitempty"`
	ToolPaths  []string            `json:"tool_paths,omitempty"`
}

// IsStale reports whether the decision is past its scope's review
// half-life, measured from last_reviewed_at (or created_at if never
// reviewed).
func (d DecisionTrace) IsStale(now time.Time) bool {
	anchor := d.CreatedAt
	if d.LastReviewedAt != nil && d.LastReviewedAt.After(anchor) {
		anchor = *d.LastReviewedAt
	}
	return now.Sub(anchor) > d.Scope.StalenessThreshold()
}

// EmbeddingText is the canonical concatenation embedded for a decision.
func (d DecisionTrace) EmbeddingText() string {
	text := d.Trigger + " | " + d.Context + " | "
	for i, o := range d.Options {
		if i > 0 {
			text += ", "
		}
		text += o
	}
	return text + " | " + d.AgentDecision + " | " + d.AgentRationale
}

// CandidateDecision represents a rejected alternative, linked via
// REJECTED_BY to the decision that passed it over. Dormant-alternative
// scans walk these nodes.
type CandidateDecision struct {
	ID                   uuid.UUID `json:"id"`
	UserID               *string   `json:"user_id,omitempty"`
	Text                 string    `json:"text"`
	RejectedAt           time.Time `json:"rejected_at"`
	RejectedByDecisionID uuid.UUID `json:"rejected_by_decision_id"`
}

// UpdatableDecisionFields is the allow-list for partial updates. Any
// other field in an update request is rejected.
var UpdatableDecisionFields = map[string]bool{
	"trigger":         true,
	"context":         true,
	"options":         true,
	"agent_decision":  true,
	"agent_rationale": true,
	"confidence":      true,
	"scope":           true,
	"project_name":    true,
	"assumptions":     true,
}
