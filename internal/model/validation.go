package model

// IssueSeverity grades validation findings.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "ERROR"
	SeverityWarning IssueSeverity = "WARNING"
	SeverityInfo    IssueSeverity = "INFO"
)

// IssueType enumerates graph validation findings.
type IssueType string

const (
	IssueCircularDependency IssueType = "circular_dependency"
	IssueOrphanEntity       IssueType = "orphan_entity"
	IssueLowConfidenceEdge  IssueType = "low_confidence_edge"
	IssueDuplicateEntity    IssueType = "duplicate_entity"
	IssueMissingEmbedding   IssueType = "missing_embedding"
	IssueSelfReference      IssueType = "self_referential_edge"
	IssueMistypedEdge       IssueType = "mistyped_edge"
)

// ValidationIssue is one finding from a graph validation sweep.
type ValidationIssue struct {
	Type          IssueType     `json:"type"`
	Severity      IssueSeverity `json:"severity"`
	Message       string        `json:"message"`
	AffectedNodes []string      `json:"affected_nodes,omitempty"`
	Relationship  EdgeType      `json:"relationship,omitempty"`
	CycleLength   int           `json:"cycle_length,omitempty"`
}

// StaleReport is one overdue decision from a staleness sweep, sorted by
// how far past the scope threshold it is.
type StaleReport struct {
	Decision    DecisionTrace `json:"decision"`
	DaysOverdue float64       `json:"days_overdue"`
	DaysSince   float64       `json:"days_since_review"`
}

// DormantAlternative is a rejected option that has not been revisited
// within the configured window.
type DormantAlternative struct {
	Candidate       CandidateDecision `json:"candidate"`
	ParentDecision  DecisionTrace     `json:"parent_decision"`
	AgeDays         float64           `json:"age_days"`
	ReconsiderScore float64           `json:"reconsider_score"`
}

// AssumptionViolation records a later decision contradicting a stored
// assumption of an earlier one.
type AssumptionViolation struct {
	Decision     DecisionTrace `json:"decision"`
	Assumption   string        `json:"assumption"`
	ViolatedByID string        `json:"violated_by_id"`
	Reasoning    string        `json:"reasoning,omitempty"`
}

// PairVerdict is the pair analyzer's classification of two decisions.
type PairVerdict string

const (
	VerdictSupersedes  PairVerdict = "SUPERSEDES"
	VerdictContradicts PairVerdict = "CONTRADICTS"
	VerdictNone        PairVerdict = "NONE"
)

// PairAnalysis is the result of an LLM pair-classification call.
type PairAnalysis struct {
	Verdict    PairVerdict `json:"verdict"`
	Confidence float64     `json:"confidence"`
	Reason     string      `json:"reason,omitempty"`
}
