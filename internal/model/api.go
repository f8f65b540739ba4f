package model

import (
	"fmt"
	"time"
)

// Field length limits for decision fields. These prevent a single
// oversized field from exhausting the embedding pipeline or filling
// Postgres TEXT columns with caller-controlled garbage.
const (
	MaxTriggerLen   = 8 * 1024
	MaxContextLen   = 32 * 1024
	MaxDecisionLen  = 32 * 1024
	MaxRationaleLen = 64 * 1024
	MaxOptionLen    = 4 * 1024
	MaxOptions      = 20
)

// ValidateDecisionTrace checks structural invariants before a trace is
// written: confidence in [0,1], at least one option, and per-field
// length limits on everything that flows into embeddings and storage.
func ValidateDecisionTrace(d DecisionTrace) error {
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %v", d.Confidence)
	}
	if len(d.Options) < 1 {
		return fmt.Errorf("at least one option is required")
	}
	if len(d.Options) > MaxOptions {
		return fmt.Errorf("too many options: %d (max %d)", len(d.Options), MaxOptions)
	}
	if d.AgentDecision == "" {
		return fmt.Errorf("agent_decision is required")
	}
	if len(d.Trigger) > MaxTriggerLen {
		return fmt.Errorf("trigger exceeds maximum length of %d bytes", MaxTriggerLen)
	}
	if len(d.Context) > MaxContextLen {
		return fmt.Errorf("context exceeds maximum length of %d bytes", MaxContextLen)
	}
	if len(d.AgentDecision) > MaxDecisionLen {
		return fmt.Errorf("agent_decision exceeds maximum length of %d bytes", MaxDecisionLen)
	}
	if len(d.AgentRationale) > MaxRationaleLen {
		return fmt.Errorf("agent_rationale exceeds maximum length of %d bytes", MaxRationaleLen)
	}
	for i, o := range d.Options {
		if len(o) > MaxOptionLen {
			return fmt.Errorf("options[%d] exceeds maximum length of %d bytes", i, MaxOptionLen)
		}
	}
	switch d.Scope {
	case ScopeStrategic, ScopeArchitectural, ScopeLibrary, ScopeConfig, ScopeOperational, ScopeUnknown, "":
	default:
		return fmt.Errorf("invalid scope %q", d.Scope)
	}
	return nil
}

// ErrorCode values used in API error envelopes.
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalid       = "invalid_request"
	ErrCodeConflict      = "conflict"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInternal      = "internal_error"
	ErrCodeUnprocessable = "unprocessable"
)

// ErrorDetail is the inner error object of the standard envelope.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta carries request correlation data on every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// Pagination is returned by paginated list endpoints.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
	Pages    int `json:"pages"`
}
