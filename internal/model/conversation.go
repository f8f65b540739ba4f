package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role is a conversation participant role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCall is a tool invocation made by an assistant turn. Results from
// the subsequent user turn are matched back by CorrelationID.
type ToolCall struct {
	Name          string         `json:"name"`
	Input         map[string]any `json:"input,omitempty"`
	Result        string         `json:"result,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Message is one turn of a conversation. Thinking holds the model's
// internal deliberation block verbatim; it is the highest-fidelity
// rationale signal and is never shown to users without tag stripping.
type Message struct {
	Role      Role       `json:"role"`
	TurnIndex int        `json:"turn_index"`
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Timestamp time.Time  `json:"timestamp,omitempty"`
}

// Conversation is an ordered sequence of messages from one source file.
type Conversation struct {
	ProjectName string    `json:"project_name,omitempty"`
	SourcePath  string    `json:"source_path,omitempty"`
	Messages    []Message `json:"messages"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// FullText returns the concatenated plain content of all messages, used
// for verbatim span grounding. Message boundaries are joined with a
// single newline; offsets into this string are the canonical char
// offsets stored in TextSpans.
func (c Conversation) FullText() string {
	parts := make([]string, len(c.Messages))
	for i, m := range c.Messages {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n")
}

// TurnContaining maps a character offset in FullText back to the turn
// index of the message containing it. Returns -1 if out of range.
func (c Conversation) TurnContaining(offset int) int {
	pos := 0
	for i, m := range c.Messages {
		end := pos + len(m.Content)
		if offset >= pos && offset <= end {
			return i
		}
		pos = end + 1 // joining newline
	}
	return -1
}

// EpisodeKind classifies a decision arc by its tool-call pattern.
type EpisodeKind string

const (
	EpisodeSetup          EpisodeKind = "setup"
	EpisodeExploration    EpisodeKind = "exploration"
	EpisodePivot          EpisodeKind = "pivot"
	EpisodeImplementation EpisodeKind = "implementation"
	EpisodeVerification   EpisodeKind = "verification"
	EpisodeUnknown        EpisodeKind = "unknown"
)

// Episode is a contiguous slice of conversation messages representing a
// single decision arc.
type Episode struct {
	Kind       EpisodeKind `json:"kind"`
	Messages   []Message   `json:"messages"`
	StartIndex int         `json:"start_index"` // turn index of first message
}

const (
	toolParamSummaryLen = 120
	toolResultTruncLen  = 500
)

// StructuredText renders the episode for the extractor: per turn a
// header, the thinking block in markers, one line per tool call with a
// parameter summary and truncated result, then the response text.
func (e Episode) StructuredText() string {
	var b strings.Builder
	for _, m := range e.Messages {
		fmt.Fprintf(&b, "[Turn %d | %s]\n", m.TurnIndex, m.Role)
		if m.Thinking != "" {
			b.WriteString("<thinking>\n")
			b.WriteString(m.Thinking)
			b.WriteString("\n</thinking>\n")
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "TOOL %s(%s)", tc.Name, summarizeParams(tc.Input))
			if tc.Result != "" {
				b.WriteString(" -> ")
				b.WriteString(truncate(tc.Result, toolResultTruncLen))
			}
			b.WriteString("\n")
		}
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ThinkingText concatenates all thinking blocks in the episode.
func (e Episode) ThinkingText() string {
	var parts []string
	for _, m := range e.Messages {
		if m.Thinking != "" {
			parts = append(parts, m.Thinking)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolPaths returns the union of file paths referenced in tool-call
// inputs, in first-seen order. These are the ground-truth paths for
// AFFECTS edges.
func (e Episode) ToolPaths() []string {
	seen := map[string]bool{}
	var paths []string
	for _, m := range e.Messages {
		for _, tc := range m.ToolCalls {
			for _, key := range []string{"file_path", "path", "filename", "notebook_path"} {
				v, ok := tc.Input[key].(string)
				if !ok || v == "" || seen[v] {
					continue
				}
				seen[v] = true
				paths = append(paths, v)
			}
		}
	}
	return paths
}

func summarizeParams(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, input[k])
	}
	return truncate(strings.Join(parts, ", "), toolParamSummaryLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
