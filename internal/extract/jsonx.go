package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeObjectList recovers a JSON array of objects from model output
// that may be wrapped in code fences, surrounded by commentary, or be a
// single object where a list was asked for.
func DecodeObjectList(text string, out any) error {
	candidate := stripFences(text)

	if raw, ok := bracketed(candidate, '[', ']'); ok {
		if err := json.Unmarshal([]byte(raw), out); err == nil {
			return nil
		}
	}
	if raw, ok := bracketed(candidate, '{', '}'); ok {
		// Single object; wrap it into a one-element list.
		if err := json.Unmarshal([]byte("["+raw+"]"), out); err == nil {
			return nil
		}
	}
	return fmt.Errorf("extract: no JSON list in model output")
}

// DecodeObject recovers a single JSON object the same way.
func DecodeObject(text string, out any) error {
	candidate := stripFences(text)
	if raw, ok := bracketed(candidate, '{', '}'); ok {
		if err := json.Unmarshal([]byte(raw), out); err == nil {
			return nil
		}
	}
	return fmt.Errorf("extract: no JSON object in model output")
}

// stripFences removes a leading/trailing markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// bracketed returns the first balanced region delimited by open/close,
// honoring JSON string literals and escapes.
func bracketed(s string, open, closing byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closing:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
