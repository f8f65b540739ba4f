package llm

import (
	"regexp"
	"strings"
)

// Risk grades how strongly a prompt matches known injection patterns.
type Risk int

const (
	RiskNone Risk = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r Risk) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

type injectionPattern struct {
	re   *regexp.Regexp
	risk Risk
}

// Conversation logs are untrusted input that gets embedded into our own
// prompts, so instruction-override phrasing is neutralized before it
// reaches the model.
var injectionPatterns = []injectionPattern{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?)`), RiskCritical},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions?|rules?)`), RiskCritical},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s`), RiskHigh},
	{regexp.MustCompile(`(?i)new\s+system\s+prompt`), RiskHigh},
	{regexp.MustCompile(`(?i)\bsystem\s*:\s`), RiskMedium},
	{regexp.MustCompile(`(?i)reveal\s+(your\s+)?(system\s+prompt|instructions)`), RiskHigh},
	{regexp.MustCompile(`(?i)\bDAN\s+mode\b`), RiskMedium},
	{regexp.MustCompile(`(?i)pretend\s+(you\s+are|to\s+be)\s`), RiskLow},
}

// Sanitize neutralizes injection phrasing in untrusted text and returns
// the cleaned text with the highest risk level matched. Matched spans
// are replaced with a bracketed marker rather than removed so offsets
// stay roughly aligned for span grounding.
func Sanitize(text string) (string, Risk) {
	highest := RiskNone
	out := text
	for _, p := range injectionPatterns {
		if !p.re.MatchString(out) {
			continue
		}
		if p.risk > highest {
			highest = p.risk
		}
		if p.risk >= RiskMedium {
			out = p.re.ReplaceAllStringFunc(out, func(m string) string {
				return "[filtered:" + strings.Repeat("x", max(0, len(m)-11)) + "]"
			})
		}
	}
	return out, highest
}
