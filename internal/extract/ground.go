package extract

import (
	"strings"
	"unicode"

	"github.com/engramhq/engram/internal/model"
)

// GroundSpan locates a verbatim quote in the conversation's full text
// by whitespace-normalized substring search, mapping the normalized
// match back to original character offsets. Returns nil when the quote
// does not occur.
func GroundSpan(conv model.Conversation, quote string, llmTurn *int) *model.TextSpan {
	if strings.TrimSpace(quote) == "" {
		return nil
	}
	full := conv.FullText()
	normFull, offsets := normalizeWithOffsets(full)
	normQuote := normalizeSpace(quote)

	idx := strings.Index(strings.ToLower(normFull), strings.ToLower(normQuote))
	if idx < 0 {
		return nil
	}
	start := offsets[idx]
	endNorm := idx + len(normQuote) - 1
	end := offsets[endNorm] + 1

	span := &model.TextSpan{Start: start, End: end}
	if llmTurn != nil && *llmTurn >= 0 && *llmTurn < len(conv.Messages) {
		span.TurnIndex = *llmTurn
	} else {
		span.TurnIndex = conv.TurnContaining(start)
	}
	return span
}

// normalizeSpace collapses runs of whitespace into single spaces and
// trims the ends.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeWithOffsets collapses whitespace like normalizeSpace but
// also returns, per normalized byte, the original byte offset it came
// from.
func normalizeWithOffsets(s string) (string, []int) {
	var b strings.Builder
	offsets := make([]int, 0, len(s))
	inSpace := true // leading whitespace is dropped
	for i, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte(' ')
				offsets = append(offsets, i)
				inSpace = true
			}
			continue
		}
		inSpace = false
		start := b.Len()
		b.WriteRune(r)
		for range b.Len() - start {
			offsets = append(offsets, i)
		}
	}
	norm := b.String()
	// Drop a trailing separator space.
	if strings.HasSuffix(norm, " ") {
		norm = norm[:len(norm)-1]
		offsets = offsets[:len(offsets)-1]
	}
	return norm, offsets
}

// RationaleAuthor determines the provenance of a decision's rationale:
// a thinking block anywhere in the episode wins; otherwise the user, if
// the rationale's first 50 chars appear in any user turn; otherwise the
// assistant.
func RationaleAuthor(ep model.Episode, rationale string) model.RationaleAuthor {
	for _, m := range ep.Messages {
		if m.Thinking != "" {
			return model.RationaleThinking
		}
	}
	probe := strings.ToLower(normalizeSpace(rationale))
	if len(probe) > 50 {
		probe = probe[:50]
	}
	if probe != "" {
		for _, m := range ep.Messages {
			if m.Role != model.RoleUser {
				continue
			}
			if strings.Contains(strings.ToLower(normalizeSpace(m.Content)), probe) {
				return model.RationaleUser
			}
		}
	}
	return model.RationaleAssistant
}
