package llm

import (
	"regexp"
	"strings"
)

var thinkRe = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)

// StripThinking removes <think>...</think> (and <thinking> variants)
// regions from a complete response. Reasoning models emit these before
// the answer; downstream JSON parsing must never see them.
func StripThinking(s string) string {
	return strings.TrimSpace(thinkRe.ReplaceAllString(s, ""))
}

// ThinkStripper removes thinking regions from a stream where the open
// and close tags may be split across chunk boundaries. Feed returns
// the cleaned text ready to emit; Flush returns anything still held
// back when the stream ends.
type ThinkStripper struct {
	inThink bool
	pending string // Tail that might be a partial tag.
}

// NewThinkStripper returns a stripper in pass-through state.
func NewThinkStripper() *ThinkStripper {
	return &ThinkStripper{}
}

var (
	openTags  = []string{"<think>", "<thinking>"}
	closeTags = []string{"</think>", "</thinking>"}
)

// Feed consumes one chunk and returns the emittable portion.
func (t *ThinkStripper) Feed(chunk string) string {
	buf := t.pending + chunk
	t.pending = ""
	var out strings.Builder

	for buf != "" {
		tags := openTags
		if t.inThink {
			tags = closeTags
		}

		idx, tag := firstTag(buf, tags)
		if idx >= 0 {
			if !t.inThink {
				out.WriteString(buf[:idx])
			}
			buf = buf[idx+len(tag):]
			t.inThink = !t.inThink
			continue
		}

		// No full tag. Hold back a tail that could be the start of one.
		hold := partialTagLen(buf, tags)
		emit := buf[:len(buf)-hold]
		if !t.inThink {
			out.WriteString(emit)
		}
		t.pending = buf[len(buf)-hold:]
		buf = ""
	}
	return out.String()
}

// Flush returns text held back as a possible partial tag. Inside an
// unterminated thinking region everything is dropped.
func (t *ThinkStripper) Flush() string {
	p := t.pending
	t.pending = ""
	if t.inThink {
		return ""
	}
	return p
}

func firstTag(s string, tags []string) (int, string) {
	best, bestTag := -1, ""
	for _, tag := range tags {
		if i := strings.Index(s, tag); i >= 0 && (best < 0 || i < best) {
			best, bestTag = i, tag
		}
	}
	return best, bestTag
}

// partialTagLen returns the length of the longest suffix of s that is
// a proper prefix of any tag.
func partialTagLen(s string, tags []string) int {
	max := 0
	for _, tag := range tags {
		for n := len(tag) - 1; n > max; n-- {
			if n <= len(s) && strings.HasSuffix(s, tag[:n]) {
				max = n
				break
			}
		}
	}
	return max
}
