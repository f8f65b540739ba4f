package ingest

import (
	"strings"
	"time"

	"github.com/engramhq/engram/internal/model"
)

// Tool-name classes used for boundary detection and episode kinds.
// Matching is case-insensitive on the tool name.
var (
	explorationTools = map[string]bool{
		"read": true, "grep": true, "glob": true, "ls": true,
		"search": true, "websearch": true, "webfetch": true,
		"notebookread": true,
	}
	writeTools = map[string]bool{
		"write": true, "edit": true, "multiedit": true,
		"notebookedit": true, "create": true,
	}
)

// donePhrases mark a user turn that closes out the current arc.
var donePhrases = []string{
	"that's done",
	"done, moving on",
	"moving on",
	"next task",
	"let's move on",
	"looks good",
	"ship it",
}

// Segmenter splits conversations into episodes, each one decision arc.
type Segmenter struct {
	// Gap is the timestamp gap between consecutive messages that forces
	// a boundary. Zero disables gap detection.
	Gap time.Duration
}

func NewSegmenter(gap time.Duration) *Segmenter {
	return &Segmenter{Gap: gap}
}

// Segment produces the conversation's episodes. Boundaries: a write
// tool after >=2 exploration tools, a timestamp gap over Gap, a user
// message after >=3 assistant tool calls, or a user "done" phrase.
// Segments shorter than 2 messages are not emitted; a conversation with
// no boundary yields one episode covering all messages.
func (s *Segmenter) Segment(conv model.Conversation) []model.Episode {
	msgs := conv.Messages
	if len(msgs) == 0 {
		return nil
	}

	// cuts[i] true means a boundary AFTER message i.
	cuts := make([]bool, len(msgs))
	explorationSinceCut := 0
	assistantCallsSinceUser := 0

	for i, m := range msgs {
		if s.Gap > 0 && i+1 < len(msgs) {
			cur, next := m.Timestamp, msgs[i+1].Timestamp
			if !cur.IsZero() && !next.IsZero() && next.Sub(cur) > s.Gap {
				cuts[i] = true
			}
		}

		switch m.Role {
		case model.RoleAssistant:
			assistantCallsSinceUser += len(m.ToolCalls)
			wroteAfterExploring := false
			for _, tc := range m.ToolCalls {
				name := strings.ToLower(tc.Name)
				switch {
				case writeTools[name]:
					if explorationSinceCut >= 2 {
						wroteAfterExploring = true
					}
				case explorationTools[name]:
					explorationSinceCut++
				}
			}
			if wroteAfterExploring {
				cuts[i] = true
			}
		case model.RoleUser:
			if assistantCallsSinceUser >= 3 && i > 0 {
				// The user turn opens a new arc.
				cuts[i-1] = true
				explorationSinceCut = 0
			}
			if containsDonePhrase(m.Content) {
				cuts[i] = true
			}
			assistantCallsSinceUser = 0
		}

		if cuts[i] {
			explorationSinceCut = 0
			assistantCallsSinceUser = 0
		}
	}

	anyCut := false
	for _, c := range cuts[:len(cuts)-1] {
		if c {
			anyCut = true
			break
		}
	}
	if !anyCut {
		return []model.Episode{makeEpisode(msgs, 0)}
	}

	var episodes []model.Episode
	start := 0
	for i := range msgs {
		if cuts[i] || i == len(msgs)-1 {
			seg := msgs[start : i+1]
			if len(seg) >= 2 {
				episodes = append(episodes, makeEpisode(seg, start))
			}
			start = i + 1
		}
	}
	return episodes
}

func makeEpisode(msgs []model.Message, start int) model.Episode {
	return model.Episode{
		Kind:       classifyEpisode(msgs, start),
		Messages:   msgs,
		StartIndex: start,
	}
}

// classifyEpisode infers the arc kind from its tool-call pattern.
func classifyEpisode(msgs []model.Message, start int) model.EpisodeKind {
	var explore, write, verify int
	pivot := false
	for _, m := range msgs {
		if m.Role == model.RoleUser && mentionsPivot(m.Content) {
			pivot = true
		}
		for _, tc := range m.ToolCalls {
			name := strings.ToLower(tc.Name)
			switch {
			case writeTools[name]:
				write++
			case explorationTools[name]:
				explore++
			case name == "bash" || name == "test":
				if looksLikeTest(tc.Input) {
					verify++
				}
			}
		}
	}
	switch {
	case pivot:
		return model.EpisodePivot
	case write > 0:
		return model.EpisodeImplementation
	case verify > 0:
		return model.EpisodeVerification
	case explore >= 2:
		return model.EpisodeExploration
	case start == 0:
		return model.EpisodeSetup
	default:
		return model.EpisodeUnknown
	}
}

func containsDonePhrase(content string) bool {
	lc := strings.ToLower(content)
	for _, p := range donePhrases {
		if strings.Contains(lc, p) {
			return true
		}
	}
	return false
}

func mentionsPivot(content string) bool {
	lc := strings.ToLower(content)
	return strings.Contains(lc, "instead") ||
		strings.Contains(lc, "let's switch") ||
		strings.Contains(lc, "change of plan")
}

func looksLikeTest(input map[string]any) bool {
	cmd, _ := input["command"].(string)
	return strings.Contains(cmd, "test") || strings.Contains(cmd, "pytest") ||
		strings.Contains(cmd, "go vet") || strings.Contains(cmd, "lint")
}
