package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/extract"
	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/model"
)

const (
	pairTemperature = 0.2
	pairCallType    = "pair"
)

const pairSystemPrompt = `You compare two engineering decisions from the same knowledge graph.
Classify their relationship and answer with JSON only:
{"verdict": "SUPERSEDES" | "CONTRADICTS" | "NONE", "confidence": 0.0, "reason": "..."}
SUPERSEDES: the newer decision answers the same question differently and replaces the older one.
CONTRADICTS: both claim to be in force but cannot both be followed.
NONE: unrelated or compatible.`

// AnalyzePair classifies the relationship between two decisions. The
// verdict always reads newer-versus-older regardless of argument order;
// callers apply SUPERSEDES in that direction.
func (a *Analyzer) AnalyzePair(ctx context.Context, userID string, x, y model.DecisionTrace) (model.PairAnalysis, error) {
	newer, older := orderPair(x, y)

	content := pairCacheKey(newer, older)
	var analysis model.PairAnalysis
	if cached, ok := a.infra.Cache().Get(ctx, pairCallType, content); ok {
		if err := json.Unmarshal([]byte(cached), &analysis); err == nil {
			return analysis, nil
		}
	}

	prompt := fmt.Sprintf("Newer decision (%s):\n%s\n\nOlder decision (%s):\n%s",
		newer.CreatedAt.Format("2006-01-02"), pairText(newer),
		older.CreatedAt.Format("2006-01-02"), pairText(older))

	resp, err := a.infra.Generate(ctx, llm.Request{
		System:      pairSystemPrompt,
		Prompt:      prompt,
		Temperature: pairTemperature,
		UserID:      userID,
	})
	if err != nil {
		return model.PairAnalysis{}, fmt.Errorf("analyze: pair call: %w", err)
	}
	if err := extract.DecodeObject(resp.Text, &analysis); err != nil {
		return model.PairAnalysis{}, fmt.Errorf("analyze: pair response: %w", err)
	}
	analysis.Verdict = model.PairVerdict(strings.ToUpper(strings.TrimSpace(string(analysis.Verdict))))
	switch analysis.Verdict {
	case model.VerdictSupersedes, model.VerdictContradicts, model.VerdictNone:
	default:
		return model.PairAnalysis{}, fmt.Errorf("analyze: unknown pair verdict %q", analysis.Verdict)
	}

	if data, err := json.Marshal(analysis); err == nil {
		a.infra.Cache().Put(ctx, pairCallType, content, string(data))
	}
	return analysis, nil
}

// ApplyPair records the verdict in the graph when it clears the
// confidence threshold. Returns whether anything was written.
func (a *Analyzer) ApplyPair(ctx context.Context, userID string, x, y model.DecisionTrace, analysis model.PairAnalysis) (bool, error) {
	if analysis.Confidence < a.cfg.PairConfidenceThreshold {
		return false, nil
	}
	newer, older := orderPair(x, y)
	switch analysis.Verdict {
	case model.VerdictSupersedes:
		if err := a.writer.RecordSupersedes(ctx, userID, newer.ID, older.ID, analysis.Confidence, analysis.Reason); err != nil {
			return false, err
		}
		return true, nil
	case model.VerdictContradicts:
		if err := a.writer.RecordContradicts(ctx, newer.ID, older.ID, analysis.Confidence, analysis.Reason, false); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// AnalyzeAll is the batch mode: group decisions whose entity sets
// intersect by at least two, classify each intra-group pair once, and
// apply the verdicts. Returns the number of edges written.
func (a *Analyzer) AnalyzeAll(ctx context.Context, userID string) (int, error) {
	all, _, err := a.db.DecisionsWithEmbeddings(ctx, userID)
	if err != nil {
		return 0, err
	}
	sets, err := a.db.DecisionEntityIDs(ctx, userID)
	if err != nil {
		return 0, err
	}

	byID := make(map[uuid.UUID]model.DecisionTrace, len(all))
	ids := make([]uuid.UUID, len(all))
	for i, d := range all {
		byID[d.ID] = d
		ids[i] = d.ID
	}

	applied := 0
	for _, group := range overlapGroups(ids, sets, 2) {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				x, y := byID[group[i]], byID[group[j]]
				analysis, err := a.AnalyzePair(ctx, userID, x, y)
				if err != nil {
					a.logger.Debug("analyze: pair skipped", "error", err)
					continue
				}
				wrote, err := a.ApplyPair(ctx, userID, x, y, analysis)
				if err != nil {
					return applied, err
				}
				if wrote {
					applied++
				}
			}
		}
	}
	return applied, nil
}

// orderPair returns (newer, older) by created_at; ties keep the
// argument order.
func orderPair(x, y model.DecisionTrace) (model.DecisionTrace, model.DecisionTrace) {
	if y.CreatedAt.After(x.CreatedAt) {
		return y, x
	}
	return x, y
}

func pairText(d model.DecisionTrace) string {
	var b strings.Builder
	if d.Trigger != "" {
		b.WriteString("Trigger: " + d.Trigger + "\n")
	}
	b.WriteString("Decision: " + d.AgentDecision)
	if d.AgentRationale != "" {
		b.WriteString("\nRationale: " + d.AgentRationale)
	}
	if d.ProjectName != "" {
		b.WriteString("\nProject: " + d.ProjectName)
	}
	return b.String()
}

// pairCacheKey keys a verdict on both node identities and their edit
// counts so an edited decision is re-analyzed.
func pairCacheKey(newer, older model.DecisionTrace) string {
	return fmt.Sprintf("%s:%d|%s:%d", newer.ID, newer.EditCount, older.ID, older.EditCount)
}

// overlapGroups clusters ids whose entity sets share at least minShared
// members. Greedy single-linkage; singletons are dropped.
func overlapGroups(ids []uuid.UUID, sets map[uuid.UUID][]uuid.UUID, minShared int) [][]uuid.UUID {
	used := make(map[uuid.UUID]bool, len(ids))
	var groups [][]uuid.UUID
	for i, id := range ids {
		if used[id] || len(sets[id]) == 0 {
			continue
		}
		group := []uuid.UUID{id}
		used[id] = true
		for _, other := range ids[i+1:] {
			if used[other] {
				continue
			}
			for _, member := range group {
				if sharedCount(sets[member], sets[other]) >= minShared {
					group = append(group, other)
					used[other] = true
					break
				}
			}
		}
		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

func sharedCount(a, b []uuid.UUID) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	in := make(map[uuid.UUID]bool, len(a))
	for _, id := range a {
		in[id] = true
	}
	n := 0
	for _, id := range b {
		if in[id] {
			n++
		}
	}
	return n
}
