package agentctx

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/retrieval"
)

// Budget accounting approximates tokens at 4 characters each.
const charsPerToken = 4

// ContextOptions parameterizes a focused-context request.
type ContextOptions struct {
	Query      string
	TopK       int
	Project    string
	GraphDepth int
	Markdown   bool
}

// ContextDecision is one hit decorated with its graph neighborhood.
type ContextDecision struct {
	Decision     model.DecisionTrace `json:"decision"`
	Score        float64             `json:"score"`
	Entities     []model.Entity      `json:"entities,omitempty"`
	SupersededBy *uuid.UUID          `json:"superseded_by,omitempty"`
}

// ContextResult is the focused context for one query.
type ContextResult struct {
	Query          string              `json:"query"`
	Decisions      []ContextDecision   `json:"decisions"`
	Chains         [][]uuid.UUID       `json:"supersedes_chains,omitempty"`
	Contradictions []ContradictionPair `json:"contradictions,omitempty"`
	Truncated      bool                `json:"truncated,omitempty"`
	Markdown       string              `json:"markdown,omitempty"`
}

// Context runs a hybrid search scoped to the user and assembles a
// token-budgeted context block around the hits.
func (s *Service) Context(ctx context.Context, userID string, opts ContextOptions) (ContextResult, error) {
	if strings.TrimSpace(opts.Query) == "" {
		return ContextResult{}, fmt.Errorf("agentctx: query required")
	}
	key := cacheKey(userID, "context", queryHash(fmt.Sprintf("%s|%d|%s|%d|%t",
		opts.Query, opts.TopK, opts.Project, opts.GraphDepth, opts.Markdown)))
	return cached(ctx, s, key, s.cfg.ContextTTL, func() (ContextResult, error) {
		return s.buildContext(ctx, userID, opts)
	})
}

func (s *Service) buildContext(ctx context.Context, userID string, opts ContextOptions) (ContextResult, error) {
	out := ContextResult{Query: opts.Query}

	hits, err := s.retriever.Search(ctx, userID, retrieval.Options{
		Query:            opts.Query,
		TopK:             opts.TopK,
		Alpha:            0.5,
		IncludeDecisions: true,
		GraphDepth:       opts.GraphDepth,
		Project:          opts.Project,
	})
	if err != nil {
		return out, fmt.Errorf("agentctx: context search: %w", err)
	}

	superseded, err := s.db.SupersededBy(ctx, userID)
	if err != nil {
		return out, fmt.Errorf("agentctx: context: %w", err)
	}

	hitSet := map[uuid.UUID]bool{}
	for _, h := range hits {
		if h.Decision == nil {
			continue
		}
		d := *h.Decision
		entities, err := s.db.EntitiesForDecision(ctx, d.ID)
		if err != nil {
			return out, fmt.Errorf("agentctx: context: %w", err)
		}
		cd := ContextDecision{Decision: d, Score: h.Score, Entities: entities}
		if newer, ok := superseded[d.ID]; ok {
			id := newer
			cd.SupersededBy = &id
		}
		out.Decisions = append(out.Decisions, cd)
		hitSet[d.ID] = true
	}

	out.Chains = supersedesChains(hitSet, superseded)

	contradictions, err := s.unresolvedContradictions(ctx, userID, map[uuid.UUID]uuid.UUID{})
	if err != nil {
		return out, err
	}
	for _, p := range contradictions {
		if hitSet[p.AID] || hitSet[p.BID] {
			out.Contradictions = append(out.Contradictions, p)
		}
	}

	out.Truncated = s.applyBudget(&out)
	if opts.Markdown {
		out.Markdown = renderMarkdown(out)
	}
	return out, nil
}

// supersedesChains follows the superseded-by map upward from each hit,
// returning chains of length >= 2 (oldest first).
func supersedesChains(hits map[uuid.UUID]bool, superseded map[uuid.UUID]uuid.UUID) [][]uuid.UUID {
	var chains [][]uuid.UUID
	for id := range hits {
		chain := []uuid.UUID{id}
		cur := id
		for {
			newer, ok := superseded[cur]
			if !ok || len(chain) > 10 {
				break
			}
			chain = append(chain, newer)
			cur = newer
		}
		if len(chain) > 1 {
			chains = append(chains, chain)
		}
	}
	return chains
}

// applyBudget drops trailing decisions until the rendered size fits the
// token budget. Reports whether anything was cut.
func (s *Service) applyBudget(r *ContextResult) bool {
	budget := s.cfg.TokenBudget * charsPerToken
	truncated := false
	for len(r.Decisions) > 1 && contextChars(*r) > budget {
		r.Decisions = r.Decisions[:len(r.Decisions)-1]
		truncated = true
	}
	return truncated
}

func contextChars(r ContextResult) int {
	n := len(r.Query)
	for _, cd := range r.Decisions {
		n += len(decisionText(cd.Decision))
		for _, e := range cd.Entities {
			n += len(e.Name) + 2
		}
	}
	return n
}

func decisionText(d model.DecisionTrace) string {
	return d.Trigger + d.Context + d.AgentDecision + d.AgentRationale
}

// renderMarkdown flattens the context for direct inclusion in an LLM
// prompt.
func renderMarkdown(r ContextResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Relevant decisions for: %s\n\n", r.Query)
	for _, cd := range r.Decisions {
		d := cd.Decision
		fmt.Fprintf(&b, "### %s\n", d.AgentDecision)
		if cd.SupersededBy != nil {
			b.WriteString("**Superseded by a newer decision.**\n")
		}
		if d.Trigger != "" {
			fmt.Fprintf(&b, "- Trigger: %s\n", d.Trigger)
		}
		if d.AgentRationale != "" {
			fmt.Fprintf(&b, "- Rationale: %s\n", d.AgentRationale)
		}
		if len(cd.Entities) > 0 {
			names := make([]string, len(cd.Entities))
			for i, e := range cd.Entities {
				names[i] = e.Name
			}
			fmt.Fprintf(&b, "- Involves: %s\n", strings.Join(names, ", "))
		}
		fmt.Fprintf(&b, "- Confidence: %.2f (%s)\n\n", d.Confidence, d.CreatedAt.Format("2006-01-02"))
	}
	if len(r.Contradictions) > 0 {
		fmt.Fprintf(&b, "%d unresolved contradiction(s) touch these decisions.\n", len(r.Contradictions))
	}
	return b.String()
}
