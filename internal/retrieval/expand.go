package retrieval

import (
	"context"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/model"
)

// expansionEdgeTypes are the relationships followed during graph
// expansion. SUPERSEDES and CONTRADICTS stay out: an expanded result
// should be topically adjacent, not a conflict record.
func expansionEdgeTypes() []model.EdgeType {
	return []model.EdgeType{
		model.EdgeInvolves, model.EdgeFollows, model.EdgePrecedes, model.EdgeRelatedTo,
	}
}

// expand walks 1-2 hops out from the current hit set and folds the
// neighborhood in at a discounted score. Expanded nodes carry the
// "graph_expansion" matched field so callers can tell them apart from
// direct matches.
func (s *Service) expand(ctx context.Context, userID string, opts Options, hits map[string]*Hit) error {
	type frontier struct {
		kind  string
		id    uuid.UUID
		score float64
	}

	var current []frontier
	for _, h := range hits {
		if h.Score >= opts.Threshold {
			current = append(current, frontier{kind: h.Kind, id: h.ID(), score: h.Score})
		}
	}

	types := expansionEdgeTypes()
	for depth := 0; depth < opts.GraphDepth && len(current) > 0; depth++ {
		var next []frontier
		for _, f := range current {
			neighbors, err := s.neighbors(ctx, f.id, types)
			if err != nil {
				return err
			}
			for _, n := range neighbors {
				score := f.score * graphExpansionFactor
				key := n.kind + ":" + n.id.String()
				if existing, ok := hits[key]; ok {
					// Direct matches keep their own score; weaker expansion
					// paths never downgrade a node already found.
					if score > existing.Score {
						existing.Score = score
					}
					continue
				}
				h, err := s.hydrateNode(ctx, userID, n.kind, n.id)
				if err != nil {
					continue // other user's node or already deleted
				}
				h.Score = score
				h.MatchedFields = []string{"graph_expansion"}
				hits[key] = h
				next = append(next, frontier{kind: n.kind, id: n.id, score: score})
			}
		}
		current = next
	}
	return nil
}

type neighborRef struct {
	kind string
	id   uuid.UUID
}

func (s *Service) neighbors(ctx context.Context, id uuid.UUID, types []model.EdgeType) ([]neighborRef, error) {
	out, err := s.db.EdgesBySource(ctx, id, types...)
	if err != nil {
		return nil, err
	}
	in, err := s.db.EdgesByTarget(ctx, id, types...)
	if err != nil {
		return nil, err
	}

	var refs []neighborRef
	for _, e := range out {
		if kind := nodeKindName(e.TargetKind); kind != "" {
			refs = append(refs, neighborRef{kind: kind, id: e.TargetID})
		}
	}
	for _, e := range in {
		if kind := nodeKindName(e.SourceKind); kind != "" {
			refs = append(refs, neighborRef{kind: kind, id: e.SourceID})
		}
	}
	return refs, nil
}

// nodeKindName maps edge endpoint kinds to hit kinds; candidate, code
// and commit nodes do not surface in search results.
func nodeKindName(kind model.NodeKind) string {
	switch kind {
	case model.NodeDecision:
		return "decision"
	case model.NodeEntity:
		return "entity"
	}
	return ""
}

func (s *Service) hydrateNode(ctx context.Context, userID, kind string, id uuid.UUID) (*Hit, error) {
	switch kind {
	case "decision":
		d, err := s.db.GetDecision(ctx, userID, id, false)
		if err != nil {
			return nil, err
		}
		return &Hit{Kind: kind, Decision: &d}, nil
	default:
		e, err := s.db.GetEntity(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		return &Hit{Kind: kind, Entity: &e}, nil
	}
}
