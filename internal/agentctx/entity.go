package agentctx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/resolve"
)

const entityDecisionLimit = 50

// TimelineEvent is one point in an entity's decision history.
type TimelineEvent struct {
	At         time.Time `json:"at"`
	DecisionID uuid.UUID `json:"decision_id"`
	Decision   string    `json:"decision"`
	Superseded bool      `json:"superseded,omitempty"`
}

// EntityDecision is a decision involving the entity with supersession
// status.
type EntityDecision struct {
	Decision     model.DecisionTrace `json:"decision"`
	SupersededBy *uuid.UUID          `json:"superseded_by,omitempty"`
}

// EntityContext is everything the graph knows about one entity.
type EntityContext struct {
	Entity    model.Entity     `json:"entity"`
	Resolved  string           `json:"resolved_via,omitempty"`
	Decisions []EntityDecision `json:"decisions,omitempty"`
	Related   []model.Entity   `json:"related,omitempty"`
	Timeline  []TimelineEvent  `json:"timeline,omitempty"`
}

// EntityContext resolves a name and assembles that entity's history.
// Resolution is read-only: an unknown name is an error, not a new node.
func (s *Service) EntityContext(ctx context.Context, userID, name string) (EntityContext, error) {
	if name == "" {
		return EntityContext{}, fmt.Errorf("agentctx: entity name required")
	}
	key := cacheKey(userID, "entity", resolve.Normalize(name))
	return cached(ctx, s, key, s.cfg.EntityTTL, func() (EntityContext, error) {
		return s.buildEntityContext(ctx, userID, name)
	})
}

func (s *Service) buildEntityContext(ctx context.Context, userID, name string) (EntityContext, error) {
	res, err := s.lookupEntity(ctx, userID, name)
	if err != nil {
		return EntityContext{}, fmt.Errorf("agentctx: entity %q: %w", name, err)
	}
	out := EntityContext{Entity: res.Entity, Resolved: res.MatchMethod}

	all, err := s.db.DecisionsForEntity(ctx, userID, res.Entity.ID, entityDecisionLimit)
	if err != nil {
		return out, fmt.Errorf("agentctx: entity decisions: %w", err)
	}
	superseded, err := s.db.SupersededBy(ctx, userID)
	if err != nil {
		return out, fmt.Errorf("agentctx: entity context: %w", err)
	}

	for _, d := range all {
		ed := EntityDecision{Decision: d}
		if newer, ok := superseded[d.ID]; ok {
			id := newer
			ed.SupersededBy = &id
		}
		out.Decisions = append(out.Decisions, ed)
	}

	related, err := s.db.RelatedEntities(ctx, userID, res.Entity.ID, s.cfg.RelatedPerEntity)
	if err != nil {
		return out, fmt.Errorf("agentctx: related entities: %w", err)
	}
	out.Related = related

	// DecisionsForEntity is newest-first; the timeline reads oldest-first.
	for i := len(all) - 1; i >= 0; i-- {
		d := all[i]
		_, wasSuperseded := superseded[d.ID]
		out.Timeline = append(out.Timeline, TimelineEvent{
			At:         d.CreatedAt,
			DecisionID: d.ID,
			Decision:   d.AgentDecision,
			Superseded: wasSuperseded,
		})
	}
	return out, nil
}

// lookupEntity tries the types in rough frequency order until one
// resolves without creating.
func (s *Service) lookupEntity(ctx context.Context, userID, name string) (resolve.Result, error) {
	if e, err := s.db.FindEntityByName(ctx, userID, name); err == nil {
		return resolve.Result{Entity: e, MatchMethod: "exact"}, nil
	}
	types := []model.EntityType{
		model.EntityTechnology, model.EntityConcept, model.EntitySystem,
		model.EntityPattern, model.EntityFile, model.EntityPerson,
		model.EntityOrganization,
	}
	for _, typ := range types {
		res, err := s.resolver.Lookup(ctx, userID, name, typ)
		if err == nil && !res.Created && res.Entity.ID != uuid.Nil {
			return res, nil
		}
	}
	return resolve.Result{}, resolve.ErrNoMatch
}
