package decisions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/engramhq/engram/internal/extract"
	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/resolve"
)

const (
	relationTemperature = 0.2
	entityCallType      = "entities"
	relationCallType    = "relations"
	// Short option strings ("PostgreSQL", "React Query") name things; long
	// ones are prose and would pollute the entity set.
	maxOptionEntityTokens = 4
)

const entitySystemPrompt = `You extract the named entities a software engineering decision involves.
Given a decision record, return a JSON list:
[{"name": "<entity name>", "type": "technology|concept|pattern|system|person|organization|file"}]
Name only the concrete technologies, systems, files, patterns, people, and
concepts the text actually mentions. Return only JSON, no commentary.`

const relationSystemPrompt = `You identify relationships between entities involved in a software
engineering decision. Given the decision text and its entity list, return a
JSON list:
[{"source": "<entity name>", "relationship": "IS_A|PART_OF|DEPENDS_ON|REQUIRES|ENABLES|ALTERNATIVE_TO|REFINES|RELATED_TO", "target": "<entity name>", "confidence": 0.8}]
Use only entities from the provided list. Omit relationships the text does
not support. Return only JSON, no commentary.`

type rawEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type rawRelation struct {
	Source       string  `json:"source"`
	Relationship string  `json:"relationship"`
	Target       string  `json:"target"`
	Confidence   float64 `json:"confidence"`
}

var entityTypeNames = map[string]model.EntityType{
	"technology":   model.EntityTechnology,
	"concept":      model.EntityConcept,
	"pattern":      model.EntityPattern,
	"system":       model.EntitySystem,
	"person":       model.EntityPerson,
	"organization": model.EntityOrganization,
	"file":         model.EntityFile,
}

func entityTypeFor(s string) model.EntityType {
	if t, ok := entityTypeNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t
	}
	return model.EntityConcept
}

// extractEntities names the entities a decision involves: an LLM pass
// over the decision record, merged with the option strings, which name
// the alternatives directly. LLM failure degrades to options alone.
func (s *Service) extractEntities(ctx context.Context, userID string, d *model.DecisionTrace) []model.Entity {
	text := d.EmbeddingText()

	var raws []rawEntity
	if cached, ok := s.infra.Cache().Get(ctx, entityCallType, text); ok {
		_ = json.Unmarshal([]byte(cached), &raws)
	} else {
		resp, err := s.infra.Generate(ctx, llm.Request{
			System:      entitySystemPrompt,
			Prompt:      text,
			Temperature: relationTemperature,
			UserID:      userID,
		})
		if err != nil {
			s.logger.Warn("decisions: entity extraction failed, using options only", "error", err)
		} else if err := extract.DecodeObjectList(resp.Text, &raws); err != nil {
			s.logger.Warn("decisions: entity extraction returned unparseable output", "error", err)
		} else if data, err := json.Marshal(raws); err == nil {
			s.infra.Cache().Put(ctx, entityCallType, text, string(data))
		}
	}

	seen := map[string]bool{}
	var entities []model.Entity
	add := func(name string, typ model.EntityType) {
		norm := resolve.Normalize(name)
		if norm == "" || seen[norm] {
			return
		}
		seen[norm] = true
		entities = append(entities, model.Entity{Name: strings.TrimSpace(name), Type: typ})
	}

	for _, r := range raws {
		add(r.Name, entityTypeFor(r.Type))
	}
	for _, opt := range d.Options {
		if len(strings.Fields(opt)) <= maxOptionEntityTokens {
			add(opt, model.EntityTechnology)
		}
	}
	return entities
}

// extractRelations asks the LLM for entity-to-entity relationships among
// the resolved entities and validates each triple against the type
// matrix, downgrading invalid combinations to RELATED_TO with scaled
// confidence. Needs at least two entities; failures yield no edges.
func (s *Service) extractRelations(ctx context.Context, userID string, d *model.DecisionTrace, resolved []resolve.Result) []model.Edge {
	if len(resolved) < 2 {
		return nil
	}

	byName := make(map[string]model.Entity, len(resolved))
	var lines []string
	for _, res := range resolved {
		byName[resolve.Normalize(res.Entity.Name)] = res.Entity
		lines = append(lines, "- "+res.Entity.Name+" ("+string(res.Entity.Type)+")")
	}
	content := d.EmbeddingText() + "\n\nEntities:\n" + strings.Join(lines, "\n")

	var raws []rawRelation
	if cached, ok := s.infra.Cache().Get(ctx, relationCallType, content); ok {
		_ = json.Unmarshal([]byte(cached), &raws)
	} else {
		resp, err := s.infra.Generate(ctx, llm.Request{
			System:      relationSystemPrompt,
			Prompt:      content,
			Temperature: relationTemperature,
			UserID:      userID,
		})
		if err != nil {
			s.logger.Warn("decisions: relationship extraction failed", "error", err)
			return nil
		}
		if err := extract.DecodeObjectList(resp.Text, &raws); err != nil {
			s.logger.Warn("decisions: relationship extraction returned unparseable output", "error", err)
			return nil
		}
		if data, err := json.Marshal(raws); err == nil {
			s.infra.Cache().Put(ctx, relationCallType, content, string(data))
		}
	}

	var edges []model.Edge
	for _, r := range raws {
		src, okSrc := byName[resolve.Normalize(r.Source)]
		dst, okDst := byName[resolve.Normalize(r.Target)]
		if !okSrc || !okDst || src.ID == dst.ID {
			continue
		}
		rel := model.EdgeType(strings.ToUpper(strings.TrimSpace(r.Relationship)))
		if !isEntityEdgeType(rel) {
			continue
		}
		conf := clamp01(r.Confidence)
		if conf == 0 {
			conf = 0.5
		}
		validated, ok := model.ValidateEntityEdge(src.Type, rel, dst.Type)
		if !ok {
			conf *= model.RelatedToConfidenceFactor
		}
		edges = append(edges, model.Edge{
			Type:       validated,
			SourceID:   src.ID,
			SourceKind: model.NodeEntity,
			TargetID:   dst.ID,
			TargetKind: model.NodeEntity,
			Confidence: &conf,
		})
	}
	return edges
}

func isEntityEdgeType(t model.EdgeType) bool {
	for _, v := range model.EntityEdgeTypes() {
		if v == t {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
