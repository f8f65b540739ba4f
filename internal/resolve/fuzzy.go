package resolve

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/engramhq/engram/internal/model"
)

// Per-type fuzzy acceptance thresholds. File paths and people need
// near-exact matches; loose concepts tolerate more drift.
var fuzzyThresholds = map[model.EntityType]float64{
	model.EntityFile:         0.95,
	model.EntityPerson:       0.92,
	model.EntityOrganization: 0.90,
	model.EntitySystem:       0.88,
	model.EntityTechnology:   0.85,
	model.EntityPattern:      0.78,
	model.EntityConcept:      0.75,
}

// Per-type embedding similarity thresholds for the semantic stage.
var embeddingThresholds = map[model.EntityType]float64{
	model.EntityFile:         0.97,
	model.EntityPerson:       0.95,
	model.EntityOrganization: 0.92,
	model.EntityTechnology:   0.90,
	model.EntitySystem:       0.88,
	model.EntityPattern:      0.85,
	model.EntityConcept:      0.82,
}

func fuzzyThreshold(t model.EntityType) float64 {
	if v, ok := fuzzyThresholds[t]; ok {
		return v
	}
	return 0.85
}

func embeddingThreshold(t model.EntityType) float64 {
	if v, ok := embeddingThresholds[t]; ok {
		return v
	}
	return 0.90
}

// TokenRatio is a token-sort similarity in [0,1]: both names are
// lowercased, tokenized, sorted, and rejoined, then scored by
// normalized Levenshtein distance. Word order does not matter.
func TokenRatio(a, b string) float64 {
	na, nb := tokenSort(a), tokenSort(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	dist := levenshtein.ComputeDistance(na, nb)
	longest := len(na)
	if len(nb) > longest {
		longest = len(nb)
	}
	return 1 - float64(dist)/float64(longest)
}

func tokenSort(s string) string {
	tokens := strings.Fields(strings.ToLower(s))
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// bestFuzzyMatch scores name against each candidate's name and aliases,
// returning the best candidate and its score.
func bestFuzzyMatch(name string, candidates []model.Entity) (model.Entity, float64) {
	var best model.Entity
	bestScore := 0.0
	for _, cand := range candidates {
		score := TokenRatio(name, cand.Name)
		for _, alias := range cand.Aliases {
			if s := TokenRatio(name, alias); s > score {
				score = s
			}
		}
		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best, bestScore
}
