package extract

import (
	"math"
	"strings"

	"github.com/engramhq/engram/internal/model"
)

// Composite calibration weights. The raw model score dominates but is
// tempered by how complete the record is, whether its quotes actually
// appear in the source, and where the rationale came from.
const (
	weightRaw            = 0.4
	weightCompleteness   = 0.3
	weightEvidence       = 0.2
	weightSourceFidelity = 0.1

	meaningfulFieldChars = 20
)

// Calibrator computes the calibrated confidence for raw extractions.
type Calibrator struct {
	Method      string // "composite" or "temperature"
	Temperature float64
}

// Calibrate returns the calibrated confidence for a decision against
// its source text.
func (c Calibrator) Calibrate(d rawDecision, sourceText string, author model.RationaleAuthor) float64 {
	if c.Method == "temperature" {
		return c.temperatureScale(d)
	}
	score := weightRaw*clamp01(d.Confidence) +
		weightCompleteness*completenessScore(d) +
		weightEvidence*evidenceScore(d, sourceText) +
		weightSourceFidelity*sourceFidelity(author)
	return clamp01(score)
}

// temperatureScale is raw^(1/T) with a light completeness penalty.
func (c Calibrator) temperatureScale(d rawDecision) float64 {
	t := c.Temperature
	if t <= 0 {
		t = 1.3
	}
	scaled := math.Pow(clamp01(d.Confidence), 1/t)
	penalty := (1 - completenessScore(d)) * 0.1
	return clamp01(scaled - penalty)
}

// completenessScore is the fraction of the five core fields with at
// least 20 meaningful characters.
func completenessScore(d rawDecision) float64 {
	fields := []string{
		d.Trigger,
		d.Context,
		strings.Join(d.Options, ", "),
		d.Decision,
		d.Rationale,
	}
	filled := 0
	for _, f := range fields {
		if len(strings.TrimSpace(f)) >= meaningfulFieldChars {
			filled++
		}
	}
	return float64(filled) / float64(len(fields))
}

// evidenceScore checks the decision's verbatim quote against the
// source: 1.0 for an exact (whitespace-normalized) hit, 0.5 when at
// least 60% of its words appear, 0.2 otherwise. Without any verbatim
// quote the score is a neutral 0.35.
func evidenceScore(d rawDecision, sourceText string) float64 {
	quote := d.VerbatimDecision
	if quote == "" {
		quote = d.VerbatimTrigger
	}
	if quote == "" {
		quote = d.VerbatimRationale
	}
	if quote == "" {
		return 0.35
	}

	normSource := strings.ToLower(normalizeSpace(sourceText))
	normQuote := strings.ToLower(normalizeSpace(quote))
	if strings.Contains(normSource, normQuote) {
		return 1.0
	}

	words := strings.Fields(normQuote)
	if len(words) == 0 {
		return 0.2
	}
	found := 0
	for _, w := range words {
		if strings.Contains(normSource, w) {
			found++
		}
	}
	if float64(found)/float64(len(words)) >= 0.6 {
		return 0.5
	}
	return 0.2
}

func sourceFidelity(author model.RationaleAuthor) float64 {
	switch author {
	case model.RationaleThinking:
		return 1.0
	case model.RationaleUser:
		return 0.85
	default:
		return 0.6
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
