package analyze

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/engramhq/engram/internal/model"
)

func TestReconsiderScore(t *testing.T) {
	// Full age, confident parent: only the age component counts.
	assert.InDelta(t, 0.6, reconsiderScore(90, 1.0, 0.6, 0.4), 1e-9)

	// Age saturates at the 90-day horizon.
	assert.InDelta(t, 0.6, reconsiderScore(400, 1.0, 0.6, 0.4), 1e-9)

	// Half age, shaky parent.
	assert.InDelta(t, 0.6*0.5+0.4*0.7, reconsiderScore(45, 0.3, 0.6, 0.4), 1e-9)

	// A confidence above 1 must not produce a negative penalty.
	assert.InDelta(t, 0.6, reconsiderScore(90, 1.2, 0.6, 0.4), 1e-9)
}

func TestStaleReport(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	d := model.DecisionTrace{
		Scope:     model.ScopeOperational, // 14-day threshold
		CreatedAt: now.AddDate(0, 0, -20),
	}
	r := staleReport(d, now)
	assert.InDelta(t, 20, r.DaysSince, 1e-9)
	assert.InDelta(t, 6, r.DaysOverdue, 1e-9)
}

func TestStaleReportAnchorsOnLastReview(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	reviewed := now.AddDate(0, 0, -16)

	d := model.DecisionTrace{
		Scope:          model.ScopeOperational,
		CreatedAt:      now.AddDate(0, 0, -100),
		LastReviewedAt: &reviewed,
	}
	r := staleReport(d, now)
	assert.InDelta(t, 16, r.DaysSince, 1e-9)
	assert.InDelta(t, 2, r.DaysOverdue, 1e-9)
}
