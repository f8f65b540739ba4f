package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/engramhq/engram/internal/extract"
	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/storage"
)

// dormantAgeHorizonDays normalizes candidate age for the reconsider
// score: anything 90+ days old scores the full age component.
const dormantAgeHorizonDays = 90.0

// StaleDecisions reports non-expired decisions past their scope's
// review threshold, sorted by how far overdue they are.
func (a *Analyzer) StaleDecisions(ctx context.Context, userID string, now time.Time) ([]model.StaleReport, error) {
	stale, err := a.db.StaleDecisions(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	reports := make([]model.StaleReport, len(stale))
	for i, d := range stale {
		reports[i] = staleReport(d, now)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].DaysOverdue > reports[j].DaysOverdue })
	return reports, nil
}

func staleReport(d model.DecisionTrace, now time.Time) model.StaleReport {
	anchor := d.CreatedAt
	if d.LastReviewedAt != nil && d.LastReviewedAt.After(anchor) {
		anchor = *d.LastReviewedAt
	}
	daysSince := now.Sub(anchor).Hours() / 24
	thresholdDays := d.Scope.StalenessThreshold().Hours() / 24
	return model.StaleReport{
		Decision:    d,
		DaysSince:   daysSince,
		DaysOverdue: daysSince - thresholdDays,
	}
}

// DormantAlternatives reports rejected options old enough to be worth a
// second look, ranked by a score combining age and how weakly the
// parent decision was held.
func (a *Analyzer) DormantAlternatives(ctx context.Context, userID string, now time.Time) ([]model.DormantAlternative, error) {
	dormant, err := a.db.DormantCandidates(ctx, userID, a.cfg.DormantMinAge, now)
	if err != nil {
		return nil, err
	}
	for i := range dormant {
		dormant[i].ReconsiderScore = reconsiderScore(
			dormant[i].AgeDays, dormant[i].ParentDecision.Confidence,
			a.cfg.DormantAgeWeight, a.cfg.DormantConfidenceWeight,
		)
	}
	sort.Slice(dormant, func(i, j int) bool { return dormant[i].ReconsiderScore > dormant[j].ReconsiderScore })
	return dormant, nil
}

func reconsiderScore(ageDays, parentConfidence, ageWeight, confWeight float64) float64 {
	ageNorm := ageDays / dormantAgeHorizonDays
	if ageNorm > 1 {
		ageNorm = 1
	}
	penalty := 1 - parentConfidence
	if penalty < 0 {
		penalty = 0
	}
	return ageWeight*ageNorm + confWeight*penalty
}

const (
	assumptionCallType      = "assumption"
	maxLaterDecisions       = 10
	assumptionListScanLimit = 1000
)

const assumptionSystemPrompt = `You check whether a later engineering decision violates assumptions recorded on an earlier one.
Answer with JSON only, one element per assumption:
[{"assumption": "...", "violated": false, "reason": "..."}]
Mark violated only when the later decision is incompatible with the assumption.`

type assumptionCheck struct {
	Assumption string `json:"assumption"`
	Violated   bool   `json:"violated"`
	Reason     string `json:"reason"`
}

// AssumptionViolations tests each decision's stored assumptions against
// later decisions in the same project and reports the ones that no
// longer hold. A notification is persisted per violation.
func (a *Analyzer) AssumptionViolations(ctx context.Context, userID string) ([]model.AssumptionViolation, error) {
	all, _, err := a.db.ListDecisions(ctx, userID, storage.DecisionFilters{Limit: assumptionListScanLimit})
	if err != nil {
		return nil, err
	}

	var violations []model.AssumptionViolation
	for _, d := range all {
		if len(d.Assumptions) == 0 {
			continue
		}
		since := d.CreatedAt
		later, _, err := a.db.ListDecisions(ctx, userID, storage.DecisionFilters{
			Project: d.ProjectName,
			Since:   &since,
			Limit:   maxLaterDecisions + 1,
		})
		if err != nil {
			return nil, err
		}
		for _, other := range later {
			if other.ID == d.ID {
				continue
			}
			checks, err := a.checkAssumptions(ctx, userID, d, other)
			if err != nil {
				a.logger.Debug("analyze: assumption check skipped", "error", err)
				continue
			}
			for _, c := range checks {
				if !c.Violated {
					continue
				}
				violations = append(violations, model.AssumptionViolation{
					Decision:     d,
					Assumption:   c.Assumption,
					ViolatedByID: other.ID.String(),
					Reasoning:    c.Reason,
				})
				a.notifyAssumption(ctx, userID, d, other, c)
			}
		}
	}
	return violations, nil
}

func (a *Analyzer) checkAssumptions(ctx context.Context, userID string, d, later model.DecisionTrace) ([]assumptionCheck, error) {
	content := fmt.Sprintf("%s:%d|%s:%d", d.ID, d.EditCount, later.ID, later.EditCount)
	var checks []assumptionCheck
	if cached, ok := a.infra.Cache().Get(ctx, assumptionCallType, content); ok {
		if err := json.Unmarshal([]byte(cached), &checks); err == nil {
			return checks, nil
		}
	}

	prompt := fmt.Sprintf("Earlier decision:\n%s\n\nAssumptions:\n- %s\n\nLater decision:\n%s",
		pairText(d), strings.Join(d.Assumptions, "\n- "), pairText(later))
	resp, err := a.infra.Generate(ctx, llm.Request{
		System:      assumptionSystemPrompt,
		Prompt:      prompt,
		Temperature: pairTemperature,
		UserID:      userID,
	})
	if err != nil {
		return nil, fmt.Errorf("analyze: assumption call: %w", err)
	}
	if err := extract.DecodeObjectList(resp.Text, &checks); err != nil {
		return nil, fmt.Errorf("analyze: assumption response: %w", err)
	}
	if data, err := json.Marshal(checks); err == nil {
		a.infra.Cache().Put(ctx, assumptionCallType, content, string(data))
	}
	return checks, nil
}

func (a *Analyzer) notifyAssumption(ctx context.Context, userID string, d, later model.DecisionTrace, c assumptionCheck) {
	n := model.Notification{
		UserID: userID,
		Type:   model.NotifyAssumptionInvalid,
		Title:  "Assumption no longer holds",
		Body:   fmt.Sprintf("%q was assumed by %q but a later decision contradicts it.", c.Assumption, d.AgentDecision),
		Payload: map[string]any{
			"decision_id":    d.ID.String(),
			"violated_by_id": later.ID.String(),
			"assumption":     c.Assumption,
			"reason":         c.Reason,
		},
	}
	if err := a.db.InsertNotification(ctx, &n); err != nil {
		a.logger.Warn("analyze: assumption notification failed", "error", err)
		return
	}
	a.publishNotification(ctx, n)
}
