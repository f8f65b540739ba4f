package analyze

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/storage"
)

// ScanOnSave compares a freshly saved decision against recent decisions
// other users made in the same project and records cross-user
// contradictions. Runs detached after save; failures are logged, never
// surfaced to the saver.
func (a *Analyzer) ScanOnSave(ctx context.Context, userID string, d model.DecisionTrace) {
	if d.ProjectName == "" {
		return
	}
	others, _, err := a.db.RecentCrossUserDecisions(ctx, userID, d.ProjectName, a.cfg.CrossUserScanLimit)
	if err != nil {
		a.logger.Warn("analyze: cross-user scan failed", "error", err)
		return
	}

	for _, other := range others {
		analysis, err := a.AnalyzePair(ctx, userID, d, other)
		if err != nil {
			a.logger.Debug("analyze: cross-user pair skipped", "error", err)
			continue
		}
		if analysis.Verdict != model.VerdictContradicts || analysis.Confidence < a.cfg.PairConfidenceThreshold {
			continue
		}
		newer, older := orderPair(d, other)
		if err := a.writer.RecordContradicts(ctx, newer.ID, older.ID, analysis.Confidence, analysis.Reason, true); err != nil {
			a.logger.Warn("analyze: cross-user contradiction write failed", "error", err)
			continue
		}
		a.notifyContradiction(ctx, userID, d, other, analysis)
		if other.UserID != nil {
			a.notifyContradiction(ctx, *other.UserID, other, d, analysis)
		}
	}
}

// notifyContradiction tells one party about a cross-user conflict. The
// payload names both decisions but only the recipient's text appears in
// the body, so no other user's content leaks through notifications.
func (a *Analyzer) notifyContradiction(ctx context.Context, recipient string, mine, theirs model.DecisionTrace, analysis model.PairAnalysis) {
	n := model.Notification{
		UserID: recipient,
		Type:   model.NotifyContradiction,
		Title:  "Cross-user contradiction",
		Body:   fmt.Sprintf("Your decision %q conflicts with a teammate's decision in project %s.", mine.AgentDecision, mine.ProjectName),
		Payload: map[string]any{
			"decision_id":       mine.ID.String(),
			"other_decision_id": theirs.ID.String(),
			"project":           mine.ProjectName,
			"confidence":        analysis.Confidence,
			"reason":            analysis.Reason,
		},
	}
	if err := a.db.InsertNotification(ctx, &n); err != nil {
		a.logger.Warn("analyze: contradiction notification failed", "error", err)
		return
	}
	a.publishNotification(ctx, n)
}

// publishNotification pushes a persisted notification onto the
// LISTEN/NOTIFY channel so connected websocket clients see it live.
func (a *Analyzer) publishNotification(ctx context.Context, n model.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := a.db.Notify(ctx, storage.ChannelNotifications, string(payload)); err != nil {
		a.logger.Warn("analyze: notification publish failed", "error", err)
	}
}
