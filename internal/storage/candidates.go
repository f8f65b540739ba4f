package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/engramhq/engram/internal/model"
)

// InsertCandidate writes a rejected-alternative node. The REJECTED_BY
// edge is written separately by the graph writer.
func (db *DB) InsertCandidate(ctx context.Context, q Queryable, c *model.CandidateDecision) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.RejectedAt.IsZero() {
		c.RejectedAt = time.Now().UTC()
	}
	_, err := q.Exec(ctx,
		`INSERT INTO candidate_decisions (id, user_id, text, rejected_at, rejected_by)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.UserID, c.Text, c.RejectedAt, c.RejectedByDecisionID,
	)
	if err != nil {
		return fmt.Errorf("storage: insert candidate: %w", err)
	}
	return nil
}

// CandidatesForDecision returns the alternatives a decision rejected.
func (db *DB) CandidatesForDecision(ctx context.Context, decisionID uuid.UUID) ([]model.CandidateDecision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, text, rejected_at, rejected_by
		 FROM candidate_decisions WHERE rejected_by = $1 ORDER BY rejected_at ASC`,
		decisionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: candidates for decision: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// DormantCandidates returns candidates rejected at least minAge ago
// whose parent decision has not been edited or reviewed since the
// rejection. Each row carries the parent decision for scoring.
func (db *DB) DormantCandidates(ctx context.Context, userID string, minAge time.Duration, now time.Time) ([]model.DormantAlternative, error) {
	cutoff := now.Add(-minAge)
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.user_id, c.text, c.rejected_at, c.rejected_by, `+decisionColumnsQualified("d")+`
		 FROM candidate_decisions c
		 JOIN decisions d ON d.id = c.rejected_by
		 WHERE `+userScope("c.user_id", 1)+`
		   AND c.rejected_at <= $2
		   AND d.expired_at IS NULL
		   AND COALESCE(d.edited_at, 'epoch'::timestamptz) < c.rejected_at
		   AND COALESCE(d.last_reviewed_at, 'epoch'::timestamptz) < c.rejected_at
		 ORDER BY c.rejected_at ASC`,
		userID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: dormant candidates: %w", err)
	}
	defer rows.Close()

	var out []model.DormantAlternative
	for rows.Next() {
		var da model.DormantAlternative
		c := &da.Candidate
		d := &da.ParentDecision
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.Text, &c.RejectedAt, &c.RejectedByDecisionID,
			&d.ID, &d.UserID, &d.ProjectName, &d.Trigger, &d.Context, &d.Options,
			&d.AgentDecision, &d.AgentRationale, &d.Confidence, &d.RawConfidence, &d.Scope, &d.Source,
			&d.VerbatimTrigger, &d.VerbatimDecision, &d.VerbatimRationale,
			&d.TriggerSpan, &d.DecisionSpan, &d.RationaleSpan,
			&d.RawRationale, &d.RationaleAuthor, &d.Assumptions, &d.TurnIndex, &d.Provenance,
			&d.CreatedAt, &d.EditedAt, &d.EditCount, &d.LastReviewedAt, &d.ExpiredAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan dormant candidate: %w", err)
		}
		da.AgeDays = now.Sub(c.RejectedAt).Hours() / 24
		out = append(out, da)
	}
	return out, rows.Err()
}

func decisionColumnsQualified(alias string) string {
	return qualifyColumns(decisionColumns, alias)
}

func scanCandidates(rows pgx.Rows) ([]model.CandidateDecision, error) {
	var out []model.CandidateDecision
	for rows.Next() {
		var c model.CandidateDecision
		if err := rows.Scan(&c.ID, &c.UserID, &c.Text, &c.RejectedAt, &c.RejectedByDecisionID); err != nil {
			return nil, fmt.Errorf("storage: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
