package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/storage"
	"github.com/engramhq/engram/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func strPtr(s string) *string { return &s }

func newDecision(userID, project, decision string) *model.DecisionTrace {
	return &model.DecisionTrace{
		UserID:        strPtr(userID),
		ProjectName:   project,
		Trigger:       "choose a cache layer",
		Context:       "session state needs sub-ms reads",
		Options:       []string{"redis", "memcached"},
		AgentDecision: decision,
		Confidence:    0.8,
		Scope:         model.ScopeLibrary,
		Source:        model.SourceManual,
		Provenance:    model.Provenance{SourceType: "manual", CreatedBy: userID},
	}
}

func TestDecisionLifecycle(t *testing.T) {
	ctx := context.Background()
	d := newDecision("alice", "payments", "redis")
	require.NoError(t, testDB.InsertDecision(ctx, testDB.Pool(), d))

	got, err := testDB.GetDecision(ctx, "alice", d.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "redis", got.AgentDecision)
	assert.Equal(t, model.ScopeLibrary, got.Scope)

	// Another user cannot see it.
	_, err = testDB.GetDecision(ctx, "bob", d.ID, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	updated, err := testDB.UpdateDecision(ctx, "alice", d.ID, map[string]any{"confidence": 0.95})
	require.NoError(t, err)
	assert.InDelta(t, 0.95, updated.Confidence, 1e-9)
	assert.Equal(t, 1, updated.EditCount)

	require.NoError(t, testDB.MarkReviewed(ctx, "alice", d.ID, time.Now().UTC()))
	got, err = testDB.GetDecision(ctx, "alice", d.ID, false)
	require.NoError(t, err)
	require.NotNil(t, got.LastReviewedAt)

	require.NoError(t, testDB.DeleteDecision(ctx, "alice", d.ID))
	_, err = testDB.GetDecision(ctx, "alice", d.ID, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListDecisionsScoping(t *testing.T) {
	ctx := context.Background()
	mine := newDecision("carol", "infra", "terraform")
	theirs := newDecision("dave", "infra", "pulumi")
	shared := newDecision("", "infra", "cloudformation")
	shared.UserID = nil // legacy row, visible to everyone
	require.NoError(t, testDB.InsertDecision(ctx, testDB.Pool(), mine))
	require.NoError(t, testDB.InsertDecision(ctx, testDB.Pool(), theirs))
	require.NoError(t, testDB.InsertDecision(ctx, testDB.Pool(), shared))

	list, total, err := testDB.ListDecisions(ctx, "carol", storage.DecisionFilters{Project: "infra"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	ids := make(map[uuid.UUID]bool, len(list))
	for _, d := range list {
		ids[d.ID] = true
	}
	assert.True(t, ids[mine.ID])
	assert.True(t, ids[shared.ID])
	assert.False(t, ids[theirs.ID])
}

func TestEntityUpsertMergesAliases(t *testing.T) {
	ctx := context.Background()
	first := &model.Entity{UserID: strPtr("erin"), Name: "PostgreSQL", Type: model.EntityConcept, Aliases: []string{"postgres"}}
	stored, err := testDB.UpsertEntity(ctx, testDB.Pool(), first)
	require.NoError(t, err)

	second := &model.Entity{UserID: strPtr("erin"), Name: "postgresql", Type: model.EntityConcept, Aliases: []string{"pg"}}
	merged, err := testDB.UpsertEntity(ctx, testDB.Pool(), second)
	require.NoError(t, err)

	assert.Equal(t, stored.ID, merged.ID)
	assert.ElementsMatch(t, []string{"postgres", "pg"}, merged.Aliases)

	found, err := testDB.FindEntityByName(ctx, "erin", "PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, found.ID)
}

func TestEdgeInsertIsIdempotentWhileLive(t *testing.T) {
	ctx := context.Background()
	d := newDecision("frank", "search", "qdrant")
	require.NoError(t, testDB.InsertDecision(ctx, testDB.Pool(), d))
	e, err := testDB.UpsertEntity(ctx, testDB.Pool(), &model.Entity{UserID: strPtr("frank"), Name: "qdrant", Type: model.EntityConcept})
	require.NoError(t, err)

	now := time.Now().UTC()
	edge := model.Edge{
		Type:       model.EdgeInvolves,
		SourceID:   d.ID,
		SourceKind: model.NodeDecision,
		TargetID:   e.ID,
		TargetKind: model.NodeEntity,
		ValidAt:    &now,
	}
	require.NoError(t, testDB.InsertEdge(ctx, testDB.Pool(), &edge))
	dup := edge
	dup.ID = uuid.Nil
	require.NoError(t, testDB.InsertEdge(ctx, testDB.Pool(), &dup))

	edges, err := testDB.EdgesBySource(ctx, d.ID, model.EdgeInvolves)
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	adjacent, err := testDB.AdjacentDecisionEdges(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, adjacent, 1)
}

func TestDeleteEntityRefusesLiveEdges(t *testing.T) {
	ctx := context.Background()
	d := newDecision("grace", "auth", "paseto")
	require.NoError(t, testDB.InsertDecision(ctx, testDB.Pool(), d))
	e, err := testDB.UpsertEntity(ctx, testDB.Pool(), &model.Entity{UserID: strPtr("grace"), Name: "paseto", Type: model.EntityConcept})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, testDB.InsertEdge(ctx, testDB.Pool(), &model.Edge{
		Type: model.EdgeInvolves, SourceID: d.ID, SourceKind: model.NodeDecision,
		TargetID: e.ID, TargetKind: model.NodeEntity, ValidAt: &now,
	}))

	err = testDB.DeleteEntity(ctx, "grace", e.ID, false)
	assert.ErrorIs(t, err, storage.ErrEntityInUse)

	require.NoError(t, testDB.DeleteEntity(ctx, "grace", e.ID, true))
	_, err = testDB.GetEntity(ctx, "grace", e.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGraphPageAndStats(t *testing.T) {
	ctx := context.Background()
	d := newDecision("heidi", "billing", "stripe")
	require.NoError(t, testDB.InsertDecision(ctx, testDB.Pool(), d))
	e, err := testDB.UpsertEntity(ctx, testDB.Pool(), &model.Entity{UserID: strPtr("heidi"), Name: "stripe", Type: model.EntityConcept})
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, testDB.InsertEdge(ctx, testDB.Pool(), &model.Edge{
		Type: model.EdgeInvolves, SourceID: d.ID, SourceKind: model.NodeDecision,
		TargetID: e.ID, TargetKind: model.NodeEntity, ValidAt: &now,
	}))

	view, total, err := testDB.GraphPage(ctx, "heidi", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, view.Decisions, 1)
	assert.Len(t, view.Edges, 1)
	require.Len(t, view.Entities, 1)
	assert.Equal(t, "stripe", view.Entities[0].Name)

	stats, err := testDB.Stats(ctx, "heidi")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Decisions)
	assert.Equal(t, 1, stats.Entities)
	assert.Equal(t, 1, stats.EdgesByType[string(model.EdgeInvolves)])
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	n := &model.Notification{
		UserID: "ivan",
		Type:   model.NotifyContradiction,
		Title:  "decision contradicted",
		Body:   "a later decision disagrees",
	}
	require.NoError(t, testDB.InsertNotification(ctx, n))

	unread, err := testDB.ListNotifications(ctx, "ivan", true, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)

	require.NoError(t, testDB.MarkNotificationRead(ctx, "ivan", n.ID))
	unread, err = testDB.ListNotifications(ctx, "ivan", true, 10)
	require.NoError(t, err)
	assert.Empty(t, unread)

	all, err := testDB.ListNotifications(ctx, "ivan", false, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCaptureSessionHistoryCap(t *testing.T) {
	ctx := context.Background()
	s, err := testDB.CreateCaptureSession(ctx, "judy", "experiments")
	require.NoError(t, err)
	assert.Equal(t, "open", s.Status)

	for i := 0; i < model.MaxSessionHistory+5; i++ {
		require.NoError(t, testDB.AppendSessionMessage(ctx, &model.SessionMessage{
			SessionID: s.ID,
			Role:      model.RoleUser,
			Content:   "turn",
		}))
	}
	msgs, err := testDB.SessionMessages(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, model.MaxSessionHistory)

	done, err := testDB.CompleteCaptureSession(ctx, "judy", s.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", done.Status)
	require.NotNil(t, done.CompletedAt)
}

func TestIngestedFileDedup(t *testing.T) {
	ctx := context.Background()
	seen, err := testDB.FileAlreadyIngested(ctx, "kim", "logs/a.jsonl", "abc123")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, testDB.RecordIngestedFile(ctx, "kim", "logs/a.jsonl", "abc123"))
	seen, err = testDB.FileAlreadyIngested(ctx, "kim", "logs/a.jsonl", "abc123")
	require.NoError(t, err)
	assert.True(t, seen)

	// A changed hash means the file grew and needs re-processing.
	seen, err = testDB.FileAlreadyIngested(ctx, "kim", "logs/a.jsonl", "def456")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestResetUserData(t *testing.T) {
	ctx := context.Background()
	d := newDecision("lena", "ml", "pytorch")
	require.NoError(t, testDB.InsertDecision(ctx, testDB.Pool(), d))
	shared := newDecision("", "ml", "jax")
	shared.UserID = nil
	require.NoError(t, testDB.InsertDecision(ctx, testDB.Pool(), shared))

	deleted, err := testDB.ResetUserData(ctx, "lena")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted["decisions"])

	// Shared rows survive a personal reset.
	_, err = testDB.GetDecision(ctx, "lena", shared.ID, false)
	assert.NoError(t, err)
}
