package capture

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/model"
)

func TestTranscriptConversation(t *testing.T) {
	session := model.CaptureSession{
		ID:          uuid.New(),
		UserID:      "u1",
		ProjectName: "payments",
	}
	now := time.Now()
	messages := []model.SessionMessage{
		{Role: model.RoleUser, Content: "Should we shard the ledger table?", CreatedAt: now},
		{Role: model.RoleAssistant, Content: "We decided to partition by month instead.", CreatedAt: now.Add(time.Minute)},
	}

	conv := transcriptConversation(session, messages)
	assert.Equal(t, "payments", conv.ProjectName)
	assert.Equal(t, "session:"+session.ID.String(), conv.SourcePath)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, 0, conv.Messages[0].TurnIndex)
	assert.Equal(t, 1, conv.Messages[1].TurnIndex)
	assert.Equal(t, now.Add(time.Minute), conv.Messages[1].Timestamp)
}
