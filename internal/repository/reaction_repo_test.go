package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/amoryn/amoryn-realtime-api/internal/models"
)

func TestReactionRepositoryDuplicateInsertIsNoop(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReactionRepository(db)
	messageID := uuid.NewString()

	first := models.Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    "alice",
		Emoji:     "❤️",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Insert(context.Background(), &first))

	duplicate := models.Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    "alice",
		Emoji:     "❤️",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Insert(context.Background(), &duplicate))

	rows, err := repo.ListForMessages(context.Background(), []string{messageID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, first.ID, rows[0].ID)
}

func TestReactionRepositoryDeleteByMembership(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReactionRepository(db)
	messageID := uuid.NewString()

	row := models.Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    "alice",
		Emoji:     "🔥",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Insert(context.Background(), &row))

	require.NoError(t, repo.Delete(context.Background(), messageID, "alice", "🔥"))
	// Deleting an absent membership is a no-op.
	require.NoError(t, repo.Delete(context.Background(), messageID, "alice", "🔥"))

	rows, err := repo.ListForMessages(context.Background(), []string{messageID})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestReactionRepositoryListEmptyInput(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReactionRepository(db)

	rows, err := repo.ListForMessages(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, rows)
}

func TestCallLogRepositoryLifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCallLogRepository(db)
	callID := uuid.NewString()

	log := models.CallLog{
		CallID:         callID,
		ConversationID: "conv-" + uuid.NewString(),
		CallerID:       "alice",
		CalleeID:       "bob",
		Status:         models.CallStatusPending,
	}
	require.NoError(t, repo.Create(context.Background(), &log))

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.UpdateStatus(context.Background(), callID, models.CallStatusAccepted, &started, nil))

	ended := started.Add(42 * time.Second)
	require.NoError(t, repo.UpdateStatus(context.Background(), callID, models.CallStatusEnded, nil, &ended))

	var stored models.CallLog
	require.NoError(t, db.First(&stored, "call_id = ?", callID).Error)
	require.Equal(t, models.CallStatusEnded, stored.Status)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.EndedAt)
	require.Equal(t, started, stored.StartedAt.UTC())
	require.Equal(t, ended, stored.EndedAt.UTC())
}
