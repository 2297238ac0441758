package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/amoryn/amoryn-realtime-api/internal/dto"
	"github.com/amoryn/amoryn-realtime-api/internal/models"
	"github.com/amoryn/amoryn-realtime-api/internal/repository"
	"github.com/amoryn/amoryn-realtime-api/internal/transport"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type testEnv struct {
	svc     *ConversationService
	channel *transport.MemoryChannel
	db      *gorm.DB
	msgRepo repository.MessageRepository
}

func newTestEnv(t *testing.T, cfg ConversationConfig) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Message{}, &models.Reaction{}, &models.CallLog{}))

	channel := transport.NewMemoryChannel(testLogger())
	t.Cleanup(func() { _ = channel.Close() })

	msgRepo := repository.NewMessageRepository(db)
	svc := NewConversationService(
		msgRepo,
		repository.NewReactionRepository(db),
		channel,
		validator.New(validator.WithRequiredStructEnabled()),
		cfg,
		testLogger(),
	)

	return &testEnv{svc: svc, channel: channel, db: db, msgRepo: msgRepo}
}

// failingMessageRepo makes Save fail on demand; everything else passes
// through to the real repository.
type failingMessageRepo struct {
	repository.MessageRepository
	mu   sync.Mutex
	fail bool
}

func (f *failingMessageRepo) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *failingMessageRepo) Save(ctx context.Context, message *models.Message) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("storage unavailable")
	}
	return f.MessageRepository.Save(ctx, message)
}

func openSession(t *testing.T, env *testEnv, conversationID, userID, peerID string) *ConversationSession {
	t.Helper()
	session, err := env.svc.Open(context.Background(), conversationID, userID, peerID, Profile{Name: userID})
	require.NoError(t, err)
	t.Cleanup(session.Close)
	return session
}

func logContents(session *ConversationSession) []string {
	entries := session.Log()
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Message.Content)
	}
	return out
}

func publishInsert(t *testing.T, env *testEnv, conversationID string, message dto.MessageResponse) {
	t.Helper()
	payload, err := json.Marshal(dto.ConversationEvent{Type: dto.ConversationEventInsert, Message: &message})
	require.NoError(t, err)
	require.NoError(t, env.channel.Publish(context.Background(), "conversation:"+conversationID, payload))
}

func TestSendIsOptimisticThenConfirmed(t *testing.T) {
	env := newTestEnv(t, ConversationConfig{})
	conversationID := "conv-" + uuid.NewString()
	alice := openSession(t, env, conversationID, "alice", "bob")

	handle, err := alice.Send(context.Background(), "hey there", "")
	require.NoError(t, err)

	// The entry is visible immediately, before persistence completes.
	entries := alice.Log()
	require.Len(t, entries, 1)
	require.Equal(t, handle, entries[0].Handle)

	require.Eventually(t, func() bool {
		entries := alice.Log()
		return len(entries) == 1 && entries[0].Delivery == DeliverySent
	}, 2*time.Second, 10*time.Millisecond)

	// The handle survives confirmation; the message id becomes canonical.
	entries = alice.Log()
	require.Equal(t, handle, entries[0].Handle)
	require.NotEqual(t, handle, entries[0].Message.ID)

	var count int64
	require.NoError(t, env.db.Model(&models.Message{}).Where("conversation_id = ?", conversationID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestSendRejectsEmptyAndUnsafeContent(t *testing.T) {
	env := newTestEnv(t, ConversationConfig{})
	conversationID := "conv-" + uuid.NewString()
	alice := openSession(t, env, conversationID, "alice", "bob")

	_, err := alice.Send(context.Background(), "", "")
	require.Error(t, err)

	// Content that sanitizes down to nothing is rejected, not persisted.
	_, err = alice.Send(context.Background(), "<script>alert(1)</script>", "")
	require.ErrorIs(t, err, ErrEmptyContent)

	require.Empty(t, alice.Log())
}

func TestRemoteInsertsAreOrderedByTimestamp(t *testing.T) {
	env := newTestEnv(t, ConversationConfig{})
	conversationID := "conv-" + uuid.NewString()
	alice := openSession(t, env, conversationID, "alice", "bob")

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	later := dto.MessageResponse{
		ID: uuid.NewString(), ConversationID: conversationID,
		SenderID: "bob", RecipientID: "carol",
		Content: "second", Kind: "text", CreatedAt: base.Add(time.Minute),
	}
	earlier := dto.MessageResponse{
		ID: uuid.NewString(), ConversationID: conversationID,
		SenderID: "bob", RecipientID: "carol",
		Content: "first", Kind: "text", CreatedAt: base,
	}

	// Deliver out of causal order; the log must still sort by timestamp.
	publishInsert(t, env, conversationID, later)
	publishInsert(t, env, conversationID, earlier)

	require.Eventually(t, func() bool {
		contents := logContents(alice)
		return len(contents) == 2 && contents[0] == "first" && contents[1] == "second"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDuplicateInsertIsIgnored(t *testing.T) {
	env := newTestEnv(t, ConversationConfig{})
	conversationID := "conv-" + uuid.NewString()
	alice := openSession(t, env, conversationID, "alice", "bob")

	message := dto.MessageResponse{
		ID: uuid.NewString(), ConversationID: conversationID,
		SenderID: "bob", RecipientID: "carol",
		Content: "once", Kind: "text", CreatedAt: time.Now().UTC(),
	}
	publishInsert(t, env, conversationID, message)
	publishInsert(t, env, conversationID, message)

	require.Eventually(t, func() bool {
		return len(alice.Log()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, alice.Log(), 1)
}

func TestReadReceiptPropagatesToSender(t *testing.T) {
	env := newTestEnv(t, ConversationConfig{})
	conversationID := "conv-" + uuid.NewString()
	alice := openSession(t, env, conversationID, "alice", "bob")
	bob := openSession(t, env, conversationID, "bob", "alice")

	_, err := alice.Send(context.Background(), "are you there?", "")
	require.NoError(t, err)

	// Bob's open session receives the insert, acknowledges it, and the
	// receipt flips Alice's copy to read.
	require.Eventually(t, func() bool {
		entries := alice.Log()
		return len(entries) == 1 && entries[0].Message.IsRead
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		entries := bob.Log()
		return len(entries) == 1 && entries[0].Message.IsRead
	}, 2*time.Second, 10*time.Millisecond)

	var unread int64
	require.NoError(t, env.db.Model(&models.Message{}).
		Where("conversation_id = ? AND is_read = ?", conversationID, false).
		Count(&unread).Error)
	require.Zero(t, unread)
}

func TestRetractForMeIsLocalOnly(t *testing.T) {
	env := newTestEnv(t, ConversationConfig{})
	conversationID := "conv-" + uuid.NewString()
	alice := openSession(t, env, conversationID, "alice", "bob")
	bob := openSession(t, env, conversationID, "bob", "alice")

	_, err := alice.Send(context.Background(), "awkward", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bob.Log()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hidden := bob.Log()[0].Message
	require.NoError(t, bob.Retract(context.Background(), hidden.ID, RetractForMe))
	require.Empty(t, bob.Log())

	// Redelivery of a hidden message stays hidden.
	publishInsert(t, env, conversationID, hidden)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, bob.Log())

	// Alice and the store are untouched.
	require.Len(t, alice.Log(), 1)
	var count int64
	require.NoError(t, env.db.Model(&models.Message{}).Where("conversation_id = ?", conversationID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestRetractForEveryone(t *testing.T) {
	env := newTestEnv(t, ConversationConfig{})
	conversationID := "conv-" + uuid.NewString()
	alice := openSession(t, env, conversationID, "alice", "bob")
	bob := openSession(t, env, conversationID, "bob", "alice")

	_, err := alice.Send(context.Background(), "delete me", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries := alice.Log()
		return len(entries) == 1 && entries[0].Delivery == DeliverySent
	}, 2*time.Second, 10*time.Millisecond)
	messageID := alice.Log()[0].Message.ID

	require.Eventually(t, func() bool {
		return len(bob.Log()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Only the sender may retract for everyone.
	require.ErrorIs(t, bob.Retract(context.Background(), messageID, RetractForEveryone), ErrNotMessageSender)
	require.ErrorIs(t, alice.Retract(context.Background(), "nope", RetractForEveryone), ErrUnknownMessage)
	require.ErrorIs(t, alice.Retract(context.Background(), messageID, "sometimes"), ErrInvalidRetractMode)

	require.NoError(t, alice.Retract(context.Background(), messageID, RetractForEveryone))
	require.Empty(t, alice.Log())

	require.Eventually(t, func() bool {
		return len(bob.Log()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	var count int64
	require.NoError(t, env.db.Model(&models.Message{}).Where("id = ?", messageID).Count(&count).Error)
	require.Zero(t, count)
}

func TestFailedSendCanBeRetried(t *testing.T) {
	env := newTestEnv(t, ConversationConfig{})
	failing := &failingMessageRepo{MessageRepository: env.msgRepo, fail: true}
	svc := NewConversationService(
		failing,
		repository.NewReactionRepository(env.db),
		env.channel,
		validator.New(validator.WithRequiredStructEnabled()),
		ConversationConfig{},
		testLogger(),
	)

	conversationID := "conv-" + uuid.NewString()
	session, err := svc.Open(context.Background(), conversationID, "alice", "bob", Profile{})
	require.NoError(t, err)
	t.Cleanup(session.Close)

	handle, err := session.Send(context.Background(), "flaky network", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries := session.Log()
		return len(entries) == 1 && entries[0].Delivery == DeliveryFailed
	}, 2*time.Second, 10*time.Millisecond)

	// Retrying an entry that is not failed is a no-op, unknown handles err.
	require.ErrorIs(t, session.Retry("missing"), ErrUnknownMessage)

	failing.setFail(false)
	require.NoError(t, session.Retry(handle))

	require.Eventually(t, func() bool {
		entries := session.Log()
		return len(entries) == 1 && entries[0].Delivery == DeliverySent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	env := newTestEnv(t, ConversationConfig{})
	conversationID := "conv-" + uuid.NewString()
	session, err := env.svc.Open(context.Background(), conversationID, "alice", "bob", Profile{})
	require.NoError(t, err)

	session.Close()
	session.Close()

	_, err = session.Send(context.Background(), "too late", "")
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, session.MarkRead(context.Background()), ErrSessionClosed)
	require.ErrorIs(t, session.Retract(context.Background(), "x", RetractForMe), ErrSessionClosed)
}

func TestOpenPrimesHistory(t *testing.T) {
	env := newTestEnv(t, ConversationConfig{})
	conversationID := "conv-" + uuid.NewString()

	base := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	for i, content := range []string{"one", "two", "three"} {
		msg := models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       "bob",
			RecipientID:    "alice",
			Content:        content,
			Kind:           "text",
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, env.msgRepo.Save(context.Background(), &msg))
	}

	alice := openSession(t, env, conversationID, "alice", "bob")
	require.Equal(t, []string{"one", "two", "three"}, logContents(alice))

	// Opening marked everything addressed to alice as read.
	var unread int64
	require.NoError(t, env.db.Model(&models.Message{}).
		Where("conversation_id = ? AND recipient_id = ? AND is_read = ?", conversationID, "alice", false).
		Count(&unread).Error)
	require.Zero(t, unread)
}
