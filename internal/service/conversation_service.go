package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/amoryn/amoryn-realtime-api/internal/dto"
	"github.com/amoryn/amoryn-realtime-api/internal/observability"
	"github.com/amoryn/amoryn-realtime-api/internal/repository"
	"github.com/amoryn/amoryn-realtime-api/internal/transport"
)

// Sentinel errors surfaced by conversation sessions.
var (
	ErrSessionClosed      = errors.New("conversation session closed")
	ErrNotMessageSender   = errors.New("only the sender may retract a message for everyone")
	ErrUnknownMessage     = errors.New("message not present in session log")
	ErrInvalidRetractMode = errors.New("retract scope must be everyone or me")
	ErrEmptyContent       = errors.New("message content empty after sanitization")
)

// Retract scopes.
const (
	RetractForEveryone = "everyone"
	RetractForMe       = "me"
)

// Profile carries the display attributes attached to typing presence.
type Profile struct {
	Name   string
	Avatar string
}

// ConversationConfig tunes session behaviour. Zero values fall back to
// production defaults.
type ConversationConfig struct {
	HistoryLimit      int
	TypingIdleWindow  time.Duration
	TypingStaleWindow time.Duration
	PersistTimeout    time.Duration
}

func (c ConversationConfig) withDefaults() ConversationConfig {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.TypingIdleWindow <= 0 {
		c.TypingIdleWindow = 1500 * time.Millisecond
	}
	if c.TypingStaleWindow <= 0 {
		c.TypingStaleWindow = 10 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	return c
}

// ConversationService opens live conversation sessions and serves message
// history.
type ConversationService struct {
	messages  repository.MessageRepository
	reactions repository.ReactionRepository
	channel   transport.Channel
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	cfg       ConversationConfig
}

// NewConversationService constructs the conversation session manager.
func NewConversationService(messages repository.MessageRepository, reactions repository.ReactionRepository, channel transport.Channel, validate *validator.Validate, cfg ConversationConfig, logger zerolog.Logger) *ConversationService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &ConversationService{
		messages:  messages,
		reactions: reactions,
		channel:   channel,
		validator: validate,
		sanitizer: sanitizer,
		logger:    logger.With().Str("component", "conversation_service").Logger(),
		tracer:    otel.Tracer("github.com/amoryn/amoryn-realtime-api/internal/service/conversation"),
		cfg:       cfg.withDefaults(),
	}
}

// History returns the persisted log of a conversation in ascending
// (created_at, id) order.
func (s *ConversationService) History(ctx context.Context, query dto.HistoryQuery) ([]dto.MessageResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	before := time.Time{}
	if query.Before != nil {
		before = *query.Before
	}

	messages, err := s.messages.ListByConversation(ctx, query.ConversationID, before, query.Limit)
	if err != nil {
		return nil, err
	}

	return dto.NewMessageResponseSlice(messages), nil
}

// Open loads history, subscribes to the conversation's live topic and
// returns a session handle. The handle must be closed to release the
// subscription and typing timers. Opening a conversation marks its unread
// messages addressed to userID as read.
func (s *ConversationService) Open(ctx context.Context, conversationID, userID, peerID string, profile Profile) (*ConversationSession, error) {
	session := newConversationSession(s, conversationID, userID, peerID)

	history, err := s.messages.ListByConversation(ctx, conversationID, time.Time{}, s.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	session.prime(history)

	ids := make([]string, 0, len(history))
	for _, message := range history {
		ids = append(ids, message.ID)
	}
	rows, err := s.reactions.ListForMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	session.reactions.prime(rows)

	unsubscribe, err := s.channel.Subscribe(topicConversation(conversationID), session.handleTransportEvent)
	if err != nil {
		return nil, err
	}
	session.unsubscribe = unsubscribe

	typing, err := newTypingTracker(s.channel, topicTyping(conversationID), userID, profile, s.cfg.TypingIdleWindow, s.cfg.TypingStaleWindow, session.notifyTyping, s.logger)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	session.typing = typing

	observability.OpenSessions().Inc()

	if err := session.MarkRead(ctx); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark read on open failed")
	}

	return session, nil
}

func topicConversation(conversationID string) string {
	return "conversation:" + conversationID
}

func topicTyping(conversationID string) string {
	return "typing:" + conversationID
}

func topicCalls(userID string) string {
	return "calls:" + userID
}
