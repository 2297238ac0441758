package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amoryn/amoryn-realtime-api/internal/dto"
	"github.com/amoryn/amoryn-realtime-api/internal/models"
	"github.com/amoryn/amoryn-realtime-api/internal/observability"
)

// Delivery states for entries in a session's log.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Update kinds emitted on a session's Updates channel.
const (
	UpdateLog       = "log"
	UpdateTyping    = "typing"
	UpdateReactions = "reactions"
)

const sessionUpdateBuffer = 32

// Entry is one row of a session's rendered log. Handle is the stable local
// identity: it never changes once assigned, while Message.ID is re-pointed
// from the provisional id to the canonical one on confirmation.
type Entry struct {
	Handle   string
	Delivery string
	Message  dto.MessageResponse
}

// ConversationSession presents one conversation as a single time-ordered
// log, merging optimistic local sends with live transport events.
type ConversationSession struct {
	svc            *ConversationService
	conversationID string
	userID         string
	peerID         string

	mu         sync.Mutex
	entries    []*Entry
	byID       map[string]*Entry
	byHandle   map[string]*Entry
	suppressed map[string]struct{}
	closed     bool

	unsubscribe func()
	typing      *TypingTracker
	reactions   *ReactionAggregator

	updates   chan string
	closeOnce sync.Once
}

func newConversationSession(svc *ConversationService, conversationID, userID, peerID string) *ConversationSession {
	session := &ConversationSession{
		svc:            svc,
		conversationID: conversationID,
		userID:         userID,
		peerID:         peerID,
		byID:           make(map[string]*Entry),
		byHandle:       make(map[string]*Entry),
		suppressed:     make(map[string]struct{}),
		updates:        make(chan string, sessionUpdateBuffer),
	}
	session.reactions = newReactionAggregator(svc.reactions, svc.channel, topicConversation(conversationID), userID, session.notifyReactions, svc.logger)
	return session
}

// ConversationID returns the id of the conversation this session renders.
func (s *ConversationSession) ConversationID() string { return s.conversationID }

// Updates delivers coarse change notifications (log, typing, reactions).
// Slow consumers lose notifications, never state: each kind is a hint to
// re-read the corresponding snapshot.
func (s *ConversationSession) Updates() <-chan string { return s.updates }

// Log returns a snapshot of the ordered message log.
func (s *ConversationSession) Log() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, *entry)
	}
	return out
}

// Send appends an optimistic entry under a provisional id and requests
// persistence in the background. It returns the entry's stable handle; on
// persistence failure the entry is marked failed and can be retried.
func (s *ConversationSession) Send(ctx context.Context, content, kind string) (string, error) {
	if kind == "" {
		kind = dto.MessageKindText
	}

	request := dto.SendRequest{
		ConversationID: s.conversationID,
		RecipientID:    s.peerID,
		Content:        content,
		Kind:           kind,
	}
	if err := s.svc.validator.Struct(request); err != nil {
		return "", err
	}

	clean := strings.TrimSpace(s.svc.sanitizer.Sanitize(content))
	if clean == "" {
		return "", ErrEmptyContent
	}

	handle := uuid.NewString()
	entry := &Entry{
		Handle:   handle,
		Delivery: DeliveryPending,
		Message: dto.MessageResponse{
			ID:             handle,
			ConversationID: s.conversationID,
			SenderID:       s.userID,
			RecipientID:    s.peerID,
			Content:        clean,
			Kind:           kind,
			IsRead:         false,
			CreatedAt:      time.Now().UTC(),
		},
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	s.insertOrderedLocked(entry)
	s.byHandle[handle] = entry
	s.mu.Unlock()

	s.notify(UpdateLog)

	// Stop the local typing signal on send; the act of sending supersedes
	// the debounce window.
	s.typingStop()

	go s.persistSend(handle)
	return handle, nil
}

// Retry re-attempts persistence for a previously failed send.
func (s *ConversationSession) Retry(handle string) error {
	s.mu.Lock()
	entry, ok := s.byHandle[handle]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	if entry.Delivery != DeliveryFailed {
		s.mu.Unlock()
		return nil
	}
	entry.Delivery = DeliveryPending
	s.mu.Unlock()

	s.notify(UpdateLog)
	go s.persistSend(handle)
	return nil
}

func (s *ConversationSession) persistSend(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.svc.cfg.PersistTimeout)
	defer cancel()

	s.mu.Lock()
	entry, ok := s.byHandle[handle]
	if !ok || entry.Delivery != DeliveryPending {
		s.mu.Unlock()
		return
	}
	message := entry.Message
	s.mu.Unlock()

	spanCtx, span := s.svc.tracer.Start(ctx, "conversation.send", trace.WithAttributes(
		attribute.String("chat.conversation_id", s.conversationID),
		attribute.String("chat.sender_id", s.userID),
		attribute.String("chat.kind", message.Kind),
	))
	defer span.End()

	canonical := uuid.NewString()
	model := models.Message{
		ID:             canonical,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		RecipientID:    message.RecipientID,
		Content:        message.Content,
		Kind:           message.Kind,
		IsRead:         false,
		CreatedAt:      message.CreatedAt,
	}

	if err := s.svc.messages.Save(spanCtx, &model); err != nil {
		span.RecordError(err)
		observability.ChatMessagesFailed().Inc()
		s.svc.logger.Warn().Err(err).Str("conversation_id", s.conversationID).Msg("message persistence failed")

		s.mu.Lock()
		if current, ok := s.byHandle[handle]; ok && current.Delivery == DeliveryPending {
			current.Delivery = DeliveryFailed
		}
		s.mu.Unlock()
		s.notify(UpdateLog)
		return
	}

	s.mu.Lock()
	if current, ok := s.byHandle[handle]; ok && current.Delivery == DeliveryPending {
		// Re-point the entry to its canonical identity; the timestamp is
		// unchanged so the ordering position is preserved.
		current.Message.ID = canonical
		current.Delivery = DeliverySent
		s.byID[canonical] = current
		s.resortLocked()
	}
	s.mu.Unlock()
	s.notify(UpdateLog)

	observability.ChatMessagesSent().WithLabelValues(message.Kind).Inc()

	event := dto.ConversationEvent{
		Type:    dto.ConversationEventInsert,
		Message: &dto.MessageResponse{},
	}
	*event.Message = dto.NewMessageResponse(model)
	s.publishEvent(spanCtx, event)
}

// MarkRead flips every unread message addressed to the local user to read,
// locally and in persistence, and announces the receipt. Calling it again
// with nothing unread is a no-op.
func (s *ConversationSession) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	changed := false
	for _, entry := range s.entries {
		if entry.Message.RecipientID == s.userID && !entry.Message.IsRead {
			entry.Message.IsRead = true
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify(UpdateLog)
	}

	rows, err := s.svc.messages.MarkConversationRead(ctx, s.conversationID, s.userID)
	if err != nil {
		// Local state stays flipped; the log is diverged until retried.
		return err
	}

	if rows > 0 || changed {
		s.publishEvent(ctx, dto.ConversationEvent{
			Type:     dto.ConversationEventRead,
			ReaderID: s.userID,
		})
	}
	return nil
}

// Retract removes a message. Scope "everyone" deletes the canonical record
// and notifies all subscribers; scope "me" only suppresses the message in
// this session and is never transmitted.
func (s *ConversationSession) Retract(ctx context.Context, messageID, scope string) error {
	switch scope {
	case RetractForMe:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrSessionClosed
		}
		s.suppressed[messageID] = struct{}{}
		s.removeLocked(messageID)
		s.mu.Unlock()
		s.notify(UpdateLog)
		return nil

	case RetractForEveryone:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrSessionClosed
		}
		entry, ok := s.byID[messageID]
		if !ok {
			s.mu.Unlock()
			return ErrUnknownMessage
		}
		if entry.Message.SenderID != s.userID {
			s.mu.Unlock()
			return ErrNotMessageSender
		}
		s.mu.Unlock()

		if err := s.svc.messages.Delete(ctx, messageID); err != nil {
			return err
		}

		s.mu.Lock()
		s.removeLocked(messageID)
		s.mu.Unlock()
		s.notify(UpdateLog)

		s.publishEvent(ctx, dto.ConversationEvent{
			Type:    dto.ConversationEventDelete,
			Message: &dto.MessageResponse{ID: messageID, ConversationID: s.conversationID},
		})
		return nil

	default:
		return ErrInvalidRetractMode
	}
}

// NotifyTyping reports local input activity to the typing tracker.
func (s *ConversationSession) NotifyTyping(ctx context.Context) {
	if s.typing != nil {
		s.typing.NotifyActivity(ctx)
	}
}

// StopTyping immediately clears the local typing signal.
func (s *ConversationSession) StopTyping(ctx context.Context) {
	if s.typing != nil {
		s.typing.Stop(ctx)
	}
}

// TypingUsers lists peers currently typing in this conversation.
func (s *ConversationSession) TypingUsers() []dto.TypingState {
	if s.typing == nil {
		return nil
	}
	return s.typing.TypingUsers()
}

// ToggleReaction flips the local user's membership for (messageID, emoji).
func (s *ConversationSession) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	return s.reactions.Toggle(ctx, messageID, emoji)
}

// ReactionsFor projects the observed reactions of one message.
func (s *ConversationSession) ReactionsFor(messageID string) []dto.ReactionSummary {
	return s.reactions.ReactionsFor(messageID)
}

// Close unsubscribes from the conversation topic and stops all timers.
func (s *ConversationSession) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if s.typing != nil {
			s.typing.Close()
		}
		close(s.updates)
		observability.OpenSessions().Dec()
	})
}

func (s *ConversationSession) prime(history []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, message := range history {
		entry := &Entry{
			Handle:   message.ID,
			Delivery: DeliverySent,
			Message:  dto.NewMessageResponse(message),
		}
		s.insertOrderedLocked(entry)
		s.byID[message.ID] = entry
		s.byHandle[message.ID] = entry
	}
}

func (s *ConversationSession) handleTransportEvent(payload []byte) {
	var event dto.ConversationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.svc.logger.Warn().Err(err).Str("conversation_id", s.conversationID).Msg("invalid conversation event")
		return
	}

	switch {
	case event.Reaction != nil:
		s.reactions.apply(event)
	case event.Type == dto.ConversationEventInsert && event.Message != nil:
		s.mergeInsert(*event.Message)
	case event.Type == dto.ConversationEventDelete && event.Message != nil:
		s.mergeDelete(event.Message.ID)
	case event.Type == dto.ConversationEventRead && event.ReaderID != "":
		s.mergeRead(event.ReaderID)
	default:
		// Unknown shapes are expected under an evolving wire format;
		// discard rather than crash the session.
		s.svc.logger.Debug().Str("type", event.Type).Msg("discarding unhandled conversation event")
	}
}

func (s *ConversationSession) mergeInsert(message dto.MessageResponse) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, hidden := s.suppressed[message.ID]; hidden {
		s.mu.Unlock()
		return
	}
	if existing, ok := s.byID[message.ID]; ok {
		// Redelivery. Read state is monotone, so only ever flip to true.
		if message.IsRead {
			existing.Message.IsRead = true
		}
		s.mu.Unlock()
		return
	}

	entry := &Entry{
		Handle:   message.ID,
		Delivery: DeliverySent,
		Message:  message,
	}
	s.insertOrderedLocked(entry)
	s.byID[message.ID] = entry
	s.byHandle[message.ID] = entry
	addressedToMe := message.RecipientID == s.userID && !message.IsRead
	s.mu.Unlock()

	s.notify(UpdateLog)

	if addressedToMe {
		// The session is open, so the conversation is visible: confirm
		// receipt right away.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.svc.cfg.PersistTimeout)
			defer cancel()
			if err := s.MarkRead(ctx); err != nil && err != ErrSessionClosed {
				s.svc.logger.Warn().Err(err).Str("conversation_id", s.conversationID).Msg("mark read after insert failed")
			}
		}()
	}
}

func (s *ConversationSession) mergeDelete(messageID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	removed := s.removeLocked(messageID)
	s.mu.Unlock()

	if removed {
		s.notify(UpdateLog)
	}
}

func (s *ConversationSession) mergeRead(readerID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	for _, entry := range s.entries {
		if entry.Message.RecipientID == readerID && !entry.Message.IsRead {
			entry.Message.IsRead = true
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify(UpdateLog)
	}
}

// insertOrderedLocked places entry at its position under the
// (created_at, id) ordering key. Delivery order off the transport does not
// match causal order, so arrivals are not simply appended.
func (s *ConversationSession) insertOrderedLocked(entry *Entry) {
	at := sort.Search(len(s.entries), func(i int) bool {
		return entryLess(entry, s.entries[i])
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[at+1:], s.entries[at:])
	s.entries[at] = entry
}

func (s *ConversationSession) resortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return entryLess(s.entries[i], s.entries[j])
	})
}

func (s *ConversationSession) removeLocked(messageID string) bool {
	entry, ok := s.byID[messageID]
	if !ok {
		return false
	}
	delete(s.byID, messageID)
	delete(s.byHandle, entry.Handle)
	for i, candidate := range s.entries {
		if candidate == entry {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return true
}

func entryLess(a, b *Entry) bool {
	if !a.Message.CreatedAt.Equal(b.Message.CreatedAt) {
		return a.Message.CreatedAt.Before(b.Message.CreatedAt)
	}
	return a.Message.ID < b.Message.ID
}

func (s *ConversationSession) publishEvent(ctx context.Context, event dto.ConversationEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.svc.logger.Warn().Err(err).Msg("failed to marshal conversation event")
		return
	}
	if err := s.svc.channel.Publish(ctx, topicConversation(s.conversationID), payload); err != nil {
		s.svc.logger.Warn().Err(err).Str("conversation_id", s.conversationID).Msg("failed to publish conversation event")
	}
}

func (s *ConversationSession) notify(kind string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.updates <- kind:
	default:
	}
	s.mu.Unlock()
}

func (s *ConversationSession) notifyTyping() {
	s.notify(UpdateTyping)
}

func (s *ConversationSession) notifyReactions() {
	s.notify(UpdateReactions)
}

func (s *ConversationSession) typingStop() {
	if s.typing == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.typing.Stop(ctx)
}
