package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amoryn/amoryn-realtime-api/internal/dto"
	"github.com/amoryn/amoryn-realtime-api/internal/models"
	"github.com/amoryn/amoryn-realtime-api/internal/observability"
	"github.com/amoryn/amoryn-realtime-api/internal/repository"
	"github.com/amoryn/amoryn-realtime-api/internal/transport"
)

// ReactionAggregator maintains the set of emoji reactions observed for a
// conversation's messages. Membership is a set keyed by
// (messageID, userID, emoji): toggling is idempotent set membership, never
// a counter, so any number of redelivered events converges to the same
// state.
type ReactionAggregator struct {
	repo    repository.ReactionRepository
	channel transport.Channel
	topic   string
	userID  string
	notify  func()
	log     zerolog.Logger

	mu sync.Mutex
	// messageID -> emoji -> userID set
	members map[string]map[string]map[string]struct{}
}

func newReactionAggregator(repo repository.ReactionRepository, channel transport.Channel, topic, userID string, notify func(), logger zerolog.Logger) *ReactionAggregator {
	return &ReactionAggregator{
		repo:    repo,
		channel: channel,
		topic:   topic,
		userID:  userID,
		notify:  notify,
		log:     logger.With().Str("component", "reaction_aggregator").Logger(),
		members: make(map[string]map[string]map[string]struct{}),
	}
}

// ReactionsFor projects the observed reactions of one message into
// per-emoji summaries, ordered by emoji for stable rendering.
func (a *ReactionAggregator) ReactionsFor(messageID string) []dto.ReactionSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	emojis := a.members[messageID]
	out := make([]dto.ReactionSummary, 0, len(emojis))
	for emoji, users := range emojis {
		if len(users) == 0 {
			continue
		}
		_, mine := users[a.userID]
		out = append(out, dto.ReactionSummary{
			Emoji:       emoji,
			Count:       len(users),
			ReactedByMe: mine,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out
}

// Toggle flips the local user's membership for (messageID, emoji): present
// becomes absent and vice versa. The decision is read-modify-write against
// the locally cached set, so rapid repeated toggles converge to the parity
// of the number of calls regardless of event interleaving.
func (a *ReactionAggregator) Toggle(ctx context.Context, messageID, emoji string) error {
	a.mu.Lock()
	present := a.hasLocked(messageID, a.userID, emoji)
	if present {
		a.removeLocked(messageID, a.userID, emoji)
	} else {
		a.addLocked(messageID, a.userID, emoji)
	}
	a.mu.Unlock()

	if a.notify != nil {
		a.notify()
	}

	if present {
		observability.ChatReactionsToggled().WithLabelValues("remove").Inc()
		if err := a.repo.Delete(ctx, messageID, a.userID, emoji); err != nil {
			return err
		}
		a.publish(ctx, dto.ConversationEventDelete, dto.ReactionResponse{
			MessageID: messageID,
			UserID:    a.userID,
			Emoji:     emoji,
		})
		return nil
	}

	observability.ChatReactionsToggled().WithLabelValues("add").Inc()
	row := models.Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    a.userID,
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.repo.Insert(ctx, &row); err != nil {
		return err
	}
	a.publish(ctx, dto.ConversationEventInsert, dto.NewReactionResponse(row))
	return nil
}

func (a *ReactionAggregator) prime(rows []models.Reaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, row := range rows {
		a.addLocked(row.MessageID, row.UserID, row.Emoji)
	}
}

// apply merges a live reaction event. Inserts and deletes are both
// idempotent, so duplicate delivery is harmless.
func (a *ReactionAggregator) apply(event dto.ConversationEvent) {
	if event.Reaction == nil {
		return
	}
	reaction := *event.Reaction

	a.mu.Lock()
	switch event.Type {
	case dto.ConversationEventInsert:
		a.addLocked(reaction.MessageID, reaction.UserID, reaction.Emoji)
	case dto.ConversationEventDelete:
		a.removeLocked(reaction.MessageID, reaction.UserID, reaction.Emoji)
	}
	a.mu.Unlock()

	if a.notify != nil {
		a.notify()
	}
}

func (a *ReactionAggregator) hasLocked(messageID, userID, emoji string) bool {
	if emojis, ok := a.members[messageID]; ok {
		if users, ok := emojis[emoji]; ok {
			_, present := users[userID]
			return present
		}
	}
	return false
}

func (a *ReactionAggregator) addLocked(messageID, userID, emoji string) {
	emojis, ok := a.members[messageID]
	if !ok {
		emojis = make(map[string]map[string]struct{})
		a.members[messageID] = emojis
	}
	users, ok := emojis[emoji]
	if !ok {
		users = make(map[string]struct{})
		emojis[emoji] = users
	}
	users[userID] = struct{}{}
}

func (a *ReactionAggregator) removeLocked(messageID, userID, emoji string) {
	emojis, ok := a.members[messageID]
	if !ok {
		return
	}
	users, ok := emojis[emoji]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(emojis, emoji)
	}
	if len(emojis) == 0 {
		delete(a.members, messageID)
	}
}

func (a *ReactionAggregator) publish(ctx context.Context, eventType string, reaction dto.ReactionResponse) {
	event := dto.ConversationEvent{Type: eventType, Reaction: &reaction}
	payload, err := json.Marshal(event)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to marshal reaction event")
		return
	}
	if err := a.channel.Publish(ctx, a.topic, payload); err != nil {
		a.log.Warn().Err(err).Str("topic", a.topic).Msg("failed to publish reaction event")
	}
}
