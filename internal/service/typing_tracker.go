package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amoryn/amoryn-realtime-api/internal/dto"
	"github.com/amoryn/amoryn-realtime-api/internal/observability"
	"github.com/amoryn/amoryn-realtime-api/internal/transport"
)

// TypingTracker debounces the local user's typing signal and derives the
// set of currently-typing peers from presence snapshots. Presence is the
// sole source of truth: there is no separate "stopped typing" message, so
// peers whose signal has gone stale are dropped even if no explicit stop
// was ever observed.
type TypingTracker struct {
	channel transport.Channel
	topic   string
	userID  string
	profile Profile
	idle    time.Duration
	stale   time.Duration
	notify  func()
	log     zerolog.Logger

	mu       sync.Mutex
	typing   bool
	timer    *time.Timer
	snapshot map[string]dto.TypingState
	closed   bool

	unsubscribe transport.Unsubscribe
}

func newTypingTracker(channel transport.Channel, topic, userID string, profile Profile, idle, stale time.Duration, notify func(), logger zerolog.Logger) (*TypingTracker, error) {
	t := &TypingTracker{
		channel:  channel,
		topic:    topic,
		userID:   userID,
		profile:  profile,
		idle:     idle,
		stale:    stale,
		notify:   notify,
		log:      logger.With().Str("component", "typing_tracker").Logger(),
		snapshot: make(map[string]dto.TypingState),
	}

	unsubscribe, err := channel.OnPresenceSync(topic, t.onPresenceSync)
	if err != nil {
		return nil, err
	}
	t.unsubscribe = unsubscribe

	// Register on the presence set immediately so peers see us, typing or
	// not.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.track(ctx, false); err != nil {
		unsubscribe()
		return nil, err
	}

	return t, nil
}

// NotifyActivity is called on every local input change. The first call in
// an idle period publishes isTyping=true; every call extends the debounce
// window rather than re-firing.
func (t *TypingTracker) NotifyActivity(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	wasTyping := t.typing
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, t.idleExpired)
	t.mu.Unlock()

	if !wasTyping {
		if err := t.track(ctx, true); err != nil {
			t.log.Debug().Err(err).Str("topic", t.topic).Msg("failed to publish typing signal")
		}
	}
}

// Stop immediately publishes isTyping=false, bypassing the debounce timer.
func (t *TypingTracker) Stop(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	wasTyping := t.typing
	t.typing = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if wasTyping {
		if err := t.track(ctx, false); err != nil {
			t.log.Debug().Err(err).Str("topic", t.topic).Msg("failed to clear typing signal")
		}
	}
}

// TypingUsers returns the peers currently typing, excluding the local user
// and anyone whose signal is stale.
func (t *TypingTracker) TypingUsers() []dto.TypingState {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	users := make([]dto.TypingState, 0, len(t.snapshot))
	for userID, state := range t.snapshot {
		if userID == t.userID || !state.IsTyping {
			continue
		}
		if now.Sub(state.ObservedAt) > t.stale {
			continue
		}
		users = append(users, state)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// Close stops the debounce timer and removes the local user from the
// presence set.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if t.unsubscribe != nil {
		t.unsubscribe()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.channel.UntrackPresence(ctx, t.topic, t.userID); err != nil {
		t.log.Debug().Err(err).Str("topic", t.topic).Msg("failed to untrack presence")
	}
}

func (t *TypingTracker) idleExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	t.Stop(ctx)
}

func (t *TypingTracker) track(ctx context.Context, isTyping bool) error {
	state := dto.TypingState{
		UserID:     t.userID,
		IsTyping:   isTyping,
		Name:       t.profile.Name,
		Avatar:     t.profile.Avatar,
		ObservedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := t.channel.TrackPresence(ctx, t.topic, t.userID, payload); err != nil {
		return err
	}
	observability.TypingSignalsPublished().Inc()
	return nil
}

func (t *TypingTracker) onPresenceSync(snapshot map[string][]byte) {
	next := make(map[string]dto.TypingState, len(snapshot))
	for key, raw := range snapshot {
		var state dto.TypingState
		if err := json.Unmarshal(raw, &state); err != nil {
			t.log.Debug().Str("key", key).Msg("discarding malformed typing state")
			continue
		}
		if state.UserID == "" {
			state.UserID = key
		}
		next[state.UserID] = state
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.snapshot = next
	t.mu.Unlock()

	if t.notify != nil {
		t.notify()
	}
}
