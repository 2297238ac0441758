package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned when an operation is attempted on a closed channel.
var ErrClosed = errors.New("transport: channel closed")

// Unsubscribe detaches a previously registered handler. Calling it more
// than once is harmless.
type Unsubscribe func()

// Handler receives raw payloads published to a topic. Delivery is
// at-least-once and carries no ordering guarantee across publishers, so
// handlers must tolerate duplicates and reordering.
type Handler func(payload []byte)

// PresenceHandler receives the full presence snapshot for a topic, keyed by
// the presence key each participant registered under.
type PresenceHandler func(snapshot map[string][]byte)

// Channel is the per-topic publish/subscribe primitive the realtime core is
// built on. Publishing reaches only current subscribers; late joiners see
// nothing that happened before they subscribed.
type Channel interface {
	// Publish delivers payload to the topic's current subscribers.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for payloads published to topic.
	Subscribe(topic string, handler Handler) (Unsubscribe, error)

	// TrackPresence registers or refreshes ephemeral state for key on the
	// topic's presence set. State is never persisted and expires when the
	// participant stops heartbeating.
	TrackPresence(ctx context.Context, topic, key string, state []byte) error

	// UntrackPresence removes key from the topic's presence set.
	UntrackPresence(ctx context.Context, topic, key string) error

	// OnPresenceSync registers handler to receive the topic's presence
	// snapshot whenever it changes or a heartbeat refreshes it.
	OnPresenceSync(topic string, handler PresenceHandler) (Unsubscribe, error)

	// Close tears down all subscriptions and presence registrations.
	Close() error
}
