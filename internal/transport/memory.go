package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const memorySendBuffer = 64

// MemoryChannel is an in-process Channel used by tests and single-node
// development. Each subscriber drains its own buffered queue on a separate
// goroutine, so delivery order across subscribers is not guaranteed, which
// matches the contract the distributed implementations offer.
type MemoryChannel struct {
	mu       sync.Mutex
	closed   bool
	topics   map[string]map[int]*memorySub
	presence map[string]map[string][]byte
	watchers map[string]map[int]PresenceHandler
	nextID   int
	log      zerolog.Logger
}

type memorySub struct {
	queue chan []byte
	done  chan struct{}
	stop  sync.Once
}

// shutdown is shared by Close and the Unsubscribe closure; either side may
// run first, or both.
func (s *memorySub) shutdown() {
	s.stop.Do(func() { close(s.done) })
}

// NewMemoryChannel constructs an in-process channel.
func NewMemoryChannel(logger zerolog.Logger) *MemoryChannel {
	return &MemoryChannel{
		topics:   make(map[string]map[int]*memorySub),
		presence: make(map[string]map[string][]byte),
		watchers: make(map[string]map[int]PresenceHandler),
		log:      logger.With().Str("component", "memory_channel").Logger(),
	}
}

func (m *MemoryChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(m.topics[topic]))
	for _, sub := range m.topics[topic] {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	body := append([]byte(nil), payload...)
	for _, sub := range subs {
		select {
		case sub.queue <- body:
		case <-sub.done:
		default:
			m.log.Warn().Str("topic", topic).Msg("dropping payload for slow subscriber")
		}
	}
	return nil
}

func (m *MemoryChannel) Subscribe(topic string, handler Handler) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		queue: make(chan []byte, memorySendBuffer),
		done:  make(chan struct{}),
	}
	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = make(map[int]*memorySub)
	}
	id := m.nextID
	m.nextID++
	m.topics[topic][id] = sub

	go func() {
		for {
			select {
			case payload := <-sub.queue:
				handler(payload)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		m.mu.Lock()
		if subs, ok := m.topics[topic]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.topics, topic)
			}
		}
		m.mu.Unlock()
		sub.shutdown()
	}, nil
}

func (m *MemoryChannel) TrackPresence(ctx context.Context, topic, key string, state []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.presence[topic]; !ok {
		m.presence[topic] = make(map[string][]byte)
	}
	m.presence[topic][key] = append([]byte(nil), state...)
	m.mu.Unlock()

	m.notifyPresence(topic)
	return nil
}

func (m *MemoryChannel) UntrackPresence(ctx context.Context, topic, key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if states, ok := m.presence[topic]; ok {
		delete(states, key)
		if len(states) == 0 {
			delete(m.presence, topic)
		}
	}
	m.mu.Unlock()

	m.notifyPresence(topic)
	return nil
}

func (m *MemoryChannel) OnPresenceSync(topic string, handler PresenceHandler) (Unsubscribe, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := m.watchers[topic]; !ok {
		m.watchers[topic] = make(map[int]PresenceHandler)
	}
	id := m.nextID
	m.nextID++
	m.watchers[topic][id] = handler
	snapshot := m.snapshotLocked(topic)
	m.mu.Unlock()

	// Deliver the current state immediately so watchers never start blind.
	go handler(snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if handlers, ok := m.watchers[topic]; ok {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(m.watchers, topic)
				}
			}
			m.mu.Unlock()
		})
	}, nil
}

func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, subs := range m.topics {
		for _, sub := range subs {
			sub.shutdown()
		}
	}
	m.topics = make(map[string]map[int]*memorySub)
	m.presence = make(map[string]map[string][]byte)
	m.watchers = make(map[string]map[int]PresenceHandler)
	m.mu.Unlock()
	return nil
}

func (m *MemoryChannel) notifyPresence(topic string) {
	m.mu.Lock()
	handlers := make([]PresenceHandler, 0, len(m.watchers[topic]))
	for _, handler := range m.watchers[topic] {
		handlers = append(handlers, handler)
	}
	snapshot := m.snapshotLocked(topic)
	m.mu.Unlock()

	for _, handler := range handlers {
		go handler(snapshot)
	}
}

func (m *MemoryChannel) snapshotLocked(topic string) map[string][]byte {
	snapshot := make(map[string][]byte, len(m.presence[topic]))
	for key, state := range m.presence[topic] {
		snapshot[key] = append([]byte(nil), state...)
	}
	return snapshot
}
