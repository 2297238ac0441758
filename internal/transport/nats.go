package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSChannel implements Channel over core NATS subjects. Presence has no
// server-side state: participants broadcast heartbeats on a side subject
// and every watcher aggregates them locally, expiring entries that miss
// their liveness window.
type NATSChannel struct {
	conn      *nats.Conn
	heartbeat time.Duration
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	tracked map[string]map[string][]byte
}

type natsPresenceFrame struct {
	Key   string          `json:"key"`
	State json.RawMessage `json:"state,omitempty"`
	Left  bool            `json:"left,omitempty"`
}

// NewNATSChannel constructs a NATS-backed channel.
func NewNATSChannel(conn *nats.Conn, heartbeat time.Duration, logger zerolog.Logger) *NATSChannel {
	if heartbeat <= 0 {
		heartbeat = defaultPresenceHeartbeat
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &NATSChannel{
		conn:      conn,
		heartbeat: heartbeat,
		log:       logger.With().Str("component", "nats_channel").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		tracked:   make(map[string]map[string][]byte),
	}
	go c.heartbeatLoop()
	return c
}

func (c *NATSChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *NATSChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.conn.Publish(subjectFor(topic), payload)
}

func (c *NATSChannel) Subscribe(topic string, handler Handler) (Unsubscribe, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	sub, err := c.conn.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				c.log.Debug().Err(err).Str("topic", topic).Msg("unsubscribe failed")
			}
		})
	}, nil
}

func (c *NATSChannel) TrackPresence(ctx context.Context, topic, key string, state []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.mu.Lock()
	if _, ok := c.tracked[topic]; !ok {
		c.tracked[topic] = make(map[string][]byte)
	}
	c.tracked[topic][key] = append([]byte(nil), state...)
	c.mu.Unlock()

	return c.broadcastPresence(topic, key, state, false)
}

func (c *NATSChannel) UntrackPresence(ctx context.Context, topic, key string) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.mu.Lock()
	if keys, ok := c.tracked[topic]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.tracked, topic)
		}
	}
	c.mu.Unlock()

	return c.broadcastPresence(topic, key, nil, true)
}

func (c *NATSChannel) OnPresenceSync(topic string, handler PresenceHandler) (Unsubscribe, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	type seenEntry struct {
		state    []byte
		deadline time.Time
	}

	var mu sync.Mutex
	seen := make(map[string]seenEntry)

	deliver := func() {
		mu.Lock()
		now := time.Now()
		snapshot := make(map[string][]byte, len(seen))
		for key, entry := range seen {
			if now.After(entry.deadline) {
				delete(seen, key)
				continue
			}
			snapshot[key] = append([]byte(nil), entry.state...)
		}
		mu.Unlock()
		handler(snapshot)
	}

	sub, err := c.conn.Subscribe(presenceSubjectFor(topic), func(msg *nats.Msg) {
		var frame natsPresenceFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			c.log.Debug().Str("topic", topic).Msg("discarding malformed presence frame")
			return
		}
		mu.Lock()
		if frame.Left {
			delete(seen, frame.Key)
		} else {
			seen[frame.Key] = seenEntry{
				state:    append([]byte(nil), frame.State...),
				deadline: time.Now().Add(3 * c.heartbeat),
			}
		}
		mu.Unlock()
		deliver()
	})
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deliver()
			case <-done:
				return
			case <-c.ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = sub.Unsubscribe()
		})
	}, nil
}

func (c *NATSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tracked := c.tracked
	c.tracked = make(map[string]map[string][]byte)
	c.mu.Unlock()

	for topic, keys := range tracked {
		for key := range keys {
			_ = c.broadcastPresence(topic, key, nil, true)
		}
	}

	c.cancel()
	return nil
}

func (c *NATSChannel) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			type entry struct {
				topic, key string
				state      []byte
			}
			entries := make([]entry, 0)
			for topic, keys := range c.tracked {
				for key, state := range keys {
					entries = append(entries, entry{topic: topic, key: key, state: state})
				}
			}
			c.mu.Unlock()

			for _, e := range entries {
				if err := c.broadcastPresence(e.topic, e.key, e.state, false); err != nil {
					c.log.Debug().Err(err).Str("topic", e.topic).Msg("presence heartbeat failed")
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *NATSChannel) broadcastPresence(topic, key string, state []byte, left bool) error {
	frame := natsPresenceFrame{Key: key, Left: left}
	if !left {
		frame.State = append(json.RawMessage(nil), state...)
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.Publish(presenceSubjectFor(topic), payload)
}

func subjectFor(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

func presenceSubjectFor(topic string) string {
	return subjectFor(topic) + ".presence"
}
