package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultPresenceHeartbeat = 5 * time.Second

// RedisChannel implements Channel over Redis pub/sub. Presence state lives
// in a per-topic hash whose entries expire after missing heartbeats; a sync
// ping on a side channel tells watchers to re-read the hash.
type RedisChannel struct {
	client    *redis.Client
	heartbeat time.Duration
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	tracked map[string]map[string][]byte
}

type redisPresenceEntry struct {
	State     json.RawMessage `json:"state"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// NewRedisChannel constructs a Redis-backed channel. A non-positive
// heartbeat falls back to the default cadence.
func NewRedisChannel(client *redis.Client, heartbeat time.Duration, logger zerolog.Logger) *RedisChannel {
	if heartbeat <= 0 {
		heartbeat = defaultPresenceHeartbeat
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &RedisChannel{
		client:    client,
		heartbeat: heartbeat,
		log:       logger.With().Str("component", "redis_channel").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		tracked:   make(map[string]map[string][]byte),
	}
	go c.heartbeatLoop()
	return c
}

func (c *RedisChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.client.Publish(ctx, topic, payload).Err(); err != nil {
		return err
	}
	return nil
}

func (c *RedisChannel) Subscribe(topic string, handler Handler) (Unsubscribe, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	pubsub := c.client.Subscribe(c.ctx, topic)
	if _, err := pubsub.Receive(c.ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	go func() {
		for {
			msg, err := pubsub.ReceiveMessage(c.ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || c.isClosed() {
					return
				}
				c.log.Debug().Err(err).Str("topic", topic).Msg("subscription closed")
				return
			}
			handler([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
	}, nil
}

func (c *RedisChannel) TrackPresence(ctx context.Context, topic, key string, state []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.mu.Lock()
	if _, ok := c.tracked[topic]; !ok {
		c.tracked[topic] = make(map[string][]byte)
	}
	c.tracked[topic][key] = append([]byte(nil), state...)
	c.mu.Unlock()

	return c.writePresence(ctx, topic, key, state)
}

func (c *RedisChannel) UntrackPresence(ctx context.Context, topic, key string) error {
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

	if err := c.client.HDel(ctx, presenceHashKey(topic), key).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, presenceSyncKey(topic), "sync").Err()
}

func (c *RedisChannel) OnPresenceSync(topic string, handler PresenceHandler) (Unsubscribe, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	pubsub := c.client.Subscribe(c.ctx, presenceSyncKey(topic))
	if _, err := pubsub.Receive(c.ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	deliver := func() {
		snapshot, err := c.readPresence(c.ctx, topic)
		if err != nil {
			c.log.Debug().Err(err).Str("topic", topic).Msg("presence read failed")
			return
		}
		handler(snapshot)
	}

	go func() {
		deliver()
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		ch := pubsub.Channel()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				deliver()
			case <-ticker.C:
				// Periodic re-read so expired entries drop out even when
				// no explicit sync ping arrives.
				deliver()
			case <-c.ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
	}, nil
}

func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tracked := c.tracked
	c.tracked = make(map[string]map[string][]byte)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for topic, keys := range tracked {
		for key := range keys {
			_ = c.client.HDel(ctx, presenceHashKey(topic), key).Err()
		}
		_ = c.client.Publish(ctx, presenceSyncKey(topic), "sync").Err()
	}

	c.cancel()
	return nil
}

func (c *RedisChannel) heartbeatLoop() {
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
				if err := c.writePresence(c.ctx, e.topic, e.key, e.state); err != nil {
					c.log.Debug().Err(err).Str("topic", e.topic).Msg("presence heartbeat failed")
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *RedisChannel) writePresence(ctx context.Context, topic, key string, state []byte) error {
	envelope := redisPresenceEntry{
		State:     append(json.RawMessage(nil), state...),
		ExpiresAt: time.Now().Add(3 * c.heartbeat),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := c.client.HSet(ctx, presenceHashKey(topic), key, payload).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, presenceSyncKey(topic), "sync").Err()
}

func (c *RedisChannel) readPresence(ctx context.Context, topic string) (map[string][]byte, error) {
	raw, err := c.client.HGetAll(ctx, presenceHashKey(topic)).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	snapshot := make(map[string][]byte, len(raw))
	for key, value := range raw {
		var envelope redisPresenceEntry
		if err := json.Unmarshal([]byte(value), &envelope); err != nil {
			c.log.Debug().Str("topic", topic).Str("key", key).Msg("discarding malformed presence entry")
			continue
		}
		if now.After(envelope.ExpiresAt) {
			_ = c.client.HDel(ctx, presenceHashKey(topic), key).Err()
			continue
		}
		snapshot[key] = []byte(envelope.State)
	}
	return snapshot, nil
}

func (c *RedisChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func presenceHashKey(topic string) string {
	return "presence:" + topic
}

func presenceSyncKey(topic string) string {
	return topic + ":presence-sync"
}
