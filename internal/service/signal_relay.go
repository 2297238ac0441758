package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/amoryn/amoryn-realtime-api/internal/dto"
	"github.com/amoryn/amoryn-realtime-api/internal/models"
	"github.com/amoryn/amoryn-realtime-api/internal/observability"
	"github.com/amoryn/amoryn-realtime-api/internal/repository"
	"github.com/amoryn/amoryn-realtime-api/internal/transport"
)

// ErrRelayClosed is returned by Send after Close.
var ErrRelayClosed = errors.New("signal relay closed")

// RelayConfig carries the relay tunables.
type RelayConfig struct {
	// AnswerTimeout bounds how long an outbound invite may ring before
	// the call log row is marked missed.
	AnswerTimeout time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = 30 * time.Second
	}
	return c
}

// SignalRelay shuttles call signaling payloads between one connected user
// and the per-user calls topics. Clients that run their own media engine
// speak through the relay; the relay only routes, filters and records —
// call state lives on the endpoints.
type SignalRelay struct {
	userID   string
	channel  transport.Channel
	callLogs repository.CallLogRepository
	cfg      RelayConfig
	logger   zerolog.Logger

	mu          sync.Mutex
	closed      bool
	unsubscribe transport.Unsubscribe
	signals     chan dto.Signal
	ringing     map[string]*time.Timer
}

// NewSignalRelay creates a relay for the given user. callLogs may be nil
// when call history is not recorded.
func NewSignalRelay(userID string, channel transport.Channel, callLogs repository.CallLogRepository, cfg RelayConfig, logger zerolog.Logger) *SignalRelay {
	return &SignalRelay{
		userID:   userID,
		channel:  channel,
		callLogs: callLogs,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "signal_relay").Str("user_id", userID).Logger(),
		signals:  make(chan dto.Signal, 32),
		ringing:  make(map[string]*time.Timer),
	}
}

// Start subscribes the relay to the user's signaling topic.
func (r *SignalRelay) Start(ctx context.Context) error {
	unsubscribe, err := r.channel.Subscribe(topicCalls(r.userID), r.handleRaw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()
	return nil
}

// Signals returns the stream of inbound signals addressed to this user.
// The channel is closed by Close.
func (r *SignalRelay) Signals() <-chan dto.Signal {
	return r.signals
}

// Send publishes a signal to its target's topic and records call history
// transitions for the state-changing kinds.
func (r *SignalRelay) Send(ctx context.Context, signal dto.Signal) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	r.mu.Unlock()

	target := signal.TargetUser()
	if target == "" {
		return errors.New("signal missing target user")
	}

	payload, err := dto.EncodeSignal(signal)
	if err != nil {
		return err
	}
	if err := r.channel.Publish(ctx, topicCalls(target), payload); err != nil {
		return err
	}

	r.recordTransition(ctx, signal)
	return nil
}

// Close unsubscribes and closes the signal stream. Safe to call twice.
func (r *SignalRelay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsubscribe := r.unsubscribe
	for _, timer := range r.ringing {
		timer.Stop()
	}
	r.ringing = nil
	close(r.signals)
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (r *SignalRelay) handleRaw(data []byte) {
	signal, err := dto.DecodeSignal(data)
	if err != nil {
		r.logger.Debug().Err(err).Msg("discarding undecodable signal")
		return
	}
	if signal.TargetUser() != r.userID {
		return
	}

	// The callee answered (one way or another); the ring is over.
	switch s := signal.(type) {
	case dto.CallAccepted:
		r.stopRinging(s.CallID)
	case dto.CallRejected:
		r.stopRinging(s.CallID)
	case dto.CallEnded:
		r.stopRinging(s.CallID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.signals <- signal:
	default:
		r.logger.Warn().Str("kind", string(signal.SignalKind())).Msg("signal stream full, dropping")
	}
}

// recordTransition persists the call history rows implied by outbound
// signals. Only the side that originates a transition writes it, so the
// caller records the attempt and the callee records accept/reject.
func (r *SignalRelay) recordTransition(ctx context.Context, signal dto.Signal) {
	if r.callLogs == nil {
		return
	}

	var err error
	switch s := signal.(type) {
	case dto.IncomingCall:
		observability.CallsStarted().Inc()
		err = r.callLogs.Create(ctx, &models.CallLog{
			CallID:         s.CallID,
			ConversationID: s.ConversationID,
			CallerID:       r.userID,
			CalleeID:       s.TargetUserID,
			Status:         models.CallStatusPending,
			Metadata:       datatypes.JSONMap{"caller_name": s.CallerName},
		})
		if err == nil {
			r.armAnswerTimer(s.CallID)
		}
	case dto.CallAccepted:
		now := time.Now().UTC()
		err = r.callLogs.UpdateStatus(ctx, s.CallID, models.CallStatusAccepted, &now, nil)
	case dto.CallRejected:
		err = r.callLogs.UpdateStatus(ctx, s.CallID, models.CallStatusRejected, nil, nil)
		observability.CallOutcomes().WithLabelValues(string(CallOutcomeRejected)).Inc()
	case dto.CallEnded:
		r.stopRinging(s.CallID)
		now := time.Now().UTC()
		err = r.callLogs.UpdateStatus(ctx, s.CallID, models.CallStatusEnded, nil, &now)
		observability.CallOutcomes().WithLabelValues(string(CallOutcomeEnded)).Inc()
	default:
		return
	}

	if err != nil {
		r.logger.Warn().Err(err).Str("kind", string(signal.SignalKind())).Msg("call log write failed")
	}
}

// armAnswerTimer starts the ring clock for an invite this user sent. If
// nothing answers before AnswerTimeout the call log row flips to missed.
func (r *SignalRelay) armAnswerTimer(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.ringing[callID] = time.AfterFunc(r.cfg.AnswerTimeout, func() {
		r.markMissed(callID)
	})
}

func (r *SignalRelay) stopRinging(callID string) {
	r.mu.Lock()
	if timer, ok := r.ringing[callID]; ok {
		timer.Stop()
		delete(r.ringing, callID)
	}
	r.mu.Unlock()
}

func (r *SignalRelay) markMissed(callID string) {
	r.mu.Lock()
	_, pending := r.ringing[callID]
	delete(r.ringing, callID)
	r.mu.Unlock()
	if !pending {
		return
	}

	now := time.Now().UTC()
	if err := r.callLogs.UpdateStatus(context.Background(), callID, models.CallStatusMissed, nil, &now); err != nil {
		r.logger.Warn().Err(err).Str("call_id", callID).Msg("call log write failed")
	}
	observability.CallOutcomes().WithLabelValues(string(CallOutcomeMissed)).Inc()
}
