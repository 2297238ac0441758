package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amoryn/amoryn-realtime-api/internal/dto"
	"github.com/amoryn/amoryn-realtime-api/internal/models"
	"github.com/amoryn/amoryn-realtime-api/internal/observability"
	"github.com/amoryn/amoryn-realtime-api/internal/repository"
	"github.com/amoryn/amoryn-realtime-api/internal/transport"
)

// Call lifecycle states.
type CallState string

const (
	CallStateIdle            CallState = "idle"
	CallStateOutgoingRinging CallState = "outgoing-ringing"
	CallStateIncomingRinging CallState = "incoming-ringing"
	CallStateNegotiating     CallState = "negotiating"
	CallStateConnected       CallState = "connected"
	CallStateEnded           CallState = "ended"
)

// Terminal call outcomes.
type CallOutcome string

const (
	CallOutcomeEnded    CallOutcome = "ended"
	CallOutcomeMissed   CallOutcome = "missed"
	CallOutcomeRejected CallOutcome = "rejected"
	CallOutcomeFailed   CallOutcome = "failed"
)

// Sentinel errors surfaced by the call service.
var (
	ErrCallInProgress = errors.New("a call is already active")
	ErrNoActiveCall   = errors.New("no active call")
	ErrWrongCallState = errors.New("operation not valid in current call state")
)

const (
	defaultAnswerTimeout  = 30 * time.Second
	callUpdateBuffer      = 32
	signalPublishTimeout  = 5 * time.Second
	callPersistTimeout    = 10 * time.Second
	mediaAcquisitionLimit = 10 * time.Second
)

// CallUpdate is pushed to the UI layer on every observable transition.
type CallUpdate struct {
	CallID          string      `json:"call_id"`
	State           CallState   `json:"state"`
	PeerID          string      `json:"peer_id,omitempty"`
	PeerName        string      `json:"peer_name,omitempty"`
	PeerAvatar      string      `json:"peer_avatar,omitempty"`
	ConversationID  string      `json:"conversation_id,omitempty"`
	Outcome         CallOutcome `json:"outcome,omitempty"`
	DurationSeconds int64       `json:"duration_seconds"`
}

// CallServiceConfig tunes the signaling state machine.
type CallServiceConfig struct {
	AnswerTimeout time.Duration
}

func (c CallServiceConfig) withDefaults() CallServiceConfig {
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = defaultAnswerTimeout
	}
	return c
}

// callSession is the mutable state of the single active call. At most one
// exists per CallService; exclusivity is enforced by checking state before
// admitting a new startCall or incoming-call, not by locking across users.
type callSession struct {
	callID         string
	conversationID string
	callerID       string
	calleeID       string
	peerID         string
	peerName       string
	peerAvatar     string

	state  CallState
	stream MediaStream
	pc     PeerConnection

	answerTimer    *time.Timer
	durationStop   chan struct{}
	durationSecs   int64
	startedWaiting time.Time

	offerSent      bool
	offerReceived  bool
	answerSent     bool
	answerReceived bool
	remoteDescSet  bool

	// Candidates that arrived before the remote description; flushed once
	// it exists. Arrival order is not guaranteed by the transport.
	pendingCandidates []string
}

// CallService owns the lifecycle of at most one call for one user session.
// It is explicitly constructed and injectable, so independent user
// sessions (and tests) never share state.
type CallService struct {
	userID  string
	channel transport.Channel
	logs    repository.CallLogRepository
	media   MediaProvider
	peers   PeerConnectionFactory
	cfg     CallServiceConfig
	logger  zerolog.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	current *callSession
	closed  bool

	unsubscribe transport.Unsubscribe
	updates     chan CallUpdate
}

// NewCallService constructs the signaling state machine for one user.
func NewCallService(userID string, channel transport.Channel, logs repository.CallLogRepository, media MediaProvider, peers PeerConnectionFactory, cfg CallServiceConfig, logger zerolog.Logger) *CallService {
	return &CallService{
		userID:  userID,
		channel: channel,
		logs:    logs,
		media:   media,
		peers:   peers,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "call_service").Str("user_id", userID).Logger(),
		tracer:  otel.Tracer("github.com/amoryn/amoryn-realtime-api/internal/service/call"),
		updates: make(chan CallUpdate, callUpdateBuffer),
	}
}

// Start subscribes to the user's signaling topic. It must be called before
// any call can be placed or received.
func (s *CallService) Start() error {
	unsubscribe, err := s.channel.Subscribe(topicCalls(s.userID), s.handleRawSignal)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return nil
}

// Updates delivers state transitions for rendering.
func (s *CallService) Updates() <-chan CallUpdate { return s.updates }

// State reports the current lifecycle state.
func (s *CallService) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return CallStateIdle
	}
	return s.current.state
}

// Snapshot reports the current call, if any.
func (s *CallService) Snapshot() CallUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return CallUpdate{State: CallStateIdle}
	}
	return s.snapshotLocked(s.current, "")
}

// StartCall places an outgoing call. It acquires local audio, creates the
// peer connection, invites the callee and arms the answer timer. A second
// start while any call is active is rejected outright, never queued.
func (s *CallService) StartCall(ctx context.Context, calleeID, conversationID string) (string, error) {
	callID := uuid.NewString()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if s.current != nil {
		s.mu.Unlock()
		return "", ErrCallInProgress
	}
	sess := &callSession{
		callID:         callID,
		conversationID: conversationID,
		callerID:       s.userID,
		calleeID:       calleeID,
		peerID:         calleeID,
		state:          CallStateOutgoingRinging,
		startedWaiting: time.Now(),
	}
	s.current = sess
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "call.start", trace.WithAttributes(
		attribute.String("call.id", callID),
		attribute.String("call.callee_id", calleeID),
	))
	defer span.End()

	mediaCtx, cancel := context.WithTimeout(ctx, mediaAcquisitionLimit)
	stream, err := s.media.AcquireAudio(mediaCtx)
	cancel()
	if err != nil {
		span.RecordError(err)
		s.abortSetup(sess, nil, nil)
		return "", err
	}

	pc, err := s.peers.NewPeerConnection(ctx, stream)
	if err != nil {
		span.RecordError(err)
		s.abortSetup(sess, stream, nil)
		return "", err
	}
	s.wirePeerConnection(sess, pc)

	s.mu.Lock()
	if s.current != sess || sess.state != CallStateOutgoingRinging {
		// Torn down while we were acquiring media.
		s.mu.Unlock()
		pc.Close()
		stream.Close()
		return "", ErrNoActiveCall
	}
	sess.stream = stream
	sess.pc = pc
	sess.answerTimer = time.AfterFunc(s.cfg.AnswerTimeout, func() { s.answerTimedOut(callID) })
	s.mu.Unlock()

	observability.CallsStarted().Inc()
	s.recordCallLog(sess)
	s.publishSignal(ctx, calleeID, dto.IncomingCall{
		CallID:         callID,
		ConversationID: conversationID,
		CallerID:       s.userID,
		TargetUserID:   calleeID,
	})
	s.emit(sess, "")

	return callID, nil
}

// Accept answers an incoming ring. Media is acquired before the caller is
// told, so a microphone denial terminates the attempt cleanly.
func (s *CallService) Accept(ctx context.Context) error {
	s.mu.Lock()
	sess := s.current
	if sess == nil {
		s.mu.Unlock()
		return ErrNoActiveCall
	}
	if sess.state != CallStateIncomingRinging {
		s.mu.Unlock()
		return ErrWrongCallState
	}
	s.mu.Unlock()

	mediaCtx, cancel := context.WithTimeout(ctx, mediaAcquisitionLimit)
	stream, err := s.media.AcquireAudio(mediaCtx)
	cancel()
	if err != nil {
		s.teardown(sess.callID, CallOutcomeFailed, false)
		return err
	}

	pc, err := s.peers.NewPeerConnection(ctx, stream)
	if err != nil {
		stream.Close()
		s.teardown(sess.callID, CallOutcomeFailed, false)
		return err
	}
	s.wirePeerConnection(sess, pc)

	s.mu.Lock()
	if s.current != sess || sess.state != CallStateIncomingRinging {
		s.mu.Unlock()
		pc.Close()
		stream.Close()
		return ErrNoActiveCall
	}
	sess.stream = stream
	sess.pc = pc
	sess.state = CallStateNegotiating
	s.mu.Unlock()

	s.updateCallLog(sess.callID, models.CallStatusAccepted, nil, nil)
	s.publishSignal(ctx, sess.peerID, dto.CallAccepted{
		CallID:       sess.callID,
		CalleeID:     s.userID,
		TargetUserID: sess.peerID,
	})
	s.emit(sess, "")
	return nil
}

// Reject declines an incoming ring.
func (s *CallService) Reject(ctx context.Context) error {
	s.mu.Lock()
	sess := s.current
	if sess == nil {
		s.mu.Unlock()
		return ErrNoActiveCall
	}
	if sess.state != CallStateIncomingRinging {
		s.mu.Unlock()
		return ErrWrongCallState
	}
	peerID := sess.peerID
	callID := sess.callID
	s.mu.Unlock()

	s.publishSignal(ctx, peerID, dto.CallRejected{CallID: callID, TargetUserID: peerID})
	s.teardown(callID, CallOutcomeRejected, false)
	return nil
}

// End hangs up the active call from this side. Calling it with no active
// call is a safe no-op.
func (s *CallService) End(ctx context.Context) {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return
	}
	s.teardown(sess.callID, CallOutcomeEnded, true)
}

// Close ends any active call and detaches from the signaling topic.
func (s *CallService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	sess := s.current
	s.mu.Unlock()

	if sess != nil {
		s.teardown(sess.callID, CallOutcomeEnded, true)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	close(s.updates)
}

func (s *CallService) handleRawSignal(payload []byte) {
	signal, err := dto.DecodeSignal(payload)
	if err != nil {
		// Undecodable payloads are expected under an at-least-once
		// transport shared with older clients; discard.
		s.logger.Debug().Err(err).Msg("discarding undecodable signal")
		return
	}
	if signal.TargetUser() != s.userID {
		return
	}
	s.handleSignal(signal)
}

func (s *CallService) handleSignal(signal dto.Signal) {
	switch sig := signal.(type) {
	case dto.IncomingCall:
		s.onIncomingCall(sig)
	case dto.CallAccepted:
		s.onCallAccepted(sig)
	case dto.Offer:
		s.onOffer(sig)
	case dto.Answer:
		s.onAnswer(sig)
	case dto.IceCandidate:
		s.onIceCandidate(sig)
	case dto.CallRejected:
		s.onRemoteTerminated(sig.CallID, CallOutcomeRejected)
	case dto.CallEnded:
		s.onRemoteTerminated(sig.CallID, CallOutcomeEnded)
	default:
		s.logger.Debug().Msg("discarding signal of unknown concrete type")
	}
}

func (s *CallService) onIncomingCall(sig dto.IncomingCall) {
	s.mu.Lock()
	if s.closed || s.current != nil {
		// At-most-one-call invariant: a second invite is ignored while any
		// call is active.
		s.mu.Unlock()
		s.logger.Debug().Str("call_id", sig.CallID).Msg("ignoring incoming call while busy")
		return
	}
	sess := &callSession{
		callID:         sig.CallID,
		conversationID: sig.ConversationID,
		callerID:       sig.CallerID,
		calleeID:       s.userID,
		peerID:         sig.CallerID,
		peerName:       sig.CallerName,
		peerAvatar:     sig.CallerAvatar,
		state:          CallStateIncomingRinging,
	}
	s.current = sess
	s.mu.Unlock()

	s.emit(sess, "")
}

func (s *CallService) onCallAccepted(sig dto.CallAccepted) {
	s.mu.Lock()
	sess := s.current
	if sess == nil || sess.callID != sig.CallID || sess.state != CallStateOutgoingRinging {
		s.mu.Unlock()
		return
	}
	if sess.answerTimer != nil {
		sess.answerTimer.Stop()
		sess.answerTimer = nil
	}
	sess.state = CallStateNegotiating
	pc := sess.pc
	peerID := sess.peerID
	callID := sess.callID
	s.mu.Unlock()

	s.emit(sess, "")
	s.updateCallLog(callID, models.CallStatusAccepted, nil, nil)

	// The caller creates the offer once the callee has picked up.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signalPublishTimeout)
		defer cancel()

		sdp, err := pc.CreateOffer(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("call_id", callID).Msg("offer creation failed")
			s.teardown(callID, CallOutcomeFailed, true)
			return
		}

		s.mu.Lock()
		if s.current != sess || sess.state != CallStateNegotiating {
			s.mu.Unlock()
			return
		}
		sess.offerSent = true
		s.mu.Unlock()

		s.publishSignal(ctx, peerID, dto.Offer{CallID: callID, SDP: sdp, TargetUserID: peerID})
	}()
}

func (s *CallService) onOffer(sig dto.Offer) {
	s.mu.Lock()
	sess := s.current
	if sess == nil || sess.callID != sig.CallID || sess.state != CallStateNegotiating || sess.pc == nil {
		// An offer with no matching negotiation is a reordering artifact.
		s.mu.Unlock()
		return
	}
	pc := sess.pc
	peerID := sess.peerID
	callID := sess.callID
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signalPublishTimeout)
		defer cancel()

		if err := pc.SetRemoteDescription(ctx, "offer", sig.SDP); err != nil {
			s.logger.Warn().Err(err).Str("call_id", callID).Msg("setting remote offer failed")
			s.teardown(callID, CallOutcomeFailed, true)
			return
		}

		s.mu.Lock()
		if s.current != sess {
			s.mu.Unlock()
			return
		}
		sess.offerReceived = true
		sess.remoteDescSet = true
		pending := sess.pendingCandidates
		sess.pendingCandidates = nil
		s.mu.Unlock()

		for _, candidate := range pending {
			if err := pc.AddICECandidate(candidate); err != nil {
				s.logger.Debug().Err(err).Str("call_id", callID).Msg("buffered candidate rejected")
			}
		}

		sdp, err := pc.CreateAnswer(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("call_id", callID).Msg("answer creation failed")
			s.teardown(callID, CallOutcomeFailed, true)
			return
		}

		s.mu.Lock()
		if s.current != sess {
			s.mu.Unlock()
			return
		}
		sess.answerSent = true
		s.mu.Unlock()

		s.publishSignal(ctx, peerID, dto.Answer{CallID: callID, SDP: sdp, TargetUserID: peerID})
	}()
}

func (s *CallService) onAnswer(sig dto.Answer) {
	s.mu.Lock()
	sess := s.current
	if sess == nil || sess.callID != sig.CallID || sess.state != CallStateNegotiating || sess.pc == nil || !sess.offerSent {
		// An answer with no prior offer is a protocol violation under
		// reordering; discard rather than crash the session.
		s.mu.Unlock()
		return
	}
	pc := sess.pc
	callID := sess.callID
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signalPublishTimeout)
		defer cancel()

		if err := pc.SetRemoteDescription(ctx, "answer", sig.SDP); err != nil {
			s.logger.Warn().Err(err).Str("call_id", callID).Msg("setting remote answer failed")
			s.teardown(callID, CallOutcomeFailed, true)
			return
		}

		s.mu.Lock()
		if s.current != sess {
			s.mu.Unlock()
			return
		}
		sess.answerReceived = true
		sess.remoteDescSet = true
		pending := sess.pendingCandidates
		sess.pendingCandidates = nil
		s.mu.Unlock()

		for _, candidate := range pending {
			if err := pc.AddICECandidate(candidate); err != nil {
				s.logger.Debug().Err(err).Str("call_id", callID).Msg("buffered candidate rejected")
			}
		}
	}()
}

func (s *CallService) onIceCandidate(sig dto.IceCandidate) {
	s.mu.Lock()
	sess := s.current
	if sess == nil || sess.callID != sig.CallID || sess.pc == nil {
		// No peer connection yet: a candidate alone cannot start a call.
		s.mu.Unlock()
		return
	}
	if !sess.remoteDescSet {
		// Candidates may legitimately beat the remote description; buffer
		// until it exists instead of trusting arrival order.
		sess.pendingCandidates = append(sess.pendingCandidates, sig.Candidate)
		s.mu.Unlock()
		return
	}
	pc := sess.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(sig.Candidate); err != nil {
		s.logger.Debug().Err(err).Str("call_id", sig.CallID).Msg("candidate rejected")
	}
}

func (s *CallService) onRemoteTerminated(callID string, outcome CallOutcome) {
	s.mu.Lock()
	sess := s.current
	if sess == nil || sess.callID != callID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.teardown(callID, outcome, false)
}

func (s *CallService) wirePeerConnection(sess *callSession, pc PeerConnection) {
	pc.OnICECandidate(func(candidate string) {
		s.mu.Lock()
		if s.current != sess {
			s.mu.Unlock()
			return
		}
		peerID := sess.peerID
		callID := sess.callID
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), signalPublishTimeout)
		defer cancel()
		s.publishSignal(ctx, peerID, dto.IceCandidate{CallID: callID, Candidate: candidate, TargetUserID: peerID})
	})

	pc.OnConnectionStateChange(func(state PeerConnectionState) {
		switch state {
		case PeerStateConnected:
			s.onPeerConnected(sess)
		case PeerStateDisconnected, PeerStateFailed:
			s.mu.Lock()
			active := s.current == sess && (sess.state == CallStateNegotiating || sess.state == CallStateConnected)
			callID := sess.callID
			s.mu.Unlock()
			if active {
				s.teardown(callID, CallOutcomeFailed, false)
			}
		}
	})
}

func (s *CallService) onPeerConnected(sess *callSession) {
	s.mu.Lock()
	if s.current != sess || sess.state != CallStateNegotiating {
		s.mu.Unlock()
		return
	}
	offerExchanged := (sess.offerSent && sess.answerReceived) || (sess.offerReceived && sess.answerSent)
	if !offerExchanged {
		// Connected can only follow a full offer/answer exchange; anything
		// else is a stale or spurious report.
		s.mu.Unlock()
		return
	}
	sess.state = CallStateConnected
	sess.durationStop = make(chan struct{})
	setup := time.Since(sess.startedWaiting)
	stop := sess.durationStop
	s.mu.Unlock()

	if !sess.startedWaiting.IsZero() {
		observability.CallSetupLatency().Observe(setup.Seconds())
	}

	now := time.Now().UTC()
	s.updateCallLog(sess.callID, models.CallStatusAccepted, &now, nil)
	s.emit(sess, "")

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				if s.current != sess || sess.state != CallStateConnected {
					s.mu.Unlock()
					return
				}
				sess.durationSecs++
				s.mu.Unlock()
				s.emit(sess, "")
			case <-stop:
				return
			}
		}
	}()
}

func (s *CallService) answerTimedOut(callID string) {
	s.mu.Lock()
	sess := s.current
	if sess == nil || sess.callID != callID || sess.state != CallStateOutgoingRinging {
		s.mu.Unlock()
		return
	}
	peerID := sess.peerID
	s.mu.Unlock()

	// Tell the callee to stop ringing, then clean up the caller side.
	ctx, cancel := context.WithTimeout(context.Background(), signalPublishTimeout)
	s.publishSignal(ctx, peerID, dto.CallEnded{CallID: callID, TargetUserID: peerID})
	cancel()

	s.teardown(callID, CallOutcomeMissed, false)
}

// teardown is the single path into Ended. It is idempotent: every caller
// may race every other, and whoever wins releases the media stream, peer
// connection and timers exactly once.
func (s *CallService) teardown(callID string, outcome CallOutcome, notifyPeer bool) {
	s.mu.Lock()
	sess := s.current
	if sess == nil || sess.callID != callID {
		s.mu.Unlock()
		return
	}
	s.current = nil
	sess.state = CallStateEnded
	if sess.answerTimer != nil {
		sess.answerTimer.Stop()
		sess.answerTimer = nil
	}
	if sess.durationStop != nil {
		close(sess.durationStop)
		sess.durationStop = nil
	}
	pc := sess.pc
	stream := sess.stream
	peerID := sess.peerID
	s.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	if stream != nil {
		stream.Close()
	}

	if notifyPeer {
		ctx, cancel := context.WithTimeout(context.Background(), signalPublishTimeout)
		s.publishSignal(ctx, peerID, dto.CallEnded{CallID: callID, TargetUserID: peerID})
		cancel()
	}

	now := time.Now().UTC()
	s.updateCallLog(callID, statusForOutcome(outcome), nil, &now)
	observability.CallOutcomes().WithLabelValues(string(outcome)).Inc()
	s.emit(sess, outcome)
}

func (s *CallService) abortSetup(sess *callSession, stream MediaStream, pc PeerConnection) {
	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	sess.state = CallStateEnded
	s.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	if stream != nil {
		stream.Close()
	}
	observability.CallOutcomes().WithLabelValues(string(CallOutcomeFailed)).Inc()
	s.emit(sess, CallOutcomeFailed)
}

func (s *CallService) recordCallLog(sess *callSession) {
	ctx, cancel := context.WithTimeout(context.Background(), callPersistTimeout)
	defer cancel()

	log := models.CallLog{
		CallID:         sess.callID,
		ConversationID: sess.conversationID,
		CallerID:       sess.callerID,
		CalleeID:       sess.calleeID,
		Status:         models.CallStatusPending,
		Metadata:       map[string]interface{}{"media": "audio"},
	}
	if err := s.logs.Create(ctx, &log); err != nil {
		s.logger.Warn().Err(err).Str("call_id", sess.callID).Msg("failed to record call log")
	}
}

func (s *CallService) updateCallLog(callID, status string, startedAt, endedAt *time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), callPersistTimeout)
	defer cancel()
	if err := s.logs.UpdateStatus(ctx, callID, status, startedAt, endedAt); err != nil {
		s.logger.Warn().Err(err).Str("call_id", callID).Msg("failed to update call log")
	}
}

func (s *CallService) publishSignal(ctx context.Context, peerID string, signal dto.Signal) {
	payload, err := dto.EncodeSignal(signal)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode signal")
		return
	}
	if err := s.channel.Publish(ctx, topicCalls(peerID), payload); err != nil {
		s.logger.Warn().Err(err).Str("peer_id", peerID).Msg("failed to publish signal")
	}
}

func (s *CallService) emit(sess *callSession, outcome CallOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- s.snapshotLocked(sess, outcome):
	default:
		s.logger.Debug().Msg("dropping call update for slow consumer")
	}
}

func (s *CallService) snapshotLocked(sess *callSession, outcome CallOutcome) CallUpdate {
	return CallUpdate{
		CallID:          sess.callID,
		State:           sess.state,
		PeerID:          sess.peerID,
		PeerName:        sess.peerName,
		PeerAvatar:      sess.peerAvatar,
		ConversationID:  sess.conversationID,
		Outcome:         outcome,
		DurationSeconds: sess.durationSecs,
	}
}

func statusForOutcome(outcome CallOutcome) string {
	switch outcome {
	case CallOutcomeMissed:
		return models.CallStatusMissed
	case CallOutcomeRejected:
		return models.CallStatusRejected
	case CallOutcomeFailed:
		return models.CallStatusEnded
	default:
		return models.CallStatusEnded
	}
}
