package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/amoryn/amoryn-realtime-api/internal/dto"
	"github.com/amoryn/amoryn-realtime-api/internal/models"
	"github.com/amoryn/amoryn-realtime-api/internal/transport"
)

type fakeStream struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeStream) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (f *fakeMedia) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeMedia) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

func (f *fakeMedia) AcquireAudio(ctx context.Context) (MediaStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	stream := &fakeStream{}
	f.streams = append(f.streams, stream)
	return stream, nil
}

type fakePeer struct {
	mu          sync.Mutex
	offers      int
	answers     int
	remoteDescs []string
	candidates  []string
	closed      bool
	onICE       func(string)
	onState     func(PeerConnectionState)
}

func (f *fakePeer) CreateOffer(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return "sdp-offer", nil
}

func (f *fakePeer) CreateAnswer(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return "sdp-answer", nil
}

func (f *fakePeer) SetRemoteDescription(ctx context.Context, kind, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDescs = append(f.remoteDescs, kind)
	return nil
}

func (f *fakePeer) AddICECandidate(candidate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakePeer) OnICECandidate(fn func(string)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *fakePeer) OnConnectionStateChange(fn func(PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakePeer) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakePeer) fireState(state PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakePeer) remoteKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.remoteDescs...)
}

func (f *fakePeer) candidateList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.candidates...)
}

func (f *fakePeer) counts() (offers, answers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.answers
}

type fakePeerFactory struct {
	mu    sync.Mutex
	err   error
	peers []*fakePeer
}

func (f *fakePeerFactory) NewPeerConnection(ctx context.Context, stream MediaStream) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	peer := &fakePeer{}
	f.peers = append(f.peers, peer)
	return peer, nil
}

func (f *fakePeerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type callLogStub struct {
	mu       sync.Mutex
	statuses []string
}

func (c *callLogStub) Create(ctx context.Context, log *models.CallLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, log.Status)
	return nil
}

func (c *callLogStub) UpdateStatus(ctx context.Context, callID, status string, startedAt, endedAt *time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
	return nil
}

func (c *callLogStub) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.statuses...)
}

type callPeerHarness struct {
	svc     *CallService
	media   *fakeMedia
	factory *fakePeerFactory
	logs    *callLogStub
}

func newCallPeer(t *testing.T, channel transport.Channel, userID string, cfg CallServiceConfig) *callPeerHarness {
	t.Helper()
	harness := &callPeerHarness{
		media:   &fakeMedia{},
		factory: &fakePeerFactory{},
		logs:    &callLogStub{},
	}
	harness.svc = NewCallService(userID, channel, harness.logs, harness.media, harness.factory, cfg, testLogger())
	require.NoError(t, harness.svc.Start())
	t.Cleanup(harness.svc.Close)
	return harness
}

func drainUpdates(svc *CallService) {
	go func() {
		for range svc.Updates() {
		}
	}()
}

func publishSignalTo(t *testing.T, channel transport.Channel, userID string, signal dto.Signal) {
	t.Helper()
	payload, err := dto.EncodeSignal(signal)
	require.NoError(t, err)
	require.NoError(t, channel.Publish(context.Background(), "calls:"+userID, payload))
}

func TestCallHappyPath(t *testing.T) {
	channel := transport.NewMemoryChannel(testLogger())
	t.Cleanup(func() { _ = channel.Close() })

	alice := newCallPeer(t, channel, "alice", CallServiceConfig{})
	bob := newCallPeer(t, channel, "bob", CallServiceConfig{})
	drainUpdates(alice.svc)
	drainUpdates(bob.svc)

	conversationID := "conv-" + uuid.NewString()
	callID, err := alice.svc.StartCall(context.Background(), "bob", conversationID)
	require.NoError(t, err)
	require.Equal(t, CallStateOutgoingRinging, alice.svc.State())

	require.Eventually(t, func() bool {
		return bob.svc.State() == CallStateIncomingRinging
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, callID, bob.svc.Snapshot().CallID)
	require.Equal(t, "alice", bob.svc.Snapshot().PeerID)

	require.NoError(t, bob.svc.Accept(context.Background()))
	require.Equal(t, CallStateNegotiating, bob.svc.State())

	require.Eventually(t, func() bool {
		return alice.svc.State() == CallStateNegotiating
	}, 2*time.Second, 10*time.Millisecond)

	// The caller produces the offer; the callee answers it.
	require.Eventually(t, func() bool {
		offers, _ := alice.factory.last().counts()
		return offers == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		kinds := bob.factory.last().remoteKinds()
		_, answers := bob.factory.last().counts()
		return len(kinds) == 1 && kinds[0] == "offer" && answers == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		kinds := alice.factory.last().remoteKinds()
		return len(kinds) == 1 && kinds[0] == "answer"
	}, 2*time.Second, 10*time.Millisecond)

	// Both transports report connected once negotiation is complete.
	require.Eventually(t, func() bool {
		alice.factory.last().fireState(PeerStateConnected)
		return alice.svc.State() == CallStateConnected
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		bob.factory.last().fireState(PeerStateConnected)
		return bob.svc.State() == CallStateConnected
	}, 2*time.Second, 10*time.Millisecond)

	require.Contains(t, alice.logs.recorded(), models.CallStatusPending)
	require.Contains(t, alice.logs.recorded(), models.CallStatusAccepted)

	alice.svc.End(context.Background())
	require.Equal(t, CallStateIdle, alice.svc.State())
	require.Eventually(t, func() bool {
		return bob.svc.State() == CallStateIdle
	}, 2*time.Second, 10*time.Millisecond)

	require.Contains(t, alice.logs.recorded(), models.CallStatusEnded)
	require.True(t, alice.media.stream(0).isClosed())
	require.Eventually(t, func() bool {
		return bob.media.stream(0).isClosed()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartCallWhileBusyIsRejected(t *testing.T) {
	channel := transport.NewMemoryChannel(testLogger())
	t.Cleanup(func() { _ = channel.Close() })

	alice := newCallPeer(t, channel, "alice", CallServiceConfig{})
	drainUpdates(alice.svc)

	_, err := alice.svc.StartCall(context.Background(), "bob", "conv-1")
	require.NoError(t, err)

	_, err = alice.svc.StartCall(context.Background(), "carol", "conv-2")
	require.ErrorIs(t, err, ErrCallInProgress)
}

func TestIncomingCallWhileBusyIsIgnored(t *testing.T) {
	channel := transport.NewMemoryChannel(testLogger())
	t.Cleanup(func() { _ = channel.Close() })

	alice := newCallPeer(t, channel, "alice", CallServiceConfig{})
	drainUpdates(alice.svc)

	callID, err := alice.svc.StartCall(context.Background(), "bob", "conv-1")
	require.NoError(t, err)

	publishSignalTo(t, channel, "alice", dto.IncomingCall{
		CallID:         uuid.NewString(),
		ConversationID: "conv-2",
		CallerID:       "carol",
		TargetUserID:   "alice",
	})

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, CallStateOutgoingRinging, alice.svc.State())
	require.Equal(t, callID, alice.svc.Snapshot().CallID)
}

func TestRejectIncomingCall(t *testing.T) {
	channel := transport.NewMemoryChannel(testLogger())
	t.Cleanup(func() { _ = channel.Close() })

	alice := newCallPeer(t, channel, "alice", CallServiceConfig{})
	bob := newCallPeer(t, channel, "bob", CallServiceConfig{})
	drainUpdates(alice.svc)
	drainUpdates(bob.svc)

	require.ErrorIs(t, bob.svc.Reject(context.Background()), ErrNoActiveCall)

	_, err := alice.svc.StartCall(context.Background(), "bob", "conv-"+uuid.NewString())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bob.svc.State() == CallStateIncomingRinging
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.svc.Reject(context.Background()))
	require.Equal(t, CallStateIdle, bob.svc.State())

	require.Eventually(t, func() bool {
		return alice.svc.State() == CallStateIdle
	}, 2*time.Second, 10*time.Millisecond)
	require.Contains(t, alice.logs.recorded(), models.CallStatusRejected)
}

func TestUnansweredCallTimesOutAsMissed(t *testing.T) {
	channel := transport.NewMemoryChannel(testLogger())
	t.Cleanup(func() { _ = channel.Close() })

	alice := newCallPeer(t, channel, "alice", CallServiceConfig{AnswerTimeout: 80 * time.Millisecond})
	bob := newCallPeer(t, channel, "bob", CallServiceConfig{})
	drainUpdates(alice.svc)
	drainUpdates(bob.svc)

	_, err := alice.svc.StartCall(context.Background(), "bob", "conv-"+uuid.NewString())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bob.svc.State() == CallStateIncomingRinging
	}, 2*time.Second, 10*time.Millisecond)

	// Nobody answers: the caller gives up and tells the callee to stop
	// ringing.
	require.Eventually(t, func() bool {
		return alice.svc.State() == CallStateIdle
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return bob.svc.State() == CallStateIdle
	}, 2*time.Second, 10*time.Millisecond)
	require.Contains(t, alice.logs.recorded(), models.CallStatusMissed)
}

func TestIceCandidatesBufferUntilRemoteDescription(t *testing.T) {
	channel := transport.NewMemoryChannel(testLogger())
	t.Cleanup(func() { _ = channel.Close() })

	bob := newCallPeer(t, channel, "bob", CallServiceConfig{})
	drainUpdates(bob.svc)

	callID := uuid.NewString()
	publishSignalTo(t, channel, "bob", dto.IncomingCall{
		CallID:         callID,
		ConversationID: "conv-1",
		CallerID:       "alice",
		TargetUserID:   "bob",
	})
	require.Eventually(t, func() bool {
		return bob.svc.State() == CallStateIncomingRinging
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.svc.Accept(context.Background()))
	peer := bob.factory.last()

	// Candidates that beat the offer are held, not applied.
	publishSignalTo(t, channel, "bob", dto.IceCandidate{CallID: callID, Candidate: "candidate:early", TargetUserID: "bob"})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, peer.candidateList())

	publishSignalTo(t, channel, "bob", dto.Offer{CallID: callID, SDP: "sdp-offer", TargetUserID: "bob"})

	require.Eventually(t, func() bool {
		kinds := peer.remoteKinds()
		return len(kinds) == 1 && kinds[0] == "offer"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		candidates := peer.candidateList()
		return len(candidates) == 1 && candidates[0] == "candidate:early"
	}, 2*time.Second, 10*time.Millisecond)

	// Once the remote description exists, candidates apply directly.
	publishSignalTo(t, channel, "bob", dto.IceCandidate{CallID: callID, Candidate: "candidate:late", TargetUserID: "bob"})
	require.Eventually(t, func() bool {
		return len(peer.candidateList()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMediaDenialFailsCallCleanly(t *testing.T) {
	channel := transport.NewMemoryChannel(testLogger())
	t.Cleanup(func() { _ = channel.Close() })

	alice := newCallPeer(t, channel, "alice", CallServiceConfig{})
	drainUpdates(alice.svc)
	alice.media.setErr(errors.New("microphone permission denied"))

	_, err := alice.svc.StartCall(context.Background(), "bob", "conv-1")
	require.Error(t, err)
	require.Equal(t, CallStateIdle, alice.svc.State())

	// The slot is free again for the next attempt.
	alice.media.setErr(nil)
	_, err = alice.svc.StartCall(context.Background(), "bob", "conv-1")
	require.NoError(t, err)
}

func TestAcceptInWrongStateFails(t *testing.T) {
	channel := transport.NewMemoryChannel(testLogger())
	t.Cleanup(func() { _ = channel.Close() })

	alice := newCallPeer(t, channel, "alice", CallServiceConfig{})
	drainUpdates(alice.svc)

	require.ErrorIs(t, alice.svc.Accept(context.Background()), ErrNoActiveCall)

	_, err := alice.svc.StartCall(context.Background(), "bob", "conv-1")
	require.NoError(t, err)
	require.ErrorIs(t, alice.svc.Accept(context.Background()), ErrWrongCallState)
}
