package service

import "context"

// PeerConnectionState mirrors the connection lifecycle reported by the
// underlying peer connection.
type PeerConnectionState string

const (
	PeerStateConnected    PeerConnectionState = "connected"
	PeerStateDisconnected PeerConnectionState = "disconnected"
	PeerStateFailed       PeerConnectionState = "failed"
)

// MediaStream is a live local capture (the microphone). It must be closed
// on every path out of a call.
type MediaStream interface {
	Close()
}

// MediaProvider acquires local media devices. The platform WebRTC stack
// provides the real implementation; tests substitute fakes.
type MediaProvider interface {
	AcquireAudio(ctx context.Context) (MediaStream, error)
}

// PeerConnection is the negotiation surface of one peer link. CreateOffer
// and CreateAnswer also install the produced description locally.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(ctx context.Context, kind, sdp string) error
	AddICECandidate(candidate string) error
	OnICECandidate(fn func(candidate string))
	OnConnectionStateChange(fn func(state PeerConnectionState))
	Close()
}

// PeerConnectionFactory builds peer connections bound to a local stream.
type PeerConnectionFactory interface {
	NewPeerConnection(ctx context.Context, stream MediaStream) (PeerConnection, error)
}
