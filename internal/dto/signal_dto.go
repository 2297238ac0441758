package dto

import (
	"encoding/json"
	"fmt"
)

// SignalKind discriminates the payloads exchanged on calls:{userId} topics.
type SignalKind string

const (
	SignalIncomingCall SignalKind = "incoming-call"
	SignalCallAccepted SignalKind = "call-accepted"
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalIceCandidate SignalKind = "ice-candidate"
	SignalCallRejected SignalKind = "call-rejected"
	SignalCallEnded    SignalKind = "call-ended"
)

// Signal is one member of the closed set of call signaling payloads. Every
// payload names its target so receivers can discard signals not addressed
// to them even though signaling topics are already per-user.
type Signal interface {
	SignalKind() SignalKind
	TargetUser() string
}

// IncomingCall invites the callee to ring.
type IncomingCall struct {
	CallID         string `json:"call_id"`
	ConversationID string `json:"conversation_id"`
	CallerID       string `json:"caller_id"`
	CallerName     string `json:"caller_name,omitempty"`
	CallerAvatar   string `json:"caller_avatar,omitempty"`
	TargetUserID   string `json:"target_user_id"`
}

// CallAccepted tells the caller the callee picked up; the caller replies
// with an SDP offer.
type CallAccepted struct {
	CallID       string `json:"call_id"`
	CalleeID     string `json:"callee_id"`
	TargetUserID string `json:"target_user_id"`
}

// Offer carries the caller's SDP offer.
type Offer struct {
	CallID       string `json:"call_id"`
	SDP          string `json:"sdp"`
	TargetUserID string `json:"target_user_id"`
}

// Answer carries the callee's SDP answer.
type Answer struct {
	CallID       string `json:"call_id"`
	SDP          string `json:"sdp"`
	TargetUserID string `json:"target_user_id"`
}

// IceCandidate carries one network path descriptor. Candidates may arrive
// before the remote description on the receiving side.
type IceCandidate struct {
	CallID       string `json:"call_id"`
	Candidate    string `json:"candidate"`
	TargetUserID string `json:"target_user_id"`
}

// CallRejected tells the caller the callee declined.
type CallRejected struct {
	CallID       string `json:"call_id"`
	TargetUserID string `json:"target_user_id"`
}

// CallEnded tears the call down from either side.
type CallEnded struct {
	CallID       string `json:"call_id"`
	TargetUserID string `json:"target_user_id"`
}

func (s IncomingCall) SignalKind() SignalKind { return SignalIncomingCall }
func (s IncomingCall) TargetUser() string     { return s.TargetUserID }

func (s CallAccepted) SignalKind() SignalKind { return SignalCallAccepted }
func (s CallAccepted) TargetUser() string     { return s.TargetUserID }

func (s Offer) SignalKind() SignalKind { return SignalOffer }
func (s Offer) TargetUser() string     { return s.TargetUserID }

func (s Answer) SignalKind() SignalKind { return SignalAnswer }
func (s Answer) TargetUser() string     { return s.TargetUserID }

func (s IceCandidate) SignalKind() SignalKind { return SignalIceCandidate }
func (s IceCandidate) TargetUser() string     { return s.TargetUserID }

func (s CallRejected) SignalKind() SignalKind { return SignalCallRejected }
func (s CallRejected) TargetUser() string     { return s.TargetUserID }

func (s CallEnded) SignalKind() SignalKind { return SignalCallEnded }
func (s CallEnded) TargetUser() string     { return s.TargetUserID }

type signalEnvelope struct {
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeSignal wraps a signal in its wire envelope.
func EncodeSignal(signal Signal) ([]byte, error) {
	payload, err := json.Marshal(signal)
	if err != nil {
		return nil, err
	}
	return json.Marshal(signalEnvelope{Kind: signal.SignalKind(), Payload: payload})
}

// DecodeSignal parses a wire envelope back into its concrete signal type.
// Unknown kinds are an error; under an at-least-once transport callers
// treat that as a payload to discard, not a fatal condition.
func DecodeSignal(data []byte) (Signal, error) {
	var envelope signalEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode signal envelope: %w", err)
	}

	var signal Signal
	switch envelope.Kind {
	case SignalIncomingCall:
		var s IncomingCall
		if err := json.Unmarshal(envelope.Payload, &s); err != nil {
			return nil, err
		}
		signal = s
	case SignalCallAccepted:
		var s CallAccepted
		if err := json.Unmarshal(envelope.Payload, &s); err != nil {
			return nil, err
		}
		signal = s
	case SignalOffer:
		var s Offer
		if err := json.Unmarshal(envelope.Payload, &s); err != nil {
			return nil, err
		}
		signal = s
	case SignalAnswer:
		var s Answer
		if err := json.Unmarshal(envelope.Payload, &s); err != nil {
			return nil, err
		}
		signal = s
	case SignalIceCandidate:
		var s IceCandidate
		if err := json.Unmarshal(envelope.Payload, &s); err != nil {
			return nil, err
		}
		signal = s
	case SignalCallRejected:
		var s CallRejected
		if err := json.Unmarshal(envelope.Payload, &s); err != nil {
			return nil, err
		}
		signal = s
	case SignalCallEnded:
		var s CallEnded
		if err := json.Unmarshal(envelope.Payload, &s); err != nil {
			return nil, err
		}
		signal = s
	default:
		return nil, fmt.Errorf("unknown signal kind %q", envelope.Kind)
	}

	return signal, nil
}
