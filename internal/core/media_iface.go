package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerState is the composite state reported by a negotiation engine.
type PeerState struct {
	Connection webrtc.PeerConnectionState
	Signaling  webrtc.SignalingState
	ICE        webrtc.ICEConnectionState
}

// Connected reports whether media can flow.
func (s PeerState) Connected() bool {
	return s.Connection == webrtc.PeerConnectionStateConnected ||
		s.ICE == webrtc.ICEConnectionStateConnected ||
		s.ICE == webrtc.ICEConnectionStateCompleted
}

// RemoteTrack is the part of *webrtc.TrackRemote the session needs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// LocalTrack is a captured track that can be attached to an engine.
type LocalTrack interface {
	webrtc.TrackLocal
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the capture source. Safe to call more than once.
	Stop()
}

// LocalStream groups the tracks produced by one capture.
type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
	Stop()
}

// Capturer acquires local audio. It stands in for the device access API.
type Capturer interface {
	Capture(ctx context.Context) (LocalStream, error)
}

// NegotiationEngine turns local media and signaling input into a peer
// connection. Each On* method returns a func that removes the hook.
type NegotiationEngine interface {
	PeerState() PeerState
	SignalingState() webrtc.SignalingState
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription

	AddTrack(LocalTrack) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// StopSenders stops every local track attached as an outbound sender.
	StopSenders() error
	StopTransceivers() error
	Close() error

	OnPeerStateChange(func(PeerState)) (remove func())
	OnTrack(func(RemoteTrack)) (remove func())
	// OnICECandidate delivers nil once gathering is complete.
	OnICECandidate(func(*webrtc.ICECandidateInit)) (remove func())
}

// EngineFactory creates negotiation engines.
type EngineFactory interface {
	NewEngine() (NegotiationEngine, error)
}
