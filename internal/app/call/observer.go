package call

import (
	"github.com/dkeye/voip/internal/core"
	"github.com/dkeye/voip/internal/domain"
)

// RemoteStream is one remote media stream, identified by its stream id.
type RemoteStream struct {
	ID     string
	Tracks []core.RemoteTrack
}

// Observer receives session notifications. Methods run on the session's
// event loop, one at a time; they must not call back into the Session
// synchronously.
type Observer interface {
	OnTransportState(domain.TransportState)
	OnPeerState(core.PeerState)
	// OnError reports a non-fatal problem. err may be nil.
	OnError(msg string, err error)
	// OnStreams receives a copy of the remote stream set.
	OnStreams([]*RemoteStream)
}

// ObserverFuncs adapts plain funcs to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Transport func(domain.TransportState)
	Peer      func(core.PeerState)
	Error     func(msg string, err error)
	Streams   func([]*RemoteStream)
}

func (o ObserverFuncs) OnTransportState(s domain.TransportState) {
	if o.Transport != nil {
		o.Transport(s)
	}
}

func (o ObserverFuncs) OnPeerState(s core.PeerState) {
	if o.Peer != nil {
		o.Peer(s)
	}
}

func (o ObserverFuncs) OnError(msg string, err error) {
	if o.Error != nil {
		o.Error(msg, err)
	}
}

func (o ObserverFuncs) OnStreams(streams []*RemoteStream) {
	if o.Streams != nil {
		o.Streams(streams)
	}
}
