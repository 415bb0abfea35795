package core

import (
	"context"

	"github.com/dkeye/voip/internal/domain"
)

// Frame is a raw signaling payload. The relay never looks inside.
type Frame []byte

// ConnID identifies one attached relay connection. It carries no user identity.
type ConnID string

// SignalConnection abstracts the relay side of an attached client.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalChannel is the client end of the relay connection.
// It is created in the connecting state and starts dialing on Open, so
// hooks registered before Open observe every transport event.
// Each On* method returns a func that removes the hook.
type SignalChannel interface {
	Open(ctx context.Context)
	State() domain.TransportState
	// Send writes one text frame; it fails unless the channel is open.
	Send(data []byte) error
	Close() error

	OnOpen(func()) (remove func())
	OnClose(func()) (remove func())
	OnError(func(error)) (remove func())
	OnMessage(func([]byte)) (remove func())
}

// ChannelFactory creates unopened signaling channels.
type ChannelFactory interface {
	NewChannel() (SignalChannel, error)
}
