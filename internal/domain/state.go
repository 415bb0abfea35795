// Package domain contains the call-lifecycle enums, no logic beyond naming.
package domain

// TransportState mirrors the signaling channel lifecycle.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportOpen
	TransportClosing
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportOpen:
		return "open"
	case TransportClosing:
		return "closing"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CallState is the summarized lifecycle of a client session.
type CallState int

const (
	CallIdle CallState = iota
	CallConnecting
	CallReady
	CallNegotiating
	CallInCall
	CallClosed
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallConnecting:
		return "connecting"
	case CallReady:
		return "ready"
	case CallNegotiating:
		return "negotiating"
	case CallInCall:
		return "in-call"
	case CallClosed:
		return "closed"
	default:
		return "unknown"
	}
}
