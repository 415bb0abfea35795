package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageKind tells which of the two negotiation shapes a message carries.
type MessageKind int

const (
	MessageUnknown MessageKind = iota
	MessageSDP
	MessageCandidate
)

var (
	ErrMalformedMessage = errors.New("malformed signal message")
	ErrEmptyMessage     = errors.New("signal message has no payload")
)

// Message is the negotiation tagged union exchanged through the relay.
// Exactly one of SDP or Candidate is set on a well-formed message.
// There is no envelope: sender identity is implied by the relay topology.
type Message struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func (m Message) Kind() MessageKind {
	switch {
	case m.SDP != nil:
		return MessageSDP
	case m.Candidate != nil:
		return MessageCandidate
	default:
		return MessageUnknown
	}
}

// ParseMessage decodes one relay frame. The shape is chosen by which key is
// present, sdp first. Valid JSON that is not an object, or an object with
// neither key, yields a MessageUnknown value and no error.
func ParseMessage(data []byte) (Message, error) {
	if !json.Valid(data) {
		return Message{}, fmt.Errorf("%w: invalid json", ErrMalformedMessage)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if raw, ok := fields["sdp"]; ok {
		var desc *webrtc.SessionDescription
		if err := json.Unmarshal(raw, &desc); err != nil {
			return Message{}, fmt.Errorf("%w: sdp: %w", ErrMalformedMessage, err)
		}
		if desc == nil {
			return Message{}, fmt.Errorf("%w: sdp", ErrEmptyMessage)
		}
		return Message{SDP: desc}, nil
	}

	if raw, ok := fields["candidate"]; ok {
		var cand *webrtc.ICECandidateInit
		if err := json.Unmarshal(raw, &cand); err != nil {
			return Message{}, fmt.Errorf("%w: candidate: %w", ErrMalformedMessage, err)
		}
		if cand == nil {
			return Message{}, fmt.Errorf("%w: candidate", ErrEmptyMessage)
		}
		return Message{Candidate: cand}, nil
	}

	return Message{}, nil
}

// EncodeSDP builds the {"sdp": ...} frame.
func EncodeSDP(desc webrtc.SessionDescription) ([]byte, error) {
	return json.Marshal(Message{SDP: &desc})
}

// EncodeCandidate builds the {"candidate": ...} frame.
func EncodeCandidate(cand webrtc.ICECandidateInit) ([]byte, error) {
	return json.Marshal(Message{Candidate: &cand})
}
