// Package call is the client side of a two-party voice call: it owns one
// signaling channel and one negotiation engine and drives the
// offer/answer/candidate exchange between them.
package call

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dkeye/voip/internal/core"
	"github.com/dkeye/voip/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrCaptureUnavailable = errors.New("audio capture unavailable")
	ErrSessionReplaced    = errors.New("session was disconnected or replaced")
	ErrSessionClosed      = errors.New("session is closed")

	errSignalingClosed = errors.New("signaling state is closed")
)

type Options struct {
	Channels core.ChannelFactory
	Engines  core.EngineFactory
	// Capturer may be nil; calls then fail with ErrCaptureUnavailable.
	Capturer core.Capturer
	Observer Observer
}

// pair is the channel/engine couple created by one Connect.
type pair struct {
	ch  core.SignalChannel
	eng core.NegotiationEngine
}

// Session is safe for concurrent use. All state below the loop field is
// owned by the event loop goroutine.
type Session struct {
	channels core.ChannelFactory
	engines  core.EngineFactory
	capturer core.Capturer
	observer Observer

	loop *loop

	channel   core.SignalChannel
	engine    core.NegotiationEngine
	hooks     []func()
	streams   []*RemoteStream
	local     core.LocalStream
	connected bool
	muted     bool

	// described is set once the local description went out on the
	// channel; candidates gathered before that wait in pending.
	described bool
	pending   []webrtc.ICECandidateInit
}

func NewSession(opts Options) (*Session, error) {
	if opts.Channels == nil {
		return nil, errors.New("call: channel factory is required")
	}
	if opts.Engines == nil {
		return nil, errors.New("call: engine factory is required")
	}
	obs := opts.Observer
	if obs == nil {
		obs = ObserverFuncs{}
	}
	return &Session{
		channels: opts.Channels,
		engines:  opts.Engines,
		capturer: opts.Capturer,
		observer: obs,
		loop:     newLoop(),
	}, nil
}

// Connect tears down any previous session, then creates a channel and an
// engine, hooks every event and starts dialing. ctx bounds the dial.
func (s *Session) Connect(ctx context.Context) error {
	var err error
	if !s.loop.call(func() { err = s.connect(ctx) }) {
		return ErrSessionClosed
	}
	return err
}

func (s *Session) connect(ctx context.Context) error {
	if s.channel != nil || s.engine != nil {
		s.disconnect()
	}

	ch, err := s.channels.NewChannel()
	if err != nil {
		return fmt.Errorf("create signaling channel: %w", err)
	}
	eng, err := s.engines.NewEngine()
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("create negotiation engine: %w", err)
	}

	s.channel, s.engine = ch, eng
	s.streams = nil
	s.connected = true
	s.muted = false
	s.described = false
	s.pending = nil

	p := pair{ch: ch, eng: eng}
	s.hooks = append(s.hooks,
		ch.OnOpen(func() {
			s.post(p, func() { s.observer.OnTransportState(domain.TransportOpen) })
		}),
		ch.OnClose(func() {
			s.post(p, func() { s.observer.OnTransportState(domain.TransportClosed) })
		}),
		ch.OnError(func(err error) {
			s.post(p, func() {
				log.Warn().Err(err).Str("module", "call").Msg("signaling transport error")
				s.observer.OnTransportState(domain.TransportClosed)
			})
		}),
		eng.OnPeerStateChange(func(st core.PeerState) {
			s.post(p, func() { s.observer.OnPeerState(st) })
		}),
		eng.OnTrack(func(t core.RemoteTrack) {
			s.post(p, func() { s.addRemoteTrack(t) })
		}),
		ch.OnMessage(func(data []byte) {
			s.post(p, func() { s.handleMessage(p, data) })
		}),
		eng.OnICECandidate(func(c *webrtc.ICECandidateInit) {
			if c == nil {
				return
			}
			cand := *c
			s.post(p, func() { s.sendCandidate(p, cand) })
		}),
	)

	s.observer.OnTransportState(ch.State())
	ch.Open(ctx)
	log.Info().Str("module", "call").Msg("session connecting")
	return nil
}

// post runs fn on the loop only if p is still the live pair.
func (s *Session) post(p pair, fn func()) {
	s.loop.post(func() {
		if s.owns(p) {
			fn()
		}
	})
}

func (s *Session) owns(p pair) bool {
	return p.ch != nil && s.channel == p.ch && s.engine == p.eng
}

// AttachAudio captures local audio and attaches it to the engine without
// offering. An answering side uses it so its answer carries audio.
// Calling it again returns the existing stream.
func (s *Session) AttachAudio(ctx context.Context) (core.LocalStream, error) {
	_, local, err := s.attachAudio(ctx)
	return local, err
}

func (s *Session) attachAudio(ctx context.Context) (pair, core.LocalStream, error) {
	var (
		p     pair
		local core.LocalStream
	)
	if !s.loop.call(func() {
		p = pair{ch: s.channel, eng: s.engine}
		local = s.local
	}) {
		return pair{}, nil, ErrSessionClosed
	}
	if p.ch == nil || p.eng == nil {
		return pair{}, nil, ErrNotConnected
	}
	if local != nil {
		return p, local, nil
	}
	if s.capturer == nil {
		return pair{}, nil, ErrCaptureUnavailable
	}

	// Capture may block on a device; keep it off the loop.
	stream, err := s.capturer.Capture(ctx)
	if err != nil {
		return pair{}, nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}

	var attachErr error
	if !s.loop.call(func() {
		if !s.owns(p) {
			attachErr = ErrSessionReplaced
			return
		}
		if s.local != nil {
			local = s.local
			return
		}
		for _, t := range stream.Tracks() {
			if err := p.eng.AddTrack(t); err != nil {
				attachErr = fmt.Errorf("attach local track: %w", err)
				return
			}
		}
		s.local = stream
		local = stream
	}) {
		stream.Stop()
		return pair{}, nil, ErrSessionClosed
	}
	if attachErr != nil || local != stream {
		stream.Stop()
	}
	if attachErr != nil {
		return pair{}, nil, attachErr
	}
	log.Info().Str("module", "call").Str("stream", local.ID()).Int("tracks", len(local.Tracks())).Msg("local audio attached")
	return p, local, nil
}

// StartCall attaches local audio, creates the offer and sends it as soon
// as the signaling channel is open. A capture failure leaves the session
// connected so the caller may retry.
func (s *Session) StartCall(ctx context.Context) (core.LocalStream, error) {
	p, local, err := s.attachAudio(ctx)
	if err != nil {
		return nil, err
	}
	var offerErr error
	if !s.loop.call(func() { offerErr = s.offer(p) }) {
		return nil, ErrSessionClosed
	}
	if offerErr != nil {
		return nil, offerErr
	}
	return local, nil
}

func (s *Session) offer(p pair) error {
	if !s.owns(p) {
		return ErrSessionReplaced
	}
	offer, err := p.eng.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.eng.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	s.sendWhenOpen(p)
	return nil
}

// sendWhenOpen sends the local description now if the channel is open,
// otherwise once, on the first open event.
func (s *Session) sendWhenOpen(p pair) {
	if p.ch.State() == domain.TransportOpen {
		s.sendDescription(p, "offer")
		return
	}

	sent := false
	var remove func()
	fire := func() {
		if sent {
			return
		}
		sent = true
		remove()
		s.sendDescription(p, "offer")
	}
	remove = p.ch.OnOpen(func() { s.post(p, fire) })
	s.hooks = append(s.hooks, remove)

	// The channel may have opened between the state check and the hook.
	if p.ch.State() == domain.TransportOpen {
		fire()
	}
}

func (s *Session) sendDescription(p pair, what string) {
	desc := p.eng.LocalDescription()
	if desc == nil {
		return
	}
	data, err := core.EncodeSDP(*desc)
	if err != nil {
		s.observer.OnError("Signaling error", err)
		return
	}
	if err := p.ch.Send(data); err != nil {
		s.observer.OnError("Failed to send "+what, err)
		return
	}
	log.Debug().Str("module", "call").Str("type", desc.Type.String()).Msg("description sent")

	s.described = true
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.sendCandidate(p, c)
	}
}

func (s *Session) handleMessage(p pair, data []byte) {
	msg, err := core.ParseMessage(data)
	if err != nil {
		s.observer.OnError("Signaling error", err)
		return
	}
	switch msg.Kind() {
	case core.MessageSDP:
		s.applyDescription(p, *msg.SDP)
	case core.MessageCandidate:
		s.applyCandidate(p, *msg.Candidate)
	default:
		log.Debug().Str("module", "call").Msg("ignoring message without sdp or candidate")
	}
}

func (s *Session) applyDescription(p pair, desc webrtc.SessionDescription) {
	if p.eng.SignalingState() == webrtc.SignalingStateClosed {
		return
	}
	if err := p.eng.SetRemoteDescription(desc); err != nil {
		s.observer.OnError("Signaling error", fmt.Errorf("set remote %s: %w", desc.Type, err))
		return
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return
	}
	answer, err := p.eng.CreateAnswer()
	if err != nil {
		s.observer.OnError("Signaling error", fmt.Errorf("create answer: %w", err))
		return
	}
	if err := p.eng.SetLocalDescription(answer); err != nil {
		s.observer.OnError("Signaling error", fmt.Errorf("set local answer: %w", err))
		return
	}
	s.sendDescription(p, "answer")
}

func (s *Session) applyCandidate(p pair, c webrtc.ICECandidateInit) {
	if p.eng.SignalingState() == webrtc.SignalingStateClosed {
		s.observer.OnError("ICE candidate dropped", errSignalingClosed)
		return
	}
	if p.eng.RemoteDescription() == nil {
		log.Debug().Str("module", "call").Msg("candidate before remote description, dropped")
		return
	}
	if err := p.eng.AddICECandidate(c); err != nil {
		s.observer.OnError("Failed to add ICE candidate", err)
	}
}

// sendCandidate forwards a local candidate. Before the channel opens the
// candidate is skipped: the deferred offer is read at open time and
// already lists it. Once open, a candidate never precedes the local
// description on the wire.
func (s *Session) sendCandidate(p pair, c webrtc.ICECandidateInit) {
	if p.ch.State() != domain.TransportOpen {
		log.Debug().Str("module", "call").Str("transport", p.ch.State().String()).Msg("local candidate not sent")
		return
	}
	if !s.described && p.eng.LocalDescription() != nil {
		s.pending = append(s.pending, c)
		return
	}
	data, err := core.EncodeCandidate(c)
	if err != nil {
		s.observer.OnError("Signaling error", err)
		return
	}
	if err := p.ch.Send(data); err != nil {
		s.observer.OnError("Failed to send ICE candidate", err)
	}
}

func (s *Session) addRemoteTrack(t core.RemoteTrack) {
	id := t.StreamID()
	if id == "" {
		log.Debug().Str("module", "call").Str("track", t.ID()).Msg("remote track without stream, ignored")
		return
	}
	if i := slices.IndexFunc(s.streams, func(rs *RemoteStream) bool { return rs.ID == id }); i >= 0 {
		s.streams[i].Tracks = append(s.streams[i].Tracks, t)
		return
	}
	s.streams = append(s.streams, &RemoteStream{ID: id, Tracks: []core.RemoteTrack{t}})
	log.Info().Str("module", "call").Str("stream", id).Int("streams", len(s.streams)).Msg("remote stream added")
	s.observer.OnStreams(cloneStreams(s.streams))
}

// cloneStreams copies the set so callers never share Tracks with the loop.
func cloneStreams(in []*RemoteStream) []*RemoteStream {
	out := make([]*RemoteStream, len(in))
	for i, rs := range in {
		out[i] = &RemoteStream{ID: rs.ID, Tracks: slices.Clone(rs.Tracks)}
	}
	return out
}

// Disconnect tears the session down. Safe to call repeatedly and before
// any Connect.
func (s *Session) Disconnect() {
	s.loop.call(s.disconnect)
}

func (s *Session) disconnect() {
	if s.channel == nil && s.engine == nil {
		return
	}
	ch, eng := s.channel, s.engine

	step("remove hooks", func() error {
		for _, remove := range s.hooks {
			remove()
		}
		s.hooks = nil
		return nil
	})
	if ch != nil {
		step("notify closing", func() error {
			s.observer.OnTransportState(domain.TransportClosing)
			return nil
		})
		step("close channel", ch.Close)
		step("notify closed", func() error {
			s.observer.OnTransportState(domain.TransportClosed)
			return nil
		})
	}
	if eng != nil {
		step("stop senders", eng.StopSenders)
		step("stop transceivers", eng.StopTransceivers)
		step("close engine", eng.Close)
	}
	step("clear streams", func() error {
		s.streams = nil
		s.observer.OnStreams([]*RemoteStream{})
		return nil
	})
	step("stop local audio", func() error {
		if s.local != nil {
			s.local.Stop()
		}
		return nil
	})
	s.local = nil
	s.muted = false
	s.described = false
	s.pending = nil
	s.channel, s.engine = nil, nil
	log.Info().Str("module", "call").Msg("session disconnected")
}

// step runs one teardown step; a failure or panic is logged and teardown
// goes on.
func step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "call").Str("step", name).Interface("panic", r).Msg("teardown step panicked")
		}
	}()
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("step", name).Msg("teardown step failed")
	}
}

// Close disconnects and stops the event loop. The session is unusable
// afterwards.
func (s *Session) Close() {
	s.loop.call(s.disconnect)
	s.loop.stop()
}

// State derives the call phase from the live channel and engine.
func (s *Session) State() domain.CallState {
	st := domain.CallClosed
	s.loop.call(func() { st = s.state() })
	return st
}

func (s *Session) state() domain.CallState {
	if s.channel == nil || s.engine == nil {
		if s.connected {
			return domain.CallClosed
		}
		return domain.CallIdle
	}
	ps := s.engine.PeerState()
	if ps.Connected() {
		return domain.CallInCall
	}
	switch s.channel.State() {
	case domain.TransportConnecting:
		return domain.CallConnecting
	case domain.TransportClosing, domain.TransportClosed:
		return domain.CallClosed
	}
	if s.local != nil || ps.Signaling != webrtc.SignalingStateStable {
		return domain.CallNegotiating
	}
	return domain.CallReady
}

// Streams returns a copy of the remote stream set.
func (s *Session) Streams() []*RemoteStream {
	var out []*RemoteStream
	s.loop.call(func() { out = cloneStreams(s.streams) })
	return out
}

func (s *Session) LocalStream() core.LocalStream {
	var local core.LocalStream
	s.loop.call(func() { local = s.local })
	return local
}
