package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/voip/internal/adapters/media"
	"github.com/dkeye/voip/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// WebRTCConnection adapts a pion PeerConnection to core.NegotiationEngine.
// pion keeps one handler per event, so every event is fanned out to
// removable hooks registered by the session.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	id     string
	stats  *media.RemoteStats
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	onState core.Hooks[func(core.PeerState)]
	onTrack core.Hooks[func(core.RemoteTrack)]
	onICE   core.Hooks[func(*webrtc.ICECandidateInit)]
}

func newWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, id string, stats *media.RemoteStats) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebRTCConnection{pc: pc, id: id, stats: stats, ctx: ctx, cancel: cancel}
	c.start()
	return c, nil
}

func (c *WebRTCConnection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", c.id).Str("ice_state", s.String()).Msg("ICE state")
		c.fireState()
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", c.id).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.fireState()
	})

	c.pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		log.Debug().Str("module", "webrtc").Str("peer", c.id).Str("signaling_state", s.String()).Msg("Signaling state")
		c.fireState()
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		var init *webrtc.ICECandidateInit
		if cand != nil {
			j := cand.ToJSON()
			init = &j
		}
		for _, fn := range c.onICE.Snapshot() {
			fn(init)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", c.id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		for _, fn := range c.onTrack.Snapshot() {
			fn(track)
		}
		go c.drain(track)
	})
}

// drain keeps reading RTP so the receiver pipeline does not stall, and
// feeds the activity counters.
func (c *WebRTCConnection) drain(track *webrtc.TrackRemote) {
	streamID := track.StreamID()
	defer c.stats.Forget(streamID)
	for {
		if c.ctx.Err() != nil {
			return
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "webrtc").Str("peer", c.id).Str("stream_id", streamID).Msg("remote track ended")
			return
		}
		c.stats.Record(streamID, pkt)
	}
}

func (c *WebRTCConnection) fireState() {
	st := c.PeerState()
	for _, fn := range c.onState.Snapshot() {
		fn(st)
	}
}

func (c *WebRTCConnection) PeerState() core.PeerState {
	return core.PeerState{
		Connection: c.pc.ConnectionState(),
		Signaling:  c.pc.SignalingState(),
		ICE:        c.pc.ICEConnectionState(),
	}
}

func (c *WebRTCConnection) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

func (c *WebRTCConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *WebRTCConnection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

// AddTrack attaches a local track and drains RTCP for its sender.
func (c *WebRTCConnection) AddTrack(track core.LocalTrack) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *WebRTCConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// StopSenders stops the capture behind every outbound track.
func (c *WebRTCConnection) StopSenders() error {
	for _, sender := range c.pc.GetSenders() {
		if t, ok := sender.Track().(interface{ Stop() }); ok {
			t.Stop()
		}
	}
	return nil
}

func (c *WebRTCConnection) StopTransceivers() error {
	var errs []error
	for _, t := range c.pc.GetTransceivers() {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *WebRTCConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if err = c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("peer", c.id).Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Str("peer", c.id).Msg("closed")
		}
	})
	return err
}

func (c *WebRTCConnection) OnPeerStateChange(fn func(core.PeerState)) func() {
	return c.onState.Add(fn)
}

func (c *WebRTCConnection) OnTrack(fn func(core.RemoteTrack)) func() {
	return c.onTrack.Add(fn)
}

func (c *WebRTCConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) func() {
	return c.onICE.Add(fn)
}
