package rtc

import (
	"github.com/dkeye/voip/internal/adapters/media"
	"github.com/dkeye/voip/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Options configures the peer connections built by a Factory.
type Options struct {
	ICEServers []webrtc.ICEServer
	// LoopbackOnly gathers UDP4 host candidates including 127.0.0.1,
	// so two peers on one host connect without any network.
	LoopbackOnly bool
	Stats        *media.RemoteStats
}

// Factory is a core.EngineFactory backed by one pion API instance.
type Factory struct {
	api   *webrtc.API
	cfg   webrtc.Configuration
	stats *media.RemoteStats
}

func NewFactory(opts Options) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if opts.LoopbackOnly {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	stats := opts.Stats
	if stats == nil {
		stats = media.NewRemoteStats()
	}

	return &Factory{
		api:   webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(se)),
		cfg:   webrtc.Configuration{ICEServers: opts.ICEServers},
		stats: stats,
	}, nil
}

func (f *Factory) NewEngine() (core.NegotiationEngine, error) {
	return newWebRTCConnection(f.api, f.cfg, uuid.NewString(), f.stats)
}

// Stats returns the counters fed by every engine of this factory.
func (f *Factory) Stats() *media.RemoteStats { return f.stats }
