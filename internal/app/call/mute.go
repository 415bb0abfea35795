package call

import (
	"github.com/dkeye/voip/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// SetMuted toggles every local audio track. It only acts while local audio
// exists and a call is negotiating or up, and reports whether it did.
// Nothing is signaled; the remote side just hears silence.
func (s *Session) SetMuted(muted bool) bool {
	applied := false
	s.loop.call(func() {
		if s.local == nil {
			return
		}
		switch s.state() {
		case domain.CallNegotiating, domain.CallInCall:
		default:
			return
		}
		for _, t := range s.local.Tracks() {
			if t.Kind() == webrtc.RTPCodecTypeAudio {
				t.SetEnabled(!muted)
			}
		}
		s.muted = muted
		applied = true
		log.Info().Str("module", "call").Bool("muted", muted).Msg("mute changed")
	})
	return applied
}

func (s *Session) Muted() bool {
	var muted bool
	s.loop.call(func() { muted = s.muted })
	return muted
}
