// Package media produces local Opus tracks and counts remote RTP activity.
package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voip/internal/core"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// FrameDuration is the pacing of silence frames.
const FrameDuration = 20 * time.Millisecond

// silenceFrame is one 20 ms Opus packet of silence.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

// Source yields encoded Opus payloads with their duration.
// A zero duration means the payload carries no audio and is not paced.
type Source interface {
	Next() ([]byte, time.Duration, error)
	Close() error
}

type silenceSource struct{}

func (silenceSource) Next() ([]byte, time.Duration, error) { return silenceFrame, FrameDuration, nil }
func (silenceSource) Close() error { return nil }

// LocalTrack is a sample track fed by a Source. While disabled it sends
// silence and leaves the source paused.
type LocalTrack struct {
	*webrtc.TrackLocalStaticSample

	src     Source
	enabled atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

var _ core.LocalTrack = (*LocalTrack)(nil)

// NewLocalTrack starts pacing src into a new Opus track. A nil src sends
// silence.
func NewLocalTrack(trackID, streamID string, src Source) (*LocalTrack, error) {
	if src == nil {
		src = silenceSource{}
	}
	sample, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		trackID, streamID,
	)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &LocalTrack{
		TrackLocalStaticSample: sample,
		src:                    src,
		cancel:                 cancel,
		done:                   make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump(ctx)
	return t, nil
}

func (t *LocalTrack) pump(ctx context.Context) {
	defer close(t.done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		data, d := silenceFrame, FrameDuration
		if t.enabled.Load() {
			payload, dur, err := t.src.Next()
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Msg("source failed, sending silence")
				t.src = silenceSource{}
			} else {
				data, d = payload, dur
			}
		}
		if err := t.WriteSample(pionmedia.Sample{Data: data, Duration: d}); err != nil {
			log.Debug().Err(err).Str("module", "media").Str("track", t.ID()).Msg("write sample")
		}
		timer.Reset(d)
	}
}

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stop ends pacing and releases the source.
func (t *LocalTrack) Stop() {
	t.once.Do(func() {
		t.cancel()
		<-t.done
		if err := t.src.Close(); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Msg("close source")
		}
	})
}

// Stopped reports whether Stop has completed.
func (t *LocalTrack) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Stream is a core.LocalStream over a fixed set of tracks.
type Stream struct {
	id     string
	tracks []core.LocalTrack
}

func NewStream(id string, tracks ...core.LocalTrack) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }
func (s *Stream) Tracks() []core.LocalTrack { return s.tracks }

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
