package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dkeye/voip/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const opusClockRate = 48000

// SilenceCapturer produces one Opus track that only ever sends silence.
type SilenceCapturer struct{}

func (SilenceCapturer) Capture(ctx context.Context) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newStream(silenceSource{})
}

// OggCapturer plays an Ogg/Opus file in a loop.
type OggCapturer struct {
	Path string
}

func (c OggCapturer) Capture(ctx context.Context) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := OpenOgg(c.Path)
	if err != nil {
		return nil, err
	}
	s, err := newStream(src)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	log.Info().Str("module", "media").Str("file", c.Path).Str("stream", s.ID()).Msg("capturing from file")
	return s, nil
}

func newStream(src Source) (*Stream, error) {
	streamID := uuid.NewString()
	track, err := NewLocalTrack("audio-"+uuid.NewString(), streamID, src)
	if err != nil {
		return nil, err
	}
	return NewStream(streamID, track), nil
}

// CapturerFor picks the file capturer when path is set.
func CapturerFor(path string) core.Capturer {
	if path == "" {
		return SilenceCapturer{}
	}
	return OggCapturer{Path: path}
}

// OggSource reads Opus pages from a seekable Ogg stream and rewinds at EOF.
type OggSource struct {
	in          io.ReadSeekCloser
	reader      *oggreader.OggReader
	lastGranule uint64
}

func OpenOgg(path string) (*OggSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	src, err := NewOggSource(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return src, nil
}

func NewOggSource(in io.ReadSeekCloser) (*OggSource, error) {
	s := &OggSource{in: in}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OggSource) rewind() error {
	if _, err := s.in.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, header, err := oggreader.NewWith(s.in)
	if err != nil {
		return fmt.Errorf("not an ogg/opus stream: %w", err)
	}
	if header.SampleRate == 0 {
		return errors.New("ogg header has no sample rate")
	}
	s.reader = reader
	s.lastGranule = 0
	return nil
}

// Next returns the next page payload. Comment pages come back with a zero
// duration.
func (s *OggSource) Next() ([]byte, time.Duration, error) {
	page, header, err := s.reader.ParseNextPage()
	if errors.Is(err, io.EOF) {
		if err := s.rewind(); err != nil {
			return nil, 0, err
		}
		page, header, err = s.reader.ParseNextPage()
	}
	if err != nil {
		return nil, 0, err
	}
	if bytes.HasPrefix(page, []byte("OpusTags")) {
		return silenceFrame, 0, nil
	}
	samples := header.GranulePosition - s.lastGranule
	s.lastGranule = header.GranulePosition
	return page, time.Duration(samples) * time.Second / opusClockRate, nil
}

func (s *OggSource) Close() error { return s.in.Close() }
