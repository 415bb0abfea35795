package media

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// StreamStats counts RTP received for one remote stream.
type StreamStats struct {
	StreamID   string
	Packets    uint64
	Bytes      uint64
	LastSeq    uint16
	LastPacket time.Time
}

// RemoteStats is the activity signal for remote audio, keyed by stream id.
type RemoteStats struct {
	mu      sync.Mutex
	streams map[string]*StreamStats
	now     func() time.Time
}

func NewRemoteStats() *RemoteStats {
	return &RemoteStats{streams: make(map[string]*StreamStats), now: time.Now}
}

func (s *RemoteStats) Record(streamID string, pkt *rtp.Packet) {
	if pkt == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		st = &StreamStats{StreamID: streamID}
		s.streams[streamID] = st
	}
	st.Packets++
	st.Bytes += uint64(len(pkt.Payload))
	st.LastSeq = pkt.SequenceNumber
	st.LastPacket = s.now()
}

func (s *RemoteStats) Get(streamID string) (StreamStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return StreamStats{}, false
	}
	return *st, true
}

func (s *RemoteStats) Forget(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamID)
}

// Snapshot returns every stream sorted by id.
func (s *RemoteStats) Snapshot() []StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamStats, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b StreamStats) int { return strings.Compare(a.StreamID, b.StreamID) })
	return out
}
