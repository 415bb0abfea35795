package rtc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/voip/internal/adapters/media"
	"github.com/dkeye/voip/internal/core"
	"github.com/pion/webrtc/v4"
)

func newEngine(t *testing.T, f *Factory) *WebRTCConnection {
	t.Helper()
	eng, err := f.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	c := eng.(*WebRTCConnection)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEngine_InitialStateAndClose(t *testing.T) {
	f, err := NewFactory(Options{LoopbackOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, f)

	st := eng.PeerState()
	if st.Signaling != webrtc.SignalingStateStable || st.Connected() {
		t.Fatalf("unexpected initial state %+v", st)
	}
	if eng.LocalDescription() != nil || eng.RemoteDescription() != nil {
		t.Fatal("fresh engine has descriptions")
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if eng.SignalingState() != webrtc.SignalingStateClosed {
		t.Fatalf("signaling=%s after close", eng.SignalingState())
	}
}

func TestEngine_StopSendersStopsLocalTracks(t *testing.T) {
	f, err := NewFactory(Options{LoopbackOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, f)

	track, err := media.NewLocalTrack("mic", "local", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer track.Stop()
	if err := eng.AddTrack(track); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if err := eng.StopSenders(); err != nil {
		t.Fatalf("StopSenders: %v", err)
	}
	if !track.Stopped() {
		t.Fatal("sender track still running")
	}
	if err := eng.StopTransceivers(); err != nil {
		t.Fatalf("StopTransceivers: %v", err)
	}
}

func TestEngine_HooksAreRemovable(t *testing.T) {
	f, err := NewFactory(Options{LoopbackOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, f)

	var calls atomic.Int32
	remove := eng.OnPeerStateChange(func(core.PeerState) { calls.Add(1) })
	remove()
	if eng.onState.Len() != 0 {
		t.Fatal("hook still registered")
	}
	eng.fireState()
	if calls.Load() != 0 {
		t.Fatal("removed hook fired")
	}
}

// Two engines negotiate directly, trickling candidates through hooks.
func TestEngine_LoopbackCall(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	f, err := NewFactory(Options{LoopbackOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	offerer, answerer := newEngine(t, f), newEngine(t, f)

	for _, pair := range [][2]*WebRTCConnection{{offerer, answerer}, {answerer, offerer}} {
		from, to := pair[0], pair[1]
		from.OnICECandidate(func(c *webrtc.ICECandidateInit) {
			if c != nil && to.RemoteDescription() != nil {
				_ = to.AddICECandidate(*c)
			}
		})
	}
	gotTrack := make(chan core.RemoteTrack, 1)
	answerer.OnTrack(func(tr core.RemoteTrack) { gotTrack <- tr })

	track, err := media.NewLocalTrack("mic", "offerer-stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer track.Stop()
	if err := offerer.AddTrack(track); err != nil {
		t.Fatal(err)
	}

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(offerer.pc)
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	<-gathered
	if err := answerer.SetRemoteDescription(*offerer.LocalDescription()); err != nil {
		t.Fatal(err)
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	gathered = webrtc.GatheringCompletePromise(answerer.pc)
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	<-gathered
	if err := offerer.SetRemoteDescription(*answerer.LocalDescription()); err != nil {
		t.Fatal(err)
	}

	select {
	case tr := <-gotTrack:
		if tr.StreamID() != "offerer-stream" || tr.Kind() != webrtc.RTPCodecTypeAudio {
			t.Fatalf("unexpected remote track %s/%s", tr.StreamID(), tr.Kind())
		}
	case <-time.After(20 * time.Second):
		t.Fatal("no remote track")
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if st, ok := f.Stats().Get("offerer-stream"); ok && st.Packets > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no RTP counted for the remote stream")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !answerer.PeerState().Connected() {
		t.Fatalf("answerer not connected: %+v", answerer.PeerState())
	}
}
