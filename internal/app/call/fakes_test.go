package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/voip/internal/core"
	"github.com/dkeye/voip/internal/domain"
	"github.com/pion/webrtc/v4"
)

var errFakeNotOpen = errors.New("fake channel not open")

type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// fakeChannel is driven by the test: open, deliver and fail fire hooks
// synchronously from the test goroutine.
type fakeChannel struct {
	log *callLog

	mu       sync.Mutex
	state    domain.TransportState
	opens    int
	sent     [][]byte
	closeErr error

	onOpen    core.Hooks[func()]
	onClose   core.Hooks[func()]
	onError   core.Hooks[func(error)]
	onMessage core.Hooks[func([]byte)]
}

func (c *fakeChannel) Open(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
}

func (c *fakeChannel) State() domain.TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.TransportOpen {
		return errFakeNotOpen
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) Close() error {
	c.log.add("channel.close")
	c.mu.Lock()
	c.state = domain.TransportClosed
	c.mu.Unlock()
	return c.closeErr
}

func (c *fakeChannel) OnOpen(fn func()) func() { return c.onOpen.Add(fn) }
func (c *fakeChannel) OnClose(fn func()) func() { return c.onClose.Add(fn) }
func (c *fakeChannel) OnError(fn func(error)) func() { return c.onError.Add(fn) }
func (c *fakeChannel) OnMessage(fn func([]byte)) func() { return c.onMessage.Add(fn) }

func (c *fakeChannel) open() {
	c.mu.Lock()
	c.state = domain.TransportOpen
	c.mu.Unlock()
	for _, fn := range c.onOpen.Snapshot() {
		fn()
	}
}

func (c *fakeChannel) deliver(data string) {
	for _, fn := range c.onMessage.Snapshot() {
		fn([]byte(data))
	}
}

func (c *fakeChannel) fail(err error) {
	c.mu.Lock()
	c.state = domain.TransportClosed
	c.mu.Unlock()
	for _, fn := range c.onError.Snapshot() {
		fn(err)
	}
	for _, fn := range c.onClose.Snapshot() {
		fn()
	}
}

func (c *fakeChannel) sentMessages(t *testing.T) []core.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Message, 0, len(c.sent))
	for _, raw := range c.sent {
		msg, err := core.ParseMessage(raw)
		if err != nil {
			t.Fatalf("session sent malformed frame %q: %v", raw, err)
		}
		out = append(out, msg)
	}
	return out
}

func (c *fakeChannel) hookCount() int {
	return c.onOpen.Len() + c.onClose.Len() + c.onError.Len() + c.onMessage.Len()
}

type fakeChannels struct {
	log   *callLog
	err   error
	chans []*fakeChannel
}

func (f *fakeChannels) NewChannel() (core.SignalChannel, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := &fakeChannel{log: f.log, state: domain.TransportConnecting}
	f.chans = append(f.chans, ch)
	return ch, nil
}

func (f *fakeChannels) last() *fakeChannel { return f.chans[len(f.chans)-1] }

type fakeRemoteTrack struct {
	id, stream string
}

func (t fakeRemoteTrack) ID() string { return t.id }
func (t fakeRemoteTrack) StreamID() string { return t.stream }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

// fakeEngine follows the offer/answer signaling states closely enough for
// the session, including refusing a remote offer in have-local-offer.
type fakeEngine struct {
	log *callLog

	mu             sync.Mutex
	signaling      webrtc.SignalingState
	connection     webrtc.PeerConnectionState
	local, remote  *webrtc.SessionDescription
	tracks         []core.LocalTrack
	candidates     []webrtc.ICECandidateInit
	addCandErr     error
	addTrackErr    error
	panicOnStopTrx bool

	onState core.Hooks[func(core.PeerState)]
	onTrack core.Hooks[func(core.RemoteTrack)]
	onICE   core.Hooks[func(*webrtc.ICECandidateInit)]
}

func (e *fakeEngine) PeerState() core.PeerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return core.PeerState{Connection: e.connection, Signaling: e.signaling, ICE: webrtc.ICEConnectionStateNew}
}

func (e *fakeEngine) SignalingState() webrtc.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signaling
}

func (e *fakeEngine) LocalDescription() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

func (e *fakeEngine) RemoteDescription() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

func (e *fakeEngine) AddTrack(t core.LocalTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.addTrackErr != nil {
		return e.addTrackErr
	}
	e.tracks = append(e.tracks, t)
	return nil
}

func (e *fakeEngine) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (e *fakeEngine) CreateAnswer() (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", e.signaling)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (e *fakeEngine) SetLocalDescription(d webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.local = &d
	if d.Type == webrtc.SDPTypeOffer {
		e.signaling = webrtc.SignalingStateHaveLocalOffer
	} else {
		e.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (e *fakeEngine) SetRemoteDescription(d webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d.Type == webrtc.SDPTypeOffer && e.signaling == webrtc.SignalingStateHaveLocalOffer {
		return errors.New("remote offer in have-local-offer")
	}
	e.remote = &d
	if d.Type == webrtc.SDPTypeOffer {
		e.signaling = webrtc.SignalingStateHaveRemoteOffer
	} else {
		e.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (e *fakeEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.addCandErr != nil {
		return e.addCandErr
	}
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) StopSenders() error {
	e.log.add("engine.stopSenders")
	e.mu.Lock()
	tracks := append([]core.LocalTrack(nil), e.tracks...)
	e.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
	return nil
}

func (e *fakeEngine) StopTransceivers() error {
	e.log.add("engine.stopTransceivers")
	if e.panicOnStopTrx {
		panic("transceivers exploded")
	}
	return nil
}

func (e *fakeEngine) Close() error {
	e.log.add("engine.close")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signaling = webrtc.SignalingStateClosed
	e.connection = webrtc.PeerConnectionStateClosed
	return nil
}

func (e *fakeEngine) OnPeerStateChange(fn func(core.PeerState)) func() { return e.onState.Add(fn) }
func (e *fakeEngine) OnTrack(fn func(core.RemoteTrack)) func() { return e.onTrack.Add(fn) }
func (e *fakeEngine) OnICECandidate(fn func(*webrtc.ICECandidateInit)) func() {
	return e.onICE.Add(fn)
}

func (e *fakeEngine) setSignaling(s webrtc.SignalingState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signaling = s
}

func (e *fakeEngine) connect() {
	e.mu.Lock()
	e.connection = webrtc.PeerConnectionStateConnected
	e.mu.Unlock()
	st := e.PeerState()
	for _, fn := range e.onState.Snapshot() {
		fn(st)
	}
}

func (e *fakeEngine) emitTrack(id, stream string) {
	for _, fn := range e.onTrack.Snapshot() {
		fn(fakeRemoteTrack{id: id, stream: stream})
	}
}

func (e *fakeEngine) emitCandidate(c *webrtc.ICECandidateInit) {
	for _, fn := range e.onICE.Snapshot() {
		fn(c)
	}
}

func (e *fakeEngine) appliedCandidates() []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), e.candidates...)
}

func (e *fakeEngine) hookCount() int {
	return e.onState.Len() + e.onTrack.Len() + e.onICE.Len()
}

type fakeEngines struct {
	log     *callLog
	err     error
	engines []*fakeEngine
}

func (f *fakeEngines) NewEngine() (core.NegotiationEngine, error) {
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEngine{
		log:        f.log,
		signaling:  webrtc.SignalingStateStable,
		connection: webrtc.PeerConnectionStateNew,
	}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeEngines) last() *fakeEngine { return f.engines[len(f.engines)-1] }

type fakeTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stops   int
}

func newFakeTrack(t *testing.T, id, stream string) *fakeTrack {
	t.Helper()
	sample, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, id, stream)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	return &fakeTrack{TrackLocalStaticSample: sample, enabled: true}
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeStream struct {
	log    *callLog
	id     string
	tracks []core.LocalTrack
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) Tracks() []core.LocalTrack { return s.tracks }
func (s *fakeStream) Stop() {
	s.log.add("stream.stop")
	for _, t := range s.tracks {
		t.Stop()
	}
}

// fakeCapturer fails while err is set. If gate is set, Capture signals
// entered and waits for gate before returning.
type fakeCapturer struct {
	t   *testing.T
	log *callLog

	mu      sync.Mutex
	err     error
	calls   int
	gate    chan struct{}
	entered chan struct{}
	streams []*fakeStream
}

func (c *fakeCapturer) Capture(ctx context.Context) (core.LocalStream, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	err := c.err
	gate, entered := c.gate, c.entered
	c.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("local-%d", n)
	s := &fakeStream{log: c.log, id: id, tracks: []core.LocalTrack{newFakeTrack(c.t, "mic-"+id, id)}}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeCapturer) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeCapturer) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recorder struct {
	log *callLog

	mu        sync.Mutex
	transport []domain.TransportState
	peer      []core.PeerState
	errs      []string
	streams   [][]*RemoteStream
}

func (r *recorder) OnTransportState(s domain.TransportState) {
	r.log.add("notify:" + s.String())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = append(r.transport, s)
}

func (r *recorder) OnPeerState(s core.PeerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peer = append(r.peer, s)
}

func (r *recorder) OnError(msg string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, msg)
}

func (r *recorder) OnStreams(s []*RemoteStream) {
	r.log.add(fmt.Sprintf("notify:streams:%d", len(s)))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, s)
}

func (r *recorder) errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errs...)
}

func (r *recorder) transports() []domain.TransportState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TransportState(nil), r.transport...)
}

func (r *recorder) streamUpdates() [][]*RemoteStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]*RemoteStream(nil), r.streams...)
}

type harness struct {
	log      *callLog
	chans    *fakeChannels
	engines  *fakeEngines
	capturer *fakeCapturer
	obs      *recorder
	sess     *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := &callLog{}
	h := &harness{
		log:      l,
		chans:    &fakeChannels{log: l},
		engines:  &fakeEngines{log: l},
		capturer: &fakeCapturer{t: t, log: l},
		obs:      &recorder{log: l},
	}
	sess, err := NewSession(Options{
		Channels: h.chans,
		Engines:  h.engines,
		Capturer: h.capturer,
		Observer: h.obs,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.sess = sess
	t.Cleanup(sess.Close)
	return h
}

// connected returns a harness whose session is connected with an open channel.
func connected(t *testing.T) (*harness, *fakeChannel, *fakeEngine) {
	t.Helper()
	h := newHarness(t)
	if err := h.sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch, eng := h.chans.last(), h.engines.last()
	ch.open()
	h.sync()
	return h, ch, eng
}

// sync waits until every event posted so far has been handled.
func (h *harness) sync() { h.sess.State() }
