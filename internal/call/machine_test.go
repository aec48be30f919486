package call

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opsdesk/huddle/internal/identity"
	"github.com/opsdesk/huddle/internal/proto"
	"github.com/pion/webrtc/v4"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type sentSignal struct {
	kind string
	to   string
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
	ch   chan *proto.Envelope
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan *proto.Envelope, 64)}
}

func (f *fakeSignaler) Send(kind, to string, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentSignal{kind: kind, to: to})
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Subscribe() (chan *proto.Envelope, func()) {
	return f.ch, func() {}
}

func (f *fakeSignaler) inject(t *testing.T, kind, from string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.ch <- &proto.Envelope{Kind: kind, From: from, To: "self", Payload: raw}
}

func (f *fakeSignaler) countKind(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeSignaler) waitKind(t *testing.T, kind string) sentSignal {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, s := range f.sent {
			if s.kind == kind {
				f.mu.Unlock()
				return s
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("signal %q never sent", kind)
	return sentSignal{}
}

type fakeMedia struct {
	mu          sync.Mutex
	failAcquire bool
	acquired    int
	stopped     int
	audioOn     bool
	videoOn     bool
}

func (m *fakeMedia) Acquire(_ proto.CallKind) (LocalMedia, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAcquire {
		return nil, errors.New("no devices")
	}
	m.acquired++
	return m, nil
}

func (m *fakeMedia) NewPeerConnection(_ webrtc.Configuration) (*webrtc.PeerConnection, error) {
	panic("fake link never builds a peer connection")
}

func (m *fakeMedia) AttachTo(_ *webrtc.PeerConnection) {}

func (m *fakeMedia) SetAudioEnabled(on bool) {
	m.mu.Lock()
	m.audioOn = on
	m.mu.Unlock()
}

func (m *fakeMedia) SetVideoEnabled(on bool) {
	m.mu.Lock()
	m.videoOn = on
	m.mu.Unlock()
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

type fakeLink struct {
	mu            sync.Mutex
	sig           *fakeSignaler
	remote        string
	offers        int
	appliedOffer  string
	appliedAnswer string
	candidates    []proto.ICECandidateInit
	closed        int
}

// SendOffer mirrors pionLink.SendOffer's contract: publishing KindOffer
// through the Signaler is the link's job, so the fake does it too.
func (l *fakeLink) SendOffer() error {
	l.mu.Lock()
	l.offers++
	l.mu.Unlock()
	return l.sig.Send(proto.KindOffer, l.remote, proto.SDPPayload{SDP: "fake-offer"})
}

func (l *fakeLink) ApplyOffer(sdp string) error {
	l.mu.Lock()
	l.appliedOffer = sdp
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) ApplyAnswer(sdp string) error {
	l.mu.Lock()
	l.appliedAnswer = sdp
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) AddCandidate(c proto.ICECandidateInit) error {
	l.mu.Lock()
	l.candidates = append(l.candidates, c)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
}

func (l *fakeLink) closedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestMachine(t *testing.T) (*Machine, *fakeSignaler, *fakeMedia, *fakeLink) {
	t.Helper()
	sig := newFakeSignaler()
	media := &fakeMedia{}
	link := &fakeLink{sig: sig}

	self := func() identity.Identity {
		return identity.Identity{ID: "self", DisplayName: "Self"}
	}
	m := NewMachine(self, sig, media, Options{})
	t.Cleanup(m.Close)

	// Swap the link factory on the loop goroutine so setupLink is the only
	// reader it races with.
	if err := m.do(func() error {
		m.newLink = func(remote string, _ LocalMedia) (Link, error) {
			link.remote = remote
			return link, nil
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return m, sig, media, link
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", m.Status().State, want)
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestStartCallSendsInitiate(t *testing.T) {
	m, sig, _, _ := newTestMachine(t)

	if err := m.StartCall("bob", proto.CallAudio); err != nil {
		t.Fatal(err)
	}
	s := sig.waitKind(t, proto.KindInitiate)
	if s.to != "bob" {
		t.Fatalf("initiate sent to %q, want bob", s.to)
	}
	st := m.Status()
	if st.State != StateCalling || st.PeerID != "bob" {
		t.Fatalf("status = %+v", st)
	}

	if err := m.StartCall("carol", proto.CallAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("second StartCall = %v, want ErrBusy", err)
	}
}

func TestBusyAutoReplyLeavesCurrentCallAlone(t *testing.T) {
	m, sig, _, _ := newTestMachine(t)

	if err := m.StartCall("bob", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	sig.inject(t, proto.KindInitiate, "carol", proto.InitiatePayload{CallKind: proto.CallAudio})

	s := sig.waitKind(t, proto.KindBusy)
	if s.to != "carol" {
		t.Fatalf("busy sent to %q, want carol", s.to)
	}
	st := m.Status()
	if st.State != StateCalling || st.PeerID != "bob" {
		t.Fatalf("current call disturbed: %+v", st)
	}
}

func TestCalleeAcceptFlow(t *testing.T) {
	m, sig, media, link := newTestMachine(t)

	sig.inject(t, proto.KindInitiate, "bob", proto.InitiatePayload{CallKind: proto.CallVideo})
	waitState(t, m, StateRinging)

	// Trickled candidates racing ahead of accept are held back.
	mid := "0"
	sig.inject(t, proto.KindICE, "bob", proto.ICEPayload{Candidate: proto.ICECandidateInit{Candidate: "cand-1", SDPMid: &mid}})
	sig.inject(t, proto.KindICE, "bob", proto.ICEPayload{Candidate: proto.ICECandidateInit{Candidate: "cand-2", SDPMid: &mid}})

	if err := m.Accept(); err != nil {
		t.Fatal(err)
	}
	sig.waitKind(t, proto.KindAccept)

	// Accepting leaves ringing behind; the call can no longer be rejected.
	if st := m.Status().State; st != StateCalling {
		t.Fatalf("state after accept = %q, want %q", st, StateCalling)
	}
	if err := m.Reject(); !errors.Is(err, ErrNotRinging) {
		t.Fatalf("Reject after accept = %v, want ErrNotRinging", err)
	}
	if n := sig.countKind(proto.KindReject); n != 0 {
		t.Fatalf("reject signaled %d times for an accepted call", n)
	}

	// Buffered candidates reached the link in arrival order.
	link.mu.Lock()
	got := make([]string, 0, len(link.candidates))
	for _, c := range link.candidates {
		got = append(got, c.Candidate)
	}
	link.mu.Unlock()
	if len(got) != 2 || got[0] != "cand-1" || got[1] != "cand-2" {
		t.Fatalf("replayed candidates = %v, want [cand-1 cand-2]", got)
	}

	// The caller's offer is answered through the link.
	sig.inject(t, proto.KindOffer, "bob", proto.SDPPayload{SDP: "offer-sdp"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		link.mu.Lock()
		applied := link.appliedOffer
		link.mu.Unlock()
		if applied == "offer-sdp" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offer never applied, got %q", applied)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Late candidates skip the buffer.
	sig.inject(t, proto.KindICE, "bob", proto.ICEPayload{Candidate: proto.ICECandidateInit{Candidate: "cand-3", SDPMid: &mid}})
	deadline = time.Now().Add(2 * time.Second)
	for {
		link.mu.Lock()
		n := len(link.candidates)
		link.mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late candidate not delivered, have %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	media.mu.Lock()
	if media.acquired != 1 || !media.audioOn || !media.videoOn {
		t.Fatalf("media = %+v", media)
	}
	media.mu.Unlock()

	// ICE connects; the machine reports it exactly once.
	events, cancel := m.Subscribe()
	defer cancel()
	m.post(evConn{remote: "bob", state: connConnected})
	m.post(evConn{remote: "bob", state: connConnected})
	waitState(t, m, StateConnected)

	select {
	case ev := <-events:
		if ev.Type != EvConnected {
			t.Fatalf("event = %+v, want %s", ev, EvConnected)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connected event")
	}
	select {
	case ev := <-events:
		t.Fatalf("duplicate event after repeat connected: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCallerFlow(t *testing.T) {
	m, sig, _, link := newTestMachine(t)

	if err := m.StartCall("bob", proto.CallAudio); err != nil {
		t.Fatal(err)
	}
	sig.inject(t, proto.KindAccept, "bob", nil)
	sig.waitKind(t, proto.KindOffer)

	link.mu.Lock()
	offers := link.offers
	link.mu.Unlock()
	if offers != 1 {
		t.Fatalf("offers = %d, want 1", offers)
	}

	// A redelivered accept does not restart negotiation.
	sig.inject(t, proto.KindAccept, "bob", nil)
	time.Sleep(50 * time.Millisecond)
	link.mu.Lock()
	offers = link.offers
	link.mu.Unlock()
	if offers != 1 {
		t.Fatalf("offers after duplicate accept = %d, want 1", offers)
	}

	sig.inject(t, proto.KindAnswer, "bob", proto.SDPPayload{SDP: "answer-sdp"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		link.mu.Lock()
		applied := link.appliedAnswer
		link.mu.Unlock()
		if applied == "answer-sdp" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("answer never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.post(evConn{remote: "bob", state: connConnected})
	waitState(t, m, StateConnected)

	sig.inject(t, proto.KindEnd, "bob", nil)
	waitState(t, m, StateEnded)
	if link.closedCount() != 1 {
		t.Fatalf("link closed %d times, want 1", link.closedCount())
	}
}

func TestRejectAndBusyEndTheOutboundCall(t *testing.T) {
	for _, kind := range []string{proto.KindReject, proto.KindBusy} {
		t.Run(kind, func(t *testing.T) {
			m, sig, _, _ := newTestMachine(t)
			if err := m.StartCall("bob", proto.CallAudio); err != nil {
				t.Fatal(err)
			}
			sig.inject(t, kind, "bob", nil)
			waitState(t, m, StateEnded)
		})
	}
}

func TestLocalRejectRequiresRinging(t *testing.T) {
	m, sig, _, _ := newTestMachine(t)

	if err := m.Reject(); !errors.Is(err, ErrNotRinging) {
		t.Fatalf("Reject while idle = %v, want ErrNotRinging", err)
	}

	sig.inject(t, proto.KindInitiate, "bob", proto.InitiatePayload{CallKind: proto.CallAudio})
	waitState(t, m, StateRinging)
	if err := m.Reject(); err != nil {
		t.Fatal(err)
	}
	sig.waitKind(t, proto.KindReject)
	waitState(t, m, StateEnded)

	if err := m.Accept(); !errors.Is(err, ErrNotRinging) {
		t.Fatalf("Accept after reject = %v, want ErrNotRinging", err)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	m, sig, media, link := newTestMachine(t)

	if err := m.End(); err != nil {
		t.Fatalf("End with no call = %v", err)
	}

	sig.inject(t, proto.KindInitiate, "bob", proto.InitiatePayload{CallKind: proto.CallAudio})
	waitState(t, m, StateRinging)
	if err := m.Accept(); err != nil {
		t.Fatal(err)
	}
	sig.waitKind(t, proto.KindAccept)

	if err := m.End(); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, StateEnded)
	if err := m.End(); err != nil {
		t.Fatalf("second End = %v", err)
	}
	if link.closedCount() != 1 {
		t.Fatalf("link closed %d times, want 1", link.closedCount())
	}
	media.mu.Lock()
	stopped := media.stopped
	media.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("media stopped %d times, want 1", stopped)
	}

	// A remote end for the finished call is ignored.
	sig.inject(t, proto.KindEnd, "bob", nil)
	time.Sleep(50 * time.Millisecond)
	if link.closedCount() != 1 {
		t.Fatal("stale remote end re-ran teardown")
	}
}

func TestMediaFailureOnAccept(t *testing.T) {
	m, sig, media, _ := newTestMachine(t)
	media.failAcquire = true

	sig.inject(t, proto.KindInitiate, "bob", proto.InitiatePayload{CallKind: proto.CallVideo})
	waitState(t, m, StateRinging)

	if err := m.Accept(); err == nil {
		t.Fatal("Accept should surface the media error")
	}
	sig.waitKind(t, proto.KindEnd)
	waitState(t, m, StateEnded)
	if n := sig.countKind(proto.KindAccept); n != 0 {
		t.Fatalf("accept signaled %d times despite media failure", n)
	}
}

func TestConnectionLossTearsDown(t *testing.T) {
	for _, state := range []connState{connDisconnected, connFailed} {
		t.Run(string(state), func(t *testing.T) {
			m, sig, _, link := newTestMachine(t)

			if err := m.StartCall("bob", proto.CallAudio); err != nil {
				t.Fatal(err)
			}
			sig.inject(t, proto.KindAccept, "bob", nil)
			sig.waitKind(t, proto.KindOffer)
			m.post(evConn{remote: "bob", state: connConnected})
			waitState(t, m, StateConnected)

			m.post(evConn{remote: "bob", state: state})
			waitState(t, m, StateEnded)
			sig.waitKind(t, proto.KindEnd)
			if link.closedCount() != 1 {
				t.Fatalf("link closed %d times, want 1", link.closedCount())
			}
		})
	}
}

func TestStartCallRequiresMedia(t *testing.T) {
	m, sig, media, _ := newTestMachine(t)
	media.mu.Lock()
	media.failAcquire = true
	media.mu.Unlock()

	if err := m.StartCall("bob", proto.CallAudio); err == nil {
		t.Fatal("StartCall should surface the media error")
	}
	if n := sig.countKind(proto.KindInitiate); n != 0 {
		t.Fatalf("initiate published %d times despite media failure", n)
	}
	if st := m.Status().State; st != StateIdle {
		t.Fatalf("state = %q, want %q", st, StateIdle)
	}

	// The machine stays usable once a device shows up.
	media.mu.Lock()
	media.failAcquire = false
	media.mu.Unlock()
	if err := m.StartCall("bob", proto.CallAudio); err != nil {
		t.Fatal(err)
	}
	sig.waitKind(t, proto.KindInitiate)
	media.mu.Lock()
	acquired := media.acquired
	media.mu.Unlock()
	if acquired != 1 {
		t.Fatalf("acquired = %d, want 1", acquired)
	}
}

func TestRemoteTrackAnnouncedOnce(t *testing.T) {
	m, sig, _, _ := newTestMachine(t)

	if err := m.StartCall("bob", proto.CallVideo); err != nil {
		t.Fatal(err)
	}
	sig.inject(t, proto.KindAccept, "bob", nil)
	sig.waitKind(t, proto.KindOffer)

	events, cancel := m.Subscribe()
	defer cancel()

	// Renegotiation re-fires OnTrack for the same track ID.
	m.post(evTrack{remote: "bob", kind: "video", id: "trk-1"})
	m.post(evTrack{remote: "bob", kind: "video", id: "trk-1"})
	m.post(evTrack{remote: "bob", kind: "audio", id: "trk-2"})
	m.post(evTrack{remote: "carol", kind: "video", id: "trk-3"})

	got := make([]string, 0, 2)
	for len(got) < 2 {
		select {
		case ev := <-events:
			if ev.Type != EvTrack {
				t.Fatalf("event = %+v", ev)
			}
			got = append(got, ev.Track)
		case <-time.After(2 * time.Second):
			t.Fatalf("track events = %v, want [video audio]", got)
		}
	}
	if got[0] != "video" || got[1] != "audio" {
		t.Fatalf("track events = %v, want [video audio]", got)
	}
	select {
	case ev := <-events:
		t.Fatalf("extra track event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTogglesRequireActiveCall(t *testing.T) {
	m, sig, media, _ := newTestMachine(t)

	if _, err := m.ToggleMic(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("ToggleMic idle = %v, want ErrNoCall", err)
	}

	sig.inject(t, proto.KindInitiate, "bob", proto.InitiatePayload{CallKind: proto.CallVideo})
	waitState(t, m, StateRinging)
	if err := m.Accept(); err != nil {
		t.Fatal(err)
	}

	on, err := m.ToggleMic()
	if err != nil || on {
		t.Fatalf("ToggleMic = (%v, %v), want (false, nil)", on, err)
	}
	media.mu.Lock()
	if media.audioOn {
		t.Fatal("media audio still enabled after mute")
	}
	media.mu.Unlock()

	on, err = m.ToggleCam()
	if err != nil || on {
		t.Fatalf("ToggleCam = (%v, %v), want (false, nil)", on, err)
	}
	st := m.Status()
	if st.MicOn || st.CamOn {
		t.Fatalf("status = %+v", st)
	}
}
