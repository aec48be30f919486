package call

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/opsdesk/huddle/internal/identity"
	"github.com/opsdesk/huddle/internal/proto"
)

var (
	ErrBusy       = errors.New("call already in progress")
	ErrNotRinging = errors.New("no incoming call to answer")
	ErrNoCall     = errors.New("no active call")
	ErrClosed     = errors.New("call machine closed")
)

// Machine is the per-identity call state machine. All transitions run on a
// single goroutine; the public API posts work into the loop and waits.
// At most one call exists at a time; a second inbound initiate gets an
// automatic busy reply without disturbing the current call.
type Machine struct {
	selfInfo func() identity.Identity
	sig      Signaler
	media    MediaSource
	opts     Options
	newLink  linkFactory

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the run loop.
	state         State
	remoteID      string
	kind          proto.CallKind
	initiator     bool
	offerSent     bool
	micOn, camOn  bool
	connectedOnce bool
	link          Link
	local         LocalMedia
	early         []proto.ICECandidateInit
	seenTracks    map[string]struct{}
	since         time.Time

	listenerMu sync.Mutex
	listeners  map[chan UIEvent]struct{}
}

// NewMachine starts the machine and begins consuming signals immediately.
func NewMachine(selfInfo func() identity.Identity, sig Signaler, media MediaSource, opts Options) *Machine {
	m := &Machine{
		selfInfo:  selfInfo,
		sig:       sig,
		media:     media,
		opts:      opts,
		state:     StateIdle,
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		listeners: make(map[chan UIEvent]struct{}),
	}
	m.newLink = m.pionLink
	go m.run()
	return m
}

// ── public API ────────────────────────────────────────────────────────────────

// StartCall rings a coworker. Local media and the peer connection come up
// first; a denied device aborts the attempt before the callee ever rings.
// Fails with ErrBusy while any call is active.
func (m *Machine) StartCall(peerID string, kind proto.CallKind) error {
	return m.do(func() error {
		if peerID == "" {
			return errors.New("empty peer id")
		}
		if m.inCall() {
			return ErrBusy
		}
		if kind != proto.CallVideo {
			kind = proto.CallAudio
		}
		m.reset()
		m.remoteID = peerID
		m.kind = kind
		m.initiator = true
		if err := m.setupLink(); err != nil {
			log.Printf("CALL [%s]: media setup failed: %v", peerID, err)
			m.reset()
			return err
		}
		id := m.selfInfo()
		err := m.sig.Send(proto.KindInitiate, peerID, proto.InitiatePayload{
			CallKind:    kind,
			DisplayName: id.DisplayName,
			AvatarRef:   id.AvatarRef,
		})
		if err != nil {
			m.link.Close()
			m.link = nil
			m.local.Stop()
			m.local = nil
			m.reset()
			return err
		}
		m.state = StateCalling
		m.since = time.Now()
		m.emit(UIEvent{Type: EvOutgoing, PeerID: peerID, Kind: kind})
		log.Printf("CALL [%s]: calling (%s)", peerID, kind)
		return nil
	})
}

// Accept answers the ringing call and moves the machine to calling until
// ICE connects. Media is acquired and the link created before the accept
// signal goes out, so the caller's offer always finds a peer connection
// waiting.
func (m *Machine) Accept() error {
	return m.do(func() error {
		if m.state != StateRinging {
			return ErrNotRinging
		}
		if err := m.setupLink(); err != nil {
			log.Printf("CALL [%s]: accept failed: %v", m.remoteID, err)
			_ = m.sig.Send(proto.KindEnd, m.remoteID, nil)
			m.teardown("media-failed")
			return err
		}
		if err := m.sig.Send(proto.KindAccept, m.remoteID, nil); err != nil {
			m.teardown("signal-failed")
			return err
		}
		m.state = StateCalling
		m.emit(UIEvent{Type: EvAccepted, PeerID: m.remoteID, Kind: m.kind})
		log.Printf("CALL [%s]: accepted (%s)", m.remoteID, m.kind)
		return nil
	})
}

// Reject declines the ringing call.
func (m *Machine) Reject() error {
	return m.do(func() error {
		if m.state != StateRinging {
			return ErrNotRinging
		}
		_ = m.sig.Send(proto.KindReject, m.remoteID, nil)
		m.teardown("rejected-local")
		return nil
	})
}

// End hangs up. Safe to call in any state; ending a call that is already
// over is a no-op.
func (m *Machine) End() error {
	return m.do(func() error {
		if !m.inCall() {
			return nil
		}
		_ = m.sig.Send(proto.KindEnd, m.remoteID, nil)
		m.teardown("ended-local")
		return nil
	})
}

// ToggleMic flips the microphone and returns the new on state. The flag is
// local only; nothing is signaled to the remote side.
func (m *Machine) ToggleMic() (bool, error) {
	var on bool
	err := m.do(func() error {
		if !m.inCall() {
			return ErrNoCall
		}
		m.micOn = !m.micOn
		if m.local != nil {
			m.local.SetAudioEnabled(m.micOn)
		}
		on = m.micOn
		log.Printf("CALL [%s]: mic on=%v", m.remoteID, on)
		return nil
	})
	return on, err
}

// ToggleCam flips the camera and returns the new on state.
func (m *Machine) ToggleCam() (bool, error) {
	var on bool
	err := m.do(func() error {
		if !m.inCall() {
			return ErrNoCall
		}
		m.camOn = !m.camOn
		if m.local != nil {
			m.local.SetVideoEnabled(m.camOn)
		}
		on = m.camOn
		log.Printf("CALL [%s]: cam on=%v", m.remoteID, on)
		return nil
	})
	return on, err
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	var st Status
	_ = m.do(func() error {
		st = Status{
			State:  m.state,
			PeerID: m.remoteID,
			Kind:   m.kind,
			MicOn:  m.micOn,
			CamOn:  m.camOn,
		}
		if !m.since.IsZero() {
			st.Since = m.since.UnixMilli()
		}
		return nil
	})
	if st.State == "" {
		st.State = StateIdle
	}
	return st
}

// Subscribe registers a listener for call lifecycle events.
func (m *Machine) Subscribe() (chan UIEvent, func()) {
	ch := make(chan UIEvent, 32)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()
	return ch, func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
}

// Close hangs up and stops the machine.
func (m *Machine) Close() {
	_ = m.End()
	m.closeOnce.Do(func() {
		close(m.done)
		m.listenerMu.Lock()
		for ch := range m.listeners {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	})
}

// ── run loop ──────────────────────────────────────────────────────────────────

func (m *Machine) run() {
	sigCh, cancel := m.sig.Subscribe()
	defer cancel()
	defer func() {
		if m.link != nil {
			m.link.Close()
		}
		if m.local != nil {
			m.local.Stop()
		}
	}()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-sigCh:
			if !ok {
				return
			}
			m.handleSignal(env)
		case ev := <-m.events:
			switch e := ev.(type) {
			case evLocal:
				e.reply <- e.fn()
			case evConn:
				m.handleConn(e)
			case evTrack:
				m.handleTrack(e)
			}
		}
	}
}

func (m *Machine) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case m.events <- evLocal{fn: fn, reply: reply}:
	case <-m.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	}
}

func (m *Machine) inCall() bool {
	return m.state == StateCalling || m.state == StateRinging || m.state == StateConnected
}

func (m *Machine) handleSignal(env *proto.Envelope) {
	switch env.Kind {
	case proto.KindInitiate:
		if m.inCall() {
			// Second caller (or glare). The current call is untouched.
			log.Printf("CALL [%s]: busy, auto-replying to initiate", env.From)
			_ = m.sig.Send(proto.KindBusy, env.From, nil)
			return
		}
		var p proto.InitiatePayload
		_ = json.Unmarshal(env.Payload, &p)
		if p.CallKind != proto.CallVideo {
			p.CallKind = proto.CallAudio
		}
		m.reset()
		m.state = StateRinging
		m.remoteID = env.From
		m.kind = p.CallKind
		m.since = time.Now()
		m.emit(UIEvent{
			Type:        EvIncoming,
			PeerID:      env.From,
			Kind:        p.CallKind,
			DisplayName: p.DisplayName,
			AvatarRef:   p.AvatarRef,
		})
		log.Printf("CALL [%s]: incoming %s call", env.From, p.CallKind)

	case proto.KindAccept:
		// The link already exists from StartCall; only the first accept
		// from the ringing side produces an offer.
		if !m.initiator || m.state != StateCalling || env.From != m.remoteID || m.link == nil || m.offerSent {
			return
		}
		if err := m.link.SendOffer(); err != nil {
			log.Printf("CALL [%s]: send offer: %v", m.remoteID, err)
			_ = m.sig.Send(proto.KindEnd, m.remoteID, nil)
			m.teardown("offer-failed")
			return
		}
		m.offerSent = true
		m.emit(UIEvent{Type: EvAccepted, PeerID: m.remoteID, Kind: m.kind})
		log.Printf("CALL [%s]: remote accepted, offer sent", m.remoteID)

	case proto.KindOffer:
		if env.From != m.remoteID || m.link == nil {
			return
		}
		var p proto.SDPPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("CALL [%s]: malformed offer: %v", env.From, err)
			return
		}
		if err := m.link.ApplyOffer(p.SDP); err != nil {
			log.Printf("CALL [%s]: apply offer: %v", m.remoteID, err)
			_ = m.sig.Send(proto.KindEnd, m.remoteID, nil)
			m.teardown("sdp-failed")
		}

	case proto.KindAnswer:
		if env.From != m.remoteID || m.link == nil {
			return
		}
		var p proto.SDPPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("CALL [%s]: malformed answer: %v", env.From, err)
			return
		}
		if err := m.link.ApplyAnswer(p.SDP); err != nil {
			log.Printf("CALL [%s]: apply answer: %v", m.remoteID, err)
			_ = m.sig.Send(proto.KindEnd, m.remoteID, nil)
			m.teardown("sdp-failed")
		}

	case proto.KindICE:
		if env.From != m.remoteID {
			return
		}
		var p proto.ICEPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if m.link != nil {
			if err := m.link.AddCandidate(p.Candidate); err != nil {
				log.Printf("CALL [%s]: add candidate: %v", m.remoteID, err)
			}
			return
		}
		// No peer connection yet. Hold the candidate; it is replayed in
		// arrival order once the link exists.
		m.early = append(m.early, p.Candidate)

	case proto.KindReject:
		if m.state == StateCalling && env.From == m.remoteID {
			m.teardown("rejected")
		}

	case proto.KindBusy:
		if m.state == StateCalling && env.From == m.remoteID {
			m.teardown("busy")
		}

	case proto.KindEnd:
		if m.inCall() && env.From == m.remoteID {
			m.teardown("remote-ended")
		}
	}
}

// handleTrack announces a remote track once. Renegotiation can re-fire
// Pion's OnTrack for a track already announced; the track ID dedups it.
func (m *Machine) handleTrack(e evTrack) {
	if e.remote != m.remoteID {
		return
	}
	if m.seenTracks == nil {
		m.seenTracks = make(map[string]struct{})
	}
	if _, ok := m.seenTracks[e.id]; ok {
		return
	}
	m.seenTracks[e.id] = struct{}{}
	m.emit(UIEvent{Type: EvTrack, PeerID: e.remote, Track: e.kind})
}

func (m *Machine) handleConn(e evConn) {
	if e.remote != m.remoteID || m.link == nil {
		return
	}
	switch e.state {
	case connConnected:
		// Later renegotiation cycles also report connected; only the
		// first transition moves the machine.
		if !m.connectedOnce {
			m.connectedOnce = true
			m.state = StateConnected
			m.since = time.Now()
			m.emit(UIEvent{Type: EvConnected, PeerID: m.remoteID, Kind: m.kind})
			log.Printf("CALL [%s]: connected", m.remoteID)
		}
	case connDisconnected, connFailed, connClosed:
		if m.inCall() {
			_ = m.sig.Send(proto.KindEnd, m.remoteID, nil)
			m.teardown("connection-" + string(e.state))
		}
	}
}

// setupLink acquires local media and creates the peer connection, replaying
// any candidates that arrived before it existed.
func (m *Machine) setupLink() error {
	lm, err := m.media.Acquire(m.kind)
	if err != nil {
		return err
	}
	lk, err := m.newLink(m.remoteID, lm)
	if err != nil {
		lm.Stop()
		return err
	}
	m.local = lm
	m.link = lk
	m.micOn = true
	m.camOn = m.kind == proto.CallVideo
	lm.SetAudioEnabled(true)
	lm.SetVideoEnabled(m.camOn)
	for _, c := range m.early {
		if err := lk.AddCandidate(c); err != nil {
			log.Printf("CALL [%s]: replay candidate: %v", m.remoteID, err)
		}
	}
	m.early = nil
	return nil
}

// teardown releases everything and returns the machine to an available
// state. Calling it again before the next call is a no-op.
func (m *Machine) teardown(reason string) {
	if !m.inCall() && m.link == nil && m.local == nil {
		return
	}
	remote := m.remoteID
	kind := m.kind
	if m.link != nil {
		m.link.Close()
		m.link = nil
	}
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	m.reset()
	m.state = StateEnded
	m.since = time.Now()
	m.emit(UIEvent{Type: EvEnded, PeerID: remote, Kind: kind, Reason: reason})
	log.Printf("CALL [%s]: ended (%s)", remote, reason)
}

// reset clears per-call fields without touching link or local media.
func (m *Machine) reset() {
	m.remoteID = ""
	m.kind = ""
	m.initiator = false
	m.offerSent = false
	m.connectedOnce = false
	m.micOn = false
	m.camOn = false
	m.early = nil
	m.seenTracks = nil
}

func (m *Machine) emit(ev UIEvent) {
	m.listenerMu.Lock()
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	m.listenerMu.Unlock()
}

// post delivers a link callback event to the run loop without blocking the
// Pion callback goroutine.
func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	default:
		log.Printf("CALL: event queue full, dropping %T", ev)
	}
}
