package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/opsdesk/huddle/internal/proto"
	"github.com/pion/webrtc/v4"
)

// pionLink is the production Link: one Pion PeerConnection plus the glue
// that publishes its offers, answers and candidates through the Signaler.
type pionLink struct {
	remote  string
	sig     Signaler
	pc      *webrtc.PeerConnection
	machine *Machine

	// applyCandidate hands a candidate to the peer connection. A field so
	// tests can observe the order the buffer drains in.
	applyCandidate func(proto.ICECandidateInit) error

	mu        sync.Mutex
	remoteSet bool
	pending   []proto.ICECandidateInit

	closeOnce sync.Once
	closed    chan struct{}
}

// pionLink is the default linkFactory.
func (m *Machine) pionLink(remoteID string, media LocalMedia) (Link, error) {
	cfg := webrtc.Configuration{}
	if len(m.opts.STUNServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: m.opts.STUNServers}}
	}
	pc, err := media.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &pionLink{
		remote:  remoteID,
		sig:     m.sig,
		pc:      pc,
		machine: m,
		closed:  make(chan struct{}),
	}
	l.applyCandidate = l.addToPC
	media.AttachTo(pc)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		err := l.sig.Send(proto.KindICE, l.remote, proto.ICEPayload{
			Candidate: proto.ICECandidateInit{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
		if err != nil {
			log.Printf("CALL [%s]: send candidate: %v", l.remote, err)
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Printf("CALL [%s]: ICE state %s", l.remote, s)
		var cs connState
		switch s {
		case webrtc.ICEConnectionStateConnected:
			cs = connConnected
		case webrtc.ICEConnectionStateDisconnected:
			cs = connDisconnected
		case webrtc.ICEConnectionStateFailed:
			cs = connFailed
		case webrtc.ICEConnectionStateClosed:
			cs = connClosed
		default:
			return
		}
		m.post(evConn{remote: l.remote, state: cs})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		log.Printf("CALL [%s]: remote %s track %s (%s)", l.remote, kind, track.ID(), track.Codec().MimeType)
		m.post(evTrack{remote: l.remote, kind: kind, id: track.ID()})
		go l.drainTrack(track)
	})

	return l, nil
}

// SendOffer starts negotiation from the caller side.
func (l *pionLink) SendOffer() error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return l.sig.Send(proto.KindOffer, l.remote, proto.SDPPayload{SDP: offer.SDP})
}

// ApplyOffer handles the caller's offer on the callee side and replies with
// an answer. Buffered candidates are applied right after the remote
// description lands, in arrival order.
func (l *pionLink) ApplyOffer(sdp string) error {
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.flushPending()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return l.sig.Send(proto.KindAnswer, l.remote, proto.SDPPayload{SDP: answer.SDP})
}

// ApplyAnswer handles the callee's answer on the caller side.
func (l *pionLink) ApplyAnswer(sdp string) error {
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.flushPending()
	return nil
}

// AddCandidate applies a trickled candidate, buffering it while the remote
// description is not set yet; Pion rejects candidates before that point.
func (l *pionLink) AddCandidate(c proto.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.applyCandidate(c)
}

// flushPending marks the remote description set and applies the buffer once.
func (l *pionLink) flushPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.remoteSet = true
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.applyCandidate(c); err != nil {
			log.Printf("CALL [%s]: buffered candidate: %v", l.remote, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("CALL [%s]: applied %d buffered candidates", l.remote, len(pending))
	}
}

func (l *pionLink) addToPC(c proto.ICECandidateInit) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// Close tears down the peer connection. Idempotent.
func (l *pionLink) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		if err := l.pc.Close(); err != nil {
			log.Printf("CALL [%s]: close pc: %v", l.remote, err)
		}
	})
}
