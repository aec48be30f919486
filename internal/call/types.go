// Package call runs WebRTC calls between two identities using Pion.
// It is designed to be maximally standalone: coupling to the signaling
// layer is via the Signaler interface only, and media capture sits behind
// MediaSource so the state machine can be driven without hardware.
package call

import (
	"time"

	"github.com/opsdesk/huddle/internal/proto"
	"github.com/pion/webrtc/v4"
)

// Signaler is the only surface the call package needs from the signaling
// layer. The signal adapter satisfies it.
type Signaler interface {
	Send(kind, to string, payload any) error
	Subscribe() (ch chan *proto.Envelope, cancel func())
}

// State of the call machine.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"   // outbound, waiting for accept
	StateRinging   State = "ringing"   // inbound, waiting for local decision
	StateConnected State = "connected" // ICE established
	StateEnded     State = "ended"     // torn down, available for a new call
)

// Status is a snapshot of the machine for the HTTP API.
type Status struct {
	State  State          `json:"state"`
	PeerID string         `json:"peer_id,omitempty"`
	Kind   proto.CallKind `json:"kind,omitempty"`
	MicOn  bool           `json:"mic_on"`
	CamOn  bool           `json:"cam_on"`
	Since  int64          `json:"since,omitempty"` // Unix ms of last transition
}

// UIEvent types pushed to the event stream.
const (
	EvIncoming  = "call-incoming"
	EvOutgoing  = "call-outgoing"
	EvAccepted  = "call-accepted"
	EvConnected = "call-connected"
	EvEnded     = "call-ended"
	EvTrack     = "call-track"
)

// UIEvent is a call lifecycle notification for event-stream consumers.
type UIEvent struct {
	Type        string         `json:"type"`
	PeerID      string         `json:"peer_id,omitempty"`
	Kind        proto.CallKind `json:"kind,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	AvatarRef   string         `json:"avatar_ref,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Track       string         `json:"track,omitempty"` // audio|video
}

// Options carries ICE tuning shared by the machine and the media source.
type Options struct {
	STUNServers []string

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The Pion default disconnectedTimeout of 5s is
	// far too short for paths with short outages during re-keying.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration
}

// LocalMedia is captured camera/mic together with the WebRTC API configured
// for its codecs. The API must create the PeerConnection the tracks attach
// to, because the codec selector populates that API's media engine.
type LocalMedia interface {
	NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error)
	AttachTo(pc *webrtc.PeerConnection)
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	Stop()
}

// MediaSource acquires local media for a call of the given kind.
type MediaSource interface {
	Acquire(kind proto.CallKind) (LocalMedia, error)
}

// Link is one live peer connection to the remote side. The concrete pionLink
// publishes its own signals; tests substitute a fake via the link factory.
type Link interface {
	SendOffer() error
	ApplyOffer(sdp string) error
	ApplyAnswer(sdp string) error
	AddCandidate(c proto.ICECandidateInit) error
	Close()
}

type linkFactory func(remoteID string, media LocalMedia) (Link, error)
