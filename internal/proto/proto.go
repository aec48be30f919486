// Package proto is the single source of truth for topic names, signal kinds
// and wire payload shapes shared by both ends of a call or chat exchange.
// Both sides must agree on these field-for-field.
package proto

import (
	"encoding/json"
	"time"
)

const (
	// Gossipsub topics. All identities share each topic; every envelope is
	// broadcast and consumers self-filter by the "to" field.
	SignalTopic   = "huddle.signal.v1"
	ChatTopic     = "huddle.chat.v1"
	PresenceTopic = "huddle.presence.v1"

	MdnsTag = "huddle-mdns"
)

// ── Signal kinds ──────────────────────────────────────────────────────────────
// Value of Envelope.Kind on the signal topic.
//
// Call signaling sequence:
//
//	caller                          callee
//	──────────────────────────────────────────────────────────────
//	initiate ───────────────────────► (incoming call overlay)
//	         ◄─────────────────────── accept  (or reject / busy)
//	offer    ───────────────────────►
//	         ◄─────────────────────── answer
//	ice-candidate ◄────────────────► ice-candidate  (trickle, both ways)
//	end      ───────────────────────► (or either side, any time)
const (
	KindInitiate = "initiate"
	KindAccept   = "accept"
	KindOffer    = "offer"
	KindAnswer   = "answer"
	KindICE      = "ice-candidate"
	KindReject   = "reject"
	KindBusy     = "busy"
	KindEnd      = "end"
)

// Chat kinds carried in Envelope.Kind on the chat topic.
const (
	KindChatMessage  = "message"
	KindChatRead     = "read"
	KindChatReaction = "reaction"
)

// Envelope is the broadcast wire frame for both signaling and chat delivery.
// Delivery is at-least-once and unordered; only the identity named in To may
// consume it, all other subscribers discard it untouched.
type Envelope struct {
	Kind    string          `json:"kind"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ── Call signal payloads ──────────────────────────────────────────────────────

// CallKind selects audio-only or audio+video.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// InitiatePayload invites the remote identity to a call.
type InitiatePayload struct {
	CallKind    CallKind `json:"call_kind"`
	DisplayName string   `json:"display_name,omitempty"`
	AvatarRef   string   `json:"avatar_ref,omitempty"`
}

// SDPPayload carries a session description for KindOffer and KindAnswer.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ICEPayload carries one trickle ICE candidate for KindICE.
type ICEPayload struct {
	Candidate ICECandidateInit `json:"candidate"`
}

// ── Chat payloads ─────────────────────────────────────────────────────────────

// ChatMessagePayload is the wire copy of a persisted message. The ID is
// generated by the sender before any network round-trip and reused as the
// durable identifier, so the sender's optimistic copy and the recipient's
// delivered copy are the same logical row.
type ChatMessagePayload struct {
	ID              string  `json:"id"`
	ConversationID  string  `json:"conversation_id"`
	SenderID        string  `json:"sender_id"`
	RecipientID     string  `json:"recipient_id"`
	Content         string  `json:"content"`
	MsgKind         string  `json:"msg_kind"` // text|image|audio|file
	FileName        string  `json:"file_name,omitempty"`
	FileSize        int64   `json:"file_size,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	CreatedAt       int64   `json:"created_at"` // Unix milliseconds
}

// ChatReadPayload tells the original sender that every message in the
// conversation addressed to From has been read.
type ChatReadPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ChatReactionPayload replicates a reaction toggle outcome. Add and Remove
// are the explicit row operations the recipient applies; the receiver must
// still enforce the one-reaction-per-user invariant when applying Add.
type ChatReactionPayload struct {
	MessageID string       `json:"message_id"`
	UserID    string       `json:"user_id"`
	Remove    *ReactionRef `json:"remove,omitempty"`
	Add       *ReactionRef `json:"add,omitempty"`
}

// ReactionRef identifies one reaction row on the wire.
type ReactionRef struct {
	ID    string `json:"id"`
	Emoji string `json:"emoji"`
}

// ── Presence ──────────────────────────────────────────────────────────────────

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg announces an identity on the presence topic. ID is the logical
// identity every envelope addresses; PeerID is the libp2p host ID, carried
// only so receivers can seed their peerstore with Addrs.
type PresenceMsg struct {
	Type        string   `json:"type"` // online|update|offline
	ID          string   `json:"id"`
	PeerID      string   `json:"peer_id,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	AvatarRef   string   `json:"avatar_ref,omitempty"`
	Role        string   `json:"role,omitempty"`
	Addrs       []string `json:"addrs,omitempty"` // multiaddresses for WAN connectivity
	TS          int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
