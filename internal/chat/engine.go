// Package chat delivers direct messages over the shared chat topic and keeps
// the local message store, read state and unread counters consistent with
// what actually happened on the wire. Sends are optimistic: the message is
// persisted with its final ID before the broadcast, and rolled back only if
// the broadcast itself fails.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/opsdesk/huddle/internal/proto"
	"github.com/opsdesk/huddle/internal/signal"
	"github.com/opsdesk/huddle/internal/storage"
	"github.com/opsdesk/huddle/internal/unread"
	"github.com/opsdesk/huddle/internal/util"
)

// Event notifies event-stream consumers about unread counter changes.
// Message and read-state changes flow through storage change notifications
// instead.
type Event struct {
	Type           string `json:"type"` // "chat-unread"
	ConversationID string `json:"conversation_id"`
	PeerID         string `json:"peer_id,omitempty"`
	Count          int    `json:"count"`
}

// Engine is the per-identity chat pipeline.
type Engine struct {
	self      string
	transport signal.Transport
	store     *storage.DB
	unread    *unread.Stabilizer

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	open map[string]bool // conversation IDs the UI currently displays

	listenerMu sync.Mutex
	listeners  map[chan Event]struct{}

	closeOnce sync.Once
}

// NewEngine starts consuming the chat topic immediately.
func NewEngine(selfID string, t signal.Transport, store *storage.DB, stab *unread.Stabilizer) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		self:      selfID,
		transport: t,
		store:     store,
		unread:    stab,
		ctx:       ctx,
		cancel:    cancel,
		open:      make(map[string]bool),
		listeners: make(map[chan Event]struct{}),
	}
	go e.readLoop()
	return e
}

// ── sending ───────────────────────────────────────────────────────────────────

// SendOpts carries the optional attachment fields of a message.
type SendOpts struct {
	Kind            string
	FileName        string
	FileSize        int64
	DurationSeconds float64
}

// Send persists and broadcasts one direct message. The ID is generated here,
// before any network round-trip, and is the durable identity of the message
// on both sides. If the broadcast fails the optimistic row is removed and
// the error returned.
func (e *Engine) Send(recipientID, content string, opts SendOpts) (*storage.Message, error) {
	if recipientID == "" {
		return nil, errors.New("chat: empty recipient")
	}
	if recipientID == e.self {
		return nil, errors.New("chat: cannot message yourself")
	}
	kind := opts.Kind
	if kind == "" {
		kind = KindText
	}

	msg := storage.Message{
		ID:              uuid.NewString(),
		ConversationID:  ConversationID(e.self, recipientID),
		SenderID:        e.self,
		RecipientID:     recipientID,
		Content:         content,
		Kind:            kind,
		FileName:        opts.FileName,
		FileSize:        opts.FileSize,
		DurationSeconds: opts.DurationSeconds,
		CreatedAt:       proto.NowMillis(),
	}

	if _, err := e.store.InsertMessage(msg); err != nil {
		return nil, fmt.Errorf("chat: persist message: %w", err)
	}

	if err := e.publish(proto.KindChatMessage, recipientID, toWire(msg)); err != nil {
		// Roll the optimistic row back so history never shows a message
		// the recipient can not have received.
		if derr := e.store.DeleteMessage(msg.ID); derr != nil {
			log.Printf("CHAT: rollback of %s failed: %v", msg.ID, derr)
		}
		return nil, fmt.Errorf("chat: deliver message: %w", err)
	}

	log.Printf("CHAT: sent %s to %s (%s)", msg.ID, recipientID, kind)
	return &msg, nil
}

// ToggleReaction applies swap-not-stack semantics locally and replicates the
// outcome to the other participant of the message.
func (e *Engine) ToggleReaction(messageID, emoji string) error {
	if emoji == "" {
		return errors.New("chat: empty emoji")
	}
	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("chat: unknown message %s", messageID)
	}

	out, err := e.store.ToggleReaction(messageID, e.self, emoji, uuid.NewString(), proto.NowMillis())
	if err != nil {
		return err
	}

	other := msg.SenderID
	if other == e.self {
		other = msg.RecipientID
	}
	payload := proto.ChatReactionPayload{MessageID: messageID, UserID: e.self}
	if out.Removed != nil {
		payload.Remove = &proto.ReactionRef{ID: out.Removed.ID, Emoji: out.Removed.Emoji}
	}
	if out.Added != nil {
		payload.Add = &proto.ReactionRef{ID: out.Added.ID, Emoji: out.Added.Emoji}
	}
	if err := e.publish(proto.KindChatReaction, other, payload); err != nil {
		log.Printf("CHAT: reaction broadcast failed (kept locally): %v", err)
	}
	return nil
}

// ── conversation state ────────────────────────────────────────────────────────

// OpenConversation marks the conversation with peerID as displayed: unread
// drops to zero, stored messages flip to read, and the peer gets a read
// receipt covering everything so far.
func (e *Engine) OpenConversation(peerID string) error {
	conv := ConversationID(e.self, peerID)
	e.mu.Lock()
	e.open[conv] = true
	e.mu.Unlock()

	n, err := e.store.MarkRead(conv, e.self)
	if err != nil {
		return err
	}
	e.unread.Clear(conv)
	e.emit(Event{Type: "chat-unread", ConversationID: conv, PeerID: peerID, Count: 0})

	if n > 0 {
		if err := e.publish(proto.KindChatRead, peerID, proto.ChatReadPayload{ConversationID: conv}); err != nil {
			log.Printf("CHAT: read receipt failed: %v", err)
		}
	}
	return nil
}

// CloseConversation marks the conversation as no longer displayed; new
// arrivals count as unread again.
func (e *Engine) CloseConversation(peerID string) {
	conv := ConversationID(e.self, peerID)
	e.mu.Lock()
	delete(e.open, conv)
	e.mu.Unlock()
}

// History returns the full conversation with peerID, oldest first, with
// reactions attached.
func (e *Engine) History(peerID string) ([]storage.Message, error) {
	return e.store.Conversation(ConversationID(e.self, peerID))
}

// UnreadCounts reconciles the stored counts through the trust-lock
// stabilizer and returns the surviving non-zero counters by conversation.
func (e *Engine) UnreadCounts() (map[string]int, error) {
	stored, err := e.store.UnreadCounts(e.self)
	if err != nil {
		return nil, err
	}
	for conv, c := range stored {
		e.unread.Reconcile(conv, c)
	}
	// Counters the store no longer knows about reconcile to zero.
	for conv := range e.unread.Snapshot() {
		if _, ok := stored[conv]; !ok {
			e.unread.Reconcile(conv, 0)
		}
	}
	return e.unread.Snapshot(), nil
}

// Subscribe registers a listener for unread counter events.
func (e *Engine) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 32)
	e.listenerMu.Lock()
	e.listeners[ch] = struct{}{}
	e.listenerMu.Unlock()
	return ch, func() {
		e.listenerMu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.listenerMu.Unlock()
	}
}

// Close stops the read loop.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.listenerMu.Lock()
		for ch := range e.listeners {
			delete(e.listeners, ch)
			close(ch)
		}
		e.listenerMu.Unlock()
	})
}

// ── inbound ───────────────────────────────────────────────────────────────────

func (e *Engine) readLoop() {
	for {
		data, _, err := e.transport.Next(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			log.Printf("CHAT: read error: %v", err)
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("CHAT: drop malformed envelope: %v", err)
			continue
		}
		if env.To != e.self || env.From == e.self {
			continue
		}
		e.handle(&env)
	}
}

func (e *Engine) handle(env *proto.Envelope) {
	switch env.Kind {
	case proto.KindChatMessage:
		var p proto.ChatMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("CHAT: malformed message from %s: %v", env.From, err)
			return
		}
		if p.ID == "" || p.SenderID != env.From {
			log.Printf("CHAT: rejecting message claiming sender %q from %q", p.SenderID, env.From)
			return
		}
		msg := fromWire(p)
		if msg.CreatedAt == 0 {
			msg.CreatedAt = proto.NowMillis()
		}

		e.mu.Lock()
		displayed := e.open[msg.ConversationID]
		e.mu.Unlock()
		msg.IsRead = displayed

		inserted, err := e.store.InsertMessage(msg)
		if err != nil {
			log.Printf("CHAT: store message %s: %v", msg.ID, err)
			return
		}
		if !inserted {
			// Redelivery of a message we already have.
			return
		}
		log.Printf("CHAT: received %s from %s (%s)", msg.ID, env.From, msg.Kind)

		if displayed {
			// The conversation is on screen; acknowledge immediately.
			if err := e.publish(proto.KindChatRead, env.From, proto.ChatReadPayload{ConversationID: msg.ConversationID}); err != nil {
				log.Printf("CHAT: read receipt failed: %v", err)
			}
			return
		}
		count := e.unread.Bump(msg.ConversationID)
		e.emit(Event{Type: "chat-unread", ConversationID: msg.ConversationID, PeerID: env.From, Count: count})

	case proto.KindChatRead:
		var p proto.ChatReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		// The peer read everything we sent them in this conversation.
		// Marking twice is harmless; already-read rows are untouched.
		if _, err := e.store.MarkRead(p.ConversationID, env.From); err != nil {
			log.Printf("CHAT: apply read receipt: %v", err)
		}

	case proto.KindChatReaction:
		var p proto.ChatReactionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if p.UserID != env.From {
			log.Printf("CHAT: rejecting reaction claiming user %q from %q", p.UserID, env.From)
			return
		}
		var add *storage.Reaction
		if p.Add != nil {
			add = &storage.Reaction{
				ID:        p.Add.ID,
				MessageID: p.MessageID,
				UserID:    p.UserID,
				Emoji:     p.Add.Emoji,
				CreatedAt: proto.NowMillis(),
			}
		}
		if err := e.store.ApplyReaction(p.MessageID, p.UserID, add); err != nil {
			log.Printf("CHAT: apply reaction: %v", err)
		}
	}
}

func (e *Engine) publish(kind, to string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(&proto.Envelope{Kind: kind, From: e.self, To: to, Payload: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(e.ctx, util.DefaultPublishTimeout)
	defer cancel()
	return e.transport.Publish(ctx, data)
}

func (e *Engine) emit(ev Event) {
	e.listenerMu.Lock()
	for ch := range e.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	e.listenerMu.Unlock()
}
