package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opsdesk/huddle/internal/proto"
	"github.com/opsdesk/huddle/internal/storage"
	"github.com/opsdesk/huddle/internal/unread"
)

// ── in-memory broadcast transport ─────────────────────────────────────────────

type memBus struct {
	mu  sync.Mutex
	eps []*memEndpoint
}

func (b *memBus) endpoint(id string) *memEndpoint {
	ep := &memEndpoint{bus: b, id: id, ch: make(chan []byte, 64)}
	b.mu.Lock()
	b.eps = append(b.eps, ep)
	b.mu.Unlock()
	return ep
}

// broadcast delivers to every endpoint, the publisher included, matching a
// shared pubsub topic.
func (b *memBus) broadcast(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ep := range b.eps {
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case ep.ch <- cp:
		default:
		}
	}
}

type memEndpoint struct {
	bus *memBus
	id  string
	ch  chan []byte

	mu   sync.Mutex
	fail bool
}

func (ep *memEndpoint) setFail(on bool) {
	ep.mu.Lock()
	ep.fail = on
	ep.mu.Unlock()
}

func (ep *memEndpoint) Publish(_ context.Context, data []byte) error {
	ep.mu.Lock()
	fail := ep.fail
	ep.mu.Unlock()
	if fail {
		return errors.New("bus unavailable")
	}
	ep.bus.broadcast(data)
	return nil
}

func (ep *memEndpoint) Next(ctx context.Context) ([]byte, string, error) {
	select {
	case data := <-ep.ch:
		return data, ep.id, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

type testPeer struct {
	engine *Engine
	db     *storage.DB
	ep     *memEndpoint
}

func newTestPeer(t *testing.T, bus *memBus, id string) *testPeer {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ep := bus.endpoint(id)
	e := NewEngine(id, ep, db, unread.New(10*time.Second))
	t.Cleanup(e.Close)
	return &testPeer{engine: e, db: db, ep: ep}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestSendPersistsAndDelivers(t *testing.T) {
	bus := &memBus{}
	alice := newTestPeer(t, bus, "alice")
	bob := newTestPeer(t, bus, "bob")

	sent, err := alice.engine.Send("bob", "lunch at noon?", SendOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if sent.ID == "" || sent.ConversationID != ConversationID("alice", "bob") || sent.Kind != KindText {
		t.Fatalf("sent = %+v", sent)
	}

	// Sender side is persisted synchronously.
	hist, err := alice.engine.History("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].ID != sent.ID {
		t.Fatalf("alice history = %+v", hist)
	}

	waitUntil(t, "bob to receive the message", func() bool {
		h, err := bob.engine.History("alice")
		return err == nil && len(h) == 1
	})
	h, _ := bob.engine.History("alice")
	if h[0].ID != sent.ID || h[0].Content != "lunch at noon?" || h[0].SenderID != "alice" {
		t.Fatalf("bob copy = %+v", h[0])
	}
	if h[0].IsRead {
		t.Fatal("message read despite conversation not being open")
	}

	counts, err := bob.engine.UnreadCounts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[sent.ConversationID] != 1 {
		t.Fatalf("bob unread = %v", counts)
	}

	// Alice never counts her own broadcast against herself.
	counts, err = alice.engine.UnreadCounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Fatalf("alice unread = %v", counts)
	}
}

func TestSendRollsBackWhenBroadcastFails(t *testing.T) {
	bus := &memBus{}
	alice := newTestPeer(t, bus, "alice")

	alice.ep.setFail(true)
	if _, err := alice.engine.Send("bob", "into the void", SendOpts{}); err == nil {
		t.Fatal("send should fail when the bus is down")
	}

	hist, err := alice.engine.History("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Fatalf("optimistic row survived rollback: %+v", hist)
	}
}

func TestSendValidation(t *testing.T) {
	bus := &memBus{}
	alice := newTestPeer(t, bus, "alice")

	if _, err := alice.engine.Send("", "x", SendOpts{}); err == nil {
		t.Fatal("empty recipient accepted")
	}
	if _, err := alice.engine.Send("alice", "x", SendOpts{}); err == nil {
		t.Fatal("self-message accepted")
	}
}

func TestRedeliveryIsDeduplicated(t *testing.T) {
	bus := &memBus{}
	bob := newTestPeer(t, bus, "bob")

	events, cancel := bob.engine.Subscribe()
	defer cancel()

	conv := ConversationID("alice", "bob")
	payload, _ := json.Marshal(proto.ChatMessagePayload{
		ID:             "fixed-id",
		ConversationID: conv,
		SenderID:       "alice",
		RecipientID:    "bob",
		Content:        "once only",
		MsgKind:        KindText,
		CreatedAt:      proto.NowMillis(),
	})
	env, _ := json.Marshal(&proto.Envelope{Kind: proto.KindChatMessage, From: "alice", To: "bob", Payload: payload})

	bus.broadcast(env)
	bus.broadcast(env)

	waitUntil(t, "bob to store the message", func() bool {
		h, err := bob.engine.History("alice")
		return err == nil && len(h) == 1
	})
	time.Sleep(50 * time.Millisecond)

	h, _ := bob.engine.History("alice")
	if len(h) != 1 {
		t.Fatalf("history = %+v, want one row", h)
	}
	counts, err := bob.engine.UnreadCounts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[conv] != 1 {
		t.Fatalf("unread = %v, want 1 despite redelivery", counts)
	}

	// Exactly one unread event for the two deliveries.
	select {
	case ev := <-events:
		if ev.Type != "chat-unread" || ev.Count != 1 || ev.PeerID != "alice" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no unread event")
	}
	select {
	case ev := <-events:
		t.Fatalf("duplicate event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSpoofedSenderIsRejected(t *testing.T) {
	bus := &memBus{}
	bob := newTestPeer(t, bus, "bob")

	payload, _ := json.Marshal(proto.ChatMessagePayload{
		ID:             "spoof",
		ConversationID: ConversationID("carol", "bob"),
		SenderID:       "carol",
		RecipientID:    "bob",
		Content:        "pretending",
		MsgKind:        KindText,
	})
	env, _ := json.Marshal(&proto.Envelope{Kind: proto.KindChatMessage, From: "mallory", To: "bob", Payload: payload})
	bus.broadcast(env)

	time.Sleep(100 * time.Millisecond)
	h, err := bob.engine.History("carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 0 {
		t.Fatalf("spoofed message stored: %+v", h)
	}
}

func TestOpenConversationAcknowledgesImmediately(t *testing.T) {
	bus := &memBus{}
	alice := newTestPeer(t, bus, "alice")
	bob := newTestPeer(t, bus, "bob")

	if err := bob.engine.OpenConversation("alice"); err != nil {
		t.Fatal(err)
	}
	sent, err := alice.engine.Send("bob", "you there?", SendOpts{})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "bob to receive the message", func() bool {
		h, err := bob.engine.History("alice")
		return err == nil && len(h) == 1
	})
	h, _ := bob.engine.History("alice")
	if !h[0].IsRead {
		t.Fatal("message unread despite open conversation")
	}
	counts, err := bob.engine.UnreadCounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Fatalf("unread = %v, want none", counts)
	}

	// The immediate receipt flips alice's copy to read.
	waitUntil(t, "read receipt to reach alice", func() bool {
		ah, err := alice.engine.History("bob")
		return err == nil && len(ah) == 1 && ah[0].IsRead
	})

	// After closing, arrivals count as unread again.
	bob.engine.CloseConversation("alice")
	if _, err := alice.engine.Send("bob", "follow-up", SendOpts{}); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "second message to arrive", func() bool {
		h, err := bob.engine.History("alice")
		return err == nil && len(h) == 2
	})
	counts, err = bob.engine.UnreadCounts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[sent.ConversationID] != 1 {
		t.Fatalf("unread after close = %v, want 1", counts)
	}
}

func TestOpenConversationClearsBacklog(t *testing.T) {
	bus := &memBus{}
	alice := newTestPeer(t, bus, "alice")
	bob := newTestPeer(t, bus, "bob")

	for _, text := range []string{"one", "two"} {
		if _, err := alice.engine.Send("bob", text, SendOpts{}); err != nil {
			t.Fatal(err)
		}
	}
	waitUntil(t, "backlog to arrive", func() bool {
		h, err := bob.engine.History("alice")
		return err == nil && len(h) == 2
	})

	if err := bob.engine.OpenConversation("alice"); err != nil {
		t.Fatal(err)
	}
	counts, err := bob.engine.UnreadCounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Fatalf("unread after open = %v", counts)
	}

	// The single receipt covers the whole backlog on alice's side.
	waitUntil(t, "backlog receipt to reach alice", func() bool {
		h, err := alice.engine.History("bob")
		if err != nil || len(h) != 2 {
			return false
		}
		return h[0].IsRead && h[1].IsRead
	})
}

func TestReactionReplicatesWithSharedRowIdentity(t *testing.T) {
	bus := &memBus{}
	alice := newTestPeer(t, bus, "alice")
	bob := newTestPeer(t, bus, "bob")

	sent, err := alice.engine.Send("bob", "react to this", SendOpts{})
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "message to reach bob", func() bool {
		h, err := bob.engine.History("alice")
		return err == nil && len(h) == 1
	})

	if err := bob.engine.ToggleReaction(sent.ID, "👍"); err != nil {
		t.Fatal(err)
	}
	var rowID string
	waitUntil(t, "reaction to reach alice", func() bool {
		rs, err := alice.db.MessageReactions(sent.ID)
		if err != nil || len(rs) != 1 {
			return false
		}
		rowID = rs[0].ID
		return rs[0].Emoji == "👍" && rs[0].UserID == "bob"
	})
	brs, err := bob.db.MessageReactions(sent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(brs) != 1 || brs[0].ID != rowID {
		t.Fatalf("row identity differs: alice %s, bob %+v", rowID, brs)
	}

	// Swapping replaces on both sides.
	if err := bob.engine.ToggleReaction(sent.ID, "❤️"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "swap to reach alice", func() bool {
		rs, err := alice.db.MessageReactions(sent.ID)
		return err == nil && len(rs) == 1 && rs[0].Emoji == "❤️"
	})

	// Re-toggling removes on both sides.
	if err := bob.engine.ToggleReaction(sent.ID, "❤️"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "removal to reach alice", func() bool {
		rs, err := alice.db.MessageReactions(sent.ID)
		return err == nil && len(rs) == 0
	})
}

func TestToggleReactionUnknownMessage(t *testing.T) {
	bus := &memBus{}
	alice := newTestPeer(t, bus, "alice")

	if err := alice.engine.ToggleReaction("no-such-id", "👍"); err == nil {
		t.Fatal("unknown message accepted")
	}
	if err := alice.engine.ToggleReaction("whatever", ""); err == nil {
		t.Fatal("empty emoji accepted")
	}
}

func TestConversationIDIsSymmetric(t *testing.T) {
	if ConversationID("alice", "bob") != ConversationID("bob", "alice") {
		t.Fatal("conversation ID depends on argument order")
	}
	if ConversationID("alice", "bob") == ConversationID("alice", "carol") {
		t.Fatal("distinct pairs collide")
	}
}
