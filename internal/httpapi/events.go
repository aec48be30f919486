package httpapi

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/opsdesk/huddle/internal/call"
	"github.com/opsdesk/huddle/internal/chat"
	"github.com/opsdesk/huddle/internal/presence"
	"github.com/opsdesk/huddle/internal/storage"
	"github.com/opsdesk/huddle/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Loopback-only API; the webview origin varies (localhost, file://).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvent is one frame on the /api/events websocket.
type streamEvent struct {
	Source string `json:"source"` // call|chat|presence|store
	Event  any    `json:"event"`
}

// eventHub merges every subsystem's notifications into one stream, keeping a
// ring of recent events so a reconnecting UI can catch up.
type eventHub struct {
	mu        sync.Mutex
	listeners map[chan streamEvent]struct{}
	recent    *util.RingBuffer[streamEvent]
}

func newEventHub(replay int) *eventHub {
	if replay <= 0 {
		replay = 100
	}
	return &eventHub{
		listeners: make(map[chan streamEvent]struct{}),
		recent:    util.NewRingBuffer[streamEvent](replay),
	}
}

// run merges subsystem events until the source channels close.
func (h *eventHub) run(machine *call.Machine, engine *chat.Engine, store *storage.DB, roster *presence.Table) {
	callCh, _ := machine.Subscribe()
	chatCh, _ := engine.Subscribe()
	storeCh, _ := store.Subscribe()
	rosterCh := roster.Subscribe()

	go func() {
		for {
			var ev streamEvent
			select {
			case e, ok := <-callCh:
				if !ok {
					return
				}
				ev = streamEvent{Source: "call", Event: e}
			case e, ok := <-chatCh:
				if !ok {
					return
				}
				ev = streamEvent{Source: "chat", Event: e}
			case e, ok := <-storeCh:
				if !ok {
					return
				}
				ev = streamEvent{Source: "store", Event: e}
			case e, ok := <-rosterCh:
				if !ok {
					return
				}
				ev = streamEvent{Source: "presence", Event: e}
			}
			h.publish(ev)
		}
	}()
}

func (h *eventHub) publish(ev streamEvent) {
	h.mu.Lock()
	h.recent.Push(ev)
	for ch := range h.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *eventHub) subscribe() (chan streamEvent, []streamEvent, func()) {
	ch := make(chan streamEvent, 128)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	replay := h.recent.Snapshot()
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.listeners[ch]; ok {
			delete(h.listeners, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, replay, cancel
}

// handleEvents upgrades to a websocket and streams merged events, starting
// with a replay of recent history.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("HTTP: events upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ch, replay, cancel := s.hub.subscribe()
	defer cancel()

	// Drain incoming frames (ping/pong, close) without blocking the writer.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range replay {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
