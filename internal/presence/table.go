// Package presence tracks which coworkers are currently reachable on the
// network. The table is fed by presence broadcasts from the p2p layer and
// drives the roster shown by the HTTP API.
package presence

import (
	"sync"
	"time"
)

// Coworker is one entry in the roster.
type Coworker struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	AvatarRef    string    `json:"avatar_ref,omitempty"`
	Role         string    `json:"role,omitempty"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since,omitempty"`
}

// Event describes a roster change for event-stream consumers.
type Event struct {
	Type     string    `json:"type"` // "update" | "remove"
	PeerID   string    `json:"peer_id,omitempty"`
	Coworker *Coworker `json:"coworker,omitempty"`
}

// Table is the in-memory roster. Safe for concurrent use.
type Table struct {
	mu        sync.Mutex
	peers     map[string]Coworker
	listeners []chan Event
}

func NewTable() *Table {
	return &Table{
		peers:     map[string]Coworker{},
		listeners: make([]chan Event, 0),
	}
}

// Upsert records a presence announcement, marking the coworker online.
func (t *Table) Upsert(id, displayName, avatarRef, role string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cw := Coworker{
		ID:          id,
		DisplayName: displayName,
		AvatarRef:   avatarRef,
		Role:        role,
		Online:      true,
		LastSeen:    time.Now(),
	}
	t.peers[id] = cw
	t.notifyListeners(Event{Type: "update", PeerID: id, Coworker: &cw})
}

// Touch refreshes LastSeen without changing identity fields.
func (t *Table) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cw, ok := t.peers[id]
	if !ok {
		return
	}
	cw.LastSeen = time.Now()
	t.peers[id] = cw
}

// MarkOffline flips a coworker to offline on an explicit goodbye. The entry
// stays in the roster until the grace period prunes it.
func (t *Table) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cw, ok := t.peers[id]
	if !ok {
		return
	}
	wasOnline := cw.Online
	cw.Online = false
	if wasOnline {
		cw.OfflineSince = time.Now()
	}
	t.peers[id] = cw
	if wasOnline {
		t.notifyListeners(Event{Type: "update", PeerID: id, Coworker: &cw})
	}
}

// Remove drops a coworker from the roster entirely.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
	t.notifyListeners(Event{Type: "remove", PeerID: id})
}

// Get returns one coworker by ID.
func (t *Table) Get(id string) (Coworker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cw, ok := t.peers[id]
	return cw, ok
}

// Snapshot returns a copy of the full roster.
func (t *Table) Snapshot() map[string]Coworker {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Coworker, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale moves online coworkers with expired TTL to offline, then
// removes offline entries past the grace period.
func (t *Table) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cw := range t.peers {
		if cw.Online {
			if cw.LastSeen.Before(ttlCutoff) {
				cw.Online = false
				cw.OfflineSince = time.Now()
				t.peers[id] = cw
				t.notifyListeners(Event{Type: "update", PeerID: id, Coworker: &cw})
			}
		} else if cw.OfflineSince.Before(graceCutoff) {
			delete(t.peers, id)
			t.notifyListeners(Event{Type: "remove", PeerID: id})
		}
	}
}

// Subscribe returns a channel of roster events.
func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notifyListeners(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
