package storage

// ChangeOp says what happened to a row.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// Change is one row-level change notification. Exactly one of Message and
// Reaction is set, matching Table.
type Change struct {
	Op             ChangeOp  `json:"op"`
	Table          string    `json:"table"` // "messages" | "reactions"
	ConversationID string    `json:"conversation_id,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	Reaction       *Reaction `json:"reaction,omitempty"`
}

// Subscribe returns a channel receiving row-level change notifications and a
// cancel function. Slow consumers lose notifications rather than block writers.
// After Close the returned channel is already closed.
func (d *DB) Subscribe() (chan Change, func()) {
	ch := make(chan Change, 128)

	d.listenerMu.Lock()
	if d.listeners == nil {
		d.listenerMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	d.listeners[ch] = struct{}{}
	d.listenerMu.Unlock()

	cancel := func() {
		d.listenerMu.Lock()
		if _, ok := d.listeners[ch]; ok {
			delete(d.listeners, ch)
			close(ch)
		}
		d.listenerMu.Unlock()
	}
	return ch, cancel
}

func (d *DB) notify(c Change) {
	d.listenerMu.RLock()
	for ch := range d.listeners {
		select {
		case ch <- c:
		default:
		}
	}
	d.listenerMu.RUnlock()
}
