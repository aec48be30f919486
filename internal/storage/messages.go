package storage

import (
	"database/sql"
	"fmt"
)

// Message is one persisted chat item. The ID is generated by the sending
// client before any network round-trip.
type Message struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	SenderID        string     `json:"sender_id"`
	RecipientID     string     `json:"recipient_id"`
	Content         string     `json:"content"`
	Kind            string     `json:"kind"` // text|image|audio|file
	FileName        string     `json:"file_name,omitempty"`
	FileSize        int64      `json:"file_size,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	IsRead          bool       `json:"is_read"`
	CreatedAt       int64      `json:"created_at"` // Unix milliseconds
	Reactions       []Reaction `json:"reactions,omitempty"`
}

// Reaction is one (message, user) emoji reaction row.
type Reaction struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	CreatedAt int64  `json:"created_at"`
}

// InsertMessage inserts m if no row with the same ID exists yet. Returns
// true when a row was actually inserted, false for the duplicate-ID case.
// Subscribers are notified only on a real insert, so the realtime delivery
// of an already-present optimistic insert is silent.
func (d *DB) InsertMessage(m Message) (bool, error) {
	res, err := d.db.Exec(`
		INSERT INTO messages
			(id, conversation_id, sender_id, recipient_id, content, kind,
			 file_name, file_size, duration_seconds, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Content, m.Kind,
		m.FileName, m.FileSize, m.DurationSeconds, boolToInt(m.IsRead), m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	msg := m
	d.notify(Change{Op: OpInsert, Table: "messages", ConversationID: m.ConversationID, Message: &msg})
	return true, nil
}

// DeleteMessage removes a message row (optimistic-send rollback).
// Deleting an absent ID is not an error.
func (d *DB) DeleteMessage(id string) error {
	m, err := d.GetMessage(id)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if _, err := d.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	d.notify(Change{Op: OpDelete, Table: "messages", ConversationID: m.ConversationID, Message: m})
	return nil
}

// GetMessage returns one message without reactions, or nil if absent.
func (d *DB) GetMessage(id string) (*Message, error) {
	row := d.db.QueryRow(`
		SELECT id, conversation_id, sender_id, recipient_id, content, kind,
		       file_name, file_size, duration_seconds, is_read, created_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// Conversation returns all messages of a conversation in ascending
// creation-time order, with their reactions attached.
func (d *DB) Conversation(conversationID string) ([]Message, error) {
	rows, err := d.db.Query(`
		SELECT id, conversation_id, sender_id, recipient_id, content, kind,
		       file_name, file_size, duration_seconds, is_read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []Message
	index := make(map[string]int)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		index[m.ID] = len(out)
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rrows, err := d.db.Query(`
		SELECT r.id, r.message_id, r.user_id, r.emoji, r.created_at
		FROM reactions r
		JOIN messages m ON m.id = r.message_id
		WHERE m.conversation_id = ?
		ORDER BY r.created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query reactions for %s: %w", conversationID, err)
	}
	defer rrows.Close()

	for rrows.Next() {
		var r Reaction
		if err := rrows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		if i, ok := index[r.MessageID]; ok {
			out[i].Reactions = append(out[i].Reactions, r)
		}
	}
	return out, rrows.Err()
}

// MarkRead flips is_read on every unread message in the conversation that is
// addressed to recipientID. Idempotent: zero affected rows is a normal
// outcome, not an error. Returns the number of rows flipped.
func (d *DB) MarkRead(conversationID, recipientID string) (int64, error) {
	res, err := d.db.Exec(`
		UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND recipient_id = ? AND is_read = 0`,
		conversationID, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.notify(Change{Op: OpUpdate, Table: "messages", ConversationID: conversationID})
	}
	return n, nil
}

// UnreadCount returns the authoritative unread count for one conversation.
func (d *DB) UnreadCount(conversationID, recipientID string) (int, error) {
	var n int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND recipient_id = ? AND is_read = 0`,
		conversationID, recipientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count %s: %w", conversationID, err)
	}
	return n, nil
}

// UnreadCounts returns the authoritative unread count per conversation for
// the given recipient. Conversations with zero unread are omitted.
func (d *DB) UnreadCounts(recipientID string) (map[string]int, error) {
	rows, err := d.db.Query(`
		SELECT conversation_id, COUNT(*) FROM messages
		WHERE recipient_id = ? AND is_read = 0
		GROUP BY conversation_id`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var conv string
		var n int
		if err := rows.Scan(&conv, &n); err != nil {
			return nil, err
		}
		out[conv] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var isRead int
	if err := r.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID,
		&m.Content, &m.Kind, &m.FileName, &m.FileSize, &m.DurationSeconds,
		&isRead, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.IsRead = isRead != 0
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
