package storage

import (
	"database/sql"
	"fmt"
)

// ToggleOutcome reports what a reaction toggle did: the row that was removed
// (if the user had a prior reaction) and the row that was added (if the
// requested emoji differed from the prior one). Toggling the same emoji
// twice removes it without adding anything.
type ToggleOutcome struct {
	Removed *Reaction
	Added   *Reaction
}

// ToggleReaction applies swap-not-stack semantics for (messageID, userID):
// an existing reaction is always removed first, and the new emoji is added
// only if it differs from the removed one. newID names the row created for
// an added reaction so both sides of the wire agree on row identity.
func (d *DB) ToggleReaction(messageID, userID, emoji, newID string, createdAt int64) (ToggleOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out ToggleOutcome

	tx, err := d.db.Begin()
	if err != nil {
		return out, fmt.Errorf("toggle reaction: %w", err)
	}
	defer tx.Rollback()

	var prior Reaction
	err = tx.QueryRow(`
		SELECT id, message_id, user_id, emoji, created_at
		FROM reactions WHERE message_id = ? AND user_id = ?`,
		messageID, userID).Scan(&prior.ID, &prior.MessageID, &prior.UserID, &prior.Emoji, &prior.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		// no prior reaction
	case err != nil:
		return out, fmt.Errorf("toggle reaction: %w", err)
	default:
		if _, err := tx.Exec(`DELETE FROM reactions WHERE id = ?`, prior.ID); err != nil {
			return out, fmt.Errorf("toggle reaction: %w", err)
		}
		out.Removed = &prior
	}

	if out.Removed == nil || out.Removed.Emoji != emoji {
		added := Reaction{ID: newID, MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: createdAt}
		if _, err := tx.Exec(`
			INSERT INTO reactions (id, message_id, user_id, emoji, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			added.ID, added.MessageID, added.UserID, added.Emoji, added.CreatedAt); err != nil {
			return out, fmt.Errorf("toggle reaction: %w", err)
		}
		out.Added = &added
	}

	if err := tx.Commit(); err != nil {
		return ToggleOutcome{}, fmt.Errorf("toggle reaction: %w", err)
	}

	conv := d.conversationOf(messageID)
	if out.Removed != nil {
		d.notify(Change{Op: OpDelete, Table: "reactions", ConversationID: conv, Reaction: out.Removed})
	}
	if out.Added != nil {
		d.notify(Change{Op: OpInsert, Table: "reactions", ConversationID: conv, Reaction: out.Added})
	}
	return out, nil
}

// ApplyReaction reconciles a remote reaction toggle. The one-reaction-per-user
// invariant is enforced here too: any existing row for (messageID, userID) is
// deleted before the add is applied, regardless of what the remove op names.
func (d *DB) ApplyReaction(messageID, userID string, add *Reaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("apply reaction: %w", err)
	}
	defer tx.Rollback()

	var prior Reaction
	err = tx.QueryRow(`
		SELECT id, message_id, user_id, emoji, created_at
		FROM reactions WHERE message_id = ? AND user_id = ?`,
		messageID, userID).Scan(&prior.ID, &prior.MessageID, &prior.UserID, &prior.Emoji, &prior.CreatedAt)
	var removed *Reaction
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("apply reaction: %w", err)
	default:
		if _, err := tx.Exec(`DELETE FROM reactions WHERE id = ?`, prior.ID); err != nil {
			return fmt.Errorf("apply reaction: %w", err)
		}
		removed = &prior
	}

	if add != nil {
		if _, err := tx.Exec(`
			INSERT INTO reactions (id, message_id, user_id, emoji, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			add.ID, add.MessageID, add.UserID, add.Emoji, add.CreatedAt); err != nil {
			return fmt.Errorf("apply reaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply reaction: %w", err)
	}

	conv := d.conversationOf(messageID)
	if removed != nil {
		d.notify(Change{Op: OpDelete, Table: "reactions", ConversationID: conv, Reaction: removed})
	}
	if add != nil {
		r := *add
		d.notify(Change{Op: OpInsert, Table: "reactions", ConversationID: conv, Reaction: &r})
	}
	return nil
}

// MessageReactions returns all reactions on one message in creation order.
func (d *DB) MessageReactions(messageID string) ([]Reaction, error) {
	rows, err := d.db.Query(`
		SELECT id, message_id, user_id, emoji, created_at
		FROM reactions WHERE message_id = ?
		ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query reactions %s: %w", messageID, err)
	}
	defer rows.Close()

	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) conversationOf(messageID string) string {
	var conv string
	_ = d.db.QueryRow(`SELECT conversation_id FROM messages WHERE id = ?`, messageID).Scan(&conv)
	return conv
}
