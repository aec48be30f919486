// Package storage persists chat messages and reactions in a per-node SQLite
// database and fans out row-level change notifications to subscribers.
// Inserts are idempotent on the client-supplied message ID, which is what
// lets an optimistic local insert and the realtime delivery of the same
// message converge to a single row.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the node's SQLite database.
type DB struct {
	db   *sql.DB
	path string

	mu sync.Mutex // serializes multi-statement transactions

	listenerMu sync.RWMutex
	listeners  map[chan Change]struct{}
}

// Open opens or creates the database under dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "chat.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			sender_id        TEXT NOT NULL,
			recipient_id     TEXT NOT NULL,
			content          TEXT NOT NULL,
			kind             TEXT NOT NULL DEFAULT 'text',
			file_name        TEXT NOT NULL DEFAULT '',
			file_size        INTEGER NOT NULL DEFAULT 0,
			duration_seconds REAL NOT NULL DEFAULT 0,
			is_read          INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages index: %w", err)
	}

	// UNIQUE(message_id, user_id) is the schema half of the reaction swap
	// invariant: a user has at most one reaction per message.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reactions (
			id          TEXT PRIMARY KEY,
			message_id  TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id     TEXT NOT NULL,
			emoji       TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			UNIQUE(message_id, user_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create reactions table: %w", err)
	}

	return &DB{
		db:        db,
		path:      dbPath,
		listeners: make(map[chan Change]struct{}),
	}, nil
}

// Close closes the database and all notification channels.
func (d *DB) Close() error {
	d.listenerMu.Lock()
	for ch := range d.listeners {
		close(ch)
	}
	d.listeners = nil
	d.listenerMu.Unlock()

	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}
