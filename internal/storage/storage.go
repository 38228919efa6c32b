// Package storage provides SQLite-based persistence for conversations and the
// long-term memory. Conversations are stored as JSON snapshots.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/pichat/internal/conversation"
	"github.com/comigor/pichat/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS memory (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// DB wraps the SQLite handle.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single connection serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	logger.L.Info("sqlite storage initialized", "path", path)
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// SaveConversation inserts or replaces a conversation snapshot.
func (d *DB) SaveConversation(ctx context.Context, c conversation.Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO conversations (id, title, data, updated_at) VALUES (?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, data = excluded.data, updated_at = excluded.updated_at;`,
		string(c.ID), c.Title, string(data), c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	return nil
}

// DeleteConversation removes a conversation. Deleting a missing id is not an
// error.
func (d *DB) DeleteConversation(ctx context.Context, id conversation.ID) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?;`, string(id)); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// LoadConversations returns every stored conversation, most recently updated
// first. Rows that fail to decode are skipped and logged.
func (d *DB) LoadConversations(ctx context.Context) ([]conversation.Conversation, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, data FROM conversations ORDER BY updated_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		var c conversation.Conversation
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			logger.L.Warn("skipping undecodable conversation", "id", id, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveMemory upserts one memory entry.
func (d *DB) SaveMemory(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO memory (key, value) VALUES (?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value;`, key, value)
	if err != nil {
		return fmt.Errorf("save memory %q: %w", key, err)
	}
	return nil
}

// DeleteMemory removes one memory entry.
func (d *DB) DeleteMemory(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM memory WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("delete memory %q: %w", key, err)
	}
	return nil
}

// LoadMemory returns every memory entry.
func (d *DB) LoadMemory(ctx context.Context) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT key, value FROM memory;`)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
