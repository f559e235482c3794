// Package forum is a small SQLite-backed topic/message board. Agents and
// the orchestrator coordinate through it: per-issue event streams, run
// aggregation topics, and session status signals are all just topics.
package forum

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dagwork/dagwork/internal/events"
)

const forumSchema = `
CREATE TABLE IF NOT EXISTS topics (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	topic      TEXT NOT NULL REFERENCES topics(name) ON DELETE CASCADE,
	author     TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic, id);
`

// Message is one posted record. Body is a JSON document.
type Message struct {
	ID        int64  `json:"id"`
	Topic     string `json:"topic"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
}

// Forum is the SQLite board. It implements events.Sink.
type Forum struct {
	db *sql.DB
}

var _ events.Sink = (*Forum)(nil)

// Open opens (creating if needed) the forum database at path. ":memory:"
// yields a private in-memory board.
func Open(ctx context.Context, path string) (*Forum, error) {
	connStr := "file:" + path + "?_pragma=busy_timeout(30000)"
	if path == ":memory:" {
		connStr = fmt.Sprintf("file:forum%d?mode=memory&cache=shared", time.Now().UnixNano())
	} else if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open forum: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.ExecContext(ctx, forumSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize forum schema: %w", err)
	}
	return &Forum{db: db}, nil
}

// Close closes the board.
func (f *Forum) Close() error {
	return f.db.Close()
}

// PostJSON marshals payload and appends it to the topic, creating the
// topic on first use.
func (f *Forum) PostJSON(ctx context.Context, topic, author string, payload interface{}) (*Message, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	now := time.Now().UnixMilli()
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO topics (name, created_at) VALUES (?, ?)`, topic, now); err != nil {
		return nil, fmt.Errorf("failed to ensure topic: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (topic, author, body, created_at) VALUES (?, ?, ?, ?)`,
		topic, author, string(body), now)
	if err != nil {
		return nil, fmt.Errorf("failed to post message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &Message{ID: id, Topic: topic, Author: author, Body: string(body), CreatedAt: now}, nil
}

// ReadJSON returns the topic's messages with id greater than afterID, in
// post order. limit <= 0 means no limit.
func (f *Forum) ReadJSON(ctx context.Context, topic string, afterID int64, limit int) ([]*Message, error) {
	query := `
		SELECT id, topic, author, body, created_at FROM messages
		WHERE topic = ? AND id > ?
		ORDER BY id ASC
	`
	args := []interface{}{strings.TrimSpace(topic), afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read topic %s: %w", topic, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Author, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// Topics lists topic names, oldest first.
func (f *Forum) Topics(ctx context.Context) ([]string, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT name FROM topics ORDER BY created_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Post implements events.Sink: validated events land on the topic as JSON.
func (f *Forum) Post(ctx context.Context, topic string, ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	_, err := f.PostJSON(ctx, topic, "orchestrator", ev)
	return err
}
