// Package sqlite implements the storage.Store interface using SQLite.
//
// The layout follows one file per concern:
//
//   - store.go:    Store struct, New, pragmas, helpers
//   - schema.go:   schema definition
//   - issues.go:   issue CRUD and listing
//   - deps.go:     tags, comments, dependency edges
//   - ready.go:    ready/resumable queries and the claim CAS
//   - graph.go:    subtree/ancestor reads, control children, team resolution
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dagwork/dagwork/internal/storage"
)

// Store is the SQLite-backed issue store.
type Store struct {
	db   *sql.DB
	path string
}

var _ storage.Store = (*Store)(nil)

// New opens (and if necessary creates) the issue database at path.
// ":memory:" opens a private shared-cache in-memory database for tests.
func New(ctx context.Context, path string) (*Store, error) {
	var connStr string
	if path == ":memory:" {
		// Shared cache so multiple pooled connections see the same data.
		connStr = fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)", time.Now().UnixNano())
	} else if strings.HasPrefix(path, "file:") {
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	isInMemory := path == ":memory:" || strings.Contains(connStr, "mode=memory")
	if isInMemory {
		// In-memory databases are per-connection by default; force one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path ("" for in-memory stores).
func (s *Store) Path() string {
	if s.path == ":memory:" {
		return ""
	}
	return s.path
}

// NewIssueID mints an opaque stable issue id.
func NewIssueID() string {
	return "dw-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// exists reports whether an issue id is present, without loading it.
func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM issues WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check issue %s: %w", id, err)
	}
	return true, nil
}

func (s *Store) requireIssue(ctx context.Context, id string) error {
	key := strings.TrimSpace(id)
	if key == "" {
		return fmt.Errorf("%w: issue id cannot be empty", storage.ErrInvalidArgument)
	}
	ok, err := s.exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("issue %s: %w", key, storage.ErrNotFound)
	}
	return nil
}

// tagsForIDs loads tags for a set of issues in one query.
func (s *Store) tagsForIDs(ctx context.Context, ids []string) (map[string][]string, error) {
	tags := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return tags, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	// nolint:gosec // G201: placeholders is "?, ?" repetition only
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT issue_id, tag FROM issue_tags
		WHERE issue_id IN (%s)
		ORDER BY tag ASC
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags[id] = append(tags[id], tag)
	}
	return tags, rows.Err()
}
