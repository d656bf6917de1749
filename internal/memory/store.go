// Package memory provides the durable key/value and note store scoped per
// agent identity.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry scopes.
const (
	ScopeGlobal  = "global"
	ScopeSession = "session"
)

// Entry is a durable key/value memory record. Entries are never silently
// expired; only explicit deletion removes them.
type Entry struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Scope      string    `json:"scope"`
	SessionKey string    `json:"session_key,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Note is a freeform memory record, e.g. a compaction summary of old
// conversation turns.
type Note struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// StorageError wraps persistence failures so callers can degrade instead of
// failing the whole iteration.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "memory storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is a memory persistence failure.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	key TEXT NOT NULL,
	scope TEXT NOT NULL DEFAULT 'global',
	session_key TEXT NOT NULL DEFAULT '',
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (key, scope, session_key)
);
CREATE TABLE IF NOT EXISTS memory_notes (
	id TEXT PRIMARY KEY,
	session_key TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_memory_entries_session ON memory_entries(session_key);
CREATE INDEX IF NOT EXISTS idx_memory_notes_session ON memory_notes(session_key);
`

// Store persists memory entries and notes in SQLite. Reads are concurrent;
// writes are serialized by the driver.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the memory database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply memory schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Set writes or overwrites an entry. sessionKey is ignored for global scope.
func (s *Store) Set(ctx context.Context, key, value, scope, sessionKey string) error {
	if scope != ScopeSession {
		scope = ScopeGlobal
		sessionKey = ""
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (key, scope, session_key, value, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key, scope, session_key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, scope, sessionKey, value)
	if err != nil {
		return &StorageError{Op: "set", Err: err}
	}
	return nil
}

// Get resolves key for sessionKey. A session-scoped entry overrides a
// global one of the same key.
func (s *Store) Get(ctx context.Context, key, sessionKey string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, scope, session_key, updated_at FROM memory_entries
		WHERE key = ? AND (scope = 'global' OR (scope = 'session' AND session_key = ?))
		ORDER BY CASE scope WHEN 'session' THEN 0 ELSE 1 END
		LIMIT 1
	`, key, sessionKey)

	var e Entry
	if err := row.Scan(&e.Key, &e.Value, &e.Scope, &e.SessionKey, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &StorageError{Op: "get", Err: err}
	}
	return &e, nil
}

// Delete removes an entry. Returns true if a row was deleted.
func (s *Store) Delete(ctx context.Context, key, scope, sessionKey string) (bool, error) {
	if scope != ScopeSession {
		scope = ScopeGlobal
		sessionKey = ""
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE key = ? AND scope = ? AND session_key = ?`,
		key, scope, sessionKey)
	if err != nil {
		return false, &StorageError{Op: "delete", Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns all entries visible to sessionKey: session-scoped entries for
// that session plus global ones, with session scope shadowing global keys.
func (s *Store) List(ctx context.Context, sessionKey string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, scope, session_key, updated_at FROM memory_entries
		WHERE scope = 'global' OR (scope = 'session' AND session_key = ?)
		ORDER BY key, CASE scope WHEN 'session' THEN 0 ELSE 1 END
	`, sessionKey)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var result []Entry
	seen := make(map[string]bool)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Scope, &e.SessionKey, &e.UpdatedAt); err != nil {
			return nil, &StorageError{Op: "list", Err: err}
		}
		if seen[e.Key] {
			continue
		}
		seen[e.Key] = true
		result = append(result, e)
	}
	return result, rows.Err()
}

// AddNote stores a freeform note and returns its id. The id is derived from
// the content hash position only when provided; otherwise a fresh UUID.
func (s *Store) AddNote(ctx context.Context, id, sessionKey, content string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_notes (id, session_key, content, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content
	`, id, sessionKey, content)
	if err != nil {
		return "", &StorageError{Op: "add note", Err: err}
	}
	return id, nil
}

// Notes returns the most recent notes for a session, newest first.
func (s *Store) Notes(ctx context.Context, sessionKey string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, content, created_at FROM memory_notes
		WHERE session_key = ? OR session_key = ''
		ORDER BY created_at DESC LIMIT ?
	`, sessionKey, limit)
	if err != nil {
		return nil, &StorageError{Op: "notes", Err: err}
	}
	defer rows.Close()

	var result []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.SessionKey, &n.Content, &n.CreatedAt); err != nil {
			return nil, &StorageError{Op: "notes", Err: err}
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// SearchNotes returns notes containing the query substring, newest first.
func (s *Store) SearchNotes(ctx context.Context, sessionKey, query string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, content, created_at FROM memory_notes
		WHERE (session_key = ? OR session_key = '') AND content LIKE ?
		ORDER BY created_at DESC LIMIT ?
	`, sessionKey, "%"+query+"%", limit)
	if err != nil {
		return nil, &StorageError{Op: "search notes", Err: err}
	}
	defer rows.Close()

	var result []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.SessionKey, &n.Content, &n.CreatedAt); err != nil {
			return nil, &StorageError{Op: "search notes", Err: err}
		}
		result = append(result, n)
	}
	return result, rows.Err()
}
