package bus

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteJournal persists processed message ids so at-least-once channels do
// not cause duplicate turns after a restart.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the journal database at dbPath.
func OpenJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS processed_messages (
		id TEXT PRIMARY KEY,
		processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// MarkSeen records id and reports whether it was already present.
func (j *SQLiteJournal) MarkSeen(id string) (bool, error) {
	res, err := j.db.Exec(`INSERT OR IGNORE INTO processed_messages (id) VALUES (?)`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Prune removes journal rows older than the retention window.
func (j *SQLiteJournal) Prune(retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	_, err := j.db.Exec(
		fmt.Sprintf(`DELETE FROM processed_messages WHERE processed_at < datetime('now', '-%d days')`, retentionDays))
	return err
}

// Close closes the underlying database.
func (j *SQLiteJournal) Close() error { return j.db.Close() }
