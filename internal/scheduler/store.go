package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Job categories select the dispatch semaphore.
const (
	CategoryLLM     = "llm"
	CategoryShell   = "shell"
	CategoryDefault = "default"
)

// Job is a persisted scheduled unit of work. When due, Payload is injected
// into the agent loop as a system-origin message addressed to
// (Channel, ChatID).
type Job struct {
	ID          string
	Name        string
	Schedule    string
	Payload     string
	Channel     string
	ChatID      string
	Category    string
	Enabled     bool
	NextFireAt  time.Time
	LastFiredAt *time.Time
	CreatedAt   time.Time
}

const jobSchema = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	schedule TEXT NOT NULL,
	payload TEXT NOT NULL,
	channel TEXT NOT NULL DEFAULT 'scheduler',
	chat_id TEXT NOT NULL DEFAULT 'default',
	category TEXT NOT NULL DEFAULT 'default',
	enabled INTEGER NOT NULL DEFAULT 1,
	next_fire_at DATETIME NOT NULL,
	last_fired_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due ON scheduled_jobs(enabled, next_fire_at);
`

// Store persists scheduled jobs in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the job database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open scheduler db: %w", err)
	}
	if _, err := db.Exec(jobSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply scheduler schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Add inserts a job. The schedule is validated and the first fire time
// computed from now. A generated id is filled in if the job has none.
func (s *Store) Add(ctx context.Context, job *Job) error {
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Channel == "" {
		job.Channel = "scheduler"
	}
	if job.ChatID == "" {
		job.ChatID = "default"
	}
	if job.Category == "" {
		job.Category = CategoryDefault
	}
	now := time.Now()
	job.NextFireAt = sched.Next(now)
	job.CreatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, name, schedule, payload, channel, chat_id, category, enabled, next_fire_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Name, job.Schedule, job.Payload, job.Channel, job.ChatID, job.Category, job.Enabled, job.NextFireAt, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("add job %s: %w", job.Name, err)
	}
	return nil
}

// Upsert inserts the job or, if a job with the same name exists, refreshes
// its schedule and payload while keeping its fire history.
func (s *Store) Upsert(ctx context.Context, job *Job) error {
	existing, err := s.GetByName(ctx, job.Name)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.Add(ctx, job)
	}

	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return err
	}
	next := existing.NextFireAt
	if existing.Schedule != job.Schedule {
		next = sched.Next(time.Now())
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET schedule = ?, payload = ?, channel = ?, chat_id = ?, category = ?, enabled = ?, next_fire_at = ?
		WHERE name = ?
	`, job.Schedule, job.Payload, job.Channel, job.ChatID, job.Category, job.Enabled, next, job.Name)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.Name, err)
	}
	return nil
}

// GetByName returns the job with the given name, or nil if absent.
func (s *Store) GetByName(ctx context.Context, name string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, schedule, payload, channel, chat_id, category, enabled, next_fire_at, last_fired_at, created_at
		FROM scheduled_jobs WHERE name = ?
	`, name)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// List returns all jobs ordered by name.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, schedule, payload, channel, chat_id, category, enabled, next_fire_at, last_fired_at, created_at
		FROM scheduled_jobs ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Due returns enabled jobs whose fire time has passed. A job that was due
// while the process was down shows up here exactly once on the first tick
// after restart.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, schedule, payload, channel, chat_id, category, enabled, next_fire_at, last_fired_at, created_at
		FROM scheduled_jobs WHERE enabled = 1 AND next_fire_at <= ? ORDER BY next_fire_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkFired records a dispatch and advances the fire time. nextFireAt is
// computed from the dispatch time, not the scheduled time, so backlogged
// fires collapse into one.
func (s *Store) MarkFired(ctx context.Context, id string, firedAt, nextFireAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_fired_at = ?, next_fire_at = ? WHERE id = ?
	`, firedAt, nextFireAt, id)
	if err != nil {
		return fmt.Errorf("mark fired %s: %w", id, err)
	}
	return nil
}

// SetEnabled toggles a job by name.
func (s *Store) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return fmt.Errorf("toggle job %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown job: %s", name)
	}
	return nil
}

// Delete removes a job by name.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown job: %s", name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var lastFired sql.NullTime
	err := row.Scan(&job.ID, &job.Name, &job.Schedule, &job.Payload, &job.Channel, &job.ChatID,
		&job.Category, &job.Enabled, &job.NextFireAt, &lastFired, &job.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastFired.Valid {
		job.LastFiredAt = &lastFired.Time
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
