package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/RookClaw/RookClaw/internal/bus"
)

// Config holds scheduler settings.
type Config struct {
	Enabled           bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval      time.Duration `json:"tickInterval"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
	MaxConcLLM        int           `json:"maxConcLLM"`
	MaxConcShell      int           `json:"maxConcShell"`
	MaxConcDefault    int           `json:"maxConcDefault"`
	LockPath          string        `json:"lockPath"`
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:           true,
		TickInterval:      30 * time.Second,
		HeartbeatInterval: 30 * time.Minute,
		MaxConcLLM:        3,
		MaxConcShell:      1,
		MaxConcDefault:    5,
		LockPath:          filepath.Join(home, ".rookclaw", "scheduler.lock"),
	}
}

// HeartbeatJobName is the reserved name of the built-in liveness job.
const HeartbeatJobName = "heartbeat"

const heartbeatPrompt = "Heartbeat check-in. Review pending work and open subagent tasks. " +
	"If nothing needs attention, reply with a single short status line."

// Scheduler drains due jobs from the store on a fixed tick and publishes
// them as system-origin messages. One fire per job per due period: the next
// fire time advances from the dispatch time, so time spent down produces a
// single catch-up fire rather than a backlog.
type Scheduler struct {
	cfg        Config
	store      *Store
	bus        *bus.MessageBus
	semaphores map[string]*Semaphore
	lock       *FileLock
}

// New creates a Scheduler over a job store.
func New(cfg Config, store *Store, b *bus.MessageBus) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxConcLLM <= 0 {
		cfg.MaxConcLLM = def.MaxConcLLM
	}
	if cfg.MaxConcShell <= 0 {
		cfg.MaxConcShell = def.MaxConcShell
	}
	if cfg.MaxConcDefault <= 0 {
		cfg.MaxConcDefault = def.MaxConcDefault
	}
	if cfg.LockPath == "" {
		cfg.LockPath = def.LockPath
	}

	return &Scheduler{
		cfg:   cfg,
		store: store,
		bus:   b,
		semaphores: map[string]*Semaphore{
			CategoryLLM:     NewSemaphore(cfg.MaxConcLLM),
			CategoryShell:   NewSemaphore(cfg.MaxConcShell),
			CategoryDefault: NewSemaphore(cfg.MaxConcDefault),
		},
		lock: NewFileLock(cfg.LockPath),
	}
}

// EnsureHeartbeat installs or refreshes the built-in heartbeat job. The
// heartbeat is always enabled; it exists so the agent wakes up on schedule
// even with no registered jobs and no inbound traffic.
func (s *Scheduler) EnsureHeartbeat(ctx context.Context) error {
	return s.store.Upsert(ctx, &Job{
		Name:     HeartbeatJobName,
		Schedule: fmt.Sprintf("@every %s", s.cfg.HeartbeatInterval),
		Payload:  heartbeatPrompt,
		Channel:  "scheduler",
		ChatID:   HeartbeatJobName,
		Category: CategoryLLM,
		Enabled:  true,
	})
}

// Run starts the tick loop. The first tick happens immediately so fires
// missed during downtime dispatch on startup. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

// tick dispatches every enabled job whose fire time has passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("Scheduler lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("Scheduler tick skipped: lock held by another process")
		return
	}
	defer s.lock.Unlock()

	due, err := s.store.Due(ctx, now)
	if err != nil {
		slog.Error("Scheduler cannot load due jobs", "error", err)
		return
	}

	for _, job := range due {
		s.dispatch(ctx, job, now)
	}
}

// dispatch publishes one job fire and advances its schedule. A job whose
// category is at its concurrency cap stays due and retries next tick.
func (s *Scheduler) dispatch(ctx context.Context, job *Job, now time.Time) {
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		// Unparseable schedules are disabled rather than retried forever.
		slog.Error("Scheduler job has invalid schedule, disabling", "job", job.Name, "error", err)
		_ = s.store.SetEnabled(ctx, job.Name, false)
		return
	}

	sem := s.semaphores[job.Category]
	if sem == nil {
		sem = s.semaphores[CategoryDefault]
	}
	if !sem.TryAcquire() {
		slog.Warn("Scheduler job deferred: concurrency limit", "job", job.Name, "category", job.Category)
		return
	}

	if err := s.store.MarkFired(ctx, job.ID, now, sched.Next(now)); err != nil {
		sem.Release()
		slog.Error("Scheduler cannot advance job", "job", job.Name, "error", err)
		return
	}

	slog.Info("Scheduler dispatching job", "job", job.Name, "scheduled_for", job.NextFireAt)

	// The message id is derived from the scheduled fire, so a crash between
	// publish and the loop consuming it cannot double-deliver after restart.
	go func() {
		defer sem.Release()
		s.bus.PublishInbound(&bus.InboundMessage{
			ID:       fmt.Sprintf("job:%s:%d", job.ID, job.NextFireAt.Unix()),
			Channel:  job.Channel,
			ChatID:   job.ChatID,
			SenderID: "scheduler",
			Origin:   bus.OriginSystem,
			Content:  job.Payload,
			Metadata: map[string]any{
				"scheduler_job": job.Name,
				"scheduled_for": job.NextFireAt.Format(time.RFC3339),
				"dispatched_at": now.Format(time.RFC3339),
				"job_category":  job.Category,
			},
			Timestamp: now,
		})
	}()
}
