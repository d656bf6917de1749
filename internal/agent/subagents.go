package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RookClaw/RookClaw/internal/bus"
	"github.com/RookClaw/RookClaw/internal/tools"
)

// Subagent task lifecycle.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskDone      = "done"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// SubagentBudget caps a delegated run independently of the parent.
type SubagentBudget struct {
	MaxSteps     int
	MaxWallClock time.Duration
}

// SubagentTask tracks one delegated goal from acceptance to archive.
type SubagentTask struct {
	ID               string
	ParentSessionKey string
	Goal             string
	Label            string
	Budget           SubagentBudget
	Status           string
	ResultSummary    string
	Error            string
	CreatedAt        time.Time
	StartedAt        *time.Time
	EndedAt          *time.Time

	cancel context.CancelFunc
}

// SpawnerOptions configures subagent concurrency and retention.
type SpawnerOptions struct {
	MaxConcurrent int
	ArchiveAfter  time.Duration
}

// Spawner runs delegated goals on their own goroutines, bounded by a
// concurrency cap. Requests beyond the cap queue in arrival order rather
// than failing. Completion is announced back to the parent session as a
// subagent-origin bus message; the parent never blocks on a child.
type Spawner struct {
	mu            sync.Mutex
	tasks         map[string]*SubagentTask
	queue         []string
	active        int
	maxConcurrent int
	archiveAfter  time.Duration
	bus           *bus.MessageBus
	run           func(ctx context.Context, task *SubagentTask) (string, error)
}

// NewSpawner creates a spawner. runFn executes one task to completion and
// returns its final reply.
func NewSpawner(opts SpawnerOptions, b *bus.MessageBus, runFn func(ctx context.Context, task *SubagentTask) (string, error)) *Spawner {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	archiveAfter := opts.ArchiveAfter
	if archiveAfter <= 0 {
		archiveAfter = time.Hour
	}
	return &Spawner{
		tasks:         make(map[string]*SubagentTask),
		maxConcurrent: maxConcurrent,
		archiveAfter:  archiveAfter,
		bus:           b,
		run:           runFn,
	}
}

// Spawn accepts a delegation request and returns immediately. The task
// starts as soon as a slot frees up.
func (s *Spawner) Spawn(parentKey string, req tools.SpawnRequest) *SubagentTask {
	task := &SubagentTask{
		ID:               uuid.NewString(),
		ParentSessionKey: strings.TrimSpace(parentKey),
		Goal:             req.Goal,
		Label:            req.Label,
		Budget: SubagentBudget{
			MaxSteps:     req.MaxSteps,
			MaxWallClock: time.Duration(req.TimeoutSeconds) * time.Second,
		},
		Status:    TaskPending,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.sweepLocked(time.Now())
	s.tasks[task.ID] = task
	s.queue = append(s.queue, task.ID)
	s.startNextLocked()
	s.mu.Unlock()

	slog.Info("Subagent task accepted", "task", task.ID, "parent", task.ParentSessionKey, "label", task.Label)
	return cloneTask(task)
}

// startNextLocked starts queued tasks while slots are free. Caller holds mu.
func (s *Spawner) startNextLocked() {
	for s.active < s.maxConcurrent && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		task, ok := s.tasks[id]
		if !ok || task.Status != TaskPending {
			continue
		}
		now := time.Now()
		task.Status = TaskRunning
		task.StartedAt = &now
		// The task context is detached from the parent iteration: finishing
		// or aborting the parent does not reap its children.
		ctx, cancel := context.WithCancel(context.Background())
		task.cancel = cancel
		s.active++
		go s.execute(ctx, task.ID)
	}
}

func (s *Spawner) execute(ctx context.Context, taskID string) {
	// The slot is freed on every exit path; leaking one would shrink the
	// concurrency cap for the rest of the process lifetime.
	defer func() {
		s.mu.Lock()
		s.active--
		s.startNextLocked()
		s.mu.Unlock()
	}()

	s.mu.Lock()
	task := cloneTask(s.tasks[taskID])
	s.mu.Unlock()
	if task == nil {
		return
	}

	summary, err := s.run(ctx, task)

	now := time.Now()
	s.mu.Lock()
	live, ok := s.tasks[taskID]
	if ok {
		live.EndedAt = &now
		live.cancel = nil
		live.ResultSummary = summary
		switch {
		case live.Status == TaskCancelled:
			// Cancelled mid-run; keep the status set by Cancel.
		case err != nil:
			live.Status = TaskFailed
			live.Error = err.Error()
		default:
			live.Status = TaskDone
		}
		task = cloneTask(live)
	}
	s.mu.Unlock()

	if ok {
		s.announce(task)
	}
}

// announce publishes the task outcome into the parent session. The message
// ID is derived from the task, so a duplicate announce is dropped by the
// bus journal.
func (s *Spawner) announce(task *SubagentTask) {
	if s.bus == nil || task.ParentSessionKey == "" {
		return
	}
	channel, chatID := splitSessionKey(task.ParentSessionKey)

	label := task.Label
	if label == "" {
		label = task.Goal
		if len(label) > 80 {
			label = label[:80] + "..."
		}
	}

	var content string
	switch task.Status {
	case TaskDone:
		content = fmt.Sprintf("Subagent task %s (%s) finished:\n%s", task.ID, label, task.ResultSummary)
	case TaskCancelled:
		content = fmt.Sprintf("Subagent task %s (%s) was cancelled.", task.ID, label)
	default:
		content = fmt.Sprintf("Subagent task %s (%s) failed: %s", task.ID, label, task.Error)
		if task.ResultSummary != "" {
			content += "\nPartial output:\n" + task.ResultSummary
		}
	}

	delivered := s.bus.PublishInbound(&bus.InboundMessage{
		ID:       "subagent-done:" + task.ID,
		Channel:  channel,
		ChatID:   chatID,
		SenderID: "subagent:" + task.ID,
		Origin:   bus.OriginSubagent,
		Content:  content,
	})
	if !delivered {
		slog.Debug("Subagent announce already delivered", "task", task.ID)
	}
}

// List returns a snapshot of tasks, newest first. Archived tasks are
// swept out beforehand.
func (s *Spawner) List() []tools.SubagentView {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(time.Now())

	out := make([]tools.SubagentView, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, tools.SubagentView{
			TaskID:        task.ID,
			ParentSession: task.ParentSessionKey,
			Goal:          task.Goal,
			Label:         task.Label,
			Status:        task.Status,
			CreatedAt:     task.CreatedAt,
			StartedAt:     copyTime(task.StartedAt),
			EndedAt:       copyTime(task.EndedAt),
			Error:         task.Error,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel stops a pending or running task. Pending tasks never start;
// running ones get their context cancelled and finish as cancelled.
func (s *Spawner) Cancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown subagent task: %s", taskID)
	}
	switch task.Status {
	case TaskPending:
		now := time.Now()
		task.Status = TaskCancelled
		task.EndedAt = &now
		return nil
	case TaskRunning:
		task.Status = TaskCancelled
		if task.cancel != nil {
			task.cancel()
		}
		return nil
	default:
		return fmt.Errorf("task %s already ended (%s)", taskID, task.Status)
	}
}

// ActiveCount reports how many tasks are currently executing.
func (s *Spawner) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// sweepLocked drops ended tasks past the retention window. Caller holds mu.
func (s *Spawner) sweepLocked(now time.Time) {
	for id, task := range s.tasks {
		if task.EndedAt == nil {
			continue
		}
		if now.Sub(*task.EndedAt) >= s.archiveAfter {
			delete(s.tasks, id)
		}
	}
}

func splitSessionKey(key string) (channel, chatID string) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "cli", key
}

func cloneTask(in *SubagentTask) *SubagentTask {
	if in == nil {
		return nil
	}
	out := *in
	out.cancel = nil
	out.StartedAt = copyTime(in.StartedAt)
	out.EndedAt = copyTime(in.EndedAt)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
