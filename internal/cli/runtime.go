package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RookClaw/RookClaw/internal/agent"
	"github.com/RookClaw/RookClaw/internal/bus"
	"github.com/RookClaw/RookClaw/internal/config"
	"github.com/RookClaw/RookClaw/internal/memory"
	"github.com/RookClaw/RookClaw/internal/provider"
	"github.com/RookClaw/RookClaw/internal/scheduler"
)

// runtime carries the wired daemon components.
type runtime struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	loop     *agent.Loop
	journal  *bus.SQLiteJournal
	memStore *memory.Store
	jobStore *scheduler.Store
}

// setupLogging configures slog from ROOKCLAW_LOG_LEVEL (debug|info|warn|error).
func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ROOKCLAW_LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// buildRuntime loads config and wires the bus, stores, provider and loop.
func buildRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("no API key configured (set OPENAI_API_KEY or provider.apiKey)")
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := config.EnsureDir(cfg.Paths.Workspace); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	journal, err := bus.OpenJournal(filepath.Join(cfg.Paths.DataDir, "journal.db"))
	if err != nil {
		return nil, err
	}
	msgBus := bus.NewMessageBus(journal)

	memStore, err := memory.Open(filepath.Join(cfg.Paths.DataDir, "memory.db"))
	if err != nil {
		journal.Close()
		return nil, err
	}
	jobStore, err := scheduler.OpenStore(filepath.Join(cfg.Paths.DataDir, "jobs.db"))
	if err != nil {
		memStore.Close()
		journal.Close()
		return nil, err
	}

	var prov provider.LLMProvider = provider.NewOpenAIProvider(
		cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Model.Name)
	if cfg.Provider.MaxRetries > 0 {
		prov = provider.NewRetryingProvider(prov, cfg.Provider.MaxRetries)
	}

	loop := agent.NewLoop(agent.LoopOptions{
		Bus:                   msgBus,
		Provider:              prov,
		MemoryStore:           memStore,
		Workspace:             cfg.Paths.Workspace,
		SessionsDir:           filepath.Join(cfg.Paths.DataDir, "sessions"),
		Model:                 cfg.Model.Name,
		MaxIterations:         cfg.Agent.MaxIterations,
		MaxWallClock:          cfg.Agent.MaxWallClock(),
		MaxConcurrentSessions: cfg.Agent.MaxConcurrentSessions,
		ExecTimeout:           cfg.Tools.ExecTimeout(),
		ToolServers:           cfg.Tools.Servers,
		Subagents: agent.SpawnerOptions{
			MaxConcurrent: cfg.Agent.Subagents.MaxConcurrent,
			ArchiveAfter:  time.Duration(cfg.Agent.Subagents.ArchiveAfterMinutes) * time.Minute,
		},
	})

	return &runtime{
		cfg:      cfg,
		bus:      msgBus,
		loop:     loop,
		journal:  journal,
		memStore: memStore,
		jobStore: jobStore,
	}, nil
}

// close releases the runtime's stores.
func (r *runtime) close() {
	r.jobStore.Close()
	r.memStore.Close()
	r.journal.Close()
}
