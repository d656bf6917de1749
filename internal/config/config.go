// Package config provides configuration types and loading for rookclaw.
package config

import (
	"time"

	"github.com/RookClaw/RookClaw/internal/scheduler"
	"github.com/RookClaw/RookClaw/internal/tools"
)

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig      `json:"paths"`
	Model     ModelConfig      `json:"model"`
	Provider  ProviderConfig   `json:"provider"`
	Agent     AgentConfig      `json:"agent"`
	Scheduler scheduler.Config `json:"scheduler"`
	Tools     ToolsConfig      `json:"tools"`
}

// PathsConfig groups filesystem locations. Workspace is the sandbox root
// for file and shell tools; everything the daemon persists lives under
// DataDir.
type PathsConfig struct {
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	DataDir   string `json:"dataDir" envconfig:"DATA_DIR"`
}

// ModelConfig groups model selection and sampling settings.
type ModelConfig struct {
	Name        string  `json:"name" envconfig:"MODEL"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
}

// ProviderConfig points at an OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey     string `json:"apiKey" envconfig:"API_KEY"`
	APIBase    string `json:"apiBase,omitempty" envconfig:"API_BASE"`
	MaxRetries int    `json:"maxRetries" envconfig:"MAX_RETRIES"`
}

// AgentConfig groups agent-loop budgets and subagent limits.
type AgentConfig struct {
	MaxIterations         int             `json:"maxIterations" envconfig:"MAX_ITERATIONS"`
	MaxWallClockSeconds   int             `json:"maxWallClockSeconds" envconfig:"MAX_WALL_CLOCK_SECONDS"`
	MaxConcurrentSessions int             `json:"maxConcurrentSessions" envconfig:"MAX_CONCURRENT_SESSIONS"`
	Subagents             SubagentsConfig `json:"subagents"`
}

// SubagentsConfig limits delegated background tasks.
type SubagentsConfig struct {
	MaxConcurrent       int `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	ArchiveAfterMinutes int `json:"archiveAfterMinutes" envconfig:"ARCHIVE_AFTER_MINUTES"`
}

// ToolsConfig groups tool execution settings and remote tool servers.
type ToolsConfig struct {
	ExecTimeoutSeconds int                  `json:"execTimeoutSeconds" envconfig:"EXEC_TIMEOUT_SECONDS"`
	Servers            []tools.ServerConfig `json:"servers,omitempty"`
}

// MaxWallClock returns the wall-clock budget as a duration.
func (a AgentConfig) MaxWallClock() time.Duration {
	return time.Duration(a.MaxWallClockSeconds) * time.Second
}

// ExecTimeout returns the shell tool timeout as a duration.
func (t ToolsConfig) ExecTimeout() time.Duration {
	return time.Duration(t.ExecTimeoutSeconds) * time.Second
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace: "~/RookClaw-Workspace",
			DataDir:   "~/.rookclaw",
		},
		Model: ModelConfig{
			Name:        "gpt-4o",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Provider: ProviderConfig{
			MaxRetries: 3,
		},
		Agent: AgentConfig{
			MaxIterations:         20,
			MaxWallClockSeconds:   300,
			MaxConcurrentSessions: 4,
			Subagents: SubagentsConfig{
				MaxConcurrent:       2,
				ArchiveAfterMinutes: 60,
			},
		},
		Scheduler: scheduler.DefaultConfig(),
		Tools: ToolsConfig{
			ExecTimeoutSeconds: 60,
		},
	}
}
