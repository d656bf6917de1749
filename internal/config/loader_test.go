package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ROOKCLAW_CONFIG", path)
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("ROOKCLAW_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Name != "gpt-4o" {
		t.Errorf("model = %q", cfg.Model.Name)
	}
	if cfg.Agent.MaxIterations != 20 {
		t.Errorf("max iterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Scheduler.LockPath == "" {
		t.Error("lock path not derived from data dir")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	writeConfig(t, `{
		"model": {"name": "gpt-4o-mini", "maxTokens": 2048},
		"agent": {"maxIterations": 5}
	}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Name != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.Model.Name)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("max iterations = %d", cfg.Agent.MaxIterations)
	}
	// Untouched sections keep their defaults.
	if cfg.Agent.Subagents.MaxConcurrent != 2 {
		t.Errorf("subagent cap = %d", cfg.Agent.Subagents.MaxConcurrent)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	writeConfig(t, `{"model": {"name": "from-file"}}`)
	t.Setenv("ROOKCLAW_MODEL_MODEL", "from-env")
	t.Setenv("ROOKCLAW_AGENT_MAX_ITERATIONS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Name != "from-env" {
		t.Errorf("model = %q, env must win", cfg.Model.Name)
	}
	if cfg.Agent.MaxIterations != 7 {
		t.Errorf("max iterations = %d", cfg.Agent.MaxIterations)
	}
}

func TestLoadSubstitutesEnvRefs(t *testing.T) {
	t.Setenv("MY_SECRET", "sk-test-123")
	writeConfig(t, `{"provider": {"apiKey": "${MY_SECRET}"}}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "sk-test-123" {
		t.Errorf("api key = %q", cfg.Provider.APIKey)
	}
}

func TestLoadUnsetEnvRefLeftAlone(t *testing.T) {
	os.Unsetenv("ROOKCLAW_TEST_UNSET_VAR")
	writeConfig(t, `{"provider": {"apiKey": "${ROOKCLAW_TEST_UNSET_VAR}"}}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "${ROOKCLAW_TEST_UNSET_VAR}" {
		t.Errorf("api key = %q, unset refs must survive", cfg.Provider.APIKey)
	}
}

func TestLoadOpenAIKeyFallback(t *testing.T) {
	t.Setenv("ROOKCLAW_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "sk-fallback" {
		t.Errorf("api key = %q", cfg.Provider.APIKey)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	writeConfig(t, `{"model": `)

	if _, err := Load(); err == nil {
		t.Error("expected error for malformed config")
	}
}

func TestConfigPathEnvOverride(t *testing.T) {
	t.Setenv("ROOKCLAW_CONFIG", "/tmp/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath: %v", err)
	}
	if path != "/tmp/custom.json" {
		t.Errorf("path = %q", path)
	}
}
