package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name under $HOME.
	ConfigDir = ".rookclaw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file. ROOKCLAW_CONFIG overrides
// the default ~/.rookclaw/config.json.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("ROOKCLAW_CONFIG")); explicit != "" {
		return expandHome(explicit), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load loads the configuration. Priority: environment > file > defaults.
// ${VAR} references inside file values are substituted from the process
// environment before decoding.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		resolved, rerr := resolveEnvRefs(data)
		if rerr != nil {
			return nil, rerr
		}
		if err := json.Unmarshal(resolved, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	envconfig.Process("ROOKCLAW_PATHS", &cfg.Paths)
	envconfig.Process("ROOKCLAW_MODEL", &cfg.Model)
	envconfig.Process("ROOKCLAW_PROVIDER", &cfg.Provider)
	envconfig.Process("ROOKCLAW_AGENT", &cfg.Agent)
	envconfig.Process("ROOKCLAW_AGENT_SUBAGENTS", &cfg.Agent.Subagents)
	envconfig.Process("ROOKCLAW_SCHEDULER", &cfg.Scheduler)
	envconfig.Process("ROOKCLAW_TOOLS", &cfg.Tools)

	// Fallback for the API key.
	if cfg.Provider.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Provider.APIKey = key
		}
	}

	cfg.Paths.Workspace = expandHome(cfg.Paths.Workspace)
	cfg.Paths.DataDir = expandHome(cfg.Paths.DataDir)
	if cfg.Scheduler.LockPath == "" {
		cfg.Scheduler.LockPath = filepath.Join(cfg.Paths.DataDir, "scheduler.lock")
	}

	return cfg, nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureDir ensures a directory exists.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolveEnvRefs substitutes ${VAR} in string values of the raw JSON.
// Unset variables are left as-is.
func resolveEnvRefs(data []byte) ([]byte, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return json.Marshal(substituteEnv(root))
}

func substituteEnv(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnv(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnv(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			name := envPattern.FindStringSubmatch(match)[1]
			if value, ok := os.LookupEnv(name); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
