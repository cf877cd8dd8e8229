package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, read from ralphd.yaml. Everything has
// a working default; a missing file is not an error.
type Config struct {
	// Addr is the HTTP listen address for the API and WebSocket surface.
	Addr string `yaml:"addr"`

	// UserData is the root for persistent engine data: state, logs, the
	// log index database and (by default) workspaces.
	UserData string `yaml:"user_data"`

	// AgentExecutable overrides the agent CLI binary resolved from PATH.
	AgentExecutable string `yaml:"agent_executable"`

	GitHub GitHubConfig `yaml:"github"`
}

// GitHubConfig optionally authenticates API probes as a GitHub App instead
// of with the gh CLI token.
type GitHubConfig struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// AppConfigured reports whether GitHub App credentials are fully set.
func (g GitHubConfig) AppConfigured() bool {
	return g.AppID != 0 && g.InstallationID != 0 && g.PrivateKeyPath != ""
}

// Default returns the built-in configuration.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return &Config{
		Addr:     "127.0.0.1:7777",
		UserData: filepath.Join(home, ".ralphd"),
	}, nil
}

// Load reads ralphd.yaml from path. A missing file yields the defaults;
// present fields override them.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Addr == "" || cfg.UserData == "" {
		def, _ := Default()
		if cfg.Addr == "" {
			cfg.Addr = def.Addr
		}
		if cfg.UserData == "" {
			cfg.UserData = def.UserData
		}
	}
	return cfg, nil
}

// DefaultPath returns <home>/.ralphd/ralphd.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".ralphd", "ralphd.yaml"), nil
}

// StatePath returns the engine state file location.
func (c *Config) StatePath() string {
	return filepath.Join(c.UserData, "data", "state.json")
}

// DBPath returns the log index database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.UserData, "data", "ralphd.db")
}

// LogsDir returns the root for agent log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.UserData, "logs")
}

// DefaultWorkspacesDir is the workspaces root used when settings carry no
// explicit path.
func (c *Config) DefaultWorkspacesDir() string {
	return filepath.Join(c.UserData, "workspaces")
}
