package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "ralphd.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:7777" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if !strings.HasSuffix(cfg.UserData, ".ralphd") {
		t.Errorf("UserData = %q", cfg.UserData)
	}
	if cfg.GitHub.AppConfigured() {
		t.Error("GitHub app configured by default")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralphd.yaml")
	content := `
addr: "0.0.0.0:9000"
user_data: /srv/ralphd
agent_executable: /usr/local/bin/claude
github:
  app_id: 12345
  installation_id: 678
  private_key_path: /etc/ralphd/app.pem
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != "0.0.0.0:9000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.UserData != "/srv/ralphd" {
		t.Errorf("UserData = %q", cfg.UserData)
	}
	if cfg.AgentExecutable != "/usr/local/bin/claude" {
		t.Errorf("AgentExecutable = %q", cfg.AgentExecutable)
	}
	if !cfg.GitHub.AppConfigured() {
		t.Error("GitHub app not configured")
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralphd.yaml")
	if err := os.WriteFile(path, []byte("agent_executable: claude-next\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr == "" || cfg.UserData == "" {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.AgentExecutable != "claude-next" {
		t.Errorf("AgentExecutable = %q", cfg.AgentExecutable)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralphd.yaml")
	if err := os.WriteFile(path, []byte("addr: [unclosed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed YAML accepted")
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{UserData: "/srv/ralphd"}
	if got := cfg.StatePath(); got != filepath.Join("/srv/ralphd", "data", "state.json") {
		t.Errorf("StatePath = %q", got)
	}
	if got := cfg.DBPath(); got != filepath.Join("/srv/ralphd", "data", "ralphd.db") {
		t.Errorf("DBPath = %q", got)
	}
	if got := cfg.LogsDir(); got != filepath.Join("/srv/ralphd", "logs") {
		t.Errorf("LogsDir = %q", got)
	}
	if got := cfg.DefaultWorkspacesDir(); got != filepath.Join("/srv/ralphd", "workspaces") {
		t.Errorf("DefaultWorkspacesDir = %q", got)
	}
}
