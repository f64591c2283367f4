package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSettings(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFile)
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvWorkspace, EnvServerURL, EnvAskBecomePass} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	s, err := Load(filepath.Join(t.TempDir(), DefaultFile), false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Manifest != "Boardwalkfile.star" || s.WorkspacesDir != ".boardwalk/workspaces" {
		t.Errorf("unexpected defaults %+v", s)
	}
	if s.CatchPollInterval != 5*time.Second {
		t.Errorf("expected 5s poll interval, got %s", s.CatchPollInterval)
	}
	if s.Telemetry == nil || s.Telemetry.ServiceName != "boardwalk" {
		t.Errorf("expected default telemetry, got %+v", s.Telemetry)
	}

	if _, err := Load(filepath.Join(t.TempDir(), DefaultFile), true); err == nil {
		t.Error("expected an error for a missing required file")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeSettings(t, `
manifest: deploy/Boardwalkfile.star
inventory: hosts.yaml
server_url: https://boardwalkd.example.com
catch_poll_interval: 2s
task_timeout: 10m
ssh:
  user: deploy
  private_key: /keys/deploy
  strict_host_key_checking: false
  port: 2222
  forks: 1
`)
	s, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Manifest != "deploy/Boardwalkfile.star" || s.Inventory != "hosts.yaml" {
		t.Errorf("unexpected paths %+v", s)
	}
	if s.WorkspacesDir != ".boardwalk/workspaces" {
		t.Errorf("expected default workspaces dir, got %q", s.WorkspacesDir)
	}
	if s.CatchPollInterval != 2*time.Second || s.TaskTimeout != 10*time.Minute {
		t.Errorf("unexpected durations %s %s", s.CatchPollInterval, s.TaskTimeout)
	}

	cfg := s.SSHConfig()
	if cfg.User != "deploy" || cfg.PrivateKeyPath != "/keys/deploy" || cfg.Port != 2222 || cfg.Forks != 1 {
		t.Errorf("unexpected ssh config %+v", cfg)
	}
	if cfg.StrictHostKeyChecking {
		t.Error("expected strict host key checking disabled")
	}
	if cfg.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected default connect timeout, got %s", cfg.ConnectionTimeout)
	}
}

func TestLoadEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvWorkspace, "Upgrade")
	t.Setenv(EnvServerURL, "http://localhost:8888")
	t.Setenv(EnvAskBecomePass, "true")

	s, err := Load(writeSettings(t, "server_url: https://ignored.example.com\n"), true)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Workspace != "Upgrade" || !s.AskBecomePass {
		t.Errorf("unexpected env settings %+v", s)
	}
	if got := s.ResolveServerURL("http://manifest:8888"); got != "http://localhost:8888" {
		t.Errorf("expected env url to win, got %q", got)
	}

	t.Setenv(EnvAskBecomePass, "maybe")
	if _, err := Load(writeSettings(t, ""), true); err == nil || !strings.Contains(err.Error(), EnvAskBecomePass) {
		t.Errorf("expected bad bool error, got %v", err)
	}
}

func TestResolveServerURLFallsBackToManifest(t *testing.T) {
	s := Default()
	if got := s.ResolveServerURL("http://manifest:8888"); got != "http://manifest:8888" {
		t.Errorf("expected manifest url, got %q", got)
	}
}

func TestLoadRejects(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "unknown field", doc: "manifets: x\n", want: "field manifets not found"},
		{name: "bad url", doc: "server_url: not a url\n", want: "ServerURL"},
		{name: "zero poll interval", doc: "catch_poll_interval: 0s\n", want: "CatchPollInterval"},
		{name: "bad port", doc: "ssh:\n  port: 70000\n", want: "Port"},
		{name: "empty manifest", doc: "manifest: \"\"\n", want: "Manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeSettings(t, tt.doc), true)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
