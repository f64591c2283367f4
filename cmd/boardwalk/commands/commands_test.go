package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testManifest = `
def noop(options):
    return []

upgrade = job(name = "Upgrade", tasks = noop)
wf = workflow(name = "UpgradeWorkflow", jobs = upgrade)

workspace(name = "Staging", host_pattern = "all", workflow = wf)
workspace(name = "Production", host_pattern = "prod*", workflow = wf, require_limit = True)
`

// setup writes a manifest and a settings file into a temp dir and returns
// the settings path.
func setup(t *testing.T) string {
	t.Helper()
	t.Setenv("BOARDWALK_WORKSPACE", "")
	t.Setenv("BOARDWALKD_URL", "")

	dir := t.TempDir()
	manifest := filepath.Join(dir, "Boardwalkfile.star")
	if err := os.WriteFile(manifest, []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	inv := filepath.Join(dir, "inventory.yaml")
	if err := os.WriteFile(inv, []byte("all:\n  hosts:\n    staging1: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := filepath.Join(dir, "boardwalk.yaml")
	data := "manifest: " + manifest + "\ninventory: " + inv + "\nworkspaces_dir: " + filepath.Join(dir, "workspaces") + "\n"
	if err := os.WriteFile(cfg, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func execute(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("1.2.3", "abc", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfg}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWorkspaceCommands(t *testing.T) {
	cfg := setup(t)

	out, err := execute(t, cfg, "workspace", "list")
	if err != nil {
		t.Fatalf("workspace list: %v", err)
	}
	if got, want := strings.Fields(out), []string{"Production", "Staging"}; strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("workspace list = %v, want %v", got, want)
	}

	if _, err := execute(t, cfg, "workspace", "show"); err == nil {
		t.Error("workspace show without an active workspace succeeded")
	}

	if _, err := execute(t, cfg, "workspace", "use", "Staging"); err != nil {
		t.Fatalf("workspace use: %v", err)
	}
	out, err = execute(t, cfg, "workspace", "show")
	if err != nil {
		t.Fatalf("workspace show: %v", err)
	}
	if strings.TrimSpace(out) != "Staging" {
		t.Errorf("workspace show = %q, want Staging", out)
	}

	if _, err := execute(t, cfg, "workspace", "use", "Missing"); err == nil {
		t.Error("workspace use accepted an undeclared workspace")
	}

	out, err = execute(t, cfg, "workspace", "dump")
	if err != nil {
		t.Fatalf("workspace dump: %v", err)
	}
	var state struct {
		HostPattern string         `json:"host_pattern"`
		Hosts       map[string]any `json:"hosts"`
	}
	if err := json.Unmarshal([]byte(out), &state); err != nil {
		t.Fatalf("dump is not JSON: %v\n%s", err, out)
	}
	if state.HostPattern != "all" || len(state.Hosts) != 0 {
		t.Errorf("dump = %+v, want empty state for pattern all", state)
	}

	if _, err := execute(t, cfg, "workspace", "reset", "--yes"); err != nil {
		t.Fatalf("workspace reset: %v", err)
	}
}

func TestCatchAndReleaseLocally(t *testing.T) {
	cfg := setup(t)
	if _, err := execute(t, cfg, "workspace", "use", "Staging"); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, cfg, "catch"); err != nil {
		t.Fatalf("catch: %v", err)
	}
	catchFile := filepath.Join(filepath.Dir(cfg), "workspaces", "Staging", "catch.lock")
	if _, err := os.Stat(catchFile); err != nil {
		t.Fatalf("catch file missing: %v", err)
	}

	if _, err := execute(t, cfg, "release"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(catchFile); !os.IsNotExist(err) {
		t.Errorf("catch file still present after release: %v", err)
	}
}

func TestRunRequiresInit(t *testing.T) {
	cfg := setup(t)
	if _, err := execute(t, cfg, "workspace", "use", "Staging"); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, cfg, "run", "--server-connect=false")
	if err == nil || !strings.Contains(err.Error(), "init") {
		t.Errorf("run on an empty workspace = %v, want an error pointing at init", err)
	}
}

func TestInitRejectsLimitWithRetry(t *testing.T) {
	cfg := setup(t)
	if _, err := execute(t, cfg, "init", "--limit", "web1", "--retry"); err == nil {
		t.Error("init accepted --limit together with --retry")
	}
}

func TestLoginWithoutServer(t *testing.T) {
	cfg := setup(t)
	_, err := execute(t, cfg, "login")
	if err == nil || !strings.Contains(err.Error(), "no boardwalkd server configured") {
		t.Errorf("login = %v, want missing server error", err)
	}
}

func TestVersion(t *testing.T) {
	cfg := setup(t)
	out, err := execute(t, cfg, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "1.2.3") || !strings.Contains(out, "abc") {
		t.Errorf("version = %q", out)
	}
}
