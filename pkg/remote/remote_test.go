package remote

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/boardwalk/boardwalk/pkg/clock"
	"github.com/boardwalk/boardwalk/pkg/runner"
	"github.com/boardwalk/boardwalk/pkg/runner/runnertest"
	"github.com/boardwalk/boardwalk/pkg/workspace"
)

const inv = `
all:
  hosts:
    web1: {}
    mac1: {}
`

func newProtocol(t *testing.T, check bool) (*Protocol, *runnertest.Cluster, *runnertest.Recorder) {
	t.Helper()
	r, cluster := runnertest.NewRunner(runnertest.MustInventory(inv))
	cluster.Host("mac1").System = "Darwin"
	rec := runnertest.Record(r)
	p := New(rec, Options{
		Check:  check,
		Holder: "alice@laptop",
		Clock:  clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		Logger: zerolog.Nop(),
	})
	return p, cluster, rec
}

func TestLockAndRelease(t *testing.T) {
	p, cluster, _ := newProtocol(t, false)
	ctx := context.Background()

	if _, locked, err := p.IsLocked(ctx, "web1"); err != nil || locked {
		t.Fatalf("expected unlocked host, got locked=%v err=%v", locked, err)
	}

	if err := p.Lock(ctx, "web1", false); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	web1 := cluster.Host("web1")
	marker, ok := web1.File(LockPath)
	if !ok {
		t.Fatal("expected lock marker")
	}
	if got := string(marker.Data); got != "alice@laptop at 2024-05-01 12:00:00.000000" {
		t.Errorf("unexpected marker %q", got)
	}
	if marker.Attrs.Mode != 0o644 || marker.Attrs.Owner != "root" || marker.Attrs.Group != "root" {
		t.Errorf("unexpected marker attrs %+v", marker.Attrs)
	}
	banner, ok := web1.File(MOTDPath)
	if !ok || banner.Attrs.Mode != 0o755 {
		t.Errorf("expected executable motd banner, got %+v", banner)
	}
	if cmds := web1.Commands(); len(cmds) != 1 || !strings.HasPrefix(cmds[0], "wall ") {
		t.Errorf("expected one wall command, got %v", cmds)
	}

	holder, locked, err := p.IsLocked(ctx, "web1")
	if err != nil || !locked || holder != "alice@laptop at 2024-05-01 12:00:00.000000" {
		t.Errorf("unexpected IsLocked result %q %v %v", holder, locked, err)
	}

	err = p.Lock(ctx, "web1", false)
	var lockedErr *RemoteHostLockedError
	if !errors.As(err, &lockedErr) {
		t.Fatalf("expected RemoteHostLockedError, got %v", err)
	}
	if err.Error() != "web1: Host is locked by alice@laptop at 2024-05-01 12:00:00.000000" {
		t.Errorf("unexpected message %q", err.Error())
	}

	if err := p.Lock(ctx, "web1", true); err != nil {
		t.Errorf("stomping lock failed: %v", err)
	}

	if err := p.Release(ctx, "web1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, ok := web1.File(LockPath); ok {
		t.Error("expected marker removed")
	}
	if _, ok := web1.File(MOTDPath); ok {
		t.Error("expected banner removed")
	}
	if err := p.Release(ctx, "web1"); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

func TestLockDarwinSkipsBanner(t *testing.T) {
	p, cluster, _ := newProtocol(t, false)
	if err := p.Lock(context.Background(), "mac1", false); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	mac := cluster.Host("mac1")
	marker, ok := mac.File(LockPath)
	if !ok || marker.Attrs.Group != "wheel" {
		t.Errorf("expected wheel-owned marker, got %+v", marker)
	}
	if _, ok := mac.File(MOTDPath); ok {
		t.Error("expected no banner on Darwin")
	}
	if len(mac.Commands()) != 0 {
		t.Errorf("expected no wall on Darwin, got %v", mac.Commands())
	}
}

func TestLockCheckModeWritesNothing(t *testing.T) {
	p, cluster, _ := newProtocol(t, true)
	if err := p.Lock(context.Background(), "web1", false); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if _, ok := cluster.Host("web1").File(LockPath); ok {
		t.Error("expected no marker in check mode")
	}
}

func TestLockPropagatesRunnerErrors(t *testing.T) {
	p, cluster, _ := newProtocol(t, false)
	cluster.Host("web1").SetDown(true)

	err := p.Lock(context.Background(), "web1", false)
	if !runner.IsUnreachable(err) {
		t.Fatalf("expected unreachable runner error, got %v", err)
	}

	cluster.Host("web1").SetDown(false)
	cluster.Host("web1").Script("wall", 1)
	err = p.Lock(context.Background(), "web1", false)
	if kind, ok := runner.KindOf(err); !ok || kind != runner.KindFailedHost {
		t.Fatalf("expected failed host, got %v", err)
	}
}

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	reg := workspace.NewRegistry(t.TempDir(), zerolog.Nop())
	if err := reg.Register("Upgrade", func() (*workspace.Config, error) {
		return &workspace.Config{Name: "Upgrade", HostPattern: "all", Workflow: "UpgradeWorkflow"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	ws, err := reg.Open("Upgrade")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ws.State().PutFacts("web1", map[string]any{"ansible_system": "Linux"})
	return ws
}

func TestRemoteStateRoundTrip(t *testing.T) {
	p, cluster, _ := newProtocol(t, false)
	ws := newWorkspace(t)
	ctx := context.Background()

	st, err := p.GetRemoteState(ctx, "web1")
	if err != nil {
		t.Fatalf("GetRemoteState failed: %v", err)
	}
	if len(st.Workspaces) != 0 {
		t.Errorf("expected empty state, got %+v", st)
	}

	st.MarkStarted("Upgrade")
	if err := p.SetRemoteState(ctx, ws, "web1", st); err != nil {
		t.Fatalf("SetRemoteState failed: %v", err)
	}
	if f, ok := cluster.Host("web1").File(StateFactPath); !ok || !strings.Contains(string(f.Data), `"started":true`) {
		t.Errorf("unexpected state fact %+v", f)
	}

	got, err := p.GetRemoteState(ctx, "web1")
	if err != nil {
		t.Fatalf("GetRemoteState failed: %v", err)
	}
	if !got.Interrupted("Upgrade") {
		t.Errorf("expected interrupted record, got %+v", got.Record("Upgrade"))
	}

	cached := FromFacts(ws.State().Hosts["web1"].Facts)
	if !cached.Interrupted("Upgrade") {
		t.Errorf("expected local facts mirrored, got %+v", ws.State().Hosts["web1"].Facts)
	}

	got.MarkSucceeded("Upgrade")
	if err := p.SetRemoteState(ctx, ws, "web1", got); err != nil {
		t.Fatalf("SetRemoteState failed: %v", err)
	}
	final, _ := p.GetRemoteState(ctx, "web1")
	if rec := final.Record("Upgrade"); !rec.Started || !rec.Succeeded {
		t.Errorf("expected succeeded record, got %+v", rec)
	}
}

func TestRemoteStateMalformed(t *testing.T) {
	p, cluster, _ := newProtocol(t, false)
	cluster.Host("web1").PutFile(StateFactPath, []byte("not json"), 0o644)

	st, err := p.GetRemoteState(context.Background(), "web1")
	if err != nil {
		t.Fatalf("GetRemoteState failed: %v", err)
	}
	if len(st.Workspaces) != 0 {
		t.Errorf("expected empty state for malformed fact, got %+v", st)
	}
	if FromFacts(nil).Interrupted("x") {
		t.Error("expected empty state from nil facts")
	}
}

func TestSetRemoteStateCheckModeSkipsMirror(t *testing.T) {
	p, _, _ := newProtocol(t, true)
	ws := newWorkspace(t)
	st := NewRemoteState()
	st.MarkStarted("Upgrade")
	if err := p.SetRemoteState(context.Background(), ws, "web1", st); err != nil {
		t.Fatalf("SetRemoteState failed: %v", err)
	}
	if _, ok := ws.State().Hosts["web1"].Facts["ansible_local"]; ok {
		t.Error("expected no local mirror in check mode")
	}
}

func TestGatherFacts(t *testing.T) {
	p, cluster, rec := newProtocol(t, false)
	facts, err := p.GatherFacts(context.Background(), "web1")
	if err != nil {
		t.Fatalf("GatherFacts failed: %v", err)
	}
	if facts["ansible_system"] != "Linux" {
		t.Errorf("unexpected facts %v", facts)
	}
	if inv := rec.Invocations(); len(inv) != 1 || inv[0] != "gather_facts" {
		t.Errorf("unexpected invocations %v", inv)
	}

	cluster.Host("web1").SetDown(true)
	if _, err := p.GatherFacts(context.Background(), "web1"); !runner.IsUnreachable(err) {
		t.Errorf("expected unreachable, got %v", err)
	}
}
