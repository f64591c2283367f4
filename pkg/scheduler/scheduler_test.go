package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardwalk/boardwalk/pkg/client"
	"github.com/boardwalk/boardwalk/pkg/clock"
	"github.com/boardwalk/boardwalk/pkg/inventory"
	"github.com/boardwalk/boardwalk/pkg/notify"
	"github.com/boardwalk/boardwalk/pkg/remote"
	"github.com/boardwalk/boardwalk/pkg/runner"
	"github.com/boardwalk/boardwalk/pkg/runner/runnertest"
	"github.com/boardwalk/boardwalk/pkg/server"
	"github.com/boardwalk/boardwalk/pkg/workflow"
	"github.com/boardwalk/boardwalk/pkg/workspace"
)

const testInventory = `
all:
  hosts:
    h1: {}
    h2: {}
    h3: {}
`

func shellTask(cmd string) runner.Tasks {
	return runner.Tasks{{Name: cmd, Module: "shell", Args: map[string]any{"cmd": cmd}}}
}

type fixture struct {
	inv     *inventory.Inventory
	cluster *runnertest.Cluster
	rec     *runnertest.Recorder
	ws      *workspace.Workspace
	remote  *remote.Protocol
}

func newFixture(t *testing.T, cfg workspace.Config) *fixture {
	t.Helper()
	inv := runnertest.MustInventory(testInventory)
	r, cluster := runnertest.NewRunner(inv)
	rec := runnertest.Record(r)

	reg := workspace.NewRegistry(t.TempDir(), zerolog.Nop())
	require.NoError(t, reg.Register(cfg.Name, func() (*workspace.Config, error) {
		c := cfg
		return &c, nil
	}))
	ws, err := reg.Open(cfg.Name)
	require.NoError(t, err)

	_, err = Init(context.Background(), InitOptions{Workspace: ws, Runner: rec, Logger: zerolog.Nop()})
	require.NoError(t, err)

	return &fixture{
		inv:     inv,
		cluster: cluster,
		rec:     rec,
		ws:      ws,
		remote:  remote.New(rec, remote.Options{Holder: "ops@laptop", Logger: zerolog.Nop()}),
	}
}

func upgradeConfig() workspace.Config {
	return workspace.Config{
		Name:             "Upgrade",
		HostPattern:      "all",
		Workflow:         "UpgradeWorkflow",
		DefaultSortOrder: workspace.SortAscending,
	}
}

func (f *fixture) scheduler(t *testing.T, wf *workflow.Workflow, mutate ...func(*Options)) *Scheduler {
	t.Helper()
	opts := Options{
		Workspace:    f.ws,
		Workflow:     wf,
		Inventory:    f.inv,
		Runner:       f.rec,
		Remote:       f.remote,
		PollInterval: 10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func (f *fixture) run(t *testing.T, s *Scheduler) (*Summary, error) {
	t.Helper()
	ctx := context.Background()
	hosts, err := s.Prepare(ctx)
	require.NoError(t, err)
	return s.Run(ctx, hosts)
}

// lockCycles returns "lock:<host>" and "release:<host>" for every host lock
// operation, in order.
func (f *fixture) lockCycles() []string {
	var out []string
	for _, req := range f.rec.Requests() {
		switch req.InvocationMsg {
		case "lock_remote_host":
			out = append(out, "lock:"+req.Hosts)
		case "release_remote_host":
			out = append(out, "release:"+req.Hosts)
		}
	}
	return out
}

func countCommands(h *runnertest.Host, substr string) int {
	n := 0
	for _, cmd := range h.Commands() {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}

// autoRelease releases every local catch until the test ends.
func autoRelease(t *testing.T, ws *workspace.Workspace) {
	t.Helper()
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
			}
			if ws.Caught() {
				_ = ws.Release()
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		<-stopped
	})
}

func TestRunAscendingLocksEachHostInOrder(t *testing.T) {
	f := newFixture(t, upgradeConfig())
	wf := workflow.New("UpgradeWorkflow", []workflow.Job{workflow.StaticJob("Upgrade", shellTask("apt-get upgrade"))}, nil)

	sum, err := f.run(t, f.scheduler(t, wf))
	require.NoError(t, err)

	assert.Equal(t, []string{"h1", "h2", "h3"}, sum.Succeeded)
	assert.Equal(t, 3, sum.Attempts)
	assert.Equal(t, []string{
		"lock:h1", "release:h1",
		"lock:h2", "release:h2",
		"lock:h3", "release:h3",
	}, f.lockCycles())

	for _, h := range []string{"h1", "h2", "h3"} {
		st, err := f.remote.GetRemoteState(context.Background(), h)
		require.NoError(t, err)
		rec := st.Record("Upgrade")
		assert.True(t, rec.Started && rec.Succeeded, "host %s: %+v", h, rec)

		_, locked := f.cluster.Host(h).File(remote.LockPath)
		assert.False(t, locked, "host %s still locked", h)
		assert.Equal(t, 1, countCommands(f.cluster.Host(h), "apt-get upgrade"))

		cached := remote.FromFacts(f.ws.State().Hosts[h].Facts)
		assert.True(t, cached.Record("Upgrade").Succeeded, "host %s facts not refreshed", h)
	}
}

func TestFailedHostIsRetriedUntilItSucceeds(t *testing.T) {
	f := newFixture(t, upgradeConfig())
	f.cluster.Host("h2").Script("apt-get upgrade", 1, 1, 0)
	autoRelease(t, f.ws)

	wf := workflow.New("UpgradeWorkflow", []workflow.Job{workflow.StaticJob("Upgrade", shellTask("apt-get upgrade"))}, nil)
	sum, err := f.run(t, f.scheduler(t, wf))
	require.NoError(t, err)

	assert.Equal(t, []string{"h1", "h2", "h3"}, sum.Succeeded)
	assert.Equal(t, sum.Total+2, sum.Attempts)
	assert.Equal(t, 3, countCommands(f.cluster.Host("h2"), "apt-get upgrade"))
	assert.False(t, f.ws.Caught())
}

func TestExitJobFailureRetriesWholeHost(t *testing.T) {
	f := newFixture(t, upgradeConfig())
	f.cluster.Host("h1").Script("cleanup", 1, 0)
	autoRelease(t, f.ws)

	wf := workflow.New("UpgradeWorkflow",
		[]workflow.Job{workflow.StaticJob("Upgrade", shellTask("apt-get upgrade"))},
		[]workflow.Job{workflow.StaticJob("Cleanup", shellTask("cleanup"))},
	)
	sum, err := f.run(t, f.scheduler(t, wf, func(o *Options) { o.Limit = "h1" }))
	require.NoError(t, err)

	assert.Equal(t, []string{"h1"}, sum.Succeeded)
	assert.Equal(t, 2, sum.Attempts)
	h1 := f.cluster.Host("h1")
	assert.Equal(t, 2, countCommands(h1, "apt-get upgrade"), "main jobs must run again")
	assert.Equal(t, 2, countCommands(h1, "cleanup"))
}

func TestExitJobsRunAfterMainJobFailure(t *testing.T) {
	f := newFixture(t, upgradeConfig())
	f.cluster.Host("h1").Script("apt-get upgrade", 1, 0)
	autoRelease(t, f.ws)

	wf := workflow.New("UpgradeWorkflow",
		[]workflow.Job{workflow.StaticJob("Upgrade", shellTask("apt-get upgrade"))},
		[]workflow.Job{workflow.StaticJob("Cleanup", shellTask("cleanup"))},
	)
	sum, err := f.run(t, f.scheduler(t, wf, func(o *Options) { o.Limit = "h1" }))
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Attempts)
	assert.Equal(t, 2, countCommands(f.cluster.Host("h1"), "cleanup"))
}

func unreachableOnce(f *fixture, host string) {
	f.rec.Override("main_Job_", 1, &runner.Result{
		RC:     4,
		Events: []runner.Event{{Kind: runner.EventUnreachable, Host: host, Stdout: "connection timed out"}},
	}, nil)
}

func TestUnreachableHostCatchesWithoutAdvancing(t *testing.T) {
	f := newFixture(t, upgradeConfig())
	unreachableOnce(f, "h1")

	wf := workflow.New("UpgradeWorkflow",
		[]workflow.Job{workflow.StaticJob("Upgrade", shellTask("apt-get upgrade"))},
		[]workflow.Job{workflow.StaticJob("Cleanup", shellTask("cleanup"))},
	)
	s := f.scheduler(t, wf)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hosts, err := s.Prepare(ctx)
	require.NoError(t, err)

	type outcome struct {
		sum *Summary
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		sum, err := s.Run(ctx, hosts)
		done <- outcome{sum, err}
	}()

	require.Eventually(t, f.ws.Caught, 5*time.Second, 5*time.Millisecond, "unreachable host must catch the workspace")

	// The run waits on h1: its lock stays, its exit jobs never ran and no
	// other host was touched.
	assert.Equal(t, []string{"lock:h1"}, f.lockCycles())
	_, locked := f.cluster.Host("h1").File(remote.LockPath)
	assert.True(t, locked, "unreachable host keeps its lock")
	assert.Zero(t, countCommands(f.cluster.Host("h1"), "cleanup"))
	assert.Zero(t, countCommands(f.cluster.Host("h2"), "apt-get upgrade"))

	cancel()
	select {
	case out := <-done:
		require.ErrorIs(t, out.err, context.Canceled)
		assert.Equal(t, []string{"h1"}, out.sum.Unreachable)
		assert.Empty(t, out.sum.Succeeded)
		assert.Equal(t, 1, out.sum.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	retry, err := f.ws.ReadRetry()
	require.NoError(t, err)
	assert.Empty(t, retry, "runs leave the init retry file alone")
}

func TestUnreachableHostIsRetriedInPlace(t *testing.T) {
	f := newFixture(t, upgradeConfig())
	unreachableOnce(f, "h1")
	autoRelease(t, f.ws)

	wf := workflow.New("UpgradeWorkflow", []workflow.Job{workflow.StaticJob("Upgrade", shellTask("apt-get upgrade"))}, nil)
	sum, err := f.run(t, f.scheduler(t, wf, func(o *Options) { o.StompLocks = true }))
	require.NoError(t, err)

	assert.Equal(t, []string{"h1"}, sum.Unreachable)
	assert.Equal(t, []string{"h1", "h2", "h3"}, sum.Succeeded)
	assert.Equal(t, sum.Total+1, sum.Attempts)
	assert.Equal(t, []string{
		"lock:h1",
		"lock:h1", "release:h1",
		"lock:h2", "release:h2",
		"lock:h3", "release:h3",
	}, f.lockCycles())
}

func TestRunErrorAbortsRun(t *testing.T) {
	f := newFixture(t, upgradeConfig())
	f.rec.Override("main_Job_", 1, &runner.Result{RC: 1}, nil)

	wf := workflow.New("UpgradeWorkflow", []workflow.Job{workflow.StaticJob("Upgrade", shellTask("apt-get upgrade"))}, nil)
	sum, err := f.run(t, f.scheduler(t, wf))

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "h1", fatal.Host)
	kind, ok := runner.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, runner.KindRunError, kind)
	assert.Equal(t, 1, sum.Attempts)
	assert.Empty(t, sum.Succeeded)
	assert.False(t, f.ws.Caught())
}

func TestTaskGenerationErrorIsFatal(t *testing.T) {
	f := newFixture(t, upgradeConfig())
	job, err := workflow.NewJob("Broken", nil, nil, nil, func(context.Context) (runner.Tasks, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)

	_, err = f.run(t, f.scheduler(t, workflow.New("UpgradeWorkflow", []workflow.Job{job}, nil)))
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Contains(t, err.Error(), "boom")
}

func TestHostLockConflictCatchesAndRetries(t *testing.T) {
	f := newFixture(t, upgradeConfig())
	f.cluster.Host("h1").PutFile(remote.LockPath, []byte("someone@else"), 0o644)

	var once sync.Once
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
			}
			if f.ws.Caught() {
				once.Do(func() { assert.NoError(t, f.remote.Release(context.Background(), "h1")) })
				_ = f.ws.Release()
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		<-stopped
	})

	wf := workflow.New("UpgradeWorkflow", []workflow.Job{workflow.StaticJob("Upgrade", shellTask("apt-get upgrade"))}, nil)
	sum, err := f.run(t, f.scheduler(t, wf, func(o *Options) { o.Limit = "h1" }))
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, sum.Succeeded)
	assert.Equal(t, 2, sum.Attempts)
}

func TestPreconditions(t *testing.T) {
	linuxOnly := func(facts, _ map[string]any) (bool, error) {
		return facts["ansible_system"] == "Linux", nil
	}

	t.Run("live facts skip host", func(t *testing.T) {
		f := newFixture(t, upgradeConfig())
		job, err := workflow.NewJob("Upgrade", nil, nil, linuxOnly, func(context.Context) (runner.Tasks, error) {
			return shellTask("apt-get upgrade"), nil
		})
		require.NoError(t, err)
		s := f.scheduler(t, workflow.New("UpgradeWorkflow", []workflow.Job{job}, nil))

		hosts, err := s.Prepare(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"h1", "h2", "h3"}, hosts)

		// h2 changed since init; only the live check notices.
		f.cluster.Host("h2").System = "Darwin"
		sum, err := s.Run(context.Background(), hosts)
		require.NoError(t, err)

		assert.Equal(t, []string{"h2"}, sum.Skipped)
		assert.Equal(t, []string{"h1", "h3"}, sum.Succeeded)
		assert.Equal(t, 0, countCommands(f.cluster.Host("h2"), "apt-get upgrade"))
		_, locked := f.cluster.Host("h2").File(remote.LockPath)
		assert.False(t, locked, "skipped host is unlocked")
		assert.False(t, f.ws.Caught())
	})

	t.Run("cached facts filter before the loop", func(t *testing.T) {
		f := newFixture(t, upgradeConfig())
		f.ws.State().Hosts["h3"].Facts["ansible_system"] = "Darwin"
		job, err := workflow.NewJob("Upgrade", nil, nil, linuxOnly, nil)
		require.NoError(t, err)

		hosts, err := f.scheduler(t, workflow.New("UpgradeWorkflow", []workflow.Job{job}, nil)).Prepare(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"h1", "h2"}, hosts)
	})

	t.Run("interrupted workflow bypasses preconditions", func(t *testing.T) {
		f := newFixture(t, upgradeConfig())
		never := func(map[string]any, map[string]any) (bool, error) { return false, nil }
		job, err := workflow.NewJob("Upgrade", nil, nil, never, func(context.Context) (runner.Tasks, error) {
			return shellTask("apt-get upgrade"), nil
		})
		require.NoError(t, err)

		ctx := context.Background()
		st := remote.NewRemoteState()
		st.MarkStarted("Upgrade")
		require.NoError(t, f.remote.SetRemoteState(ctx, f.ws, "h1", st))

		sum, err := f.run(t, f.scheduler(t, workflow.New("UpgradeWorkflow", []workflow.Job{job}, nil)))
		require.NoError(t, err)
		assert.Equal(t, []string{"h1"}, sum.Succeeded)
		assert.Equal(t, 1, countCommands(f.cluster.Host("h1"), "apt-get upgrade"))
	})

	t.Run("bypass disabled", func(t *testing.T) {
		f := newFixture(t, upgradeConfig())
		never := func(map[string]any, map[string]any) (bool, error) { return false, nil }
		job, err := workflow.NewJob("Upgrade", nil, nil, never, nil)
		require.NoError(t, err)

		st := remote.NewRemoteState()
		st.MarkStarted("Upgrade")
		require.NoError(t, f.remote.SetRemoteState(context.Background(), f.ws, "h1", st))

		wf := workflow.New("UpgradeWorkflow", []workflow.Job{job}, nil)
		wf.AlwaysRetryFailedHosts = false
		hosts, err := f.scheduler(t, wf).Prepare(context.Background())
		require.NoError(t, err)
		assert.Empty(t, hosts)
	})
}

func TestPrepare(t *testing.T) {
	wf := workflow.New("UpgradeWorkflow", []workflow.Job{workflow.StaticJob("Upgrade", nil)}, nil)
	ctx := context.Background()

	t.Run("limit and order", func(t *testing.T) {
		f := newFixture(t, upgradeConfig())
		hosts, err := f.scheduler(t, wf, func(o *Options) {
			o.Limit = "h1:h3"
			o.SortOrder = workspace.SortDescending
		}).Prepare(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"h3", "h1"}, hosts)
	})

	t.Run("shuffle", func(t *testing.T) {
		cfg := upgradeConfig()
		cfg.DefaultSortOrder = workspace.SortShuffle
		f := newFixture(t, cfg)
		var shuffled []string
		hosts, err := f.scheduler(t, wf, func(o *Options) {
			o.Shuffle = func(h []string) {
				h[0], h[2] = h[2], h[0]
				shuffled = append([]string(nil), h...)
			}
		}).Prepare(ctx)
		require.NoError(t, err)
		assert.Equal(t, shuffled, hosts)
	})

	t.Run("require limit", func(t *testing.T) {
		cfg := upgradeConfig()
		cfg.RequireLimit = true
		f := newFixture(t, cfg)
		_, err := f.scheduler(t, wf).Prepare(ctx)
		assert.ErrorIs(t, err, ErrLimitRequired)
	})

	t.Run("no match", func(t *testing.T) {
		f := newFixture(t, upgradeConfig())
		_, err := f.scheduler(t, wf, func(o *Options) { o.Limit = "db*" }).Prepare(ctx)
		assert.ErrorIs(t, err, ErrNoHostsMatched)
	})

	t.Run("empty state", func(t *testing.T) {
		f := newFixture(t, upgradeConfig())
		require.NoError(t, f.ws.Reset())
		_, err := f.scheduler(t, wf).Prepare(ctx)
		assert.ErrorIs(t, err, ErrNoHosts)
	})

	t.Run("inventory vars reach cached preconditions", func(t *testing.T) {
		f := newFixture(t, upgradeConfig())
		notDB := func(_, vars map[string]any) (bool, error) {
			return vars["role"] != "db", nil
		}
		job, err := workflow.NewJob("Upgrade", nil, nil, notDB, nil)
		require.NoError(t, err)

		inv := runnertest.MustInventory(`
all:
  hosts:
    h1: {}
    h2:
      role: db
    h3: {}
`)
		hosts, err := f.scheduler(t, workflow.New("UpgradeWorkflow", []workflow.Job{job}, nil), func(o *Options) {
			o.Inventory = inv
		}).Prepare(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"h1", "h3"}, hosts)
	})

	t.Run("canceled context", func(t *testing.T) {
		f := newFixture(t, upgradeConfig())
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := f.scheduler(t, wf).Prepare(canceled)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCheckModeLeavesHostsUntouched(t *testing.T) {
	f := newFixture(t, upgradeConfig())
	f.remote = remote.New(f.rec, remote.Options{Check: true, Holder: "ops@laptop", Logger: zerolog.Nop()})

	wf := workflow.New("UpgradeWorkflow", []workflow.Job{workflow.StaticJob("Upgrade", shellTask("apt-get upgrade"))}, nil)
	sum, err := f.run(t, f.scheduler(t, wf, func(o *Options) { o.Check = true }))
	require.NoError(t, err)
	assert.Len(t, sum.Succeeded, 3)

	for _, req := range f.rec.Requests() {
		if strings.HasPrefix(req.InvocationMsg, "main_Job_") {
			assert.True(t, req.Check)
			assert.True(t, req.Become)
		}
	}
	_, ok := f.cluster.Host("h1").File(remote.StateFactPath)
	assert.False(t, ok, "check mode writes no remote state")
}

func TestInit(t *testing.T) {
	f := newFixture(t, upgradeConfig())
	assert.ElementsMatch(t, []string{"h1", "h2", "h3"}, f.ws.State().HostNames())
	assert.Equal(t, "Linux", f.ws.State().Hosts["h1"].Facts["ansible_system"])

	f.cluster.Host("h2").SetDown(true)
	res, err := Init(context.Background(), InitOptions{Workspace: f.ws, Runner: f.rec, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, res.Failed)
	assert.ElementsMatch(t, []string{"h1", "h3"}, res.Gathered)
	assert.Len(t, f.ws.State().Hosts, 3, "init never removes hosts")

	f.cluster.Host("h2").SetDown(false)
	res, err = Init(context.Background(), InitOptions{Workspace: f.ws, Runner: f.rec, Retry: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, res.Gathered)
	assert.Empty(t, res.Failed)

	_, err = Init(context.Background(), InitOptions{Workspace: f.ws, Runner: f.rec, Retry: true, Limit: "h1", Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrLimitWithRetry)

	_, err = Init(context.Background(), InitOptions{Workspace: f.ws, Runner: f.rec, Retry: true, Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrNoRetryFile)

	require.NoError(t, f.ws.Mutex())
	_, err = Init(context.Background(), InitOptions{Workspace: f.ws, Runner: f.rec, Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, workspace.ErrWorkspaceLocked)
}

// Coordination server tests.

type serverHarness struct {
	srv   *server.Server
	state *server.State
	url   string
	pub   *recordingPublisher
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []string
}

func (p *recordingPublisher) Publish(b notify.Broadcast) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, b.Event.Message)
	return nil
}

func (p *recordingPublisher) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}

type staticTokens string

func (s staticTokens) Load() (string, error) { return string(s), nil }
func (s staticTokens) Save(string) error     { return nil }

// flakyTransport refuses every request while down is set.
type flakyTransport struct {
	down atomic.Bool
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.down.Load() {
		return nil, errors.New("connection refused")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newServer(t *testing.T) *serverHarness {
	t.Helper()
	httpSrv := httptest.NewUnstartedServer(nil)
	cfg := server.DefaultConfig()
	cfg.URL = "http://" + httpSrv.Listener.Addr().String()
	cfg.Listen = ":0"
	cfg.HostHeaderPattern = `^127\.0\.0\.1:\d+$`
	cfg.StateDir = t.TempDir()

	state, err := server.LoadState(cfg.StateDir, nil)
	require.NoError(t, err)
	pub := &recordingPublisher{}
	srv, err := server.New(cfg, state, server.Options{Publisher: pub})
	require.NoError(t, err)

	httpSrv.Config.Handler = srv.Handler()
	httpSrv.Start()
	t.Cleanup(httpSrv.Close)
	return &serverHarness{srv: srv, state: state, url: cfg.URL, pub: pub}
}

func (h *serverHarness) workspace(t *testing.T, transport http.RoundTripper) *client.WorkspaceClient {
	t.Helper()
	tok, err := h.srv.Signer().Sign(server.AnonymousUser, server.PurposeAPI)
	require.NoError(t, err)
	c, err := client.New(h.url, client.Options{
		HTTPClient: &http.Client{Transport: transport, Timeout: 5 * time.Second},
		Tokens:     staticTokens(tok),
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return c.Workspace("Upgrade")
}

func eventMessages(t *testing.T, state *server.State) []string {
	t.Helper()
	ws, err := state.Workspace("Upgrade")
	require.NoError(t, err)
	out := make([]string, len(ws.Events))
	for i, ev := range ws.Events {
		out[i] = ev.Message
	}
	return out
}

func TestServerBootstrapAndEvents(t *testing.T) {
	h := newServer(t)
	f := newFixture(t, upgradeConfig())
	wf := workflow.New("UpgradeWorkflow", []workflow.Job{workflow.StaticJob("Upgrade", shellTask("apt-get upgrade"))}, nil)
	s := f.scheduler(t, wf, func(o *Options) {
		o.Client = h.workspace(t, http.DefaultTransport)
		o.Limit = "h1"
	})
	ctx := context.Background()

	require.NoError(t, s.Bootstrap(ctx))
	sem, err := h.state.Semaphores("Upgrade")
	require.NoError(t, err)
	assert.True(t, sem.HasMutex)

	details, err := h.state.Workspace("Upgrade")
	require.NoError(t, err)
	assert.Equal(t, "all", details.Details.HostPattern)
	assert.Equal(t, "UpgradeWorkflow", details.Details.Workflow)
	assert.Equal(t, "run", details.Details.WorkerCommand)

	other := f.scheduler(t, wf, func(o *Options) { o.Client = h.workspace(t, http.DefaultTransport) })
	assert.ErrorIs(t, other.Bootstrap(ctx), ErrServerWorkspaceLocked)

	_, err = f.run(t, s)
	require.NoError(t, err)
	s.Close(ctx)

	sem, err = h.state.Semaphores("Upgrade")
	require.NoError(t, err)
	assert.False(t, sem.HasMutex)

	want := []string{
		"h1: Workflow iteration on host 1 of 1",
		"h1: Locking remote host",
		"h1: Checking Job preconditions on host",
		"h1: Starting workflow",
		"h1: Running main job Upgrade",
		"h1: Host completed successfully; wrapping up",
		"h1: Release remote host lock",
	}
	got := eventMessages(t, h.state)
	idx := 0
	for _, msg := range got {
		if idx < len(want) && msg == want[idx] {
			idx++
		}
	}
	assert.Equal(t, len(want), idx, "events out of order: %v", got)

	assert.Equal(t, []string{
		"h1: Starting workflow",
		"h1: Host completed successfully; wrapping up",
	}, h.pub.Messages())
}

func TestCheckModeDoesNotBroadcast(t *testing.T) {
	h := newServer(t)
	f := newFixture(t, upgradeConfig())
	wf := workflow.New("UpgradeWorkflow", []workflow.Job{workflow.StaticJob("Upgrade", nil)}, nil)
	s := f.scheduler(t, wf, func(o *Options) {
		o.Client = h.workspace(t, http.DefaultTransport)
		o.Check = true
		o.Limit = "h1"
	})
	require.NoError(t, s.Bootstrap(context.Background()))
	defer s.Close(context.Background())

	_, err := f.run(t, s)
	require.NoError(t, err)
	assert.Empty(t, h.pub.Messages())

	ws, err := h.state.Workspace("Upgrade")
	require.NoError(t, err)
	assert.Equal(t, "check", ws.Details.WorkerCommand)
}

// runBlocked starts a run and waits until it polls the catch gate. It
// returns a channel closed when the run ends.
func runBlocked(t *testing.T, f *fixture, s *Scheduler, fake *clock.FakeClock) <-chan error {
	t.Helper()
	hosts, err := s.Prepare(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), hosts)
		done <- err
	}()
	require.Eventually(t, func() bool { return fake.Waiters() > 0 }, 2*time.Second, time.Millisecond)
	for _, inv := range f.rec.Invocations() {
		require.NotEqual(t, "lock_remote_host", inv, "host locked while caught")
	}
	return done
}

func TestRemoteCatchGate(t *testing.T) {
	wf := workflow.New("UpgradeWorkflow", []workflow.Job{workflow.StaticJob("Upgrade", nil)}, nil)

	t.Run("explicit catch", func(t *testing.T) {
		h := newServer(t)
		f := newFixture(t, upgradeConfig())
		fake := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
		wc := h.workspace(t, http.DefaultTransport)
		s := f.scheduler(t, wf, func(o *Options) {
			o.Client = wc
			o.Clock = fake
			o.Limit = "h1"
		})
		require.NoError(t, s.Bootstrap(context.Background()))
		defer s.Close(context.Background())
		require.NoError(t, wc.PostCatch(context.Background()))

		done := runBlocked(t, f, s, fake)

		require.NoError(t, wc.Release(context.Background()))
		fake.Advance(DefaultPollInterval)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not resume after release")
		}
	})

	t.Run("unreachable server counts as caught", func(t *testing.T) {
		h := newServer(t)
		f := newFixture(t, upgradeConfig())
		fake := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
		flaky := &flakyTransport{}
		s := f.scheduler(t, wf, func(o *Options) {
			o.Client = h.workspace(t, flaky)
			o.Clock = fake
			o.Limit = "h1"
		})
		require.NoError(t, s.Bootstrap(context.Background()))
		defer s.Close(context.Background())
		flaky.down.Store(true)

		done := runBlocked(t, f, s, fake)

		// Still refused: the gate keeps polling.
		fake.Advance(DefaultPollInterval)
		require.Eventually(t, func() bool { return fake.Waiters() > 0 }, 2*time.Second, time.Millisecond)

		flaky.down.Store(false)
		fake.Advance(DefaultPollInterval)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not resume once the server was reachable")
		}
	})
}

func TestFailureFallsBackToLocalCatch(t *testing.T) {
	h := newServer(t)
	f := newFixture(t, upgradeConfig())
	flaky := &flakyTransport{}
	s := f.scheduler(t, nil, func(o *Options) {
		o.Workflow = workflow.New("UpgradeWorkflow", []workflow.Job{workflow.StaticJob("Upgrade", shellTask("apt-get upgrade"))}, nil)
		o.Client = h.workspace(t, flaky)
	})
	require.NoError(t, s.Bootstrap(context.Background()))
	defer s.Close(context.Background())

	flaky.down.Store(true)
	require.NoError(t, s.failure(context.Background(), "h1", errors.New("[failed-host] boom")))
	assert.True(t, f.ws.Caught())
	assert.Positive(t, s.client.QueueLen(), "error event stays queued")

	flaky.down.Store(false)
	require.NoError(t, f.ws.Release())
	require.NoError(t, s.failure(context.Background(), "h1", errors.New("[failed-host] boom")))
	assert.False(t, f.ws.Caught())
	sem, err := h.state.Semaphores("Upgrade")
	require.NoError(t, err)
	assert.True(t, sem.Caught)
	assert.Zero(t, s.client.QueueLen())
}
