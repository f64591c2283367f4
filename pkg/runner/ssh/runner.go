// Package ssh is the native task runner. It resolves host patterns against
// an inventory, connects to each selected host over SSH and runs the task
// modules in order, reporting ansible-compatible events and return codes.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/syntax"
	"golang.org/x/sync/errgroup"

	"github.com/boardwalk/boardwalk/pkg/inventory"
	"github.com/boardwalk/boardwalk/pkg/runner"
)

// Runner runs tasks over SSH. It implements runner.Runner.
type Runner struct {
	inv    *inventory.Inventory
	config *Config
	dial   DialFunc
	logger zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithDialer replaces the SSH dialer.
func WithDialer(d DialFunc) Option {
	return func(r *Runner) {
		r.dial = d
	}
}

// New creates a Runner over inv. cfg supplies connection defaults for every
// host; inventory variables override them per host.
func New(inv *inventory.Inventory, cfg *Config, logger zerolog.Logger, opts ...Option) *Runner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	r := &Runner{
		inv:    inv,
		config: cfg,
		logger: logger.With().Str("component", "ssh-runner").Logger(),
	}
	r.dial = Dial(r.logger)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Inventory returns the inventory the runner resolves hosts against.
func (r *Runner) Inventory() *inventory.Inventory {
	return r.inv
}

// Run executes req. Hosts are worked on concurrently up to Config.Forks;
// each host runs the tasks in order and stops at its first failure.
func (r *Runner) Run(ctx context.Context, req runner.Request) (*runner.Result, error) {
	if err := validateTasks(req.Tasks); err != nil {
		return &runner.Result{
			RC:     1,
			Events: []runner.Event{{Kind: runner.EventFailed, Stdout: err.Error()}},
		}, nil
	}

	hosts, err := r.inv.Limit(req.Hosts, req.Limit)
	if errors.Is(err, inventory.ErrNoHostsMatched) {
		return &runner.Result{
			Events: []runner.Event{{
				Kind:   runner.EventWarning,
				Stdout: fmt.Sprintf("Could not match supplied host pattern: %s", req.Hosts),
			}},
		}, nil
	}
	if err != nil {
		return &runner.Result{
			RC:     1,
			Events: []runner.Event{{Kind: runner.EventFailed, Stdout: err.Error()}},
		}, nil
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	r.logger.Debug().
		Str("invocation", req.InvocationMsg).
		Strs("hosts", hosts).
		Int("tasks", len(req.Tasks)).
		Bool("check", req.Check).
		Msg("running tasks")

	outcomes := make([]*hostOutcome, len(hosts))
	var g errgroup.Group
	forks := r.config.Forks
	if forks <= 0 {
		forks = 1
	}
	g.SetLimit(forks)
	for i, host := range hosts {
		g.Go(func() error {
			outcomes[i] = r.runHost(ctx, host, req)
			return nil
		})
	}
	_ = g.Wait()

	res := &runner.Result{Stats: map[string]runner.HostStats{}}
	var failed, unreachable bool
	for i, o := range outcomes {
		res.Events = append(res.Events, o.events...)
		res.Stats[hosts[i]] = o.stats
		failed = failed || o.stats.Failed > 0
		unreachable = unreachable || o.stats.Unreachable > 0
	}
	res.Events = append(res.Events, runner.Event{Kind: runner.EventStats})
	switch {
	case unreachable:
		res.RC = 4
	case failed:
		res.RC = 2
	}
	return res, nil
}

type hostOutcome struct {
	events []runner.Event
	stats  runner.HostStats
}

// hostRun is the per-host state visible to modules.
type hostRun struct {
	name    string
	session Session
	vars    runner.Vars
	become  bool
	check   bool
}

func (r *Runner) runHost(ctx context.Context, host string, req runner.Request) *hostOutcome {
	out := &hostOutcome{}
	vars := runner.Vars(r.inv.HostVars(host))

	cfg := r.config.ForHost(host, vars)
	if req.BecomePassword != "" {
		cfg.BecomePassword = req.BecomePassword
	}

	start := time.Now()
	sess, err := r.dial(ctx, cfg)
	if err != nil {
		out.stats.Unreachable++
		out.events = append(out.events, runner.Event{
			Kind:   runner.EventUnreachable,
			Host:   host,
			Stdout: fmt.Sprintf("Failed to connect to the host via ssh: %v", err),
		})
		return out
	}
	defer sess.Close()

	h := &hostRun{name: host, session: sess, vars: vars, become: req.Become, check: req.Check}
	for _, task := range req.Tasks {
		ev := r.runTask(ctx, h, task)
		out.events = append(out.events, ev)

		switch ev.Kind {
		case runner.EventOK:
			out.stats.OK++
			if changed, _ := ev.Result["changed"].(bool); changed {
				out.stats.Changed++
			}
		case runner.EventSkipped:
			out.stats.Skipped++
		case runner.EventUnreachable:
			out.stats.Unreachable++
			return out
		case runner.EventFailed:
			if task.IgnoreErrors {
				continue
			}
			out.stats.Failed++
			return out
		}
	}

	r.logger.Debug().
		Str("host", host).
		Dur("duration", time.Since(start)).
		Msg("host tasks completed")
	return out
}

func (r *Runner) runTask(ctx context.Context, h *hostRun, task runner.Task) runner.Event {
	ev := runner.Event{Task: task.Name, Host: h.name}

	ok, err := h.vars.When(task.When)
	if err != nil {
		ev.Kind = runner.EventFailed
		ev.Stdout = fmt.Sprintf("The conditional check '%s' failed: %v", task.When, err)
		return ev
	}
	if !ok {
		ev.Kind = runner.EventSkipped
		ev.Result = map[string]any{"changed": false, "skipped": true, "skip_reason": "Conditional result was False"}
		h.register(task, ev.Result)
		return ev
	}

	args, err := h.vars.RenderArgs(task.Args)
	if err != nil {
		ev.Kind = runner.EventFailed
		ev.Stdout = err.Error()
		return ev
	}

	res, err := modules[task.Module](ctx, h, args)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) && te.Temporary() {
			ev.Kind = runner.EventUnreachable
		} else {
			ev.Kind = runner.EventFailed
		}
		ev.Stdout = err.Error()
		ev.Result = map[string]any{"failed": true, "msg": err.Error()}
		return ev
	}
	if res == nil {
		res = map[string]any{}
	}
	if _, set := res["changed"]; !set {
		res["changed"] = false
	}
	ev.Result = res

	switch {
	case res["failed"] == true:
		ev.Kind = runner.EventFailed
		ev.Stdout, _ = res["msg"].(string)
	case res["skipped"] == true:
		ev.Kind = runner.EventSkipped
	default:
		ev.Kind = runner.EventOK
		if facts, ok := res["ansible_facts"].(map[string]any); ok {
			for k, v := range facts {
				h.vars[k] = v
			}
		}
	}
	h.register(task, res)
	return ev
}

func (h *hostRun) register(task runner.Task, res map[string]any) {
	if task.Register != "" {
		h.vars[task.Register] = res
	}
}

// validateTasks rejects unknown modules and malformed conditions before
// any host is contacted.
func validateTasks(tasks runner.Tasks) error {
	for _, t := range tasks {
		if _, ok := modules[t.Module]; !ok {
			return fmt.Errorf("task %q: unknown module %q (known: %v)", t.Name, t.Module, ModuleNames())
		}
		if t.When != "" {
			if _, err := syntax.ParseExpr("when", t.When, 0); err != nil {
				return fmt.Errorf("task %q: invalid condition: %w", t.Name, err)
			}
		}
	}
	return nil
}

var namesOnce sync.Once
var moduleNames []string

// ModuleNames lists the supported task modules.
func ModuleNames() []string {
	namesOnce.Do(func() {
		for name := range modules {
			moduleNames = append(moduleNames, name)
		}
		sort.Strings(moduleNames)
	})
	return moduleNames
}
