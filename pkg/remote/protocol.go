package remote

import (
	"context"
	"fmt"
	"os"
	"os/user"

	"github.com/rs/zerolog"

	"github.com/boardwalk/boardwalk/pkg/clock"
	"github.com/boardwalk/boardwalk/pkg/runner"
)

// Options configure a Protocol.
type Options struct {
	// BecomePassword is used for privileged tasks.
	BecomePassword string

	// Check runs mutating tasks in dry-run mode.
	Check bool

	// Holder identifies this worker in lock markers; defaults to user@host.
	Holder string

	// Clock stamps lock markers; defaults to the real clock.
	Clock clock.Clock

	// Logger receives debug output.
	Logger zerolog.Logger
}

// Protocol runs the remote host operations through a task runner.
type Protocol struct {
	runner runner.Runner
	opts   Options
	logger zerolog.Logger
}

// New returns a Protocol over r.
func New(r runner.Runner, opts Options) *Protocol {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Holder == "" {
		opts.Holder = DefaultHolder()
	}
	return &Protocol{
		runner: r,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "remote").Logger(),
	}
}

// Check reports whether mutating operations run in dry-run mode.
func (p *Protocol) Check() bool {
	return p.opts.Check
}

// DefaultHolder returns "<user>@<hostname>" for the current process.
func DefaultHolder() string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s@%s", name, host)
}

func (p *Protocol) run(ctx context.Context, host, invocation string, become bool, tasks runner.Tasks) (*runner.Result, error) {
	req := runner.Request{
		Hosts:         host,
		Tasks:         tasks,
		InvocationMsg: invocation,
	}
	if become {
		req.Become = true
		req.BecomePassword = p.opts.BecomePassword
		req.Check = p.opts.Check
	}
	p.logger.Debug().Str("host", host).Str("invocation", invocation).Msg("running remote tasks")
	return runner.Execute(ctx, p.runner, req)
}

// adminGroupTasks inspect the host system and set admin_group to the group
// that owns privileged files on it.
func adminGroupTasks() runner.Tasks {
	return runner.Tasks{
		{Name: "get_ansible_system", Module: "setup", Args: map[string]any{"filter": []any{"ansible_system"}}},
		{Name: "set_linux_facts", Module: "set_fact", Args: map[string]any{"admin_group": "root"}, When: "ansible_system == 'Linux'"},
		{Name: "set_darwin_facts", Module: "set_fact", Args: map[string]any{"admin_group": "wheel"}, When: "ansible_system == 'Darwin'"},
	}
}
