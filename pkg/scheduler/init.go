package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/boardwalk/boardwalk/pkg/runner"
	"github.com/boardwalk/boardwalk/pkg/workspace"
)

// InitTimeout bounds fact gathering during Init.
const InitTimeout = 5 * time.Minute

var (
	// ErrLimitWithRetry is returned when Init is given both a limit and
	// the retry flag.
	ErrLimitWithRetry = errors.New("--limit and --retry cannot be supplied together")

	// ErrNoRetryFile is returned by a retrying Init without a retry file.
	ErrNoRetryFile = errors.New("no retry file exists")

	// ErrNoHostsGathered is returned when Init leaves local state empty.
	ErrNoHostsGathered = errors.New("no hosts gathered")
)

// InitOptions configure Init.
type InitOptions struct {
	Workspace *workspace.Workspace
	Runner    runner.Runner

	// Limit restricts the workspace host pattern.
	Limit string

	// Retry limits gathering to the hosts of the retry file.
	Retry bool

	Logger zerolog.Logger
}

// InitResult reports what Init gathered.
type InitResult struct {
	Gathered []string

	// Failed hosts were unreachable or failed and are in the retry file.
	Failed []string

	Stats map[string]runner.HostStats
}

// Init gathers facts for the hosts of the workspace pattern and adds or
// updates them in local state. Hosts are never removed. Failed and
// unreachable hosts are written to a fresh retry file.
func Init(ctx context.Context, opts InitOptions) (*InitResult, error) {
	ws := opts.Workspace
	logger := opts.Logger.With().Str("component", "init").Str("workspace", ws.Name()).Logger()
	if opts.Retry && opts.Limit != "" && opts.Limit != "all" {
		return nil, ErrLimitWithRetry
	}
	if err := ws.AssertHostPatternUnchanged(); err != nil {
		return nil, err
	}
	if err := ws.Mutex(); err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Unmutex(); err != nil {
			logger.Error().Err(err).Msg("Failed to release workspace mutex")
		}
	}()

	limit := opts.Limit
	if opts.Retry {
		if _, err := os.Stat(ws.RetryPath()); errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoRetryFile
		}
		limit = "@" + ws.RetryPath()
	}

	cfg := ws.Config()
	ws.State().HostPattern = cfg.HostPattern

	res, err := runner.Execute(ctx, opts.Runner, runner.Request{
		Hosts:         cfg.HostPattern,
		Limit:         limit,
		Tasks:         runner.Tasks{{Name: "setup", Module: "setup", Args: map[string]any{"gather_timeout": 30}}},
		InvocationMsg: "Gathering facts",
		Timeout:       InitTimeout,
	})
	partial := false
	if kind, ok := runner.KindOf(err); ok {
		switch kind {
		case runner.KindRunError:
			for _, msg := range res.Messages() {
				logger.Error().Msg(msg)
			}
			return nil, fmt.Errorf("failed to start fact gathering: %w", err)
		case runner.KindFailedHost, runner.KindUnreachable, runner.KindGeneral:
			if res == nil {
				return nil, err
			}
			partial = true
		}
	} else if err != nil {
		return nil, err
	}

	if err := ws.ClearRetry(); err != nil {
		return nil, err
	}
	out := &InitResult{Stats: res.Stats}
	for _, ev := range res.Events {
		switch ev.Kind {
		case runner.EventOK:
			if ev.Task != "setup" {
				continue
			}
			facts, _ := ev.Result["ansible_facts"].(map[string]any)
			ws.State().PutFacts(ev.Host, facts)
			out.Gathered = append(out.Gathered, ev.Host)
		case runner.EventFailed, runner.EventUnreachable:
			logger.Warn().Str("host", ev.Host).Msg(ev.Stdout)
			if ev.Host == "" {
				continue
			}
			if err := ws.AppendRetry(ev.Host); err != nil {
				return nil, err
			}
			out.Failed = append(out.Failed, ev.Host)
		case runner.EventWarning:
			logger.Warn().Msg(ev.Stdout)
		}
	}
	if err := ws.Flush(); err != nil {
		return nil, err
	}

	if partial {
		logger.Warn().Msg("Some hosts were unreachable. Consider running again with --retry")
	}
	if len(ws.State().Hosts) == 0 {
		return out, ErrNoHostsGathered
	}
	return out, nil
}
