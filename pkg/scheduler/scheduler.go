package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/boardwalk/boardwalk/pkg/client"
	"github.com/boardwalk/boardwalk/pkg/clock"
	"github.com/boardwalk/boardwalk/pkg/inventory"
	"github.com/boardwalk/boardwalk/pkg/protocol"
	"github.com/boardwalk/boardwalk/pkg/remote"
	"github.com/boardwalk/boardwalk/pkg/runner"
	"github.com/boardwalk/boardwalk/pkg/telemetry"
	"github.com/boardwalk/boardwalk/pkg/workflow"
	"github.com/boardwalk/boardwalk/pkg/workspace"
)

// DefaultPollInterval is how often a caught run checks for release.
const DefaultPollInterval = 5 * time.Second

// Options configure a Scheduler.
type Options struct {
	Workspace *workspace.Workspace
	Workflow  *workflow.Workflow
	Inventory *inventory.Inventory

	// Runner executes job tasks.
	Runner runner.Runner

	// Remote performs host locking, workflow state and fact gathering. It
	// should share Runner and the check and become settings.
	Remote *remote.Protocol

	// Client is the workspace on the coordination server. Nil runs without
	// a server.
	Client *client.WorkspaceClient

	// Limit restricts the hosts of the workspace pattern. Empty means all.
	Limit string

	// SortOrder overrides the workspace default order.
	SortOrder workspace.SortOrder

	// StompLocks overrides host locks held by other workers.
	StompLocks bool

	Check          bool
	BecomePassword string

	// TaskTimeout bounds each job invocation. Zero means no limit.
	TaskTimeout time.Duration

	// PollInterval is the catch poll interval.
	PollInterval time.Duration

	// Command is reported to the server as the worker command.
	Command string

	// Shuffle reorders hosts for the shuffle sort order. Defaults to
	// math/rand/v2.
	Shuffle func(hosts []string)

	Clock     clock.Clock
	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
}

// Scheduler runs one workflow over one workspace.
type Scheduler struct {
	opts   Options
	ws     *workspace.Workspace
	wf     *workflow.Workflow
	client *client.WorkspaceClient
	clock  clock.Clock
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	// broadcast is set when events may be broadcast: connected and not
	// in check mode.
	broadcast bool

	heartbeat     *client.Heartbeat
	inventoryVars map[string]map[string]any
}

// Summary is the outcome of a run.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	// Total is the number of hosts in the work list.
	Total int

	// Attempts counts host iterations, retries included.
	Attempts int

	Succeeded []string
	Skipped   []string

	// Unreachable lists hosts that were unreachable at least once.
	Unreachable []string
}

// New validates opts and returns a Scheduler.
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Workspace == nil:
		return nil, errors.New("scheduler: workspace is required")
	case opts.Workflow == nil:
		return nil, errors.New("scheduler: workflow is required")
	case opts.Inventory == nil:
		return nil, errors.New("scheduler: inventory is required")
	case opts.Runner == nil || opts.Remote == nil:
		return nil, errors.New("scheduler: runner and remote protocol are required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop()
	}
	if opts.Shuffle == nil {
		opts.Shuffle = shuffle
	}
	if opts.Command == "" {
		opts.Command = "run"
		if opts.Check {
			opts.Command = "check"
		}
	}
	return &Scheduler{
		opts:      opts,
		ws:        opts.Workspace,
		wf:        opts.Workflow,
		client:    opts.Client,
		clock:     opts.Clock,
		tel:       opts.Telemetry,
		logger:    opts.Logger.With().Str("component", "scheduler").Str("workspace", opts.Workspace.Name()).Logger(),
		broadcast: opts.Client != nil && !opts.Check,
	}, nil
}

// Run processes hosts in order. Prepare must have been called first for the
// inventory variables used by preconditions.
func (s *Scheduler) Run(ctx context.Context, hosts []string) (*Summary, error) {
	sum := &Summary{
		RunID:     uuid.New().String(),
		StartedAt: s.clock.Now(),
		Total:     len(hosts),
	}
	ctx, span := s.tel.Tracer.StartRunSpan(ctx, s.ws.Name(), s.wf.Name)
	defer span.End()

	err := s.loop(ctx, hosts, sum)
	sum.FinishedAt = s.clock.Now()
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	if ferr := s.flushEvents(ctx); ferr != nil {
		s.logger.Warn().Err(ferr).Int("queued", s.client.QueueLen()).Msg("Some events were not delivered to the server")
	}
	return sum, err
}

func (s *Scheduler) loop(ctx context.Context, hosts []string, sum *Summary) error {
	for i := 0; i < len(hosts); {
		host := hosts[i]
		s.info(ctx, host, fmt.Sprintf("Workflow iteration on host %d of %d", i+1, len(hosts)))

		if err := s.waitForRelease(ctx, host); err != nil {
			return err
		}

		sum.Attempts++
		start := s.clock.Now()
		hctx, span := s.tel.Tracer.StartHostSpan(ctx, host, sum.Attempts)
		err := s.processHost(hctx, host)
		telemetry.RecordError(span, err)
		span.End()

		advance, result, fatal := s.classify(ctx, host, err, sum)
		s.tel.Metrics.RecordHostAttempt(s.ws.Name(), result, s.clock.Now().Sub(start))
		if fatal != nil {
			return fatal
		}
		if advance {
			i++
		}
	}
	return nil
}

// classify decides what follows a host attempt. It returns whether to move
// to the next host, the metric result label and a run-ending error.
func (s *Scheduler) classify(ctx context.Context, host string, err error, sum *Summary) (bool, string, error) {
	if err == nil {
		sum.Succeeded = append(sum.Succeeded, host)
		return true, "succeeded", nil
	}
	if errors.Is(err, errPreconditionsUnmet) {
		sum.Skipped = append(sum.Skipped, host)
		return true, "skipped", nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, "cancelled", ctxErr
	}

	var locked *remote.RemoteHostLockedError
	if errors.As(err, &locked) {
		if ferr := s.failure(ctx, host, err); ferr != nil {
			return false, "failed", ferr
		}
		return false, "locked", nil
	}

	kind, ok := runner.KindOf(err)
	if !ok {
		s.event(ctx, protocol.SeverityError, fmt.Sprintf("%s: %v", host, err), false)
		return false, "fatal", &FatalError{Host: host, Err: err}
	}
	switch kind {
	case runner.KindUnreachable:
		// The host keeps its lock and is retried after release; an operator
		// clears the lock or reruns with --stomp-locks.
		if !slices.Contains(sum.Unreachable, host) {
			sum.Unreachable = append(sum.Unreachable, host)
		}
		if ferr := s.failure(ctx, host, err); ferr != nil {
			return false, "unreachable", ferr
		}
		return false, "unreachable", nil
	case runner.KindGeneral, runner.KindRunError:
		s.event(ctx, protocol.SeverityError, fmt.Sprintf("%s: %s", host, kind), false)
		return false, "fatal", &FatalError{Host: host, Err: err}
	case runner.KindFailedHost:
		if ferr := s.failure(ctx, host, err); ferr != nil {
			return false, "failed", ferr
		}
		return false, "failed", nil
	default:
		return false, "fatal", &FatalError{Host: host, Err: err}
	}
}

// failure reports a retryable host failure and catches the workspace so the
// host is retried once released. A remote catch that cannot reach the
// server falls back to a local catch.
func (s *Scheduler) failure(ctx context.Context, host string, cause error) error {
	s.event(ctx, protocol.SeverityError, cause.Error(), true)
	s.logger.Error().Err(cause).Str("host", host).Msg("Job encountered error; Workspace will catch")

	if s.client != nil {
		err := s.client.PostCatch(ctx)
		if err == nil {
			return nil
		}
		s.logger.Error().Err(err).Str("host", host).Msg("Could not catch Workspace at server. Falling back to local catch")
	}
	if err := s.ws.Catch(); err != nil {
		return &FatalError{Host: host, Err: fmt.Errorf("failed to catch workspace: %w", err)}
	}
	return nil
}
