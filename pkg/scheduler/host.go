package scheduler

import (
	"context"
	"fmt"

	"github.com/boardwalk/boardwalk/pkg/protocol"
	"github.com/boardwalk/boardwalk/pkg/remote"
	"github.com/boardwalk/boardwalk/pkg/runner"
	"github.com/boardwalk/boardwalk/pkg/telemetry"
	"github.com/boardwalk/boardwalk/pkg/workflow"
)

// processHost locks host, runs the workflow on it and unlocks it. The lock
// is kept when the host became unreachable.
func (s *Scheduler) processHost(ctx context.Context, host string) error {
	s.event(ctx, protocol.SeverityInfo, host+": Locking remote host", false)
	if err := s.opts.Remote.Lock(ctx, host, s.opts.StompLocks); err != nil {
		return err
	}

	err := s.confirmPreconditions(ctx, host)
	if err == nil {
		err = s.executeWorkflow(ctx, host)
	}
	if runner.IsUnreachable(err) {
		return err
	}

	s.info(ctx, host, "Release remote host lock")
	if rerr := s.opts.Remote.Release(context.WithoutCancel(ctx), host); rerr != nil {
		if err != nil {
			s.logger.Error().Err(err).Str("host", host).Msg("Host failed before its lock could be released")
		}
		return rerr
	}
	return err
}

// confirmPreconditions refreshes the cached facts of host and re-evaluates
// every job precondition against them.
func (s *Scheduler) confirmPreconditions(ctx context.Context, host string) error {
	s.event(ctx, protocol.SeverityInfo, host+": Checking Job preconditions on host", false)
	facts, err := s.refreshFacts(ctx, host)
	if err != nil {
		return err
	}

	if s.wf.AlwaysRetryFailedHosts && remote.FromFacts(facts).Interrupted(s.ws.Name()) {
		s.logger.Warn().Str("host", host).Msg("Host started workflow but never completed. Job preconditions are ignored for this host")
		return nil
	}

	unmet, err := s.wf.UnmetPreconditions(facts, s.hostVars(host))
	if err != nil {
		return err
	}
	if len(unmet) == 0 {
		return nil
	}
	for _, job := range unmet {
		s.logger.Warn().Str("host", host).Str("job", job).Msg("Job preconditions unmet on host")
	}
	s.event(ctx, protocol.SeverityInfo, host+": Host didn't meet job preconditions", false)
	return errPreconditionsUnmet
}

// refreshFacts gathers the facts of host and persists them in local state.
func (s *Scheduler) refreshFacts(ctx context.Context, host string) (map[string]any, error) {
	s.info(ctx, host, "Updating facts in local state")
	facts, err := s.opts.Remote.GatherFacts(ctx, host)
	if err != nil {
		return nil, err
	}
	s.ws.State().PutFacts(host, facts)
	if err := s.ws.Flush(); err != nil {
		return nil, err
	}
	return facts, nil
}

// executeWorkflow marks the workflow started on host, runs the main jobs
// and then the exit jobs, and marks the workflow succeeded. Exit jobs are
// skipped when the host became unreachable. A failing exit job fails the
// host, so the next attempt starts again from the main jobs.
func (s *Scheduler) executeWorkflow(ctx context.Context, host string) error {
	if err := s.updateRemoteState(ctx, host, (*remote.RemoteState).MarkStarted); err != nil {
		return err
	}
	s.event(ctx, protocol.SeverityInfo, host+": Starting workflow", true)

	err := s.runJobs(ctx, host, "main", s.wf.Jobs)
	if runner.IsUnreachable(err) {
		return err
	}
	if exitErr := s.runJobs(ctx, host, "exit", s.wf.ExitJobs); exitErr != nil {
		if err != nil {
			s.logger.Error().Err(err).Str("host", host).Msg("Main job failed before the exit jobs")
		}
		return exitErr
	}
	if err != nil {
		return err
	}

	if err := s.updateRemoteState(ctx, host, (*remote.RemoteState).MarkSucceeded); err != nil {
		return err
	}
	s.logger.Info().Str("host", host).Msg("Host completed successfully; wrapping up")
	s.event(ctx, protocol.SeveritySuccess, host+": Host completed successfully; wrapping up", true)
	_, err = s.refreshFacts(ctx, host)
	return err
}

func (s *Scheduler) updateRemoteState(ctx context.Context, host string, mark func(*remote.RemoteState, string)) error {
	s.info(ctx, host, "Updating remote state")
	st, err := s.opts.Remote.GetRemoteState(ctx, host)
	if err != nil {
		return err
	}
	mark(st, s.ws.Name())
	return s.opts.Remote.SetRemoteState(ctx, s.ws, host, st)
}

// runJobs runs jobs in order. A job generating no tasks never contacts the
// host.
func (s *Scheduler) runJobs(ctx context.Context, host, kind string, jobs []workflow.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	s.info(ctx, host, fmt.Sprintf("Running workflow %s jobs", kind))
	for _, job := range jobs {
		if err := s.runJob(ctx, host, kind, job); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, host, kind string, job workflow.Job) error {
	s.event(ctx, protocol.SeverityInfo, fmt.Sprintf("%s: Running %s job %s", host, kind, job.Name()), false)
	ctx, span := s.tel.Tracer.StartJobSpan(ctx, host, job.Name())
	defer span.End()

	tasks, err := job.Tasks(ctx)
	if err != nil {
		err = fmt.Errorf("job %s: %w", job.Name(), err)
		telemetry.RecordError(span, err)
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	_, err = runner.Execute(ctx, s.opts.Runner, runner.Request{
		Hosts:          host,
		Tasks:          tasks,
		Become:         true,
		BecomePassword: s.opts.BecomePassword,
		Check:          s.opts.Check,
		InvocationMsg:  fmt.Sprintf("%s_Job_%s", kind, job.Name()),
		Timeout:        s.opts.TaskTimeout,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}
