package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/boardwalk/boardwalk/pkg/client"
	"github.com/boardwalk/boardwalk/pkg/protocol"
)

// Bootstrap claims the workspace on the coordination server: it refuses to
// start when another worker holds the mutex, posts the worker details,
// takes the mutex and starts the heartbeat. It does nothing without a
// client. Close undoes it.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	url := s.client.Client().URL()

	held, err := s.client.HasMutex(ctx)
	if err != nil {
		return serverError(url, err)
	}
	if held {
		return fmt.Errorf("%w: %s on %s", ErrServerWorkspaceLocked, s.ws.Name(), url)
	}

	if err := s.client.PostDetails(ctx, s.details()); err != nil {
		return serverError(url, err)
	}

	if err := s.client.Mutex(ctx); err != nil {
		if errors.Is(err, client.ErrWorkspaceHasMutex) {
			return fmt.Errorf("%w: %s on %s", ErrServerWorkspaceLocked, s.ws.Name(), url)
		}
		return serverError(url, err)
	}

	s.heartbeat = s.client.HeartbeatKeepaliveConnect(ctx)
	return nil
}

func serverError(url string, err error) error {
	if client.IsUnreachable(err) {
		return fmt.Errorf("could not connect to server %s: %w", url, err)
	}
	return fmt.Errorf("received error from %s: %w", url, err)
}

func (s *Scheduler) details() protocol.WorkspaceDetails {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return protocol.WorkspaceDetails{
		HostPattern:    s.ws.Config().HostPattern,
		Workflow:       s.wf.Name,
		WorkerCommand:  s.opts.Command,
		WorkerHostname: hostname,
		WorkerUsername: username,
	}
}

// Close stops the heartbeat and releases the server mutex. Failures are
// logged.
func (s *Scheduler) Close(ctx context.Context) {
	if s.client == nil {
		return
	}
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	if err := s.client.Unmutex(ctx); err != nil {
		s.logger.Error().Err(err).Str("server", s.client.Client().URL()).Msg("Cannot unmutex Workspace")
	}
}

// waitForRelease blocks while the workspace is caught, locally first and
// then on the server. A server that cannot be queried counts as caught.
func (s *Scheduler) waitForRelease(ctx context.Context, host string) error {
	if s.ws.Caught() {
		s.logger.Info().Str("host", host).Msg("Workspace is locally caught. Waiting for release before continuing")
		s.event(ctx, protocol.SeverityInfo, host+": Waiting for local worker catch to release", false)
		s.tel.Metrics.RecordCatchWait()
		if err := s.ws.WaitReleased(ctx, s.clock, s.opts.PollInterval); err != nil {
			return err
		}
	}

	if s.client == nil || !s.remoteCaught(ctx) {
		return nil
	}
	s.logger.Info().Str("host", host).Str("server", s.client.Client().URL()).
		Msg("Workspace is remotely caught. Waiting for release before continuing")
	s.event(ctx, protocol.SeverityInfo, host+": Waiting for remote catch to release", false)
	s.tel.Metrics.RecordCatchWait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.opts.PollInterval):
		}
		if !s.remoteCaught(ctx) {
			return nil
		}
	}
}

func (s *Scheduler) remoteCaught(ctx context.Context) bool {
	caught, err := s.client.Caught(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("server", s.client.Client().URL()).
			Msg("Could not check for remote catch. The remote workspace is considered caught while it can't be reached")
		return true
	}
	return caught
}

// event queues a workspace event when connected. Delivery failures leave
// the event queued for the next flush.
func (s *Scheduler) event(ctx context.Context, severity protocol.Severity, msg string, broadcast bool) {
	if s.client == nil {
		return
	}
	err := s.client.QueueEvent(ctx, protocol.NewEvent(severity, msg), broadcast && s.broadcast)
	if err != nil {
		s.logger.Debug().Err(err).Int("queued", s.client.QueueLen()).Msg("Event delivery deferred")
	}
}

// info logs a host progress message and mirrors it to the server.
func (s *Scheduler) info(ctx context.Context, host, msg string) {
	s.logger.Info().Str("host", host).Msg(msg)
	s.event(ctx, protocol.SeverityInfo, host+": "+msg, false)
}

func (s *Scheduler) flushEvents(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.FlushEventQueue(ctx)
}
