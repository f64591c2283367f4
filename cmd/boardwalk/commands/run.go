package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/boardwalk/boardwalk/pkg/client"
	"github.com/boardwalk/boardwalk/pkg/remote"
	"github.com/boardwalk/boardwalk/pkg/scheduler"
	"github.com/boardwalk/boardwalk/pkg/telemetry"
	"github.com/boardwalk/boardwalk/pkg/workspace"
)

type runFlags struct {
	askBecomePass bool
	check         bool
	limit         string
	serverConnect bool
	sortHosts     string
	stompLocks    bool
}

func (f *runFlags) install(cmd *cobra.Command, withCheck bool) {
	cmd.Flags().BoolVarP(&f.askBecomePass, "ask-become-pass", "K", false, "prompt for the become password (env ANSIBLE_BECOME_ASK_PASS)")
	cmd.Flags().StringVarP(&f.limit, "limit", "l", "", "inventory pattern limiting the hosts to run on")
	cmd.Flags().BoolVar(&f.serverConnect, "server-connect", true, "connect to the configured boardwalkd server, if any")
	cmd.Flags().StringVarP(&f.sortHosts, "sort-hosts", "s", "", "override the workspace host order: shuffle, ascending, descending (or s, a, d)")
	if withCheck {
		cmd.Flags().BoolVarP(&f.check, "check", "C", false, "run the workflow in check mode")
		cmd.Flags().BoolVar(&f.stompLocks, "stomp-locks", false, "take host locks held by other workers")
	}
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workflow of the active workspace",
		Long: `Run the workflow of the active workspace against its hosts, one host at a
time.

For each host the run waits while the workspace is caught, locks the host,
re-checks the job preconditions against fresh facts, runs the main jobs and
the exit jobs, and unlocks the host. A failing host catches the workspace and
is retried after release. An unreachable host also catches the workspace but
keeps its lock; clear it with "boardwalk unlock" or retry with --stomp-locks.

Running without a server connection is possible but other operators cannot
see or catch the run.`,
		Example: `  # Run on every host of the workspace
  boardwalk run

  # Run on a subset in ascending order
  boardwalk run --limit 'db*' --sort-hosts a

  # Dry run, prompting for the become password
  boardwalk run --check -K`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd.Context(), flags)
		},
	}
	flags.install(cmd, true)
	return cmd
}

func newCheckCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the workflow in check mode. Equivalent to run --check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.check = true
			return runWorkflow(cmd.Context(), flags)
		},
	}
	flags.install(cmd, false)
	return cmd
}

func runWorkflow(ctx context.Context, flags runFlags) error {
	env, err := loadEnvironment(ctx)
	if err != nil {
		return err
	}
	ws, err := env.workspace()
	if err != nil {
		return err
	}
	wf, err := env.manifest.Workflow(ws.Config())
	if err != nil {
		return err
	}
	order, err := workspace.ParseSortOrder(flags.sortHosts)
	if err != nil {
		return err
	}
	inv, r, err := env.runner()
	if err != nil {
		return err
	}

	var wc *client.WorkspaceClient
	if flags.serverConnect {
		if wc, err = env.workspaceClient(ws); err != nil {
			return err
		}
	} else {
		log.Warn().Msg("Running without a server connection")
	}

	var password string
	if flags.askBecomePass || env.settings.AskBecomePass {
		if password, err = promptBecomePassword(); err != nil {
			return err
		}
	}

	tel, err := telemetry.NewTelemetry(env.settings.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	proto := remote.New(r, remote.Options{
		BecomePassword: password,
		Check:          flags.check,
		Logger:         env.logger,
	})
	command := "run"
	if flags.check {
		command = "check"
	}
	sched, err := scheduler.New(scheduler.Options{
		Workspace:      ws,
		Workflow:       wf,
		Inventory:      inv,
		Runner:         r,
		Remote:         proto,
		Client:         wc,
		Limit:          flags.limit,
		SortOrder:      order,
		StompLocks:     flags.stompLocks,
		Check:          flags.check,
		BecomePassword: password,
		TaskTimeout:    env.settings.TaskTimeout,
		PollInterval:   env.settings.CatchPollInterval,
		Command:        command,
		Telemetry:      tel,
		Logger:         env.logger,
	})
	if err != nil {
		return err
	}

	if err := sched.Bootstrap(ctx); err != nil {
		return err
	}
	defer sched.Close(context.WithoutCancel(ctx))

	if err := ws.Mutex(); err != nil {
		return err
	}
	defer func() {
		if err := ws.Unmutex(); err != nil {
			log.Error().Err(err).Msg("Failed to release workspace mutex")
		}
	}()

	hosts, err := sched.Prepare(ctx)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		return nil
	}

	sum, err := sched.Run(ctx, hosts)
	if sum != nil {
		log.Info().
			Str("run_id", sum.RunID).
			Int("hosts", sum.Total).
			Int("attempts", sum.Attempts).
			Int("succeeded", len(sum.Succeeded)).
			Int("skipped", len(sum.Skipped)).
			Strs("unreachable", sum.Unreachable).
			Dur("duration", sum.FinishedAt.Sub(sum.StartedAt)).
			Msg("Workflow run finished")
	}
	return err
}
