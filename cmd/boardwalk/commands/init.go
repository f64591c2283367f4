package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/boardwalk/boardwalk/pkg/scheduler"
)

func newInitCommand() *cobra.Command {
	var (
		limit string
		retry bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the active workspace",
		Long: `Gather facts for the hosts matching the workspace host pattern and
add or update them in the local workspace state. Hosts already in state are
never removed; use "boardwalk workspace reset" for that.

Hosts that fail or are unreachable are written to the workspace retry file,
which "--retry" reads back.`,
		Example: `  # Gather facts for every host of the workspace pattern
  boardwalk init

  # Gather facts for a subset of hosts
  boardwalk init --limit 'web*'

  # Retry the hosts that failed the last init
  boardwalk init --retry`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			ws, err := env.workspace()
			if err != nil {
				return err
			}
			_, r, err := env.runner()
			if err != nil {
				return err
			}

			res, err := scheduler.Init(ctx, scheduler.InitOptions{
				Workspace: ws,
				Runner:    r,
				Limit:     limit,
				Retry:     retry,
				Logger:    env.logger,
			})
			if err != nil {
				return err
			}
			log.Info().
				Int("gathered", len(res.Gathered)).
				Int("failed", len(res.Failed)).
				Int("hosts", len(ws.State().Hosts)).
				Msg("Workspace initialized")
			return nil
		},
	}

	cmd.Flags().StringVarP(&limit, "limit", "l", "all", "inventory pattern limiting the hosts to gather")
	cmd.Flags().BoolVarP(&retry, "retry", "r", false, "gather only the hosts in the retry file")
	cmd.MarkFlagsMutuallyExclusive("limit", "retry")

	return cmd
}
