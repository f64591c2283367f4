package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/boardwalk/boardwalk/pkg/workspace"
)

func newCatchCommand() *cobra.Command {
	var serverConnect bool

	cmd := &cobra.Command{
		Use:   "catch",
		Short: "Catch the workflow in the active workspace",
		Long: `Create a catch in the active workspace. A running workflow stops before
its next host and waits until the catch is released.

When a boardwalkd server is configured the workspace is caught there too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setCatch(cmd.Context(), serverConnect, true)
		},
	}
	cmd.Flags().BoolVar(&serverConnect, "server-connect", true, "also catch the workspace on the configured boardwalkd server")
	return cmd
}

func newReleaseCommand() *cobra.Command {
	var serverConnect bool

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Remove the catch from the active workspace",
		Long: `Remove the catch from the active workspace. A caught workflow resumes with
its next host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setCatch(cmd.Context(), serverConnect, false)
		},
	}
	cmd.Flags().BoolVar(&serverConnect, "server-connect", true, "also release the workspace on the configured boardwalkd server")
	return cmd
}

func setCatch(ctx context.Context, serverConnect, caught bool) error {
	env, err := loadEnvironment(ctx)
	if err != nil {
		return err
	}
	ws, err := env.workspace()
	if err != nil {
		return err
	}

	local, remote := (*workspace.Workspace).Release, "release"
	if caught {
		local, remote = (*workspace.Workspace).Catch, "catch"
	}
	if err := local(ws); err != nil {
		return err
	}
	log.Info().Str("workspace", ws.Name()).Msgf("Local %s applied", remote)

	if !serverConnect {
		return nil
	}
	wc, err := env.workspaceClient(ws)
	if err != nil || wc == nil {
		return err
	}
	if caught {
		err = wc.PostCatch(ctx)
	} else {
		err = wc.Release(ctx)
	}
	if err != nil {
		return err
	}
	log.Info().Str("workspace", ws.Name()).Str("server", wc.Client().URL()).Msgf("Remote %s applied", remote)
	return nil
}
