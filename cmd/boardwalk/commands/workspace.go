package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWorkspaceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Work with workspaces",
		Long: `Show, select, list, reset and dump the workspaces declared in the
manifest.`,
	}

	cmd.AddCommand(newWorkspaceShowCommand())
	cmd.AddCommand(newWorkspaceUseCommand())
	cmd.AddCommand(newWorkspaceListCommand())
	cmd.AddCommand(newWorkspaceResetCommand())
	cmd.AddCommand(newWorkspaceDumpCommand())

	return cmd
}

func newWorkspaceShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the active workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			name, err := env.registry.ActiveName()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}

func newWorkspaceUseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "use <workspace>",
		Short: "Set the active workspace",
		Args:  cobra.ExactArgs(1),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			env, err := loadEnvironment(cmd.Context())
			if err != nil || len(args) > 0 {
				return nil, cobra.ShellCompDirectiveNoFileComp
			}
			var out []string
			for _, name := range env.registry.Names() {
				if strings.HasPrefix(name, toComplete) {
					out = append(out, name)
				}
			}
			return out, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			if err := env.registry.Use(args[0]); err != nil {
				return err
			}
			log.Info().Msgf("Using workspace: %s", args[0])
			return nil
		},
	}
}

func newWorkspaceListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the workspaces of the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range env.registry.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newWorkspaceResetCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the active workspace",
		Long: `Clear the local state of the active workspace. The host pattern is kept
and "boardwalk init" must be run again before the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			ws, err := env.workspace()
			if err != nil {
				return err
			}
			if !yes {
				fmt.Fprint(os.Stderr, "Are you sure you want to reset the active workspace? [y/N]: ")
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				switch strings.ToLower(strings.TrimSpace(answer)) {
				case "y", "yes":
				default:
					return fmt.Errorf("aborted")
				}
			}
			return ws.Reset()
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "reset without asking for confirmation")
	return cmd
}

func newWorkspaceDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the active workspace state as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			ws, err := env.workspace()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ws.State())
		},
	}
}
