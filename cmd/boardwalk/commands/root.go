package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/boardwalk/boardwalk/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	logLevel   string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "boardwalk",
		Short: "Boardwalk - host-by-host workflow runner",
		Long: `Boardwalk runs workflows against remote hosts one host at a time.

Hosts are gathered into a workspace with "boardwalk init". "boardwalk run"
then walks the workspace hosts in order, locking each host, confirming the
job preconditions, running the workflow jobs and unlocking the host.

A run stops at the next host when the workspace is caught, locally with
"boardwalk catch" or from the boardwalkd UI, and resumes on release.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch {
			case verbose:
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			case logLevel != "":
				zerolog.SetGlobalLevel(telemetry.ParseLevel(strings.ToLower(logLevel)))
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (default ./boardwalk.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (env LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newCatchCommand())
	rootCmd.AddCommand(newReleaseCommand())
	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newWorkspaceCommand())
	rootCmd.AddCommand(newLockCommand())
	rootCmd.AddCommand(newUnlockCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the boardwalk version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "boardwalk %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
