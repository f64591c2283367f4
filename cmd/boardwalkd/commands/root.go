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
	logLevel string
	verbose  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "boardwalkd",
		Short: "Boardwalkd - coordination server for boardwalk workers",
		Long: `Boardwalkd tracks the workspaces boardwalk workers run: it holds the
workspace mutex and catch, records worker heartbeats and events, relays
broadcasts to chat webhooks, and serves a UI for catching, releasing and
unlocking workspaces.`,
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

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (env LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the boardwalkd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "boardwalkd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
