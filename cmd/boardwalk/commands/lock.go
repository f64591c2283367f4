package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/boardwalk/boardwalk/pkg/remote"
)

func newLockCommand() *cobra.Command {
	var (
		stomp         bool
		askBecomePass bool
	)

	cmd := &cobra.Command{
		Use:   "lock <host>",
		Short: "Take the remote lock of a host",
		Long: `Take the boardwalk lock on a host outside of a workflow run, so that no
worker runs a workflow on it until "boardwalk unlock".`,
		Example: `  boardwalk lock web1
  boardwalk lock web1 --stomp-locks`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := hostProtocol(cmd, askBecomePass)
			if err != nil {
				return err
			}
			if err := p.Lock(cmd.Context(), args[0], stomp); err != nil {
				return err
			}
			log.Info().Str("host", args[0]).Msg("Host locked")
			return nil
		},
	}
	cmd.Flags().BoolVar(&stomp, "stomp-locks", false, "take the lock even when another worker holds it")
	cmd.Flags().BoolVarP(&askBecomePass, "ask-become-pass", "K", false, "prompt for the become password")
	return cmd
}

func newUnlockCommand() *cobra.Command {
	var askBecomePass bool

	cmd := &cobra.Command{
		Use:   "unlock <host>",
		Short: "Remove the remote lock of a host",
		Long: `Remove the boardwalk lock from a host, whoever holds it. Use it to clear the
lock an unreachable host kept after a run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := hostProtocol(cmd, askBecomePass)
			if err != nil {
				return err
			}
			if err := p.Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.Info().Str("host", args[0]).Msg("Host unlocked")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&askBecomePass, "ask-become-pass", "K", false, "prompt for the become password")
	return cmd
}

func hostProtocol(cmd *cobra.Command, askBecomePass bool) (*remote.Protocol, error) {
	env, err := loadEnvironment(cmd.Context())
	if err != nil {
		return nil, err
	}
	_, r, err := env.runner()
	if err != nil {
		return nil, err
	}
	var password string
	if askBecomePass || env.settings.AskBecomePass {
		if password, err = promptBecomePassword(); err != nil {
			return nil, err
		}
	}
	return remote.New(r, remote.Options{BecomePassword: password, Logger: env.logger}), nil
}
