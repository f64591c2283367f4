package commands

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/boardwalk/boardwalk/pkg/settings"
)

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in to the boardwalkd server",
		Long: `Log in to the configured boardwalkd server. The command prints a URL to
open in a browser and stores the API token once the browser login completes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			c, err := env.serverClient()
			if err != nil {
				return err
			}
			if c == nil {
				return errors.New("no boardwalkd server configured: set server_url, " + settings.EnvServerURL + " or boardwalkd_url in the manifest")
			}
			if err := c.Login(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("server", c.URL()).Msg("Logged in")
			return nil
		},
	}
}
