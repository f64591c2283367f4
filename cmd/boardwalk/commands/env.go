package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/boardwalk/boardwalk/pkg/client"
	"github.com/boardwalk/boardwalk/pkg/inventory"
	"github.com/boardwalk/boardwalk/pkg/manifest"
	"github.com/boardwalk/boardwalk/pkg/runner/ssh"
	"github.com/boardwalk/boardwalk/pkg/settings"
	"github.com/boardwalk/boardwalk/pkg/workspace"
)

// environment is what every workspace command loads first: the settings,
// the manifest and the workspace registry it populates.
type environment struct {
	settings *settings.Settings
	manifest *manifest.Manifest
	registry *workspace.Registry
	logger   zerolog.Logger
}

func loadEnvironment(ctx context.Context) (*environment, error) {
	path, required := configPath, configPath != ""
	if !required {
		path = settings.DefaultFile
	}
	s, err := settings.Load(path, required)
	if err != nil {
		return nil, err
	}

	logger := log.Logger
	m, err := manifest.Load(ctx, s.Manifest, logger)
	if err != nil {
		return nil, err
	}
	reg := workspace.NewRegistry(s.WorkspacesDir, logger)
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	return &environment{settings: s, manifest: m, registry: reg, logger: logger}, nil
}

// workspace opens the active workspace.
func (e *environment) workspace() (*workspace.Workspace, error) {
	var (
		ws  *workspace.Workspace
		err error
	)
	if e.settings.Workspace != "" {
		ws, err = e.registry.Open(e.settings.Workspace)
	} else {
		ws, err = e.registry.Active()
	}
	if err != nil {
		return nil, err
	}
	e.logger.Info().Msgf("Using workspace: %s", ws.Name())
	return ws, nil
}

// runner loads the inventory and returns an SSH runner over it.
func (e *environment) runner() (*inventory.Inventory, *ssh.Runner, error) {
	inv, err := inventory.Load(e.settings.Inventory)
	if err != nil {
		return nil, nil, err
	}
	return inv, ssh.New(inv, e.settings.SSHConfig(), e.logger), nil
}

// serverClient returns a client for the configured boardwalkd, or nil when
// no server is configured.
func (e *environment) serverClient() (*client.Client, error) {
	url := e.settings.ResolveServerURL(e.manifest.ServerURL)
	if url == "" {
		return nil, nil
	}
	tokenPath := e.settings.TokenFile
	if tokenPath == "" {
		p, err := client.DefaultTokenPath()
		if err != nil {
			return nil, err
		}
		tokenPath = p
	}
	return client.New(url, client.Options{
		Tokens: client.FileTokenStore{Path: tokenPath},
		Logger: e.logger,
	})
}

// workspaceClient returns the server view of ws, or nil without a server.
func (e *environment) workspaceClient(ws *workspace.Workspace) (*client.WorkspaceClient, error) {
	c, err := e.serverClient()
	if err != nil || c == nil {
		return nil, err
	}
	return c.Workspace(ws.Name()), nil
}

// promptBecomePassword reads the become password from the terminal without
// echo.
func promptBecomePassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for the become password: stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "BECOME password: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read become password: %w", err)
	}
	return string(pass), nil
}
