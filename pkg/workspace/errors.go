package workspace

import "errors"

var (
	// ErrWorkspaceLocked is returned when the workspace mutex is already held.
	ErrWorkspaceLocked = errors.New("workspace is locked by another operation")

	// ErrNoActiveWorkspace is returned when no workspace has been selected.
	ErrNoActiveWorkspace = errors.New("no workspace selected: use `boardwalk workspace list` to list workspaces and `boardwalk workspace use` to select one")

	// ErrWorkspaceNotFound is returned for names missing from the registry.
	ErrWorkspaceNotFound = errors.New("workspace does not exist")

	// ErrDuplicateWorkspace is returned when a name is registered twice.
	ErrDuplicateWorkspace = errors.New("duplicate workspace definition")

	// ErrHostPatternChanged is returned when the configured host pattern no
	// longer matches the pattern the state was initialised with.
	ErrHostPatternChanged = errors.New("workspace host pattern has changed since init")
)
