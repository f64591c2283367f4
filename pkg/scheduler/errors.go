package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHosts is returned when local state holds no hosts.
	ErrNoHosts = errors.New("no hosts found in state: have you run `boardwalk init`?")

	// ErrLimitRequired is returned when the workspace requires a limit and
	// none was given.
	ErrLimitRequired = errors.New("workspace requires the --limit option be supplied")

	// ErrNoHostsMatched is returned when the limit selects no known host.
	ErrNoHostsMatched = errors.New("no host matched the given limit pattern: ensure the expected hosts exist in the inventory and were reachable during `boardwalk init`")

	// ErrServerWorkspaceLocked is returned by Bootstrap when another worker
	// holds the workspace mutex on the server.
	ErrServerWorkspaceLocked = errors.New("workspace is already locked on the server")

	errPreconditionsUnmet = errors.New("host did not meet job preconditions")
)

// FatalError aborts a run. It wraps the runner or local error that caused
// it.
type FatalError struct {
	Host string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Host, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
