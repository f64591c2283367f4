// Package scheduler walks a workspace's workflow across its hosts, one host
// at a time.
//
// Before the loop, Prepare resolves the host list: hosts in local state that
// match the workspace pattern and the run's limit, sorted, and filtered by
// job preconditions evaluated against cached facts. Run then processes the
// list in order. For every host it waits for any local or remote catch to be
// released, locks the host, re-checks preconditions against freshly gathered
// facts, runs the main and exit jobs and unlocks the host.
//
// Failures are classified by runner.Kind:
//
//   - unreachable hosts skip their exit jobs and keep their lock, then
//     catch the workspace like failed hosts
//   - failed hosts and host lock conflicts catch the workspace and the same
//     host is retried once released
//   - run and general errors abort the run with a *FatalError
//
// Hosts that no longer meet preconditions are skipped silently.
//
// When a coordination server is configured, Bootstrap claims the workspace
// on it and starts the heartbeat; progress is mirrored to the server as
// workspace events.
package scheduler
