// Package workspace implements the local, crash-safe state kept for each
// boardwalk workspace.
//
// Every workspace owns a directory under .boardwalk/workspaces/<name>/
// holding:
//
//   - statefile.json: the host pattern the workspace was initialised with and
//     the hosts (with their gathered facts) known to it
//   - workspace.mutex: a zero-byte marker created exclusively while an
//     operation owns the workspace
//   - catch.lock: a zero-byte marker that pauses running workflows at the
//     next host boundary
//   - init.retry: hosts that were unreachable or failed during init or run
//
// The statefile is replaced atomically on every flush so a crash mid-write
// never corrupts existing state. Marker files rely on exclusive creation and
// need no additional locking.
//
// Workspaces are declared through a Registry, a table of name to Factory
// built once at startup. The Registry memoizes opened workspaces so every
// part of a process shares one handle per workspace.
package workspace
