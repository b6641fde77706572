// Package mux defines the backend abstraction the orchestrator drives.
//
// A Backend creates sessions and panes and performs I/O on them through
// opaque Handles. Three implementations exist:
//   - ptymux: processes on local pseudo-terminals, lost on restart
//   - tmux: panes inside a tmux server, which survive orchestrator restarts
//   - container: each pane runs in a docker or podman container
//
// Backends report failures with ErrBackendUnavailable (retryable),
// ErrHandleInvalid (the process already exited) and
// ErrOperationUnsupported.
package mux
