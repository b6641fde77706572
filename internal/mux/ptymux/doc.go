// Package ptymux is the direct backend: every pane is a child process of
// the engine on its own pseudo-terminal (interactive panes) or pipes
// (scripted and output-only panes).
//
// Process isolation means a separate process group with rlimits applied.
// Disabling the network wraps the command in unshare(1) with a fresh
// network namespace.
package ptymux
