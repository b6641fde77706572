// Package terminal owns the OS side of every pane.
//
// A Stream wraps one Process (a command on a pseudo-terminal, a command on
// plain pipes, or a pane inside an external multiplexer) and drives it
// through the lifecycle
//
//	Spawning -> Running -> Exited | Killed | Crashed
//
// Each stream runs exactly one reader goroutine. It is the only writer of
// the pane's scrollback and the only publisher of its PaneOutput events.
// Scrollback is a fixed-size RingBuffer; when it fills, the oldest bytes
// are discarded and a line cap is applied when output is captured.
//
// Final states never change. A killed or crashed pane must be replaced by
// a new one.
package terminal
