// Package tmux implements a mux backend on top of a tmux server.
//
// Each engine session is a detached tmux session named after its id, and
// each pane is a tmux window. Output is streamed through pipe-pane into a
// FIFO; input is delivered with send-keys. Because tmux owns the
// processes, sessions survive an orchestrator restart and are adopted
// again the next time a pane is created in them.
//
// All tmux panes are terminals, so scripted output carries CRLF line
// endings.
package tmux
