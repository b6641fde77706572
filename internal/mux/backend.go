package mux

import (
	"context"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
)

// Kind identifies a backend implementation
type Kind string

const (
	KindPTY       Kind = "pty"
	KindTmux      Kind = "tmux"
	KindContainer Kind = "container"
)

// PaneKind is how a pane is used
type PaneKind string

const (
	// PaneTerminal is an interactive shell on a pseudo-terminal
	PaneTerminal PaneKind = "terminal"
	// PaneScripted runs one command without a terminal and exits
	PaneScripted PaneKind = "scripted"
	// PaneOutputOnly streams output and accepts no input
	PaneOutputOnly PaneKind = "output_only"
)

// Valid reports whether k is a known pane kind
func (k PaneKind) Valid() bool {
	return k == PaneTerminal || k == PaneScripted || k == PaneOutputOnly
}

// TTY reports whether panes of this kind get a pseudo-terminal
func (k PaneKind) TTY() bool {
	return k == PaneTerminal
}

// Isolation is the degree of OS-level sandboxing for a pane
type Isolation string

const (
	IsolationNone      Isolation = "none"
	IsolationProcess   Isolation = "process"
	IsolationContainer Isolation = "container"
)

// Capabilities describes what a backend can provide. ResourceLimits
// covers memory and open file limits; CgroupLimits covers CPU quota and
// process count.
type Capabilities struct {
	Isolation        []Isolation `json:"isolation"`
	Resize           bool        `json:"resize"`
	Persistent       bool        `json:"persistent"`
	NetworkIsolation bool        `json:"network_isolation"`
	ResourceLimits   bool        `json:"resource_limits"`
	CgroupLimits     bool        `json:"cgroup_limits"`
	ReadOnlyFS       bool        `json:"read_only_fs"`
}

// Supports reports whether the backend offers isolation level i
func (c Capabilities) Supports(i Isolation) bool {
	for _, have := range c.Isolation {
		if have == i {
			return true
		}
	}
	return false
}

// Limits are resource limits a backend applies to a pane. Zero means
// unlimited.
type Limits struct {
	CPUPercent     int
	MaxMemoryBytes uint64
	MaxOpenFiles   uint64
	MaxProcesses   uint64
}

// PaneRequest describes a pane to create
type PaneRequest struct {
	Kind PaneKind
	// Command is a shell command line; empty starts an interactive shell
	Command   string
	Dir       string
	Env       map[string]string
	Rows      uint16
	Cols      uint16
	Isolation Isolation
	Limits    Limits
	// NoNetwork runs the pane without network access
	NoNetwork bool
	// ReadOnly mounts the pane's root file system read-only
	ReadOnly bool
}

// SessionInfo describes a backend session
type SessionInfo struct {
	ID        id.SessionID `json:"id"`
	Name      string       `json:"name"`
	Panes     int          `json:"panes"`
	CreatedAt time.Time    `json:"created_at"`
}

// Range selects part of a pane's captured output
type Range = terminal.Range

// Exit is the final record of a pane
type Exit = terminal.Exit

// Backend performs process and terminal operations for the orchestrator.
// Calls for different panes may run concurrently; calls for the same pane
// are serialized by the caller.
type Backend interface {
	Kind() Kind
	Capabilities() Capabilities

	CreateSession(ctx context.Context, name string) (id.SessionID, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	KillSession(ctx context.Context, session id.SessionID) error

	CreatePane(ctx context.Context, session id.SessionID, req PaneRequest) (id.PaneID, Handle, error)
	ResizePane(ctx context.Context, h Handle, rows, cols uint16) error
	SendInput(ctx context.Context, h Handle, data []byte) error
	CaptureOutput(ctx context.Context, h Handle, r Range) ([]byte, error)
	KillPane(ctx context.Context, h Handle) error
	// Wait blocks until the pane's process has finished
	Wait(ctx context.Context, h Handle) (Exit, error)

	Close() error
}
