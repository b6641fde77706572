package events

import (
	"time"

	"github.com/GriffinCanCode/orchflow/internal/shared/id"
)

// Type identifies the kind of an Event
type Type string

const (
	SessionCreated    Type = "session_created"
	SessionClosed     Type = "session_closed"
	PaneSpawned       Type = "pane_spawned"
	PaneOutput        Type = "pane_output"
	PaneResized       Type = "pane_resized"
	PaneExited        Type = "pane_exited"
	CommandExecuted   Type = "command_executed"
	CommandCompleted  Type = "command_completed"
	SecurityViolation Type = "security_violation"
	Error             Type = "error"
)

// Event is an immutable, timestamped notification. Fields that do not apply
// to a Type are left zero.
type Event struct {
	Seq       uint64        `json:"seq"`
	Type      Type          `json:"type"`
	Time      time.Time     `json:"time"`
	SessionID id.SessionID  `json:"session_id,omitempty"`
	PaneID    id.PaneID     `json:"pane_id,omitempty"`
	AgentID   id.AgentID    `json:"agent_id,omitempty"`
	Data      []byte        `json:"data,omitempty"`
	Command   string        `json:"command,omitempty"`
	State     string        `json:"state,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Rows      int           `json:"rows,omitempty"`
	Cols      int           `json:"cols,omitempty"`
	PolicyID  id.PolicyID   `json:"policy_id,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Code      string        `json:"code,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Publisher accepts events for fan-out. Implementations never block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(Event)

// Publish calls f(ev)
func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Discard drops every event
var Discard Publisher = PublisherFunc(func(Event) {})

// Filter selects the events a subscription receives. The zero Filter
// matches everything.
type Filter struct {
	SessionID id.SessionID
	PaneID    id.PaneID
	Types     []Type
	// CloseOnExit ends a pane-scoped subscription once the pane's
	// PaneExited event has been offered to it
	CloseOnExit bool
}

// ends reports whether ev is the last event a subscription with f receives
func (f Filter) ends(ev Event) bool {
	return f.CloseOnExit && f.PaneID != "" && ev.Type == PaneExited && ev.PaneID == f.PaneID
}

// Match reports whether ev passes the filter
func (f Filter) Match(ev Event) bool {
	if f.PaneID != "" && ev.PaneID != f.PaneID {
		return false
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// IntPtr returns a pointer to v, for ExitCode
func IntPtr(v int) *int {
	return &v
}
