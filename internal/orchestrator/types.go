package orchestrator

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/security"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
)

// Session is a named grouping of panes
type Session struct {
	ID         id.SessionID      `json:"id"`
	Name       string            `json:"name"`
	Persistent bool              `json:"persistent"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Policy     string            `json:"policy,omitempty"`
	Panes      []id.PaneID       `json:"panes"`
	CreatedAt  time.Time         `json:"created_at"`
	LastActive time.Time         `json:"last_active"`
}

// Geometry is a pane's terminal size plus its layout rectangle
type Geometry struct {
	Rows   uint16 `json:"rows"`
	Cols   uint16 `json:"cols"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Pane is one terminal instance as seen by callers
type Pane struct {
	ID         id.PaneID      `json:"id"`
	SessionID  id.SessionID   `json:"session_id"`
	AgentID    id.AgentID     `json:"agent_id,omitempty"`
	Kind       mux.PaneKind   `json:"kind"`
	Command    string         `json:"command,omitempty"`
	Geometry   Geometry       `json:"geometry"`
	Active     bool           `json:"active"`
	State      terminal.State `json:"state"`
	Isolation  mux.Isolation  `json:"isolation"`
	PolicyID   id.PolicyID    `json:"policy_id"`
	PolicyName string         `json:"policy_name"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SessionConfig describes a session to create
type SessionConfig struct {
	Name       string
	Persistent bool
	Metadata   map[string]string
	// Policy names the default policy for the session's panes
	Policy string
}

// SpawnConfig describes a pane to spawn
type SpawnConfig struct {
	SessionID id.SessionID
	Kind      mux.PaneKind
	Command   string
	Dir       string
	Env       map[string]string
	Rows      uint16
	Cols      uint16
	X         int
	Y         int
	Width     int
	Height    int
	// Policy overrides the session's policy by name
	Policy string
}

// Output is the result of Execute
type Output struct {
	PaneID id.PaneID `json:"pane_id"`
	// Data is at most the scrollback size; Truncated marks that only the
	// tail was kept
	Data      []byte         `json:"data"`
	Truncated bool           `json:"truncated,omitempty"`
	ExitCode  int            `json:"exit_code"`
	State     terminal.State `json:"state"`
	Reason    string         `json:"reason,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Succeeded reports a clean zero exit
func (o Output) Succeeded() bool {
	return o.State == terminal.Exited && o.ExitCode == 0
}

// paneRuntime is the per-pane state that lives outside the table: the
// backend handle, the attached policy, and the exit once the watcher sees it
type paneRuntime struct {
	id        id.PaneID
	sessionID id.SessionID
	agentID   id.AgentID
	handle    mux.Handle
	policy    *security.Policy
	request   mux.PaneRequest

	// ops serializes backend calls for this pane
	ops sync.Mutex

	done chan struct{}
	exit mux.Exit
}

func (rt *paneRuntime) finish(exit mux.Exit) {
	rt.exit = exit
	close(rt.done)
}

// exited returns the final exit, false while the pane is live
func (rt *paneRuntime) exited() (mux.Exit, bool) {
	select {
	case <-rt.done:
		return rt.exit, true
	default:
		return mux.Exit{}, false
	}
}

type sessionEntry struct {
	Session
	policy  *security.Policy
	panes   map[id.PaneID]struct{}
	pending int
}

type paneEntry struct {
	pane Pane
	rt   *paneRuntime
}

// table is the session/pane state. Only the actor goroutine touches it.
type table struct {
	sessions map[id.SessionID]*sessionEntry
	panes    map[id.PaneID]*paneEntry
	agents   map[id.AgentID]int
}

func newTable() *table {
	return &table{
		sessions: make(map[id.SessionID]*sessionEntry),
		panes:    make(map[id.PaneID]*paneEntry),
		agents:   make(map[id.AgentID]int),
	}
}

// snapshot is an immutable copy of the table served to readers
type snapshot struct {
	sessions map[id.SessionID]Session
	panes    map[id.PaneID]paneEntry
}

func (t *table) snapshot() *snapshot {
	s := &snapshot{
		sessions: make(map[id.SessionID]Session, len(t.sessions)),
		panes:    make(map[id.PaneID]paneEntry, len(t.panes)),
	}
	for sid, e := range t.sessions {
		sess := e.Session
		sess.Metadata = maps.Clone(e.Metadata)
		sess.Panes = make([]id.PaneID, 0, len(e.panes))
		for pid := range e.panes {
			sess.Panes = append(sess.Panes, pid)
		}
		slices.Sort(sess.Panes)
		s.sessions[sid] = sess
	}
	for pid, e := range t.panes {
		s.panes[pid] = *e
	}
	return s
}
