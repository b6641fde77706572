package protocol

import (
	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/orchestrator"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
)

// Version is the schema version this package speaks. Requests with v=0
// are read as the current version.
const Version = 1

// RequestType discriminates the Request union
type RequestType string

const (
	CreateSession  RequestType = "create_session"
	KillSession    RequestType = "kill_session"
	ListSessions   RequestType = "list_sessions"
	SpawnTerminal  RequestType = "spawn_terminal"
	Execute        RequestType = "execute"
	BatchExecute   RequestType = "batch_execute"
	StreamInput    RequestType = "stream_input"
	KillTerminal   RequestType = "kill_terminal"
	Resize         RequestType = "resize"
	CaptureOutput  RequestType = "capture_output"
	ListTerminals  RequestType = "list_terminals"
	Subscribe      RequestType = "subscribe"
	Unsubscribe    RequestType = "unsubscribe"
	MetricsRequest RequestType = "metrics"
)

// ResponseType discriminates the Response union
type ResponseType string

const (
	TerminalSpawned ResponseType = "terminal_spawned"
	Output          ResponseType = "output"
	Error           ResponseType = "error"
	Progress        ResponseType = "progress"
	Metrics         ResponseType = "metrics"
	Ack             ResponseType = "ack"
	Terminals       ResponseType = "terminals"
	Sessions        ResponseType = "sessions"
	SessionCreated  ResponseType = "session_created"
	EventResponse   ResponseType = "event"
	Lagged          ResponseType = "lagged"
)

// Protocol-level error codes. Operation failures carry the orchestrator's
// codes (session_not_found, pane_not_found, security_denied, ...).
const (
	CodeUnsupportedOperation = "unsupported_operation"
	CodeUnsupportedVersion   = "unsupported_version"
	CodeInvalidMessage       = "invalid_message"
	CodeRateLimited          = "rate_limited"
)

// Request is one message from a controlling agent. Fields irrelevant to
// Type are left empty; unknown fields are ignored by every codec.
type Request struct {
	V    int         `json:"v"`
	ID   string      `json:"id,omitempty"`
	Type RequestType `json:"type"`

	AgentID        id.AgentID        `json:"agent_id,omitempty"`
	SessionID      id.SessionID      `json:"session_id,omitempty"`
	PaneID         id.PaneID         `json:"pane_id,omitempty"`
	SubscriptionID id.SubscriptionID `json:"subscription_id,omitempty"`

	// create_session
	Name       string            `json:"name,omitempty"`
	Persistent bool              `json:"persistent,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Policy     string            `json:"policy,omitempty"`

	// spawn_terminal
	Kind    mux.PaneKind      `json:"kind,omitempty"`
	Command string            `json:"command,omitempty"`
	Dir     string            `json:"working_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Rows    uint16            `json:"rows,omitempty"`
	Cols    uint16            `json:"cols,omitempty"`
	X       int               `json:"x,omitempty"`
	Y       int               `json:"y,omitempty"`
	Width   int               `json:"width,omitempty"`
	Height  int               `json:"height,omitempty"`

	// batch_execute
	Commands    []string `json:"commands,omitempty"`
	Parallel    bool     `json:"parallel,omitempty"`
	StopOnError bool     `json:"stop_on_error,omitempty"`

	// stream_input
	Data []byte `json:"data,omitempty"`

	// capture_output
	Lines int    `json:"lines,omitempty"`
	From  string `json:"from,omitempty"`

	// subscribe
	Events []events.Type `json:"events,omitempty"`
}

// Response is one message to a controlling agent. ID echoes the request
// that caused it; pushed events carry the subscription id instead.
type Response struct {
	V    int          `json:"v"`
	ID   string       `json:"id,omitempty"`
	Type ResponseType `json:"type"`

	SubscriptionID id.SubscriptionID `json:"subscription_id,omitempty"`

	Pane     *orchestrator.Pane     `json:"pane,omitempty"`
	Panes    []orchestrator.Pane    `json:"panes,omitempty"`
	Session  *orchestrator.Session  `json:"session,omitempty"`
	Sessions []orchestrator.Session `json:"sessions,omitempty"`
	Output   *OutputPayload         `json:"output,omitempty"`
	Results  []ResultPayload        `json:"results,omitempty"`
	Progress *ProgressPayload       `json:"progress,omitempty"`
	Metrics  *monitoring.Snapshot   `json:"metrics,omitempty"`
	Event    *events.Event          `json:"event,omitempty"`
	Missed   uint64                 `json:"missed,omitempty"`
	Error    *ErrorPayload          `json:"error,omitempty"`
}

// OutputPayload carries command or capture output. Data is base64 in JSON
// and a raw byte string in CBOR.
type OutputPayload struct {
	PaneID     id.PaneID `json:"pane_id"`
	Data       []byte    `json:"data"`
	Truncated  bool      `json:"truncated,omitempty"`
	ExitCode   int       `json:"exit_code"`
	State      string    `json:"state,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// ResultPayload is one command's outcome in a batch
type ResultPayload struct {
	Index   int            `json:"index"`
	Command string         `json:"command"`
	Output  *OutputPayload `json:"output,omitempty"`
	Error   *ErrorPayload  `json:"error,omitempty"`
	Skipped bool           `json:"skipped,omitempty"`
}

// ProgressPayload reports a finished command of a running batch
type ProgressPayload struct {
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Result    ResultPayload `json:"result"`
}

// ErrorPayload is a typed failure with a reason useful for audit
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func outputPayload(out orchestrator.Output) *OutputPayload {
	return &OutputPayload{
		PaneID:     out.PaneID,
		Data:       out.Data,
		Truncated:  out.Truncated,
		ExitCode:   out.ExitCode,
		State:      out.State.String(),
		Reason:     out.Reason,
		DurationMs: out.Duration.Milliseconds(),
	}
}

func resultPayload(r orchestrator.BatchResult) ResultPayload {
	p := ResultPayload{Index: r.Index, Command: r.Command, Skipped: r.Skipped}
	switch {
	case r.Err != nil:
		p.Error = errorPayload(r.Err)
	case !r.Skipped:
		p.Output = outputPayload(r.Output)
	}
	return p
}

func errorPayload(err error) *ErrorPayload {
	return &ErrorPayload{Code: string(orchestrator.CodeOf(err)), Message: err.Error()}
}
