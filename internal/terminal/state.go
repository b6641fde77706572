package terminal

import (
	"errors"
	"fmt"
)

// State is a pane's position in its lifecycle
type State int32

const (
	Spawning State = iota
	Running
	Exited
	Killed
	Crashed
)

// String returns the wire name of the state
func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(text []byte) error {
	for st := Spawning; st <= Crashed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("terminal: unknown state %q", text)
}

// Terminal reports whether s is final. A stream in a final state never
// runs again.
func (s State) Terminal() bool {
	return s == Exited || s == Killed || s == Crashed
}

var (
	// ErrNotRunning is returned for I/O on a stream that has left Running
	ErrNotRunning = errors.New("terminal: stream not running")
	// ErrUnsupported is returned when the pane kind cannot perform an operation
	ErrUnsupported = errors.New("terminal: operation unsupported")
	// ErrInvalidSize is returned for zero rows or columns
	ErrInvalidSize = errors.New("terminal: rows and cols must be positive")
	// ErrExists is returned when a pane id is already managed
	ErrExists = errors.New("terminal: stream already exists")
	// ErrShutdown is returned by Start after Shutdown
	ErrShutdown = errors.New("terminal: manager shut down")
)
