package mux

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable means the backend's external process is missing
	// or not responding. Callers may retry.
	ErrBackendUnavailable = errors.New("mux: backend unavailable")
	// ErrHandleInvalid means the pane's process has already exited
	ErrHandleInvalid = errors.New("mux: handle invalid")
	// ErrOperationUnsupported means the backend or pane kind cannot do this
	ErrOperationUnsupported = errors.New("mux: operation unsupported")
	// ErrSessionNotFound means the backend has no such session
	ErrSessionNotFound = errors.New("mux: session not found")
)

// Unavailable wraps cause as ErrBackendUnavailable
func Unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBackendUnavailable, fmt.Sprintf(format, args...))
}

// Unsupported wraps a reason as ErrOperationUnsupported
func Unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOperationUnsupported, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err should be retried with backoff
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
