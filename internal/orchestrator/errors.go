package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/orchflow/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/orchflow/internal/mux"
)

// Code classifies an orchestrator error
type Code string

const (
	CodeSessionNotFound Code = "session_not_found"
	CodePaneNotFound    Code = "pane_not_found"
	CodeSecurityDenied  Code = "security_denied"
	CodeBackend         Code = "backend_error"
	CodeTimeout         Code = "timeout"
	CodeValidation      Code = "validation"
	CodeShuttingDown    Code = "shutting_down"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrSessionNotFound = &Error{Code: CodeSessionNotFound}
	ErrPaneNotFound    = &Error{Code: CodePaneNotFound}
	ErrSecurityDenied  = &Error{Code: CodeSecurityDenied}
	ErrBackend         = &Error{Code: CodeBackend}
	ErrTimeout         = &Error{Code: CodeTimeout}
	ErrValidation      = &Error{Code: CodeValidation}
	ErrShuttingDown    = &Error{Code: CodeShuttingDown}
)

// Error is the typed error returned by every public operation
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches sentinels by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Cause == nil && t.Code == e.Code
}

func newError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf returns the code carried by err, or CodeBackend for foreign errors
func CodeOf(err error) Code {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return CodeBackend
}

// backendError classifies an error returned by a backend call
func backendError(op string, err error) error {
	var oe *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &oe):
		return oe
	case errors.Is(err, mux.ErrSessionNotFound):
		return newError(CodeSessionNotFound, err, "%s", op)
	case errors.Is(err, mux.ErrHandleInvalid):
		return newError(CodePaneNotFound, err, "%s: pane has exited", op)
	case errors.Is(err, mux.ErrOperationUnsupported):
		return newError(CodeValidation, err, "%s", op)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(CodeTimeout, err, "%s", op)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return newError(CodeBackend, err, "%s: backend circuit open", op)
	default:
		return newError(CodeBackend, err, "%s", op)
	}
}
