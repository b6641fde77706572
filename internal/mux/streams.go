package mux

import (
	"context"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/orchflow/internal/terminal"
)

// StreamPanes implements the per-pane Backend operations for backends
// whose handles reference a *terminal.Stream
type StreamPanes struct {
	Kind Kind
}

// Stream resolves a handle issued by this backend kind
func (p StreamPanes) Stream(h Handle) (*terminal.Stream, error) {
	if h.Kind() != p.Kind {
		return nil, fmt.Errorf("%w: handle from %s backend", ErrHandleInvalid, h.Kind())
	}
	s, ok := h.Ref().(*terminal.Stream)
	if !ok || s == nil {
		return nil, ErrHandleInvalid
	}
	return s, nil
}

func (p StreamPanes) live(h Handle) (*terminal.Stream, error) {
	s, err := p.Stream(h)
	if err != nil {
		return nil, err
	}
	if s.State().Terminal() {
		return nil, ErrHandleInvalid
	}
	return s, nil
}

// ResizePane resizes the pane's terminal
func (p StreamPanes) ResizePane(_ context.Context, h Handle, rows, cols uint16) error {
	s, err := p.live(h)
	if err != nil {
		return err
	}
	return StreamError(s.Resize(rows, cols))
}

// SendInput writes data to the pane
func (p StreamPanes) SendInput(_ context.Context, h Handle, data []byte) error {
	s, err := p.live(h)
	if err != nil {
		return err
	}
	_, err = s.Write(data)
	return StreamError(err)
}

// CaptureOutput returns retained output. It still works after exit.
func (p StreamPanes) CaptureOutput(_ context.Context, h Handle, r Range) ([]byte, error) {
	s, err := p.Stream(h)
	if err != nil {
		return nil, err
	}
	return s.Capture(r), nil
}

// KillPane forcibly terminates the pane
func (p StreamPanes) KillPane(_ context.Context, h Handle) error {
	s, err := p.live(h)
	if err != nil {
		return err
	}
	return StreamError(s.Kill())
}

// Wait blocks until the pane has finished
func (p StreamPanes) Wait(ctx context.Context, h Handle) (Exit, error) {
	s, err := p.Stream(h)
	if err != nil {
		return Exit{}, err
	}
	return s.Wait(ctx)
}

// StreamError maps terminal errors to backend errors
func StreamError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, terminal.ErrNotRunning):
		return fmt.Errorf("%w: %v", ErrHandleInvalid, err)
	case errors.Is(err, terminal.ErrUnsupported), errors.Is(err, terminal.ErrLimitsUnsupported):
		return fmt.Errorf("%w: %v", ErrOperationUnsupported, err)
	case errors.Is(err, terminal.ErrShutdown):
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	default:
		return err
	}
}
