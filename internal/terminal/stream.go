package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"go.uber.org/zap"
)

const readChunk = 4096

// Exit records how a stream ended. Scrollback holds the retained output at
// the moment the process finished; Truncated is set when older output had
// already fallen out of it.
type Exit struct {
	State      State
	Code       int
	Signal     string
	Reason     string
	Scrollback []byte
	Truncated  bool
	EndedAt    time.Time
}

// Stream owns one process for its lifetime: a single reader goroutine
// copies output into scrollback and publishes it, a waiter records the
// final state, and writes are applied in call order.
type Stream struct {
	paneID    id.PaneID
	sessionID id.SessionID
	proc      Process
	spec      Spec
	startedAt time.Time

	buf      *RingBuffer
	maxLines int

	state         atomic.Int32
	rows          atomic.Uint32
	cols          atomic.Uint32
	killRequested atomic.Bool

	writeMu sync.Mutex

	readErr    error
	readerDone chan struct{}
	done       chan struct{}
	exit       Exit

	publisher events.Publisher
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	drain     time.Duration
	onDone    func(*Stream)
}

// ID returns the pane id
func (s *Stream) ID() id.PaneID { return s.paneID }

// SessionID returns the owning session id
func (s *Stream) SessionID() id.SessionID { return s.sessionID }

// Pid returns the OS process id, or 0 when the process is not local
func (s *Stream) Pid() int { return s.proc.Pid() }

// StartedAt returns when the process was started
func (s *Stream) StartedAt() time.Time { return s.startedAt }

// State returns the current lifecycle state
func (s *Stream) State() State { return State(s.state.Load()) }

// Size returns the current geometry
func (s *Stream) Size() (rows, cols uint16) {
	return uint16(s.rows.Load()), uint16(s.cols.Load())
}

// Done is closed once the stream reaches a final state
func (s *Stream) Done() <-chan struct{} { return s.done }

// Exit returns the exit record once the stream has finished
func (s *Stream) Exit() (Exit, bool) {
	select {
	case <-s.done:
		return s.exit, true
	default:
		return Exit{}, false
	}
}

// Wait blocks until the stream finishes or ctx is done
func (s *Stream) Wait(ctx context.Context) (Exit, error) {
	select {
	case <-s.done:
		return s.exit, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

// Write sends input to the process. Concurrent writers are serialized, so
// bytes reach the process in the order Write calls acquire the stream.
func (s *Stream) Write(p []byte) (int, error) {
	if s.State() != Running {
		return 0, ErrNotRunning
	}
	if !s.spec.Input {
		return 0, ErrUnsupported
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.proc.Write(p)
	s.metrics.AddInput(n)
	if err != nil {
		if s.State() != Running {
			return n, ErrNotRunning
		}
		return n, fmt.Errorf("terminal: write: %w", err)
	}
	return n, nil
}

// Resize changes the pseudo-terminal geometry
func (s *Stream) Resize(rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return ErrInvalidSize
	}
	if s.State() != Running {
		return ErrNotRunning
	}
	if !s.spec.TTY {
		return ErrUnsupported
	}
	if err := s.proc.Resize(rows, cols); err != nil {
		return fmt.Errorf("terminal: resize: %w", err)
	}
	s.rows.Store(uint32(rows))
	s.cols.Store(uint32(cols))
	return nil
}

// Capture returns part of the retained scrollback. After exit it reads
// from the final snapshot.
func (s *Stream) Capture(r Range) []byte {
	data := s.buf.Bytes()
	if exit, ok := s.Exit(); ok {
		data = exit.Scrollback
	}
	return selectLines(data, s.maxLines, r)
}

// Kill requests forced termination. It returns without waiting; use Done
// or Wait to observe the final state.
func (s *Stream) Kill() error {
	if s.State().Terminal() {
		return ErrNotRunning
	}
	s.killRequested.Store(true)
	if err := s.proc.Kill(); err != nil {
		return fmt.Errorf("terminal: kill: %w", err)
	}
	return nil
}

func (s *Stream) run() {
	s.state.Store(int32(Running))
	go s.read()
	go s.wait()
}

// read is the only goroutine that reads process output
func (s *Stream) read() {
	defer close(s.readerDone)

	buf := make([]byte, readChunk)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			_, _ = s.buf.Write(chunk)
			s.metrics.AddOutput(n)
			s.publisher.Publish(events.Event{
				Type:      events.PaneOutput,
				SessionID: s.sessionID,
				PaneID:    s.paneID,
				Data:      chunk,
			})
		}
		if err != nil {
			if !s.normalClose(err) {
				s.readErr = err
				s.logger.Warn("Pane read failed",
					zap.String("pane_id", s.paneID.String()),
					zap.Error(err))
				_ = s.proc.Kill()
			}
			return
		}
	}
}

// normalClose reports whether a read error means the process side closed.
// A pty master returns EIO once the last slave descriptor is gone.
func (s *Stream) normalClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO) {
		return true
	}
	return s.killRequested.Load()
}

func (s *Stream) wait() {
	status, waitErr := s.proc.Wait()

	// Give the reader time to drain what the process left in the channel.
	timer := time.NewTimer(s.drain)
	select {
	case <-s.readerDone:
		timer.Stop()
	case <-timer.C:
		s.logger.Debug("Pane output drain timed out", zap.String("pane_id", s.paneID.String()))
	}
	_ = s.proc.Close()
	<-s.readerDone

	exit := Exit{
		Code:       status.Code,
		Scrollback: s.buf.Bytes(),
		Truncated:  s.buf.Total() > uint64(s.buf.Len()),
		EndedAt:    time.Now(),
	}
	if status.Signaled() {
		exit.Signal = unixSignalName(status.Signal)
	}

	// A kill that raced a normal exit leaves a real exit code behind.
	switch {
	case s.killRequested.Load() && (status.Signaled() || status.Code < 0):
		exit.State = Killed
		exit.Reason = "killed on request"
	case s.readErr != nil:
		exit.State = Crashed
		exit.Reason = fmt.Sprintf("read error: %v", s.readErr)
	case waitErr != nil:
		exit.State = Crashed
		exit.Reason = fmt.Sprintf("wait error: %v", waitErr)
	case status.Signaled():
		exit.State = Crashed
		exit.Reason = "terminated by " + exit.Signal
	default:
		exit.State = Exited
	}

	s.exit = exit
	s.state.Store(int32(exit.State))
	s.metrics.PaneExited(exit.State.String())
	close(s.done)

	s.logger.Debug("Pane finished",
		zap.String("pane_id", s.paneID.String()),
		zap.String("state", exit.State.String()),
		zap.Int("code", exit.Code))

	if s.onDone != nil {
		s.onDone(s)
	}
}

func unixSignalName(sig syscall.Signal) string {
	if sig == 0 {
		return ""
	}
	return sig.String()
}
