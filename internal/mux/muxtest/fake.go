package muxtest

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
)

// Script decides what a fake pane prints and how it exits. Returning
// ok=false leaves the pane running until killed.
type Script func(req mux.PaneRequest) (output string, code int, ok bool)

// EchoScript runs nothing: scripted panes print nothing and exit 0,
// interactive panes stay open
func EchoScript(req mux.PaneRequest) (string, int, bool) {
	if req.Kind == mux.PaneScripted {
		return "", 0, true
	}
	return "", 0, false
}

// Fake is an in-memory mux.Backend. It records every call and lets tests
// inject failures.
type Fake struct {
	Caps      mux.Capabilities
	Script    Script
	Publisher events.Publisher

	// FailCreate makes the next n CreatePane calls fail with Err
	FailCreate atomic.Int32
	Err        error
	// CreateDelay stalls CreatePane, to widen race windows
	CreateDelay time.Duration

	sessions *mux.SessionTable
	calls    sync.Map // map[string]*atomic.Int64

	mu    sync.Mutex
	panes map[id.PaneID]*FakePane
}

var _ mux.Backend = (*Fake)(nil)

// NewFake creates a fake supporting every isolation level
func NewFake() *Fake {
	return &Fake{
		Caps: mux.Capabilities{
			Isolation:        []mux.Isolation{mux.IsolationNone, mux.IsolationProcess, mux.IsolationContainer},
			Resize:           true,
			NetworkIsolation: true,
			ResourceLimits:   true,
			CgroupLimits:     true,
			ReadOnlyFS:       true,
		},
		Script:    EchoScript,
		Publisher: events.Discard,
		Err:       mux.ErrBackendUnavailable,
		sessions:  mux.NewSessionTable(),
		panes:     make(map[id.PaneID]*FakePane),
	}
}

// FakePane is the state behind one fake handle
type FakePane struct {
	ID      id.PaneID
	Session id.SessionID
	Request mux.PaneRequest

	mu     sync.Mutex
	output bytes.Buffer
	input  bytes.Buffer
	rows   uint16
	cols   uint16
	exit   mux.Exit
	done   chan struct{}
	closed bool
}

// Input returns everything written to the pane
func (p *FakePane) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// Size returns the current geometry
func (p *FakePane) Size() (uint16, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows, p.cols
}

// Exit ends the pane with code, as if its process exited
func (p *FakePane) Exit(code int) {
	p.finish(terminal.Exited, code, "")
}

// Crash ends the pane as crashed
func (p *FakePane) Crash(reason string) {
	p.finish(terminal.Crashed, -1, reason)
}

func (p *FakePane) finish(state terminal.State, code int, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	p.exit = mux.Exit{
		State:      state,
		Code:       code,
		Reason:     reason,
		Scrollback: bytes.Clone(p.output.Bytes()),
		EndedAt:    time.Now(),
	}
	close(p.done)
	return true
}

func (p *FakePane) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Calls returns how many times op was invoked
func (f *Fake) Calls(op string) int64 {
	v, ok := f.calls.Load(op)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (f *Fake) record(op string) {
	v, _ := f.calls.LoadOrStore(op, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Pane returns the fake pane behind an id
func (f *Fake) Pane(paneID id.PaneID) (*FakePane, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panes[paneID]
	return p, ok
}

// Live returns the number of panes that have not finished
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.panes {
		if p.alive() {
			n++
		}
	}
	return n
}

func (f *Fake) Kind() mux.Kind { return mux.KindPTY }

func (f *Fake) Capabilities() mux.Capabilities { return f.Caps }

func (f *Fake) CreateSession(_ context.Context, name string) (id.SessionID, error) {
	f.record("CreateSession")
	return f.sessions.Create(name).ID, nil
}

func (f *Fake) ListSessions(context.Context) ([]mux.SessionInfo, error) {
	f.record("ListSessions")
	return f.sessions.List(), nil
}

func (f *Fake) KillSession(ctx context.Context, session id.SessionID) error {
	f.record("KillSession")
	handles, ok := f.sessions.Remove(session)
	if !ok {
		return mux.ErrSessionNotFound
	}
	for _, h := range handles {
		_ = f.KillPane(ctx, h)
	}
	return nil
}

func (f *Fake) CreatePane(ctx context.Context, session id.SessionID, req mux.PaneRequest) (id.PaneID, mux.Handle, error) {
	f.record("CreatePane")
	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return "", mux.Handle{}, ctx.Err()
		}
	}
	for {
		n := f.FailCreate.Load()
		if n <= 0 {
			break
		}
		if f.FailCreate.CompareAndSwap(n, n-1) {
			return "", mux.Handle{}, f.Err
		}
	}
	if !f.sessions.Exists(session) {
		return "", mux.Handle{}, mux.ErrSessionNotFound
	}

	p := &FakePane{
		ID:      id.NewPaneID(),
		Session: session,
		Request: req,
		rows:    req.Rows,
		cols:    req.Cols,
		done:    make(chan struct{}),
	}
	h := mux.NewHandle(mux.KindPTY, p.ID, p)

	f.mu.Lock()
	f.panes[p.ID] = p
	f.mu.Unlock()
	_ = f.sessions.AddPane(session, h)

	if output, code, ok := f.Script(req); ok {
		if output != "" {
			f.emit(p, []byte(output))
		}
		p.Exit(code)
	}
	go func() {
		<-p.done
		f.sessions.RemovePane(session, p.ID)
	}()
	return p.ID, h, nil
}

func (f *Fake) emit(p *FakePane, data []byte) {
	p.mu.Lock()
	p.output.Write(data)
	p.mu.Unlock()
	f.Publisher.Publish(events.Event{
		Type:      events.PaneOutput,
		SessionID: p.Session,
		PaneID:    p.ID,
		Data:      bytes.Clone(data),
	})
}

func (f *Fake) pane(h mux.Handle) (*FakePane, error) {
	p, ok := h.Ref().(*FakePane)
	if !ok {
		return nil, mux.ErrHandleInvalid
	}
	return p, nil
}

func (f *Fake) livePane(h mux.Handle) (*FakePane, error) {
	p, err := f.pane(h)
	if err != nil {
		return nil, err
	}
	if !p.alive() {
		return nil, mux.ErrHandleInvalid
	}
	return p, nil
}

func (f *Fake) ResizePane(_ context.Context, h mux.Handle, rows, cols uint16) error {
	f.record("ResizePane")
	p, err := f.livePane(h)
	if err != nil {
		return err
	}
	if p.Request.Kind != mux.PaneTerminal {
		return mux.ErrOperationUnsupported
	}
	p.mu.Lock()
	p.rows, p.cols = rows, cols
	p.mu.Unlock()
	return nil
}

// SendInput records data and echoes it back as output
func (f *Fake) SendInput(_ context.Context, h mux.Handle, data []byte) error {
	f.record("SendInput")
	p, err := f.livePane(h)
	if err != nil {
		return err
	}
	if p.Request.Kind == mux.PaneOutputOnly {
		return mux.ErrOperationUnsupported
	}
	p.mu.Lock()
	p.input.Write(data)
	p.mu.Unlock()
	f.emit(p, data)
	return nil
}

func (f *Fake) CaptureOutput(_ context.Context, h mux.Handle, r mux.Range) ([]byte, error) {
	f.record("CaptureOutput")
	p, err := f.pane(h)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.output.Bytes()), nil
}

func (f *Fake) KillPane(_ context.Context, h mux.Handle) error {
	f.record("KillPane")
	p, err := f.pane(h)
	if err != nil {
		return err
	}
	if !p.finish(terminal.Killed, -1, "killed on request") {
		return mux.ErrHandleInvalid
	}
	return nil
}

func (f *Fake) Wait(ctx context.Context, h mux.Handle) (mux.Exit, error) {
	p, err := f.pane(h)
	if err != nil {
		return mux.Exit{}, err
	}
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exit, nil
	case <-ctx.Done():
		return mux.Exit{}, ctx.Err()
	}
}

func (f *Fake) Close() error {
	f.record("Close")
	for _, h := range f.sessions.Handles() {
		_ = f.KillPane(context.Background(), h)
	}
	return nil
}
