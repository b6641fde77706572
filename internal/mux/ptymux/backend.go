package ptymux

import (
	"context"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
	"go.uber.org/zap"
)

// Options configures the backend
type Options struct {
	Shell   string
	Streams *terminal.Manager
	Logger  *zap.Logger
	// Limiter enforces process isolation limits; nil means
	// terminal.DefaultLimiter
	Limiter *terminal.Limiter
}

// Backend runs each pane as a local process on a pseudo-terminal, or on
// pipes for scripted and output-only panes. Nothing survives a restart.
type Backend struct {
	mux.StreamPanes

	streams  *terminal.Manager
	sessions *mux.SessionTable
	shell    string
	logger   *zap.Logger
	limiter  terminal.Limiter
	closed   atomic.Bool

	unshareOnce sync.Once
	unshare     string
}

// New creates a direct PTY backend
func New(opts Options) *Backend {
	if opts.Streams == nil {
		opts.Streams = terminal.NewManager(terminal.DefaultOptions())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	limiter := terminal.DefaultLimiter()
	if opts.Limiter != nil {
		limiter = *opts.Limiter
	}
	return &Backend{
		StreamPanes: mux.StreamPanes{Kind: mux.KindPTY},
		streams:     opts.Streams,
		sessions:    mux.NewSessionTable(),
		shell:       opts.Shell,
		logger:      opts.Logger,
		limiter:     limiter,
	}
}

// Kind returns mux.KindPTY
func (b *Backend) Kind() mux.Kind { return mux.KindPTY }

// Capabilities reports process isolation. Network isolation needs
// unshare(1), rlimits need prlimit(1) and CPU or process caps need
// systemd-run(1).
func (b *Backend) Capabilities() mux.Capabilities {
	return mux.Capabilities{
		Isolation:        []mux.Isolation{mux.IsolationNone, mux.IsolationProcess},
		Resize:           true,
		Persistent:       false,
		NetworkIsolation: b.unsharePath() != "",
		ResourceLimits:   b.limiter.CanRlimit(),
		CgroupLimits:     b.limiter.CanCgroup(),
	}
}

func (b *Backend) unsharePath() string {
	b.unshareOnce.Do(func() {
		if path, err := exec.LookPath("unshare"); err == nil {
			b.unshare = path
		}
	})
	return b.unshare
}

// CreateSession registers a session; no OS resource backs it
func (b *Backend) CreateSession(_ context.Context, name string) (id.SessionID, error) {
	if b.closed.Load() {
		return "", mux.Unavailable("backend closed")
	}
	return b.sessions.Create(name).ID, nil
}

// ListSessions returns every session
func (b *Backend) ListSessions(context.Context) ([]mux.SessionInfo, error) {
	return b.sessions.List(), nil
}

// KillSession kills every pane in the session and forgets it
func (b *Backend) KillSession(ctx context.Context, session id.SessionID) error {
	handles, ok := b.sessions.Remove(session)
	if !ok {
		return mux.ErrSessionNotFound
	}
	for _, h := range handles {
		_ = b.KillPane(ctx, h)
	}
	return nil
}

// CreatePane starts the pane's process
func (b *Backend) CreatePane(_ context.Context, session id.SessionID, req mux.PaneRequest) (id.PaneID, mux.Handle, error) {
	if b.closed.Load() {
		return "", mux.Handle{}, mux.Unavailable("backend closed")
	}
	if !b.sessions.Exists(session) {
		return "", mux.Handle{}, mux.ErrSessionNotFound
	}
	if req.Isolation == mux.IsolationContainer {
		return "", mux.Handle{}, mux.Unsupported("container isolation on pty backend")
	}

	argv := mux.ShellArgv(b.shell, req)
	if req.NoNetwork {
		unshare := b.unsharePath()
		if unshare == "" {
			return "", mux.Handle{}, mux.Unsupported("network isolation requires unshare")
		}
		argv = append([]string{unshare, "--map-root-user", "--net", "--"}, argv...)
	}

	spec := terminal.Spec{
		Argv:  argv,
		Dir:   req.Dir,
		Env:   req.Env,
		Rows:  req.Rows,
		Cols:  req.Cols,
		TTY:   req.Kind.TTY(),
		Input: req.Kind != mux.PaneOutputOnly,
	}
	if req.Isolation == mux.IsolationProcess {
		spec.Limits = terminal.Limits{
			MaxMemoryBytes: req.Limits.MaxMemoryBytes,
			MaxOpenFiles:   req.Limits.MaxOpenFiles,
			CPUPercent:     req.Limits.CPUPercent,
			MaxProcesses:   req.Limits.MaxProcesses,
		}
		spec.Limiter = &b.limiter
	}

	paneID := id.NewPaneID()
	stream, err := b.streams.Start(paneID, session, spec)
	if err != nil {
		return "", mux.Handle{}, mux.StreamError(err)
	}

	h := mux.NewHandle(mux.KindPTY, paneID, stream)
	if err := b.sessions.AddPane(session, h); err != nil {
		_ = stream.Kill()
		return "", mux.Handle{}, err
	}
	go func() {
		<-stream.Done()
		b.sessions.RemovePane(session, paneID)
	}()

	b.logger.Debug("Pane created",
		zap.String("pane_id", paneID.String()),
		zap.String("kind", string(req.Kind)),
		zap.Strings("argv", argv))
	return paneID, h, nil
}

// Close kills every pane
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, h := range b.sessions.Handles() {
		_ = b.KillPane(context.Background(), h)
	}
	return nil
}
