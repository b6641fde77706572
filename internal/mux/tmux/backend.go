package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const fifoOpenTimeout = 5 * time.Second

// Options configures the backend
type Options struct {
	Bin     string
	Socket  string
	Shell   string
	Streams *terminal.Manager
	Logger  *zap.Logger
}

// Backend keeps panes inside a tmux server. Sessions outlive the
// orchestrator and are picked up again by name.
type Backend struct {
	mux.StreamPanes

	client   client
	streams  *terminal.Manager
	sessions *mux.SessionTable
	shell    string
	logger   *zap.Logger
	closed   atomic.Bool
}

// New creates a tmux backend. The tmux binary is not checked until first use.
func New(opts Options) *Backend {
	if opts.Bin == "" {
		opts.Bin = "tmux"
	}
	if opts.Streams == nil {
		opts.Streams = terminal.NewManager(terminal.DefaultOptions())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Backend{
		StreamPanes: mux.StreamPanes{Kind: mux.KindTmux},
		client:      client{bin: opts.Bin, socket: opts.Socket},
		streams:     opts.Streams,
		sessions:    mux.NewSessionTable(),
		shell:       opts.Shell,
		logger:      opts.Logger,
	}
}

// Kind returns mux.KindTmux
func (b *Backend) Kind() mux.Kind { return mux.KindTmux }

// Capabilities reports a persistent backend without sandboxing
func (b *Backend) Capabilities() mux.Capabilities {
	return mux.Capabilities{
		Isolation:  []mux.Isolation{mux.IsolationNone},
		Resize:     true,
		Persistent: true,
	}
}

// Ping checks that the tmux binary runs
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.run(ctx, "-V")
	return err
}

// CreateSession starts a detached tmux session named after the session id
func (b *Backend) CreateSession(ctx context.Context, name string) (id.SessionID, error) {
	if b.closed.Load() {
		return "", mux.Unavailable("backend closed")
	}

	sessionID := id.NewSessionID()
	if _, err := b.client.run(ctx, "new-session", "-d", "-s", sessionID.String(), "-x", "200", "-y", "50"); err != nil {
		return "", err
	}
	b.sessions.Register(sessionID, name)
	return sessionID, nil
}

// ListSessions lists the engine's sessions on the tmux server, including
// ones created before a restart
func (b *Backend) ListSessions(ctx context.Context) ([]mux.SessionInfo, error) {
	out, err := b.client.run(ctx, "list-sessions", "-F", "#{session_name} #{session_created} #{session_windows}")
	if err != nil {
		if errors.Is(err, mux.ErrBackendUnavailable) && strings.Contains(err.Error(), "no server running") {
			return []mux.SessionInfo{}, nil
		}
		return nil, err
	}

	known := make(map[id.SessionID]mux.SessionInfo)
	for _, info := range b.sessions.List() {
		known[info.ID] = info
	}

	sessions := make([]mux.SessionInfo, 0)
	for _, line := range strings.Split(out, "\n") {
		info, ok := parseSessionLine(line)
		if !ok {
			continue
		}
		if local, ok := known[info.ID]; ok {
			info.Name = local.Name
			info.Panes = local.Panes
		}
		sessions = append(sessions, info)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

func parseSessionLine(line string) (mux.SessionInfo, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !id.HasPrefix(fields[0], id.SessionPrefix) {
		return mux.SessionInfo{}, false
	}
	info := mux.SessionInfo{ID: id.SessionID(fields[0]), Name: fields[0]}
	if created, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
		info.CreatedAt = time.Unix(created, 0)
	}
	if len(fields) > 2 {
		if windows, err := strconv.Atoi(fields[2]); err == nil && windows > 0 {
			// The first window is the session's placeholder shell.
			info.Panes = windows - 1
		}
	}
	return info, true
}

// KillSession kills the tmux session and every pane in it
func (b *Backend) KillSession(ctx context.Context, session id.SessionID) error {
	handles, _ := b.sessions.Remove(session)
	for _, h := range handles {
		_ = b.KillPane(ctx, h)
	}
	_, err := b.client.run(ctx, "kill-session", "-t", session.String())
	if errors.Is(err, errNotFound) {
		return mux.ErrSessionNotFound
	}
	return err
}

// adopt registers a session that exists on the server but not locally,
// such as one created before a restart
func (b *Backend) adopt(ctx context.Context, session id.SessionID) error {
	if b.sessions.Exists(session) {
		return nil
	}
	_, err := b.client.run(ctx, "has-session", "-t", session.String())
	if errors.Is(err, errNotFound) {
		return mux.ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	b.sessions.Register(session, session.String())
	return nil
}

// CreatePane opens a new tmux window running the command. The command is
// held on a wait-for channel until output capture is in place, so no
// early output is lost.
func (b *Backend) CreatePane(ctx context.Context, session id.SessionID, req mux.PaneRequest) (id.PaneID, mux.Handle, error) {
	if b.closed.Load() {
		return "", mux.Handle{}, mux.Unavailable("backend closed")
	}
	if req.Isolation != "" && req.Isolation != mux.IsolationNone {
		return "", mux.Handle{}, mux.Unsupported("%s isolation on tmux backend", req.Isolation)
	}
	if req.NoNetwork {
		return "", mux.Handle{}, mux.Unsupported("network isolation on tmux backend")
	}
	if err := b.adopt(ctx, session); err != nil {
		return "", mux.Handle{}, err
	}

	dir, err := os.MkdirTemp("", "orchflow-tmux-")
	if err != nil {
		return "", mux.Handle{}, fmt.Errorf("tmux: create fifo dir: %w", err)
	}
	fifoPath := filepath.Join(dir, "output")
	if err := unix.Mkfifo(fifoPath, 0o600); err != nil {
		os.RemoveAll(dir)
		return "", mux.Handle{}, fmt.Errorf("tmux: mkfifo: %w", err)
	}

	channel := "orchflow-" + uuid.NewString()
	gate := mux.ShellLine(b.client.argv("wait-for", channel))
	line := gate + "; exec " + mux.ShellLine(mux.ShellArgv(b.shell, req))

	args := []string{"new-window", "-d", "-P", "-F", "#{pane_id} #{pane_pid}", "-t", session.String() + ":"}
	if req.Dir != "" {
		args = append(args, "-c", req.Dir)
	}
	for k, v := range req.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, line)

	out, err := b.client.run(ctx, args...)
	if err != nil {
		os.RemoveAll(dir)
		return "", mux.Handle{}, err
	}
	target, pid, err := parsePaneLine(out)
	if err != nil {
		os.RemoveAll(dir)
		return "", mux.Handle{}, err
	}

	proc, err := b.connect(ctx, target, fifoPath, channel)
	if err != nil {
		_, _ = b.client.run(context.Background(), "kill-pane", "-t", target)
		os.RemoveAll(dir)
		return "", mux.Handle{}, err
	}
	proc.pid = pid
	proc.dir = dir

	if req.Rows > 0 && req.Cols > 0 {
		_ = proc.Resize(req.Rows, req.Cols)
	}

	spec := terminal.Spec{
		Rows:  req.Rows,
		Cols:  req.Cols,
		TTY:   true,
		Input: req.Kind != mux.PaneOutputOnly,
	}
	paneID := id.NewPaneID()
	stream, err := b.streams.Attach(paneID, session, proc, spec)
	if err != nil {
		_ = proc.Kill()
		_ = proc.Close()
		return "", mux.Handle{}, mux.StreamError(err)
	}

	// Release the gated command.
	if _, err := b.client.run(ctx, "wait-for", "-S", channel); err != nil {
		_ = stream.Kill()
		return "", mux.Handle{}, err
	}

	h := mux.NewHandle(mux.KindTmux, paneID, stream)
	if err := b.sessions.AddPane(session, h); err != nil {
		_ = stream.Kill()
		return "", mux.Handle{}, err
	}
	go func() {
		<-stream.Done()
		b.sessions.RemovePane(session, paneID)
	}()

	b.logger.Debug("Tmux pane created",
		zap.String("pane_id", paneID.String()),
		zap.String("target", target),
		zap.String("session_id", session.String()))
	return paneID, h, nil
}

// connect keeps the pane alive after exit, then routes its output into
// the FIFO
func (b *Backend) connect(ctx context.Context, target, fifoPath, channel string) (*paneProcess, error) {
	if _, err := b.client.run(ctx, "set-window-option", "-t", target, "remain-on-exit", "on"); err != nil {
		return nil, err
	}

	ch := make(chan fifoOpen, 1)
	go func() {
		// Blocks until the pipe-pane writer opens its end.
		f, err := os.OpenFile(fifoPath, os.O_RDONLY, 0)
		ch <- fifoOpen{f, err}
	}()

	pipe := "exec cat >> " + mux.ShellLine([]string{fifoPath})
	if _, err := b.client.run(ctx, "pipe-pane", "-t", target, pipe); err != nil {
		releaseOpen(fifoPath, ch)
		return nil, err
	}

	timer := time.NewTimer(fifoOpenTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("tmux: open fifo: %w", res.err)
		}
		return &paneProcess{
			client: b.client,
			target: target,
			fifo:   res.f,
			stop:   make(chan struct{}),
		}, nil
	case <-timer.C:
		releaseOpen(fifoPath, ch)
		return nil, mux.Unavailable("pipe-pane for %s did not connect", target)
	case <-ctx.Done():
		releaseOpen(fifoPath, ch)
		return nil, ctx.Err()
	}
}

type fifoOpen struct {
	f   *os.File
	err error
}

// releaseOpen unblocks a pending FIFO open by opening the write end once
func releaseOpen(fifoPath string, ch <-chan fifoOpen) {
	if w, err := os.OpenFile(fifoPath, os.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
		w.Close()
	}
	go func() {
		if res := <-ch; res.f != nil {
			res.f.Close()
		}
	}()
}

func parsePaneLine(out string) (string, int, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 || !paneIDRe.MatchString(fields[0]) {
		return "", 0, fmt.Errorf("tmux: unexpected new-window output %q", out)
	}
	pid := 0
	if len(fields) > 1 {
		pid, _ = strconv.Atoi(fields[1])
	}
	return fields[0], pid, nil
}

// Close kills the panes this backend started. The tmux server and its
// sessions keep running.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, h := range b.sessions.Handles() {
		_ = b.KillPane(context.Background(), h)
	}
	return nil
}
