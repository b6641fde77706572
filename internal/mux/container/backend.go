package container

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures the backend
type Options struct {
	// Runtime is the container CLI, docker or podman
	Runtime string
	Image   string
	Streams *terminal.Manager
	Logger  *zap.Logger
}

// Backend runs every pane in its own throwaway container. The container
// CLI process is the pane's local process; killing the pane removes the
// container.
type Backend struct {
	mux.StreamPanes

	runtime  string
	image    string
	streams  *terminal.Manager
	sessions *mux.SessionTable
	logger   *zap.Logger
	closed   atomic.Bool

	mu    sync.Mutex
	names map[id.PaneID]string
}

// New creates a container backend
func New(opts Options) *Backend {
	if opts.Runtime == "" {
		opts.Runtime = "docker"
	}
	if opts.Image == "" {
		opts.Image = "alpine:3.20"
	}
	if opts.Streams == nil {
		opts.Streams = terminal.NewManager(terminal.DefaultOptions())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Backend{
		StreamPanes: mux.StreamPanes{Kind: mux.KindContainer},
		runtime:     opts.Runtime,
		image:       opts.Image,
		streams:     opts.Streams,
		sessions:    mux.NewSessionTable(),
		logger:      opts.Logger,
		names:       make(map[id.PaneID]string),
	}
}

// Kind returns mux.KindContainer
func (b *Backend) Kind() mux.Kind { return mux.KindContainer }

// Capabilities reports every isolation level with enforced limits
func (b *Backend) Capabilities() mux.Capabilities {
	return mux.Capabilities{
		Isolation:        []mux.Isolation{mux.IsolationNone, mux.IsolationProcess, mux.IsolationContainer},
		Resize:           true,
		NetworkIsolation: true,
		ResourceLimits:   true,
		CgroupLimits:     true,
		ReadOnlyFS:       true,
	}
}

// CreateSession registers a session
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

// KillSession removes every container in the session
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

// CreatePane starts a container running the pane's command
func (b *Backend) CreatePane(_ context.Context, session id.SessionID, req mux.PaneRequest) (id.PaneID, mux.Handle, error) {
	if b.closed.Load() {
		return "", mux.Handle{}, mux.Unavailable("backend closed")
	}
	if !b.sessions.Exists(session) {
		return "", mux.Handle{}, mux.ErrSessionNotFound
	}
	runtime, err := exec.LookPath(b.runtime)
	if err != nil {
		return "", mux.Handle{}, mux.Unavailable("container runtime %q not found", b.runtime)
	}

	name := "orchflow-" + uuid.NewString()
	argv := append([]string{runtime}, runArgs(name, b.image, req)...)

	spec := terminal.Spec{
		Argv:  argv,
		Rows:  req.Rows,
		Cols:  req.Cols,
		TTY:   req.Kind.TTY(),
		Input: req.Kind != mux.PaneOutputOnly,
	}

	paneID := id.NewPaneID()
	stream, err := b.streams.Start(paneID, session, spec)
	if err != nil {
		return "", mux.Handle{}, mux.StreamError(err)
	}

	b.mu.Lock()
	b.names[paneID] = name
	b.mu.Unlock()

	h := mux.NewHandle(mux.KindContainer, paneID, stream)
	if err := b.sessions.AddPane(session, h); err != nil {
		_ = b.KillPane(context.Background(), h)
		return "", mux.Handle{}, err
	}
	go func() {
		<-stream.Done()
		b.sessions.RemovePane(session, paneID)
		b.mu.Lock()
		delete(b.names, paneID)
		b.mu.Unlock()
	}()

	b.logger.Debug("Container pane created",
		zap.String("pane_id", paneID.String()),
		zap.String("container", name),
		zap.String("image", b.image))
	return paneID, h, nil
}

// KillPane kills the CLI process and force-removes the container, which
// keeps running once detached from its client
func (b *Backend) KillPane(ctx context.Context, h mux.Handle) error {
	b.mu.Lock()
	name := b.names[h.PaneID()]
	b.mu.Unlock()

	err := b.StreamPanes.KillPane(ctx, h)
	if name != "" && !errors.Is(err, mux.ErrHandleInvalid) {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if out, rmErr := exec.CommandContext(rmCtx, b.runtime, "rm", "-f", name).CombinedOutput(); rmErr != nil {
			b.logger.Warn("Container removal failed",
				zap.String("container", name),
				zap.ByteString("output", out),
				zap.Error(rmErr))
		}
	}
	return err
}

// runArgs builds the run subcommand for one pane
func runArgs(name, image string, req mux.PaneRequest) []string {
	args := []string{"run", "--rm", "-i", "--name", name}
	if req.Kind.TTY() {
		args = append(args, "-t")
	}
	if req.NoNetwork {
		args = append(args, "--network", "none")
	}
	if req.ReadOnly {
		args = append(args, "--read-only", "--tmpfs", "/tmp")
	}
	if req.Isolation != mux.IsolationNone && req.Isolation != "" {
		args = append(args, "--cap-drop", "ALL", "--security-opt", "no-new-privileges")
	}

	limits := req.Limits
	if limits.MaxMemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatUint(limits.MaxMemoryBytes, 10))
	}
	if limits.CPUPercent > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(float64(limits.CPUPercent)/100, 'f', 2, 64))
	}
	if limits.MaxProcesses > 0 {
		args = append(args, "--pids-limit", strconv.FormatUint(limits.MaxProcesses, 10))
	}
	if limits.MaxOpenFiles > 0 {
		n := strconv.FormatUint(limits.MaxOpenFiles, 10)
		args = append(args, "--ulimit", fmt.Sprintf("nofile=%s:%s", n, n))
	}

	if req.Dir != "" {
		args = append(args, "-w", req.Dir)
	}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+req.Env[k])
	}

	args = append(args, image)
	if req.Command == "" {
		return append(args, "/bin/sh")
	}
	return append(args, "/bin/sh", "-c", req.Command)
}

// Close removes every container this backend started
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, h := range b.sessions.Handles() {
		_ = b.KillPane(context.Background(), h)
	}
	return nil
}
