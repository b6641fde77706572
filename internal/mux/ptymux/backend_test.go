package ptymux

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScriptedPane(t *testing.T) {
	requireShell(t)
	ctx := testContext(t)
	b := New(Options{})
	defer b.Close()

	session, err := b.CreateSession(ctx, "work")
	require.NoError(t, err)

	paneID, h, err := b.CreatePane(ctx, session, mux.PaneRequest{
		Kind:    mux.PaneScripted,
		Command: "echo hello",
		Rows:    24,
		Cols:    80,
	})
	require.NoError(t, err)
	assert.Equal(t, paneID, h.PaneID())
	assert.Equal(t, mux.KindPTY, h.Kind())

	exit, err := b.Wait(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, "hello\n", string(exit.Scrollback))

	out, err := b.CaptureOutput(ctx, h, mux.Range{})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	assert.ErrorIs(t, b.SendInput(ctx, h, []byte("x")), mux.ErrHandleInvalid)
	assert.ErrorIs(t, b.KillPane(ctx, h), mux.ErrHandleInvalid)
}

func TestInteractivePane(t *testing.T) {
	requireShell(t)
	ctx := testContext(t)
	b := New(Options{Shell: "/bin/sh"})
	defer b.Close()

	session, err := b.CreateSession(ctx, "work")
	require.NoError(t, err)

	_, h, err := b.CreatePane(ctx, session, mux.PaneRequest{Kind: mux.PaneTerminal, Rows: 24, Cols: 80})
	require.NoError(t, err)

	require.NoError(t, b.SendInput(ctx, h, []byte("echo marker-$((40+2))\n")))
	assert.Eventually(t, func() bool {
		out, _ := b.CaptureOutput(ctx, h, mux.Range{})
		return strings.Contains(string(out), "marker-42")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, b.ResizePane(ctx, h, 30, 100))

	sessions, err := b.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Panes)

	require.NoError(t, b.KillPane(ctx, h))
	exit, err := b.Wait(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "killed", exit.State.String())
}

func TestOutputOnlyPaneRejectsInput(t *testing.T) {
	requireShell(t)
	ctx := testContext(t)
	b := New(Options{})
	defer b.Close()

	session, err := b.CreateSession(ctx, "work")
	require.NoError(t, err)

	_, h, err := b.CreatePane(ctx, session, mux.PaneRequest{Kind: mux.PaneOutputOnly, Command: "sleep 5", Rows: 24, Cols: 80})
	require.NoError(t, err)

	assert.ErrorIs(t, b.SendInput(ctx, h, []byte("x")), mux.ErrOperationUnsupported)
	assert.ErrorIs(t, b.ResizePane(ctx, h, 10, 10), mux.ErrOperationUnsupported)
}

func TestUnknownSession(t *testing.T) {
	b := New(Options{})
	_, _, err := b.CreatePane(context.Background(), id.NewSessionID(), mux.PaneRequest{Kind: mux.PaneScripted, Command: "true", Rows: 1, Cols: 1})
	assert.ErrorIs(t, err, mux.ErrSessionNotFound)
	assert.ErrorIs(t, b.KillSession(context.Background(), id.NewSessionID()), mux.ErrSessionNotFound)
}

func TestContainerIsolationUnsupported(t *testing.T) {
	ctx := testContext(t)
	b := New(Options{})

	session, err := b.CreateSession(ctx, "work")
	require.NoError(t, err)

	_, _, err = b.CreatePane(ctx, session, mux.PaneRequest{Kind: mux.PaneScripted, Command: "true", Isolation: mux.IsolationContainer, Rows: 1, Cols: 1})
	assert.ErrorIs(t, err, mux.ErrOperationUnsupported)
	assert.False(t, b.Capabilities().Supports(mux.IsolationContainer))
}

func TestKillSessionKillsPanes(t *testing.T) {
	requireShell(t)
	ctx := testContext(t)
	b := New(Options{})
	defer b.Close()

	session, err := b.CreateSession(ctx, "work")
	require.NoError(t, err)

	var handles []mux.Handle
	for i := 0; i < 3; i++ {
		_, h, err := b.CreatePane(ctx, session, mux.PaneRequest{Kind: mux.PaneScripted, Command: "sleep 30", Rows: 24, Cols: 80})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, b.KillSession(ctx, session))
	for _, h := range handles {
		exit, err := b.Wait(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, "killed", exit.State.String())
	}
}

func TestForeignHandleRejected(t *testing.T) {
	b := New(Options{})
	h := mux.NewHandle(mux.KindTmux, id.NewPaneID(), nil)
	assert.ErrorIs(t, b.SendInput(context.Background(), h, []byte("x")), mux.ErrHandleInvalid)
}

func TestLimitsNeedTools(t *testing.T) {
	ctx := testContext(t)
	b := New(Options{Limiter: &terminal.Limiter{}})
	defer b.Close()

	caps := b.Capabilities()
	assert.False(t, caps.ResourceLimits)
	assert.False(t, caps.CgroupLimits)

	session, err := b.CreateSession(ctx, "work")
	require.NoError(t, err)

	_, _, err = b.CreatePane(ctx, session, mux.PaneRequest{
		Kind:      mux.PaneScripted,
		Command:   "true",
		Isolation: mux.IsolationProcess,
		Limits:    mux.Limits{CPUPercent: 50},
		Rows:      1,
		Cols:      1,
	})
	assert.ErrorIs(t, err, mux.ErrOperationUnsupported)
}

// wrapperScript stands in for prlimit and systemd-run: it drops its own
// options, announces itself and execs the command after "--"
func wrapperScript(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	script := "#!/bin/sh\nwhile [ \"$1\" != \"--\" ]; do shift; done\nshift\necho " + name + "\nexec \"$@\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestLimitsWrapCommandBeforeItRuns(t *testing.T) {
	requireShell(t)
	ctx := testContext(t)
	b := New(Options{Limiter: &terminal.Limiter{
		Prlimit:    wrapperScript(t, "prlimit"),
		SystemdRun: wrapperScript(t, "systemd-run"),
	}})
	defer b.Close()

	caps := b.Capabilities()
	assert.True(t, caps.ResourceLimits)
	assert.True(t, caps.CgroupLimits)

	session, err := b.CreateSession(ctx, "work")
	require.NoError(t, err)

	_, h, err := b.CreatePane(ctx, session, mux.PaneRequest{
		Kind:      mux.PaneScripted,
		Command:   "echo hello",
		Isolation: mux.IsolationProcess,
		Limits:    mux.Limits{CPUPercent: 50, MaxMemoryBytes: 1 << 30, MaxProcesses: 50},
		Rows:      24,
		Cols:      80,
	})
	require.NoError(t, err)

	exit, err := b.Wait(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, "systemd-run\nprlimit\nhello\n", string(exit.Scrollback))
}
