package container

import (
	"context"
	"testing"

	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunArgs(t *testing.T) {
	args := runArgs("orchflow-x", "alpine:3.20", mux.PaneRequest{
		Kind:      mux.PaneScripted,
		Command:   "echo hi",
		Isolation: mux.IsolationContainer,
		NoNetwork: true,
		Limits: mux.Limits{
			CPUPercent:     50,
			MaxMemoryBytes: 512 << 20,
			MaxProcesses:   64,
			MaxOpenFiles:   256,
		},
		Env: map[string]string{"B": "2", "A": "1"},
	})

	assert.Equal(t, []string{
		"run", "--rm", "-i", "--name", "orchflow-x",
		"--network", "none",
		"--cap-drop", "ALL", "--security-opt", "no-new-privileges",
		"--memory", "536870912",
		"--cpus", "0.50",
		"--pids-limit", "64",
		"--ulimit", "nofile=256:256",
		"-e", "A=1", "-e", "B=2",
		"alpine:3.20", "/bin/sh", "-c", "echo hi",
	}, args)
}

func TestRunArgsInteractive(t *testing.T) {
	args := runArgs("n", "img", mux.PaneRequest{Kind: mux.PaneTerminal})
	assert.Contains(t, args, "-t")
	assert.Equal(t, []string{"img", "/bin/sh"}, args[len(args)-2:])
}

func TestMissingRuntimeIsUnavailable(t *testing.T) {
	b := New(Options{Runtime: "orchflow-no-such-runtime"})
	ctx := context.Background()

	session, err := b.CreateSession(ctx, "s")
	require.NoError(t, err)

	_, _, err = b.CreatePane(ctx, session, mux.PaneRequest{Kind: mux.PaneScripted, Command: "true", Rows: 24, Cols: 80})
	assert.ErrorIs(t, err, mux.ErrBackendUnavailable)
}

func TestCapabilities(t *testing.T) {
	caps := New(Options{}).Capabilities()
	assert.True(t, caps.Supports(mux.IsolationContainer))
	assert.True(t, caps.NetworkIsolation)
	assert.False(t, caps.Persistent)
}
