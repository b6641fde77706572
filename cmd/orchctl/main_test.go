package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/GriffinCanCode/orchflow/internal/protocol/protocoltest"
	"github.com/GriffinCanCode/orchflow/internal/server"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want protocol.Request
	}{
		{
			name: "exec keeps flag-like words",
			args: []string{"exec", "pane_1", "ls", "-la", "my dir"},
			want: protocol.Request{Type: protocol.Execute, PaneID: "pane_1", Command: "ls -la 'my dir'"},
		},
		{
			name: "exec single argument verbatim",
			args: []string{"exec", "pane_1", "echo $HOME | wc -c"},
			want: protocol.Request{Type: protocol.Execute, PaneID: "pane_1", Command: "echo $HOME | wc -c"},
		},
		{
			name: "spawn with flags after session",
			args: []string{"spawn", "sess_1", "--kind", "scripted", "--command", "make", "--env", "A=1"},
			want: protocol.Request{
				Type:      protocol.SpawnTerminal,
				SessionID: "sess_1",
				Kind:      "scripted",
				Command:   "make",
				Env:       map[string]string{"A": "1"},
			},
		},
		{
			name: "batch",
			args: []string{"batch", "--stop-on-error", "pane_1", "make", "make test"},
			want: protocol.Request{
				Type:        protocol.BatchExecute,
				PaneID:      "pane_1",
				Commands:    []string{"make", "make test"},
				StopOnError: true,
			},
		},
		{
			name: "send appends newline",
			args: []string{"send", "pane_1", "yes"},
			want: protocol.Request{Type: protocol.StreamInput, PaneID: "pane_1", Data: []byte("yes\n")},
		},
		{
			name: "resize",
			args: []string{"resize", "pane_1", "40", "120"},
			want: protocol.Request{Type: protocol.Resize, PaneID: "pane_1", Rows: 40, Cols: 120},
		},
		{
			name: "capture defaults",
			args: []string{"capture", "pane_1"},
			want: protocol.Request{Type: protocol.CaptureOutput, PaneID: "pane_1", Lines: protocol.DefaultCaptureLines, From: "end"},
		},
		{
			name: "watch session",
			args: []string{"watch", "--session", "sess_1", "--events", "pane_exited,pane_spawned"},
			want: protocol.Request{Type: protocol.Subscribe, SessionID: "sess_1", Events: []events.Type{events.PaneExited, events.PaneSpawned}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, req, err := parse(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, req)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, args := range [][]string{
		{"teleport"},
		{"exec", "pane_1"},
		{"kill"},
		{"resize", "pane_1", "tall", "80"},
		{"spawn", "sess_1", "--kind", "window"},
	} {
		_, _, err := parse(args)
		assert.Error(t, err, "%v", args)
	}
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:7890/ws", wsURL("http://127.0.0.1:7890"))
	assert.Equal(t, "wss://orch.example.org/ws", wsURL("https://orch.example.org/"))
	assert.Equal(t, "ws://localhost:7890/ws", wsURL("localhost:7890"))
}

func TestRunAgainstGateway(t *testing.T) {
	orch, _ := protocoltest.NewEngine(t)
	ts := httptest.NewServer(server.New(orch, server.Options{}).Handler())
	t.Cleanup(ts.Close)

	ctl := func(args ...string) (int, string, string) {
		var stdout, stderr bytes.Buffer
		code := run(append([]string{"--addr", ts.URL, "--agent", "agent_cli"}, args...), &stdout, &stderr)
		return code, stdout.String(), stderr.String()
	}

	code, out, errOut := ctl("new-session", "--name", "cli")
	require.Equal(t, 0, code, errOut)
	var created protocol.Response
	require.NoError(t, sonic.ConfigStd.UnmarshalFromString(out, &created))
	require.NotNil(t, created.Session)

	code, out, errOut = ctl("--json", "spawn", created.Session.ID.String())
	require.Equal(t, 0, code, errOut)
	var spawned []protocol.Response
	require.NoError(t, sonic.ConfigStd.UnmarshalFromString(out, &spawned))
	require.Len(t, spawned, 1)
	paneID := spawned[0].Pane.ID.String()

	code, out, errOut = ctl("exec", paneID, "echo", "from-cli")
	assert.Equal(t, 0, code, errOut)
	assert.Equal(t, "from-cli\n", out)

	code, _, _ = ctl("exec", paneID, "false")
	assert.Equal(t, 1, code)

	code, _, errOut = ctl("exec", paneID, "mkfs.ext4", "/dev/sda1")
	assert.Equal(t, 1, code)
	assert.True(t, strings.HasPrefix(errOut, "orchctl: security_denied"), errOut)

	code, _, errOut = ctl("kill", paneID)
	assert.Equal(t, 0, code, errOut)

	code, out, _ = ctl("health")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, `"status": "ok"`)
}
