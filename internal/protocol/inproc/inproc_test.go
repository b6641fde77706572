package inproc

import (
	"context"
	"testing"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/GriffinCanCode/orchflow/internal/protocol/protocoltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvUntil(t *testing.T, c *Conn, fn func(protocol.Response) bool) protocol.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		resp, err := c.Recv(ctx)
		require.NoError(t, err)
		if fn(resp) {
			return resp
		}
	}
}

func byID(reqID string) func(protocol.Response) bool {
	return func(r protocol.Response) bool { return r.ID == reqID && r.Type != protocol.Progress }
}

func TestConnStreamsPaneOutput(t *testing.T) {
	engine, _ := protocoltest.NewEngine(t)
	c := Dial(engine, protocol.PeerOptions{}, 0)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, protocol.Request{ID: "s", Type: protocol.CreateSession}))
	sess := recvUntil(t, c, byID("s"))
	require.Equal(t, protocol.SessionCreated, sess.Type)

	require.NoError(t, c.Send(ctx, protocol.Request{ID: "p", Type: protocol.SpawnTerminal, SessionID: sess.Session.ID}))
	spawned := recvUntil(t, c, byID("p"))
	require.Equal(t, protocol.TerminalSpawned, spawned.Type)
	paneID := spawned.Pane.ID

	require.NoError(t, c.Send(ctx, protocol.Request{ID: "sub", Type: protocol.Subscribe, PaneID: paneID}))
	ack := recvUntil(t, c, byID("sub"))
	require.Equal(t, protocol.Ack, ack.Type)

	require.NoError(t, c.Send(ctx, protocol.Request{ID: "in", Type: protocol.StreamInput, PaneID: paneID, Data: []byte("whoami\n")}))
	ev := recvUntil(t, c, func(r protocol.Response) bool { return r.Type == protocol.EventResponse })
	assert.Equal(t, events.PaneOutput, ev.Event.Type)
	assert.Equal(t, "whoami\n", string(ev.Event.Data))

	require.NoError(t, c.Send(ctx, protocol.Request{ID: "k", Type: protocol.KillTerminal, PaneID: paneID}))
	exit := recvUntil(t, c, func(r protocol.Response) bool {
		return r.Type == protocol.EventResponse && r.Event.Type == events.PaneExited
	})
	assert.Equal(t, "killed", exit.Event.State)
}

func TestConnClosed(t *testing.T) {
	engine, _ := protocoltest.NewEngine(t)
	c := Dial(engine, protocol.PeerOptions{}, 4)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send(context.Background(), protocol.Request{Type: protocol.ListSessions}), ErrClosed)
	_, err := c.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCallWaitsForExecute(t *testing.T) {
	engine, _ := protocoltest.NewEngine(t)
	ctx := context.Background()

	resps, err := Call(ctx, engine, protocol.Request{Type: protocol.CreateSession, Persistent: true}, protocol.PeerOptions{})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	sessionID := resps[0].Session.ID

	resps, err = Call(ctx, engine, protocol.Request{Type: protocol.SpawnTerminal, SessionID: sessionID}, protocol.PeerOptions{})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	paneID := resps[0].Pane.ID

	resps, err = Call(ctx, engine, protocol.Request{Type: protocol.Execute, PaneID: paneID, Command: "echo inproc"}, protocol.PeerOptions{})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	assert.Equal(t, protocol.Output, resps[0].Type)
	assert.Equal(t, "inproc\n", string(resps[0].Output.Data))

	resps, err = Call(ctx, engine, protocol.Request{Type: protocol.Subscribe, PaneID: paneID}, protocol.PeerOptions{})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	assert.Equal(t, protocol.CodeUnsupportedOperation, resps[0].Error.Code)
}
