package pubsub

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/GriffinCanCode/orchflow/internal/protocol/protocoltest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHandler(t *testing.T) string {
	t.Helper()
	engine, _ := protocoltest.NewEngine(t)
	h := NewHandler(engine, Options{})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Wait()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHandlerSubscribeAndStream(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.JSON, protocol.CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			url := startHandler(t)
			ctx := testContext(t)

			client, err := Dial(ctx, url, nil, codec)
			require.NoError(t, err)
			defer client.Close()

			sess, err := client.Call(ctx, protocol.Request{Type: protocol.CreateSession})
			require.NoError(t, err)
			require.Equal(t, protocol.SessionCreated, sess.Type)

			ack, err := client.Call(ctx, protocol.Request{Type: protocol.Subscribe, SessionID: sess.Session.ID})
			require.NoError(t, err)
			require.Equal(t, protocol.Ack, ack.Type)

			spawnID, err := client.Send(protocol.Request{Type: protocol.SpawnTerminal, SessionID: sess.Session.ID})
			require.NoError(t, err)

			// The spawn reply and the pushed pane_spawned event may arrive in
			// either order
			var spawned, pushed *protocol.Response
			for spawned == nil || pushed == nil {
				resp, err := client.Recv(ctx)
				require.NoError(t, err)
				switch {
				case resp.ID == spawnID:
					spawned = &resp
				case resp.Type == protocol.EventResponse && resp.Event.Type == events.PaneSpawned:
					pushed = &resp
				}
			}
			require.Equal(t, protocol.TerminalSpawned, spawned.Type)
			assert.Equal(t, spawned.Pane.ID, pushed.Event.PaneID)
			assert.Equal(t, ack.SubscriptionID, pushed.SubscriptionID)
		})
	}
}

func TestHandlerAnswersInvalidMessage(t *testing.T) {
	url := startHandler(t)
	ctx := testContext(t)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{{{")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	resp, err := protocol.DecodeResponse(protocol.JSON, data)
	require.NoError(t, err)
	require.Equal(t, protocol.Error, resp.Type)
	assert.Equal(t, protocol.CodeInvalidMessage, resp.Error.Code)
}

func TestClientCloseEndsConnection(t *testing.T) {
	url := startHandler(t)
	ctx := testContext(t)

	client, err := Dial(ctx, url, nil, nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = client.Recv(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)
}
