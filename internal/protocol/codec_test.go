package protocol

import (
	"testing"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/orchestrator"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecsCarryBinaryOutput(t *testing.T) {
	paneID := id.NewPaneID()
	when := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	resp := Response{
		V:    Version,
		ID:   "req-1",
		Type: EventResponse,
		Event: &events.Event{
			Seq:      7,
			Type:     events.PaneOutput,
			Time:     when,
			PaneID:   paneID,
			Data:     []byte{0x1b, '[', '3', '1', 'm', 0x00, 0xff},
			ExitCode: events.IntPtr(0),
		},
		Pane: &orchestrator.Pane{ID: paneID, State: terminal.Running},
	}

	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Marshal(resp)
			require.NoError(t, err)

			got, err := DecodeResponse(c, data)
			require.NoError(t, err)
			assert.Equal(t, resp.Event.Data, got.Event.Data)
			assert.True(t, when.Equal(got.Event.Time))
			require.NotNil(t, got.Event.ExitCode)
			assert.Equal(t, 0, *got.Event.ExitCode)
			assert.Equal(t, terminal.Running, got.Pane.State)
		})
	}
}

func TestCBORIgnoresUnknownFields(t *testing.T) {
	data, err := CBOR.Marshal(map[string]any{
		"v":        1,
		"type":     "spawn_terminal",
		"rows":     30,
		"shape":    "hexagon",
		"nested":   map[string]any{"a": []int{1, 2}},
		"pane_id":  "pane_x",
		"commands": []string{"ls"},
	})
	require.NoError(t, err)

	req, err := DecodeRequest(CBOR, data)
	require.NoError(t, err)
	assert.Equal(t, SpawnTerminal, req.Type)
	assert.Equal(t, uint16(30), req.Rows)
	assert.Equal(t, []string{"ls"}, req.Commands)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = CodecByName("cbor")
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}

func TestDecodeRequestRejectsGarbage(t *testing.T) {
	_, err := DecodeRequest(JSON, []byte("not json"))
	assert.Error(t, err)

	_, err = DecodeRequest(CBOR, []byte{0xff, 0x00})
	assert.Error(t, err)
}
