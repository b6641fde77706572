package socket

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameJSON, Payload: []byte(`{"type":"list_sessions"}`)}, DefaultCompressThreshold))
	assert.Equal(t, FrameJSON, buf.Bytes()[0])

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameJSON, f.Type)
	assert.Equal(t, `{"type":"list_sessions"}`, string(f.Payload))
}

func TestFrameCompressesLargePayloads(t *testing.T) {
	payload := []byte(strings.Repeat("output line\n", 4096))

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameCBOR, Payload: payload}, 1024))
	assert.Equal(t, FrameCBOR|flagZstd, buf.Bytes()[0])
	assert.Less(t, buf.Len(), len(payload))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameCBOR, f.Type)
	assert.Equal(t, payload, f.Payload)
}

func TestFrameCompressionDisabled(t *testing.T) {
	payload := []byte(strings.Repeat("a", 10000))

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameJSON, Payload: payload}, 0))
	assert.Equal(t, FrameJSON, buf.Bytes()[0])
	assert.Equal(t, headerLength+len(payload), buf.Len())
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := make([]byte, headerLength)
	header[0] = FrameJSON
	binary.BigEndian.PutUint32(header[1:], MaxPayload+1)

	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameJSON, Payload: []byte("0123456789")}, 0))

	_, err := ReadFrame(bytes.NewReader(buf.Bytes()[:8]))
	assert.Error(t, err)
}

func TestCodecFor(t *testing.T) {
	c, err := CodecFor(FrameCBOR)
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())
	assert.Equal(t, FrameCBOR, FrameTypeOf(c))

	_, err = CodecFor(0x7f)
	assert.ErrorIs(t, err, ErrUnknownFrameType)
}
