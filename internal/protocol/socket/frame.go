package socket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/klauspost/compress/zstd"
)

// Frame types. The high bit marks a zstd-compressed payload.
const (
	FrameJSON byte = 0x01
	FrameCBOR byte = 0x02

	flagZstd byte = 0x80
)

const (
	headerLength = 5

	// MaxPayload bounds one frame, compressed or not
	MaxPayload = 16 * 1024 * 1024

	// DefaultCompressThreshold is the payload size from which frames are
	// compressed
	DefaultCompressThreshold = 8 * 1024
)

// ErrFrameTooLarge is returned for frames above MaxPayload
var ErrFrameTooLarge = errors.New("frame exceeds maximum payload")

// ErrUnknownFrameType is returned for a type byte with no codec
var ErrUnknownFrameType = errors.New("unknown frame type")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("socket: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayload))
	if err != nil {
		panic("socket: zstd decoder initialization failed: " + err.Error())
	}
}

// Frame is one message on the wire:
// [1 byte type] [4 bytes payload length, big-endian] [payload].
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes f to w, compressing payloads of at least threshold
// bytes when that makes them smaller. A threshold of zero disables
// compression.
func WriteFrame(w io.Writer, f Frame, threshold int) error {
	typ, payload := f.Type, f.Payload
	if threshold > 0 && len(payload) >= threshold {
		if compressed := zstdEncoder.EncodeAll(payload, nil); len(compressed) < len(payload) {
			typ |= flagZstd
			payload = compressed
		}
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, headerLength+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:headerLength], uint32(len(payload)))
	copy(buf[headerLength:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r and decompresses it if needed. The
// returned Type never carries the compression flag.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	typ := header[0]
	length := binary.BigEndian.Uint32(header[1:headerLength])
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}
	if typ&flagZstd != 0 {
		decoded, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return Frame{}, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(decoded) > MaxPayload {
			return Frame{}, fmt.Errorf("%w: %d bytes uncompressed", ErrFrameTooLarge, len(decoded))
		}
		typ &^= flagZstd
		payload = decoded
	}
	return Frame{Type: typ, Payload: payload}, nil
}

// CodecFor returns the codec of a frame type
func CodecFor(typ byte) (protocol.Codec, error) {
	switch typ {
	case FrameJSON:
		return protocol.JSON, nil
	case FrameCBOR:
		return protocol.CBOR, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, typ)
	}
}

// FrameTypeOf returns the frame type for a codec
func FrameTypeOf(c protocol.Codec) byte {
	if c.Name() == protocol.CBOR.Name() {
		return FrameCBOR
	}
	return FrameJSON
}
