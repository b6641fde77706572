package protocol

import (
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
)

// Codec turns messages into bytes and back. JSON and CBOR carry the same
// schema; CBOR sends output bytes raw instead of base64.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec
var JSON Codec = jsonCodec{api: sonic.ConfigStd}

// CBOR is the compact binary codec
var CBOR Codec

func init() {
	enc := cbor.CoreDetEncOptions()
	enc.Time = cbor.TimeRFC3339Nano
	enc.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err := enc.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
	CBOR = cborCodec{enc: encMode, dec: decMode}
}

type jsonCodec struct {
	api sonic.API
}

func (jsonCodec) Name() string { return "json" }

func (c jsonCodec) Marshal(v any) ([]byte, error) { return c.api.Marshal(v) }

func (c jsonCodec) Unmarshal(data []byte, v any) error { return c.api.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (cborCodec) Name() string { return "cbor" }

func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// CodecByName returns the codec registered under name
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// DecodeRequest parses a request frame
func DecodeRequest(c Codec, data []byte) (Request, error) {
	var req Request
	if err := c.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode %s request: %w", c.Name(), err)
	}
	return req, nil
}

// DecodeResponse parses a response frame
func DecodeResponse(c Codec, data []byte) (Response, error) {
	var resp Response
	if err := c.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode %s response: %w", c.Name(), err)
	}
	return resp, nil
}
