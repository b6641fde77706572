package rpc

import (
	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"google.golang.org/grpc/encoding"
)

// Content subtypes registered with grpc. A client picks one per stream
// and the server answers in the same encoding.
const (
	SubtypeJSON = "orchflow-json"
	SubtypeCBOR = "orchflow-cbor"
)

// wireCodec exposes a protocol codec to grpc under a content subtype
type wireCodec struct {
	codec protocol.Codec
	name  string
}

func (c wireCodec) Marshal(v any) ([]byte, error) { return c.codec.Marshal(v) }

func (c wireCodec) Unmarshal(data []byte, v any) error { return c.codec.Unmarshal(data, v) }

func (c wireCodec) Name() string { return c.name }

func init() {
	encoding.RegisterCodec(wireCodec{codec: protocol.JSON, name: SubtypeJSON})
	encoding.RegisterCodec(wireCodec{codec: protocol.CBOR, name: SubtypeCBOR})
}

func subtypeOf(c protocol.Codec) string {
	if c != nil && c.Name() == protocol.CBOR.Name() {
		return SubtypeCBOR
	}
	return SubtypeJSON
}
