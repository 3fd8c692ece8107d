package dwp

import "fmt"

// Codec defines the serialization contract for frames and the payloads
// they carry.
type Codec interface {
	// Encode serializes a frame to bytes.
	Encode(frame *Frame) ([]byte, error)

	// Decode deserializes bytes into a frame.
	Decode(data []byte) (*Frame, error)

	// Marshal encodes a frame payload.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes a frame payload into v.
	Unmarshal(data []byte, v any) error

	// Name returns the codec identifier.
	Name() string

	// Binary reports whether encoded frames travel as binary messages.
	Binary() bool
}

// CodecName constants for format negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// LookupCodec returns the codec for name. An empty name selects JSON.
func LookupCodec(name string) (Codec, error) {
	switch name {
	case CodecNameJSON, "":
		return &JSONCodec{}, nil
	case CodecNameMsgpack:
		return &MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("dwp: unsupported format %q", name)
	}
}
