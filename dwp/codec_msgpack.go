package dwp

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec encodes frames as MessagePack binary messages. Payloads are
// MessagePack too, so message bodies travel without base64 expansion.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(frame *Frame) ([]byte, error) {
	return msgpack.Marshal(frame)
}

func (c *MsgpackCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (c *MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }

func (c *MsgpackCodec) Binary() bool { return true }
