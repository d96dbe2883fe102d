package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec puts frames on the wire.
type Codec interface {
	Name() string
	// MessageType is the websocket message type frames are sent as.
	MessageType() int
	Encode(f Frame) ([]byte, error)
	Decode(data []byte) (Frame, error)
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecByName resolves "json" (also the empty string) or "msgpack".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string     { return "json" }
func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (jsonCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return f, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string     { return "msgpack" }
func (msgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (msgpackCodec) Encode(f Frame) ([]byte, error) {
	return msgpack.Marshal(&f)
}

func (msgpackCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return f, nil
}
