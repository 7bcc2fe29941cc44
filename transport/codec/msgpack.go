package codec

import (
	"errors"

	"github.com/rbaliyan/distmap/transport/message"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/trace"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// and carries the payload bytes without base64 expansion.
type MsgPack struct{}

// msgpackMessage is the MessagePack wire format
type msgpackMessage struct {
	ID        string `msgpack:"id"`
	Source    int    `msgpack:"source"`
	ContextID string `msgpack:"context"`
	Tag       int    `msgpack:"tag"`
	Payload   []byte `msgpack:"payload,omitempty"`
}

// Encode serializes a message to MessagePack bytes
func (c MsgPack) Encode(msg Message) ([]byte, error) {
	mm := msgpackMessage{
		ID:        msg.ID(),
		Source:    msg.Source(),
		ContextID: msg.ContextID(),
		Tag:       msg.Tag(),
		Payload:   msg.Payload(),
	}

	data, err := msgpack.Marshal(&mm)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	return data, nil
}

// Decode deserializes MessagePack bytes to a message
func (c MsgPack) Decode(data []byte) (Message, error) {
	var mm msgpackMessage
	if err := msgpack.Unmarshal(data, &mm); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	return message.New(mm.ID, mm.Source, mm.ContextID, mm.Tag, mm.Payload, trace.SpanContext{}), nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
