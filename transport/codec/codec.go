// Package codec provides message serialization/deserialization implementations
// for network transports.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//   - Protocol Buffers wire format (binary, fixed field numbers)
package codec

import (
	"errors"

	"github.com/rbaliyan/distmap/transport/message"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode message")
	ErrDecodeFailure = errors.New("failed to decode message")
)

// Message is the message interface used by codecs
type Message = message.Message

// Codec handles message serialization/deserialization for external transports.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes a message to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(msg Message) ([]byte, error)

	// Decode deserializes bytes to a message.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte) (Message, error)

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack", "proto").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByName returns the codec registered under name, or nil.
func ByName(name string) Codec {
	switch name {
	case "json":
		return JSON{}
	case "msgpack":
		return MsgPack{}
	case "proto":
		return Proto{}
	}
	return nil
}
