package codec

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/distmap/transport/message"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/encoding/protowire"
)

// Proto implements Codec using the Protocol Buffers wire format.
//
// The envelope is equivalent to:
//
//	message Envelope {
//	  string id         = 1;
//	  int64  source     = 2;
//	  string context_id = 3;
//	  sint64 tag        = 4;
//	  bytes  payload    = 5;
//	}
//
// Unknown fields are skipped on decode so the envelope can grow.
type Proto struct{}

const (
	fieldID        protowire.Number = 1
	fieldSource    protowire.Number = 2
	fieldContextID protowire.Number = 3
	fieldTag       protowire.Number = 4
	fieldPayload   protowire.Number = 5
)

// Encode serializes a message to Protocol Buffer bytes
func (c Proto) Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.Join(ErrEncodeFailure, errors.New("nil message"))
	}
	b := make([]byte, 0, 64+len(msg.Payload()))
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, msg.ID())
	b = protowire.AppendTag(b, fieldSource, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(msg.Source())))
	b = protowire.AppendTag(b, fieldContextID, protowire.BytesType)
	b = protowire.AppendString(b, msg.ContextID())
	b = protowire.AppendTag(b, fieldTag, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(msg.Tag())))
	if len(msg.Payload()) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Payload())
	}
	return b, nil
}

// Decode deserializes Protocol Buffer bytes to a message
func (c Proto) Decode(data []byte) (Message, error) {
	var (
		id, contextID string
		source, tag   int
		payload       []byte
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Join(ErrDecodeFailure, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, errors.Join(ErrDecodeFailure, protowire.ParseError(m))
			}
			id, n = v, m
		case num == fieldSource && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, errors.Join(ErrDecodeFailure, protowire.ParseError(m))
			}
			source, n = int(int64(v)), m
		case num == fieldContextID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, errors.Join(ErrDecodeFailure, protowire.ParseError(m))
			}
			contextID, n = v, m
		case num == fieldTag && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, errors.Join(ErrDecodeFailure, protowire.ParseError(m))
			}
			tag, n = int(protowire.DecodeZigZag(v)), m
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, errors.Join(ErrDecodeFailure, protowire.ParseError(m))
			}
			payload, n = append([]byte(nil), v...), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.Join(ErrDecodeFailure, fmt.Errorf("field %d: %w", num, protowire.ParseError(n)))
			}
		}
		data = data[n:]
	}

	return message.New(id, source, contextID, tag, payload, trace.SpanContext{}), nil
}

// ContentType returns the MIME type for Protocol Buffers
func (c Proto) ContentType() string {
	return "application/x-protobuf"
}

// Name returns the codec identifier
func (c Proto) Name() string {
	return "proto"
}

// Compile-time check
var _ Codec = Proto{}
