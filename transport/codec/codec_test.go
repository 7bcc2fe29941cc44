package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rbaliyan/distmap/transport/message"
	"go.opentelemetry.io/otel/trace"
)

func TestCodecs(t *testing.T) {
	codecs := []Codec{JSON{}, MsgPack{}, Proto{}}

	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			if ByName(c.Name()) == nil {
				t.Fatalf("ByName(%q) returned nil", c.Name())
			}
			if c.ContentType() == "" {
				t.Error("expected content type")
			}

			msg := message.New("id-1", 5, "world.3.1", -42, []byte{0, 1, 2, 255}, trace.SpanContext{})
			data, err := c.Encode(msg)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := c.Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.ID() != "id-1" {
				t.Errorf("expected id-1, got %s", decoded.ID())
			}
			if decoded.Source() != 5 {
				t.Errorf("expected source 5, got %d", decoded.Source())
			}
			if decoded.ContextID() != "world.3.1" {
				t.Errorf("expected context world.3.1, got %s", decoded.ContextID())
			}
			if decoded.Tag() != -42 {
				t.Errorf("expected tag -42, got %d", decoded.Tag())
			}
			if !bytes.Equal(decoded.Payload(), []byte{0, 1, 2, 255}) {
				t.Errorf("unexpected payload %v", decoded.Payload())
			}
		})
	}
}

func TestCodecEmptyPayload(t *testing.T) {
	for _, c := range []Codec{JSON{}, MsgPack{}, Proto{}} {
		msg := message.New("id-2", 0, "ctx", 0, nil, trace.SpanContext{})
		data, err := c.Encode(msg)
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", c.Name(), err)
		}
		decoded, err := c.Decode(data)
		if err != nil {
			t.Fatalf("%s: Decode failed: %v", c.Name(), err)
		}
		if len(decoded.Payload()) != 0 {
			t.Errorf("%s: expected empty payload, got %v", c.Name(), decoded.Payload())
		}
	}
}

func TestCodecDecodeGarbage(t *testing.T) {
	garbage := []byte{0xff, 0xff, 0xff}
	for _, c := range []Codec{JSON{}, MsgPack{}, Proto{}} {
		if _, err := c.Decode(garbage); !errors.Is(err, ErrDecodeFailure) {
			t.Errorf("%s: expected ErrDecodeFailure, got %v", c.Name(), err)
		}
	}
}

func TestByNameUnknown(t *testing.T) {
	if ByName("xml") != nil {
		t.Error("expected nil codec for unknown name")
	}
	if Default().Name() != "json" {
		t.Errorf("expected json default, got %s", Default().Name())
	}
}
