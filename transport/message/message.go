// Package message provides the envelope type carried by every transport.
//
// A Message is addressed to a mailbox (one per process) and carries enough
// information for the receiving process to match it against posted receives:
// the sender's world rank, the communicator context id and a tag.
//
// This package is imported by both codec and transport packages to avoid circular
// dependencies while providing a unified message type.
package message

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Message is a point-to-point envelope that travels through the transport
type Message interface {
	// ID returns the unique message identifier
	ID() string
	// Source returns the world rank of the sending process
	Source() int
	// ContextID returns the id of the process group the message belongs to
	ContextID() string
	// Tag returns the match tag. Negative tags are reserved for collectives.
	Tag() int
	// Payload returns the encoded payload
	Payload() []byte
	// Context returns a context with trace information (if available)
	Context() context.Context
}

// message is the default Message implementation
type message struct {
	id        string
	source    int
	contextID string
	tag       int
	payload   []byte
	span      trace.SpanContext
}

func (m *message) ID() string        { return m.id }
func (m *message) Source() int       { return m.source }
func (m *message) ContextID() string { return m.contextID }
func (m *message) Tag() int          { return m.tag }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Context() context.Context {
	return trace.ContextWithRemoteSpanContext(context.Background(), m.span)
}

// New creates a new message
func New(id string, source int, contextID string, tag int, payload []byte, spanCtx trace.SpanContext) Message {
	return &message{
		id:        id,
		source:    source,
		contextID: contextID,
		tag:       tag,
		payload:   payload,
		span:      spanCtx,
	}
}

// Compile-time interface check
var _ Message = (*message)(nil)
