package messaging

import (
	"context"
	"encoding/json"

	"github.com/glimte/mmate-comms/contracts"
)

// PublishFunc publishes data with metadata through the endpoint that owns a context
type PublishFunc func(ctx context.Context, data interface{}, metadata contracts.Metadata) error

// Responder sends a reply from within a listener context
type Responder interface {
	Reply(ctx context.Context, data interface{}, metadata contracts.Metadata) error
}

// plainResponder forwards replies unchanged
type plainResponder struct {
	publish PublishFunc
}

func (r plainResponder) Reply(ctx context.Context, data interface{}, metadata contracts.Metadata) error {
	return r.publish(ctx, data, metadata)
}

// correlatingResponder stamps isReplyTo with the request id
type correlatingResponder struct {
	publish   PublishFunc
	requestID string
}

func (r correlatingResponder) Reply(ctx context.Context, data interface{}, metadata contracts.Metadata) error {
	md := contracts.MergeMetadata(metadata, contracts.Metadata{
		contracts.MetadataIsReplyTo: r.requestID,
	})
	return r.publish(ctx, data, md)
}

// NewResponder binds publish to the request envelope. Ask requests get a
// responder that correlates every reply with the request's messageId.
func NewResponder(publish PublishFunc, request *contracts.Envelope) Responder {
	if request.Kind() == contracts.KindAskRequest {
		return correlatingResponder{publish: publish, requestID: request.Metadata.MessageID()}
	}
	return plainResponder{publish: publish}
}

// ListenerContext is the per-message view handed to handlers and middleware
type ListenerContext struct {
	envelope    *contracts.Envelope
	responder   Responder
	endpoint    string
	redelivered bool
}

// NewListenerContext creates a context for one received envelope
func NewListenerContext(endpoint string, envelope *contracts.Envelope, responder Responder, redelivered bool) *ListenerContext {
	return &ListenerContext{
		envelope:    envelope,
		responder:   responder,
		endpoint:    endpoint,
		redelivered: redelivered,
	}
}

// Data returns the raw payload
func (lc *ListenerContext) Data() json.RawMessage {
	return lc.envelope.Data
}

// Decode unmarshals the payload into v
func (lc *ListenerContext) Decode(v interface{}) error {
	return lc.envelope.Decode(v)
}

// Metadata returns a copy of the message metadata
func (lc *ListenerContext) Metadata() contracts.Metadata {
	return lc.envelope.Metadata.Clone()
}

// Kind returns the envelope classification
func (lc *ListenerContext) Kind() contracts.Kind {
	return lc.envelope.Kind()
}

// MessageID returns the messageId metadata field
func (lc *ListenerContext) MessageID() string {
	return lc.envelope.Metadata.MessageID()
}

// Subject returns the subject metadata field
func (lc *ListenerContext) Subject() string {
	return lc.envelope.Metadata.Subject()
}

// Endpoint names the endpoint that received the message
func (lc *ListenerContext) Endpoint() string {
	return lc.endpoint
}

// Redelivered reports whether the broker delivered the message before
func (lc *ListenerContext) Redelivered() bool {
	return lc.redelivered
}

// Reply publishes data back through the receiving endpoint
func (lc *ListenerContext) Reply(ctx context.Context, data interface{}, metadata contracts.Metadata) error {
	return lc.responder.Reply(ctx, data, metadata)
}
