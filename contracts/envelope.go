package contracts

import (
	"encoding/json"
	"fmt"
)

// ContentType of an encoded envelope
const ContentType = "application/json"

// Envelope wraps an application payload with metadata for transport
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

// NewEnvelope encodes data and attaches a copy of metadata
func NewEnvelope(data interface{}, metadata Metadata) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope data: %w", err)
	}
	return &Envelope{
		Metadata: metadata.Clone(),
		Data:     raw,
	}, nil
}

// Decode unmarshals the payload into v
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// Kind classifies the envelope by its metadata shape
func (e *Envelope) Kind() Kind {
	return KindOf(e.Metadata)
}

// Marshal encodes the envelope for the wire
func Marshal(e *Envelope) ([]byte, error) {
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, nil
}

// Unmarshal decodes an envelope received from the wire
func Unmarshal(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	return &e, nil
}

// Kind is the routing class of an envelope
type Kind int

const (
	// KindPlain is a fire-and-forget message
	KindPlain Kind = iota
	// KindAskRequest is a request expecting a correlated reply
	KindAskRequest
	// KindAskReply answers an earlier ask request
	KindAskReply
)

// KindOf classifies metadata. A reply marker wins over an ask flag.
func KindOf(md Metadata) Kind {
	switch {
	case md.IsReplyTo() != "":
		return KindAskReply
	case md.IsAsk():
		return KindAskRequest
	default:
		return KindPlain
	}
}

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindAskRequest:
		return "ask-request"
	case KindAskReply:
		return "ask-reply"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
