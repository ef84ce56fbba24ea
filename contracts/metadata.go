package contracts

// Reserved metadata keys
const (
	MetadataMessageID = "messageId"
	MetadataAsk       = "ask"
	MetadataSubject   = "subject"
	MetadataIsReplyTo = "isReplyTo"
)

// Metadata carries arbitrary envelope metadata plus the correlation fields.
type Metadata map[string]interface{}

// MergeMetadata merges layers left to right; later layers win on conflict.
// The result is always a fresh map.
func MergeMetadata(layers ...Metadata) Metadata {
	merged := make(Metadata)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// Clone returns a shallow copy
func (m Metadata) Clone() Metadata {
	return MergeMetadata(m)
}

// MessageID returns the messageId field
func (m Metadata) MessageID() string {
	return m.stringValue(MetadataMessageID)
}

// Subject returns the subject field
func (m Metadata) Subject() string {
	return m.stringValue(MetadataSubject)
}

// IsReplyTo returns the id of the request this message answers
func (m Metadata) IsReplyTo() string {
	return m.stringValue(MetadataIsReplyTo)
}

// IsAsk reports whether the message is a request expecting a reply
func (m Metadata) IsAsk() bool {
	v, ok := m[MetadataAsk].(bool)
	return ok && v
}

// GetString returns a string value and whether it was present with that type
func (m Metadata) GetString(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func (m Metadata) stringValue(key string) string {
	s, _ := m.GetString(key)
	return s
}
