package contracts

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestEnvelope(t *testing.T) {
	t.Run("NewEnvelope encodes data and copies metadata", func(t *testing.T) {
		md := Metadata{"source": "test"}
		env, err := NewEnvelope(testPayload{Name: "a", Count: 2}, md)
		require.NoError(t, err)

		md["source"] = "changed"
		assert.Equal(t, "test", env.Metadata["source"])

		var p testPayload
		require.NoError(t, env.Decode(&p))
		assert.Equal(t, testPayload{Name: "a", Count: 2}, p)
	})

	t.Run("NewEnvelope rejects unencodable data", func(t *testing.T) {
		_, err := NewEnvelope(make(chan int), nil)
		assert.Error(t, err)
	})

	t.Run("wire format round trip keeps correlation fields", func(t *testing.T) {
		env, err := NewEnvelope("hello", Metadata{
			MetadataMessageID: "m-1",
			MetadataAsk:       true,
			MetadataSubject:   "greet",
		})
		require.NoError(t, err)

		body, err := Marshal(env)
		require.NoError(t, err)
		assert.JSONEq(t, `{"metadata":{"messageId":"m-1","ask":true,"subject":"greet"},"data":"hello"}`, string(body))

		decoded, err := Unmarshal(body)
		require.NoError(t, err)
		assert.Equal(t, "m-1", decoded.Metadata.MessageID())
		assert.True(t, decoded.Metadata.IsAsk())
		assert.Equal(t, "greet", decoded.Metadata.Subject())
		assert.Equal(t, KindAskRequest, decoded.Kind())
	})

	t.Run("Unmarshal fills missing metadata", func(t *testing.T) {
		env, err := Unmarshal([]byte(`{"data":1}`))
		require.NoError(t, err)
		assert.NotNil(t, env.Metadata)
		assert.Equal(t, KindPlain, env.Kind())
	})

	t.Run("Unmarshal rejects garbage", func(t *testing.T) {
		_, err := Unmarshal([]byte("not json"))
		assert.Error(t, err)
	})

	t.Run("Decode without data fails", func(t *testing.T) {
		env := &Envelope{}
		assert.Error(t, env.Decode(&testPayload{}))
	})
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		md   Metadata
		want Kind
	}{
		{"empty", Metadata{}, KindPlain},
		{"nil", nil, KindPlain},
		{"ask false", Metadata{MetadataAsk: false}, KindPlain},
		{"ask as string is not ask", Metadata{MetadataAsk: "true"}, KindPlain},
		{"ask", Metadata{MetadataAsk: true, MetadataSubject: "s"}, KindAskRequest},
		{"ask without subject", Metadata{MetadataAsk: true}, KindAskRequest},
		{"reply", Metadata{MetadataIsReplyTo: "m-1"}, KindAskReply},
		{"reply wins over ask", Metadata{MetadataIsReplyTo: "m-1", MetadataAsk: true}, KindAskReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.md))
		})
	}

	assert.Equal(t, "plain", KindPlain.String())
	assert.Equal(t, "ask-request", KindAskRequest.String())
	assert.Equal(t, "ask-reply", KindAskReply.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}

func TestMergeMetadata(t *testing.T) {
	defaults := Metadata{"a": 1, "b": 2}
	call := Metadata{"b": 3, "c": 4}

	merged := MergeMetadata(defaults, call)

	assert.Equal(t, Metadata{"a": 1, "b": 3, "c": 4}, merged)
	assert.Equal(t, 2, defaults["b"], "inputs must not be mutated")
	assert.NotNil(t, MergeMetadata())
}

func TestErrors(t *testing.T) {
	t.Run("ConfigError unwraps", func(t *testing.T) {
		err := &ConfigError{Component: "Service", Field: "Namespace", Err: ErrMissingNamespace}

		assert.ErrorIs(t, err, ErrMissingNamespace)
		assert.True(t, IsConfigError(err))
		assert.Contains(t, err.Error(), "Namespace")
		assert.False(t, IsConfigError(errors.New("other")))
	})

	t.Run("AskTimeoutError unwraps to ErrAskTimeout", func(t *testing.T) {
		err := &AskTimeoutError{MessageID: "m-1", Subject: "s", Timeout: time.Second}

		assert.ErrorIs(t, err, ErrAskTimeout)
		assert.Contains(t, err.Error(), "m-1")
	})
}
