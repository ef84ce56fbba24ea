package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/messaging"
	"github.com/stretchr/testify/assert"
)

func TestFilteringInterceptor(t *testing.T) {
	var called bool
	final := messaging.HandlerFunc(func(ctx context.Context, lc *messaging.ListenerContext) error {
		called = true
		return nil
	})
	reject := MessageFilterFunc(func(ctx context.Context, lc *messaging.ListenerContext) (bool, error) {
		return false, nil
	})
	accept := MessageFilterFunc(func(ctx context.Context, lc *messaging.ListenerContext) (bool, error) {
		return true, nil
	})

	tests := []struct {
		name       string
		filter     MessageFilter
		behavior   SkipBehavior
		wantCalled bool
		wantErr    bool
	}{
		{"accepted", accept, SkipSilently, true, false},
		{"rejected silently", reject, SkipSilently, false, false},
		{"rejected with log", reject, SkipWithLog, false, false},
		{"rejected with error", reject, SkipWithError, false, true},
		{"filter error", MessageFilterFunc(func(ctx context.Context, lc *messaging.ListenerContext) (bool, error) {
			return false, errors.New("broken")
		}), SkipSilently, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			i := NewFilteringInterceptor(tt.filter, tt.behavior, nil)

			err := i.Intercept(context.Background(), newTestContext(t, nil), final)

			assert.Equal(t, tt.wantCalled, called)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFilters(t *testing.T) {
	ctx := context.Background()

	t.Run("SubjectFilter only restricts ask requests", func(t *testing.T) {
		f := NewSubjectFilter("allowed")

		ok, _ := f.ShouldProcess(ctx, newTestContext(t, contracts.Metadata{contracts.MetadataAsk: true, contracts.MetadataSubject: "allowed"}))
		assert.True(t, ok)
		ok, _ = f.ShouldProcess(ctx, newTestContext(t, contracts.Metadata{contracts.MetadataAsk: true, contracts.MetadataSubject: "other"}))
		assert.False(t, ok)
		ok, _ = f.ShouldProcess(ctx, newTestContext(t, contracts.Metadata{contracts.MetadataSubject: "other"}))
		assert.True(t, ok)
	})

	t.Run("MetadataFilter compares values", func(t *testing.T) {
		f := NewMetadataFilter("tenant", "a")

		ok, _ := f.ShouldProcess(ctx, newTestContext(t, contracts.Metadata{"tenant": "a"}))
		assert.True(t, ok)
		ok, _ = f.ShouldProcess(ctx, newTestContext(t, contracts.Metadata{"tenant": map[string]interface{}{"x": 1}}))
		assert.False(t, ok)
		ok, _ = f.ShouldProcess(ctx, newTestContext(t, nil))
		assert.False(t, ok)
	})

	t.Run("CompositeFilter requires every filter", func(t *testing.T) {
		f := NewCompositeFilter(NewMetadataFilter("a", 1), NewMetadataFilter("b", 2))

		ok, _ := f.ShouldProcess(ctx, newTestContext(t, contracts.Metadata{"a": 1, "b": 2}))
		assert.True(t, ok)
		ok, _ = f.ShouldProcess(ctx, newTestContext(t, contracts.Metadata{"a": 1}))
		assert.False(t, ok)
	})

	t.Run("ConditionalInterceptor runs only when matched", func(t *testing.T) {
		rec := &recorder{}
		i := NewConditionalInterceptor(NewMetadataFilter("trace", true), wrapping("trace", rec))
		final := messaging.HandlerFunc(func(ctx context.Context, lc *messaging.ListenerContext) error {
			rec.add("H")
			return nil
		})

		assert.NoError(t, i.Intercept(ctx, newTestContext(t, nil), final))
		assert.NoError(t, i.Intercept(ctx, newTestContext(t, contracts.Metadata{"trace": true}), final))
		assert.Equal(t, []string{"H", "trace-start", "H", "trace-end"}, rec.snapshot())
		assert.Equal(t, "ConditionalInterceptor[trace]", i.Name())
	})
}
