package interceptors

import (
	"context"
	"sync"

	"github.com/glimte/mmate-comms/messaging"
)

type valuesKey struct{}

// Values is a per-message bag interceptors use to pass data down the chain
type Values struct {
	mu sync.RWMutex
	m  map[string]interface{}
}

func newValues() *Values {
	return &Values{m: make(map[string]interface{})}
}

func (v *Values) Set(key string, value interface{}) {
	v.mu.Lock()
	v.m[key] = value
	v.mu.Unlock()
}

func (v *Values) Get(key string) (interface{}, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.m[key]
	return value, ok
}

// String returns the value for key when it is a string
func (v *Values) String(key string) (string, bool) {
	value, ok := v.Get(key)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

func (v *Values) Delete(key string) {
	v.mu.Lock()
	delete(v.m, key)
	v.mu.Unlock()
}

// ValuesFrom returns the bag attached to ctx, if any
func ValuesFrom(ctx context.Context) (*Values, bool) {
	v, ok := ctx.Value(valuesKey{}).(*Values)
	return v, ok
}

// WithValues returns ctx carrying a bag, reusing one already attached
func WithValues(ctx context.Context) (context.Context, *Values) {
	if v, ok := ValuesFrom(ctx); ok {
		return ctx, v
	}
	v := newValues()
	return context.WithValue(ctx, valuesKey{}, v), v
}

// Enricher derives values from a message
type Enricher interface {
	Enrich(ctx context.Context, values *Values, lc *messaging.ListenerContext) error
}

// MetadataEnricher copies the listed metadata keys into the bag. Missing keys are skipped.
type MetadataEnricher []string

// Enrich implements Enricher
func (keys MetadataEnricher) Enrich(ctx context.Context, values *Values, lc *messaging.ListenerContext) error {
	md := lc.Metadata()
	for _, key := range keys {
		if value, ok := md[key]; ok {
			values.Set(key, value)
		}
	}
	return nil
}

// EnrichmentInterceptor attaches a Values bag, fills it with an Enricher and
// then continues. An enricher error stops the chain.
type EnrichmentInterceptor struct {
	enricher Enricher
}

// NewEnrichmentInterceptor creates an enrichment interceptor
func NewEnrichmentInterceptor(enricher Enricher) *EnrichmentInterceptor {
	return &EnrichmentInterceptor{enricher: enricher}
}

// Intercept implements Interceptor
func (i *EnrichmentInterceptor) Intercept(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error {
	ctx, values := WithValues(ctx)
	if err := i.enricher.Enrich(ctx, values, lc); err != nil {
		return err
	}
	return next.Handle(ctx, lc)
}

// Name implements Interceptor
func (i *EnrichmentInterceptor) Name() string {
	return "EnrichmentInterceptor"
}
