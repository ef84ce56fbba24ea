package interceptors

import "sync"

// Registry holds a global chain plus chains scoped to endpoint names.
// The effective chain for a name is global followed by that name's scope.
type Registry struct {
	mu     sync.RWMutex
	global []Interceptor
	scoped map[string][]Interceptor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		scoped: make(map[string][]Interceptor),
	}
}

// Use appends interceptors to the global chain
func (r *Registry) Use(interceptors ...Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, interceptors...)
}

// UseFor appends interceptors to the chain of every listed name
func (r *Registry) UseFor(names []string, interceptors ...Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.scoped[name] = append(r.scoped[name], interceptors...)
	}
}

// ChainFor builds the effective chain for name
func (r *Registry) ChainFor(name string) *InterceptorChain {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := NewInterceptorChain(r.global...)
	return chain.Add(r.scoped[name]...)
}
