// Package interceptors provides the middleware pipeline run in front of
// inbound message handlers.
//
// An Interceptor receives the listener context and the continuation for the
// rest of the chain. Code before next.Handle runs on the forward pass, code
// after it runs once everything downstream has completed, innermost first:
//
//	timing := interceptors.NewInterceptorFunc("timing", func(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error {
//		start := time.Now()
//		err := next.Handle(ctx, lc)
//		log.Printf("%s took %v", lc.MessageID(), time.Since(start))
//		return err
//	})
//
// A Registry keeps one global chain and one chain per endpoint name. The
// effective chain for a name is the global chain followed by its scoped
// chain, composed once around the terminal handler with InterceptorChain.Then.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs processing with timing
//   - MetricsInterceptor: reports counts and durations to a MetricsCollector,
//     such as the in-process Counters
//   - TimeoutInterceptor: bounds the time spent downstream
//   - ValidationInterceptor: rejects invalid messages, e.g. with RequiredMetadata
//   - RecoveryInterceptor: turns panics into errors
//   - FilteringInterceptor and ConditionalInterceptor: filter-driven routing
//   - EnrichmentInterceptor: fills a per-message Values bag, e.g. from metadata
//
// A message is acknowledged only after the whole composed chain returns; an
// error anywhere in the chain nacks it.
package interceptors
