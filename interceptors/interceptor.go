package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-comms/messaging"
)

// Interceptor wraps the remainder of a handler chain. Logic placed before
// next.Handle runs on the way in, logic after it runs once everything
// downstream, including the terminal handler, has returned.
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error {
	return i.fn(ctx, lc, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain is an ordered list of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
}

// NewInterceptorChain creates a chain from interceptors in execution order
func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	return &InterceptorChain{
		interceptors: append([]Interceptor(nil), interceptors...),
	}
}

// Add appends interceptors to the chain
func (c *InterceptorChain) Add(interceptors ...Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptors...)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Names returns interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then composes the chain around final into a single handler. The
// composition happens once; the returned handler can be invoked
// concurrently.
func (c *InterceptorChain) Then(final messaging.Handler) messaging.Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		handler = link{interceptor: c.interceptors[i], next: handler}
	}
	return handler
}

// Execute runs the chain with final as terminal handler
func (c *InterceptorChain) Execute(ctx context.Context, lc *messaging.ListenerContext, final messaging.Handler) error {
	return c.Then(final).Handle(ctx, lc)
}

// link binds one interceptor to the continuation that follows it
type link struct {
	interceptor Interceptor
	next        messaging.Handler
}

func (l link) Handle(ctx context.Context, lc *messaging.ListenerContext) error {
	return l.interceptor.Intercept(ctx, lc, l.next)
}

// Built-in interceptors

// LoggingInterceptor logs message processing with timing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"endpoint", lc.Endpoint(),
		"messageId", lc.MessageID(),
		"kind", lc.Kind().String(),
		"redelivered", lc.Redelivered(),
	)

	err := next.Handle(ctx, lc)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"endpoint", lc.Endpoint(),
			"messageId", lc.MessageID(),
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed",
			"endpoint", lc.Endpoint(),
			"messageId", lc.MessageID(),
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(endpoint string)
	RecordProcessingTime(endpoint string, duration time.Duration)
	IncrementErrorCount(endpoint string, errorType string)
}

// MetricsInterceptor collects metrics about message processing
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error {
	start := time.Now()
	endpoint := lc.Endpoint()

	i.collector.IncrementMessageCount(endpoint)

	err := next.Handle(ctx, lc)

	i.collector.RecordProcessingTime(endpoint, time.Since(start))
	if err != nil {
		i.collector.IncrementErrorCount(endpoint, "processing_error")
	}

	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// TimeoutInterceptor bounds the time spent downstream
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- messaging.SafeHandle(timeoutCtx, next, lc)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("message processing timeout after %v for message %s: %w", i.timeout, lc.MessageID(), timeoutCtx.Err())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// MessageValidator defines the interface for message validation
type MessageValidator interface {
	Validate(ctx context.Context, lc *messaging.ListenerContext) error
}

// ValidationInterceptor rejects messages before they reach the handler
type ValidationInterceptor struct {
	validator MessageValidator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error {
	if err := i.validator.Validate(ctx, lc); err != nil {
		return fmt.Errorf("message validation failed: %w", err)
	}

	return next.Handle(ctx, lc)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// ErrMissingMetadata is returned by RequiredMetadata for an absent or empty key
var ErrMissingMetadata = errors.New("required metadata missing")

// RequiredMetadata validates that every listed metadata key holds a non-empty value
type RequiredMetadata []string

// Validate implements MessageValidator
func (r RequiredMetadata) Validate(ctx context.Context, lc *messaging.ListenerContext) error {
	md := lc.Metadata()
	for _, key := range r {
		v, ok := md[key]
		if !ok || v == nil || v == "" {
			return fmt.Errorf("%w: %s", ErrMissingMetadata, key)
		}
	}
	return nil
}

// RecoveryInterceptor turns panics downstream into errors
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error {
	err := messaging.SafeHandle(ctx, next, lc)
	var panicErr *messaging.PanicError
	if errors.As(err, &panicErr) {
		i.logger.Error("recovered from handler panic",
			"endpoint", lc.Endpoint(),
			"messageId", lc.MessageID(),
			"panic", panicErr.Value,
		)
	}
	return err
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}
