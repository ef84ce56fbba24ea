package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/messaging"
)

// MessageFilter decides whether a message continues down the chain
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, lc *messaging.ListenerContext) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, lc *messaging.ListenerContext) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, lc *messaging.ListenerContext) (bool, error) {
	return f(ctx, lc)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the message without running the rest of the chain
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the message so it is nacked
	SkipWithError
	// SkipWithLog acknowledges the message and logs the skip
	SkipWithLog
)

// FilteringInterceptor stops messages rejected by a filter
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, lc)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("message filtered: endpoint=%s, id=%s", lc.Endpoint(), lc.MessageID())
		case SkipWithLog:
			i.logger.Info("message skipped by filter",
				"endpoint", lc.Endpoint(),
				"messageId", lc.MessageID(),
			)
			return nil
		default:
			return nil
		}
	}

	return next.Handle(ctx, lc)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, lc *messaging.ListenerContext) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, lc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// SubjectFilter passes ask requests whose subject is in the allowed set and
// every message that is not an ask request
type SubjectFilter struct {
	allowed map[string]bool
}

// NewSubjectFilter creates a subject filter
func NewSubjectFilter(subjects ...string) *SubjectFilter {
	allowed := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		allowed[s] = true
	}
	return &SubjectFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *SubjectFilter) ShouldProcess(ctx context.Context, lc *messaging.ListenerContext) (bool, error) {
	if lc.Kind() != contracts.KindAskRequest {
		return true, nil
	}
	return f.allowed[lc.Subject()], nil
}

// MetadataFilter passes messages whose metadata key equals the expected value
type MetadataFilter struct {
	key      string
	expected interface{}
}

// NewMetadataFilter creates a metadata filter
func NewMetadataFilter(key string, expected interface{}) *MetadataFilter {
	return &MetadataFilter{key: key, expected: expected}
}

// ShouldProcess implements MessageFilter
func (f *MetadataFilter) ShouldProcess(ctx context.Context, lc *messaging.ListenerContext) (bool, error) {
	value, ok := lc.Metadata()[f.key]
	return ok && reflect.DeepEqual(value, f.expected), nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, lc *messaging.ListenerContext, next messaging.Handler) error {
	shouldExecute, err := i.condition.ShouldProcess(ctx, lc)
	if err != nil {
		return err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, lc, next)
	}

	return next.Handle(ctx, lc)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
