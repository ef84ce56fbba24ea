package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Handler processes a message inside its listener context
type Handler interface {
	Handle(ctx context.Context, lc *ListenerContext) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, lc *ListenerContext) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, lc *ListenerContext) error {
	return f(ctx, lc)
}

// PanicError is returned by SafeHandle when a handler panics
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// SafeHandle invokes h and converts a panic into an error
func SafeHandle(ctx context.Context, h Handler, lc *ListenerContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Handle(ctx, lc)
}

// Settle applies the retry-or-discard policy to a delivery: a nil handler
// error acknowledges it, anything else nacks it with requeue unless discard
// is set.
func Settle(ch Channel, delivery Delivery, handlerErr error, discard bool) error {
	if handlerErr == nil {
		if err := ch.Ack(delivery); err != nil {
			return fmt.Errorf("failed to ack message: %w", err)
		}
		return nil
	}

	if err := ch.Nack(delivery, false, !discard); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}
