package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on a ManagedChannel, waiting for the broker confirm
// when the channel is in confirm mode.
type Publisher struct {
	confirmTimeout time.Duration
	publishTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds a publish whose context carries no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher creates a new publisher
func NewPublisher(options ...PublisherOption) *Publisher {
	p := &Publisher{
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to exchange with routingKey
func (p *Publisher) Publish(ctx context.Context, ch *ManagedChannel, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	raw, err := ch.Raw()
	if err != nil {
		return p.publishError(exchange, routingKey, ch.ConfirmMode(), err)
	}

	confirmation, err := raw.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return p.publishError(exchange, routingKey, ch.ConfirmMode(), err)
	}

	// nil when the channel is not in confirm mode
	if confirmation == nil {
		return nil
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return p.publishError(exchange, routingKey, true, err)
	}
	if !acked {
		return p.publishError(exchange, routingKey, true, ErrPublishNotConfirmed)
	}
	return nil
}

func (p *Publisher) publishError(exchange, routingKey string, confirmed bool, err error) *PublishError {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Confirmed:  confirmed,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
