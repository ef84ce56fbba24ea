package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"
)

// MessageHandler processes one delivery. It owns the acknowledgment.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer starts manual-ack consumers with a bounded number of in-flight deliveries
type Consumer struct {
	prefetchCount int
	tagPrefix     string
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count and the in-flight bound
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		prefetchCount: 10,
		tagPrefix:     "comms",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}
	if c.prefetchCount < 1 {
		c.prefetchCount = 1
	}

	return c
}

// PrefetchCount returns the configured prefetch count
func (c *Consumer) PrefetchCount() int {
	return c.prefetchCount
}

// Consume sets QoS on the channel and starts delivering messages from queue
// to handler, each on its own goroutine. The consumer stops when ctx is done
// or the underlying channel closes; a reopened channel replays its setup to
// resume consumption.
func (c *Consumer) Consume(ctx context.Context, ch *ManagedChannel, queue string, handler MessageHandler) error {
	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String())

	raw, err := ch.Raw()
	if err != nil {
		return c.consumerError(queue, tag, "subscribe", err)
	}

	if err := raw.Qos(c.prefetchCount, 0, false); err != nil {
		return c.consumerError(queue, tag, "qos", err)
	}

	deliveries, err := raw.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return c.consumerError(queue, tag, "consume", err)
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	go c.processMessages(ctx, queue, tag, deliveries, handler)
	return nil
}

// processMessages fans deliveries out to handler goroutines, at most prefetchCount at a time
func (c *Consumer) processMessages(ctx context.Context, queue, tag string, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	inFlight := semaphore.NewWeighted(int64(c.prefetchCount))
	defer c.logger.Info("consumer stopped", "queue", queue, "consumerTag", tag)

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue, "consumerTag", tag)
				return
			}

			if err := inFlight.Acquire(ctx, 1); err != nil {
				// unacked; the broker redelivers it once the channel goes away
				return
			}
			go func(d amqp.Delivery) {
				defer inFlight.Release(1)
				handler(ctx, d)
			}(delivery)
		}
	}
}

func (c *Consumer) consumerError(queue, tag, op string, err error) *ConsumerError {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
