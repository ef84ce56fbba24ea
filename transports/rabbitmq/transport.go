// Package rabbitmq provides the RabbitMQ implementation of messaging.Broker.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-comms/config"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/internal/rabbitmq"
	"github.com/glimte/mmate-comms/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrForeignDelivery is returned when a channel is asked to settle a delivery it did not produce
var ErrForeignDelivery = errors.New("rabbitmq: delivery does not belong to this broker")

// Broker implements messaging.Broker over a single reconnecting connection
type Broker struct {
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	confirm   bool
	logger    *slog.Logger

	mu       sync.Mutex
	channels []*rabbitmq.ManagedChannel
}

// BrokerConfig holds configuration for the broker
type BrokerConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	PublisherConfirms bool
	Logger            *slog.Logger
}

// BrokerOption configures the broker
type BrokerOption func(*BrokerConfig)

// WithLogger sets the logger used by the broker and its connection
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(cfg *BrokerConfig) {
		cfg.Logger = logger
	}
}

// WithPublisherConfirms makes every publish wait for the broker's confirm
func WithPublisherConfirms(enabled bool) BrokerOption {
	return func(cfg *BrokerConfig) {
		cfg.PublisherConfirms = enabled
	}
}

// WithPrefetch sets the per-consumer prefetch count and in-flight bound
func WithPrefetch(count int) BrokerOption {
	return func(cfg *BrokerConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, rabbitmq.WithPrefetchCount(count))
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) BrokerOption {
	return func(cfg *BrokerConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) BrokerOption {
	return func(cfg *BrokerConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// NewBroker connects to url and returns a broker ready to hand out channels
func NewBroker(ctx context.Context, url string, options ...BrokerOption) (*Broker, error) {
	cfg := &BrokerConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	consumerOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &Broker{
		manager:   manager,
		publisher: rabbitmq.NewPublisher(cfg.PublisherOptions...),
		consumer:  rabbitmq.NewConsumer(consumerOpts...),
		confirm:   cfg.PublisherConfirms,
		logger:    cfg.Logger,
	}, nil
}

// NewBrokerFromConfig builds a broker from loaded configuration
func NewBrokerFromConfig(ctx context.Context, cfg *config.Config, options ...BrokerOption) (*Broker, error) {
	base := []BrokerOption{
		WithPublisherConfirms(cfg.PublisherConfirms),
		WithPrefetch(cfg.Prefetch),
		WithConnectionOptions(
			rabbitmq.WithReconnectDelay(cfg.ReconnectDelay),
			rabbitmq.WithMaxRetries(cfg.MaxRetries),
		),
	}
	return NewBroker(ctx, cfg.URL, append(base, options...)...)
}

// Channel implements messaging.Broker
func (b *Broker) Channel(ctx context.Context, setup messaging.SetupFunc) (messaging.Channel, error) {
	mc, err := rabbitmq.NewManagedChannel(b.manager,
		rabbitmq.WithConfirmMode(b.confirm),
		rabbitmq.WithChannelLogger(b.logger))
	if err != nil {
		return nil, err
	}

	ch := &channel{broker: b, mc: mc}

	if setup != nil {
		err := mc.OnSetup(ctx, func(ctx context.Context, _ *rabbitmq.ManagedChannel) error {
			return setup(ctx, ch)
		})
		if err != nil {
			mc.Close()
			return nil, err
		}
	}

	b.mu.Lock()
	b.channels = append(b.channels, mc)
	b.mu.Unlock()

	return ch, nil
}

// IsConnected reports whether the underlying connection is up
func (b *Broker) IsConnected() bool {
	return b.manager.IsConnected()
}

// AddStateListener forwards connection state changes to listener
func (b *Broker) AddStateListener(listener rabbitmq.ConnectionStateListener) {
	b.manager.AddStateListener(listener)
}

// Close closes every channel and then the connection
func (b *Broker) Close() error {
	b.mu.Lock()
	channels := b.channels
	b.channels = nil
	b.mu.Unlock()

	var errs []error
	for _, mc := range channels {
		if err := mc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// channel adapts a ManagedChannel to messaging.Channel
type channel struct {
	broker *Broker
	mc     *rabbitmq.ManagedChannel
}

func (c *channel) AssertExchange(ctx context.Context, name, kind string) error {
	return c.mc.DeclareExchange(ctx, rabbitmq.DurableExchange(name, kind))
}

func (c *channel) AssertQueue(ctx context.Context, name string) error {
	_, err := c.mc.DeclareQueue(ctx, rabbitmq.DurableQueue(name))
	return err
}

func (c *channel) BindQueue(ctx context.Context, queue, exchange, key string) error {
	return c.mc.BindQueue(ctx, rabbitmq.Binding{Queue: queue, Exchange: exchange, RoutingKey: key})
}

func (c *channel) Consume(ctx context.Context, queue string, fn messaging.ConsumeFunc) error {
	return c.broker.consumer.Consume(ctx, c.mc, queue, c.handler(queue, fn))
}

// handler decodes each delivery into an envelope before handing it to fn
func (c *channel) handler(queue string, fn messaging.ConsumeFunc) rabbitmq.MessageHandler {
	logger := c.broker.logger
	return func(ctx context.Context, d amqp.Delivery) {
		envelope, err := contracts.Unmarshal(d.Body)
		if err != nil {
			// redelivering a body that cannot be parsed would loop forever
			logger.Error("dropping unparseable message",
				"queue", queue,
				"deliveryTag", d.DeliveryTag,
				"error", err)
			if nackErr := d.Nack(false, false); nackErr != nil {
				logger.Error("failed to nack message", "queue", queue, "error", nackErr)
			}
			return
		}
		fn(ctx, newDelivery(d), c, envelope)
	}
}

func (c *channel) Publish(ctx context.Context, exchange, routingKey string, envelope *contracts.Envelope) error {
	body, err := contracts.Marshal(envelope)
	if err != nil {
		return err
	}

	return c.broker.publisher.Publish(ctx, c.mc, exchange, routingKey, amqp.Publishing{
		ContentType:  contracts.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.Metadata.MessageID(),
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (c *channel) Ack(d messaging.Delivery) error {
	dv, ok := d.(*delivery)
	if !ok {
		return ErrForeignDelivery
	}
	return dv.raw.Ack(false)
}

func (c *channel) Nack(d messaging.Delivery, multiple, requeue bool) error {
	dv, ok := d.(*delivery)
	if !ok {
		return ErrForeignDelivery
	}
	return dv.raw.Nack(multiple, requeue)
}
