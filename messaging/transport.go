package messaging

import (
	"context"

	"github.com/glimte/mmate-comms/contracts"
)

// Delivery is a raw message handed to a consumer by the broker
type Delivery interface {
	// Body returns the encoded envelope
	Body() []byte

	// Redelivered reports whether the broker delivered this message before
	Redelivered() bool

	// ID returns a broker-assigned identifier usable in logs
	ID() string
}

// ConsumeFunc receives one delivery together with the channel it arrived on
// and the parsed envelope. Implementations may call it concurrently.
type ConsumeFunc func(ctx context.Context, delivery Delivery, ch Channel, envelope *contracts.Envelope)

// Channel is the broker channel surface endpoints build on. Topology
// operations are idempotent and safe to repeat.
type Channel interface {
	// AssertExchange declares an exchange if it does not exist
	AssertExchange(ctx context.Context, name, kind string) error

	// AssertQueue declares a queue if it does not exist
	AssertQueue(ctx context.Context, name string) error

	// BindQueue binds a queue to an exchange with a routing key
	BindQueue(ctx context.Context, queue, exchange, key string) error

	// Consume starts delivering messages from queue to fn
	Consume(ctx context.Context, queue string, fn ConsumeFunc) error

	// Publish sends an envelope to an exchange
	Publish(ctx context.Context, exchange, routingKey string, envelope *contracts.Envelope) error

	// Ack acknowledges a delivery
	Ack(delivery Delivery) error

	// Nack negatively acknowledges a delivery, optionally requeueing it
	Nack(delivery Delivery, multiple, requeue bool) error
}

// SetupFunc declares topology and consumers on a fresh channel.
type SetupFunc func(ctx context.Context, ch Channel) error

// Broker hands out channels over a shared connection
type Broker interface {
	// Channel opens a channel and runs setup on it before returning.
	// Setup runs again on the replacement channel after every reconnect.
	Channel(ctx context.Context, setup SetupFunc) (Channel, error)
}
