package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/messaging"
)

// channel is one generation of a broker channel; Reconnect replaces it.
// Deliveries must be settled on the generation that produced them.
type channel struct {
	broker *Broker
	setup  messaging.SetupFunc
	handle *handle
	closed atomic.Bool
}

func (c *channel) markClosed() {
	c.closed.Store(true)
}

func (c *channel) isClosed() bool {
	return c.closed.Load()
}

func (c *channel) AssertExchange(ctx context.Context, name, kind string) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.broker.assertExchange(name, kind)
}

func (c *channel) AssertQueue(ctx context.Context, name string) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.broker.assertQueue(name)
	return nil
}

func (c *channel) BindQueue(ctx context.Context, queue, exchange, key string) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.broker.bindQueue(queue, exchange, key)
}

func (c *channel) Consume(ctx context.Context, queue string, fn messaging.ConsumeFunc) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.broker.consume(ctx, c, queue, fn)
}

func (c *channel) Publish(ctx context.Context, exchange, routingKey string, envelope *contracts.Envelope) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.broker.publish(exchange, routingKey, envelope)
}

func (c *channel) Ack(d messaging.Delivery) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.broker.settle(d, false, true)
}

func (c *channel) Nack(d messaging.Delivery, multiple, requeue bool) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.broker.settle(d, requeue, false)
}

// handle is the messaging.Channel returned to callers. It follows the
// current channel generation across reconnects.
type handle struct {
	mu      sync.RWMutex
	current *channel
}

func (h *handle) swap(ch *channel) {
	h.mu.Lock()
	h.current = ch
	h.mu.Unlock()
}

func (h *handle) get() *channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *handle) AssertExchange(ctx context.Context, name, kind string) error {
	return h.get().AssertExchange(ctx, name, kind)
}

func (h *handle) AssertQueue(ctx context.Context, name string) error {
	return h.get().AssertQueue(ctx, name)
}

func (h *handle) BindQueue(ctx context.Context, queue, exchange, key string) error {
	return h.get().BindQueue(ctx, queue, exchange, key)
}

func (h *handle) Consume(ctx context.Context, queue string, fn messaging.ConsumeFunc) error {
	return h.get().Consume(ctx, queue, fn)
}

func (h *handle) Publish(ctx context.Context, exchange, routingKey string, envelope *contracts.Envelope) error {
	return h.get().Publish(ctx, exchange, routingKey, envelope)
}

func (h *handle) Ack(d messaging.Delivery) error {
	return h.get().Ack(d)
}

func (h *handle) Nack(d messaging.Delivery, multiple, requeue bool) error {
	return h.get().Nack(d, multiple, requeue)
}

// delivery is one hand-off of a message to a consumer
type delivery struct {
	broker *Broker
	queue  string
	msg    *message
}

func (d *delivery) Body() []byte {
	return d.msg.body
}

func (d *delivery) Redelivered() bool {
	return d.msg.redelivered
}

func (d *delivery) ID() string {
	return d.msg.id
}
