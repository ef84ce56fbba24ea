// Package memory provides an in-process messaging.Broker with direct-exchange
// routing. It is meant for tests and single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/messaging"
	"github.com/google/uuid"
)

var (
	// ErrBrokerClosed is returned when operations are attempted on a closed broker.
	ErrBrokerClosed = errors.New("memory: broker is closed")
	// ErrChannelClosed is returned by a channel invalidated by Reconnect or Close.
	ErrChannelClosed = errors.New("memory: channel is closed")
	// ErrUnknownExchange is returned when publishing to or binding an undeclared exchange.
	ErrUnknownExchange = errors.New("memory: unknown exchange")
	// ErrUnknownQueue is returned when binding or consuming an undeclared queue.
	ErrUnknownQueue = errors.New("memory: unknown queue")
	// ErrUnsupportedKind is returned for exchange kinds other than direct.
	ErrUnsupportedKind = errors.New("memory: unsupported exchange kind")
	// ErrUnknownDelivery is returned when settling a delivery twice or one from another broker.
	ErrUnknownDelivery = errors.New("memory: unknown delivery")
)

// Stats counts broker activity since creation
type Stats struct {
	Published int
	Delivered int
	Acked     int
	Requeued  int
	Discarded int
}

type exchange struct {
	kind     string
	bindings map[string][]string // routing key -> queues
}

type message struct {
	id          string
	body        []byte
	redelivered bool
}

type consumer struct {
	ctx context.Context
	ch  *channel
	fn  messaging.ConsumeFunc
}

type queue struct {
	name      string
	ready     []*message
	consumers []*consumer
	next      int
}

// Broker is an in-memory messaging.Broker
type Broker struct {
	logger *slog.Logger

	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	unacked   map[*delivery]struct{}
	channels  []*channel
	stats     Stats
	closed    bool
	wg        sync.WaitGroup
}

// Option configures the broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroker creates an empty broker
func NewBroker(options ...Option) *Broker {
	b := &Broker{
		logger:    slog.Default(),
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		unacked:   make(map[*delivery]struct{}),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Channel implements messaging.Broker. The setup function is replayed on
// the replacement channel after every Reconnect.
func (b *Broker) Channel(ctx context.Context, setup messaging.SetupFunc) (messaging.Channel, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	b.mu.Unlock()

	h := &handle{}
	ch := &channel{broker: b, setup: setup, handle: h}
	h.current = ch
	if setup != nil {
		if err := setup(ctx, ch); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	b.channels = append(b.channels, ch)
	b.mu.Unlock()

	return h, nil
}

// Reconnect simulates a connection loss: every channel is closed, unacked
// deliveries are requeued as redelivered, and each channel's setup runs
// again on a fresh channel.
func (b *Broker) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}

	old := b.channels
	b.channels = nil
	for _, ch := range old {
		ch.markClosed()
	}
	for _, q := range b.queues {
		q.consumers = nil
		q.next = 0
	}
	for d := range b.unacked {
		delete(b.unacked, d)
		b.queues[d.queue].ready = append(b.queues[d.queue].ready, &message{id: d.msg.id, body: d.msg.body, redelivered: true})
		b.stats.Requeued++
	}
	b.mu.Unlock()

	b.logger.Info("memory broker reconnecting", "channels", len(old))

	var errs []error
	for _, ch := range old {
		fresh := &channel{broker: b, setup: ch.setup, handle: ch.handle}
		// handlers of requeued messages may publish through the handle during setup
		ch.handle.swap(fresh)
		if ch.setup != nil {
			if err := ch.setup(ctx, fresh); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		b.mu.Lock()
		b.channels = append(b.channels, fresh)
		b.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Close stops the broker and waits for in-flight consume callbacks
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, ch := range b.channels {
		ch.markClosed()
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// IsConnected reports whether the broker accepts work
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Stats returns a snapshot of the activity counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// QueueDepth returns the number of ready messages waiting in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// HasQueue reports whether a queue has been declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Unacked returns the number of delivered but unsettled messages
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

func (b *Broker) assertExchange(name, kind string) error {
	if kind != contracts.ExchangeKind {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("exchange %q redeclared as %s (was %s)", name, kind, ex.kind)
		}
		return nil
	}
	b.exchanges[name] = &exchange{kind: kind, bindings: make(map[string][]string)}
	return nil
}

func (b *Broker) assertQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name}
	}
}

func (b *Broker) bindQueue(queueName, exchangeName, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	for _, bound := range ex.bindings[key] {
		if bound == queueName {
			return nil
		}
	}
	ex.bindings[key] = append(ex.bindings[key], queueName)
	return nil
}

func (b *Broker) consume(ctx context.Context, ch *channel, queueName string, fn messaging.ConsumeFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	q.consumers = append(q.consumers, &consumer{ctx: ctx, ch: ch, fn: fn})
	b.dispatchLocked(q)
	return nil
}

func (b *Broker) publish(exchangeName, key string, envelope *contracts.Envelope) error {
	body, err := contracts.Marshal(envelope)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeName)
	}

	b.stats.Published++
	id := envelope.Metadata.MessageID()
	if id == "" {
		id = uuid.New().String()
	}

	// unroutable messages are dropped, as a broker does for non-mandatory publishes
	for _, queueName := range ex.bindings[key] {
		q := b.queues[queueName]
		q.ready = append(q.ready, &message{id: id, body: body})
		b.dispatchLocked(q)
	}
	return nil
}

// dispatchLocked hands ready messages to live consumers round-robin; callers hold b.mu
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := b.nextConsumerLocked(q)
		if c == nil {
			return
		}

		msg := q.ready[0]
		q.ready = q.ready[1:]

		envelope, err := contracts.Unmarshal(msg.body)
		if err != nil {
			b.logger.Error("dropping unparseable message", "queue", q.name, "error", err)
			b.stats.Discarded++
			continue
		}

		d := &delivery{broker: b, queue: q.name, msg: msg}
		b.unacked[d] = struct{}{}
		b.stats.Delivered++

		b.wg.Add(1)
		go func(c *consumer, d *delivery, envelope *contracts.Envelope) {
			defer b.wg.Done()
			c.fn(c.ctx, d, c.ch, envelope)
		}(c, d, envelope)
	}
}

// nextConsumerLocked picks the next consumer, pruning those whose context ended
func (b *Broker) nextConsumerLocked(q *queue) *consumer {
	live := q.consumers[:0]
	for _, c := range q.consumers {
		if c.ctx.Err() == nil && !c.ch.isClosed() {
			live = append(live, c)
		}
	}
	q.consumers = live
	if len(live) == 0 {
		return nil
	}

	c := live[q.next%len(live)]
	q.next++
	return c
}

func (b *Broker) settle(d messaging.Delivery, requeue, ack bool) error {
	dv, ok := d.(*delivery)
	if !ok || dv.broker != b {
		return ErrUnknownDelivery
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.unacked[dv]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, dv.msg.id)
	}
	delete(b.unacked, dv)

	switch {
	case ack:
		b.stats.Acked++
	case requeue:
		b.stats.Requeued++
		q := b.queues[dv.queue]
		q.ready = append(q.ready, &message{id: dv.msg.id, body: dv.msg.body, redelivered: true})
		b.dispatchLocked(q)
	default:
		b.stats.Discarded++
	}
	return nil
}
