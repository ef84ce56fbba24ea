package comms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/messaging"
	"github.com/google/uuid"
)

// endpoint holds the lifecycle and publishing plumbing shared by Service and Communicator
type endpoint struct {
	component string
	broker    messaging.Broker
	topology  contracts.Topology
	defaults  contracts.Metadata
	discard   bool
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	ready   chan struct{}
	ch      messaging.Channel
	cancel  context.CancelFunc
}

func newEndpoint(component string, broker messaging.Broker, topology contracts.Topology, defaults contracts.Metadata, discard bool, logger *slog.Logger) *endpoint {
	return &endpoint{
		component: component,
		broker:    broker,
		topology:  topology,
		defaults:  withoutMessageID(defaults),
		discard:   discard,
		logger:    logger.With("component", component, "endpoint", topology.String()),
		ready:     make(chan struct{}),
	}
}

// withoutMessageID copies the default metadata minus messageId, which must be fresh per message
func withoutMessageID(defaults contracts.Metadata) contracts.Metadata {
	out := defaults.Clone()
	delete(out, contracts.MetadataMessageID)
	return out
}

// register runs fn under the lifecycle lock unless the endpoint has started
func (e *endpoint) register(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return contracts.ErrAlreadyStarted
	}
	return fn()
}

// begin marks the endpoint as starting; check validates registrations first
func (e *endpoint) begin(check func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return contracts.ErrAlreadyStarted
	}
	if err := check(); err != nil {
		return err
	}
	e.started = true
	return nil
}

// open obtains the broker channel, running setup now and after every reconnect.
// Consumers started by setup live until Close, independent of ctx.
func (e *endpoint) open(ctx context.Context, setup func(ctx context.Context, run context.Context, ch messaging.Channel) error) error {
	run, cancel := context.WithCancel(context.WithoutCancel(ctx))

	ch, err := e.broker.Channel(ctx, func(ctx context.Context, ch messaging.Channel) error {
		return setup(ctx, run, ch)
	})
	if err != nil {
		cancel()
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return fmt.Errorf("failed to start %s %s: %w", e.component, e.topology, err)
	}

	e.mu.Lock()
	e.ch = ch
	e.cancel = cancel
	e.mu.Unlock()
	close(e.ready)

	return nil
}

// assert declares the exchange and the queues of the enabled directions, binding each by its own name
func (e *endpoint) assert(ctx context.Context, ch messaging.Channel, dirs ...contracts.Direction) error {
	exchange := e.topology.Exchange()
	if err := ch.AssertExchange(ctx, exchange, contracts.ExchangeKind); err != nil {
		return err
	}
	for _, dir := range dirs {
		queue := e.topology.Queue(dir)
		if err := ch.AssertQueue(ctx, queue); err != nil {
			return err
		}
		if err := ch.BindQueue(ctx, queue, exchange, e.topology.BindingKey(dir)); err != nil {
			return err
		}
	}
	return nil
}

// waitReady blocks until Start has completed or ctx is done
func (e *endpoint) waitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started reports whether Start has completed
func (e *endpoint) Started() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// envelope merges defaults, per-call metadata and protocol fields, in
// increasing precedence, and stamps a messageId when none is present.
func (e *endpoint) envelope(data interface{}, md contracts.Metadata, protocol contracts.Metadata) (*contracts.Envelope, error) {
	merged := contracts.MergeMetadata(e.defaults, md, protocol)
	if merged.MessageID() == "" {
		merged[contracts.MetadataMessageID] = uuid.New().String()
	}
	return contracts.NewEnvelope(data, merged)
}

// publish sends to one of the endpoint's queues once started
func (e *endpoint) publish(ctx context.Context, dir contracts.Direction, env *contracts.Envelope) error {
	if err := e.waitReady(ctx); err != nil {
		return err
	}
	queue := e.topology.Queue(dir)
	if err := e.ch.Publish(ctx, e.topology.Exchange(), queue, env); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// settle applies the ack/requeue/discard policy and logs the outcome
func (e *endpoint) settle(ch messaging.Channel, d messaging.Delivery, lc *messaging.ListenerContext, handlerErr error) {
	if handlerErr != nil {
		e.logger.Error("handler failed",
			"messageId", lc.MessageID(),
			"subject", lc.Subject(),
			"redelivered", lc.Redelivered(),
			"requeue", !e.discard,
			"error", handlerErr)
	}
	if err := messaging.Settle(ch, d, handlerErr, e.discard); err != nil {
		e.logger.Error("failed to settle message", "messageId", lc.MessageID(), "error", err)
	}
}

// Close stops the endpoint's consumers. Queues and exchanges are left in place.
func (e *endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	return nil
}
