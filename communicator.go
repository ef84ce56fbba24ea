package comms

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-comms/config"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/messaging"
	"github.com/google/uuid"
)

// CommunicatorConfig describes a peer of the service TargetServiceName
type CommunicatorConfig struct {
	Namespace             string
	TargetServiceName     string
	InputEnabled          bool
	OutputEnabled         bool
	ShouldDiscardMessages bool
	UseAsk                bool
	AskTimeout            time.Duration
	Metadata              contracts.Metadata
}

// CommunicatorConfigFrom converts a config file entry
func CommunicatorConfigFrom(entry config.CommunicatorConfig) CommunicatorConfig {
	return CommunicatorConfig{
		Namespace:             entry.Namespace,
		TargetServiceName:     entry.Target,
		InputEnabled:          entry.Input,
		OutputEnabled:         entry.Output,
		ShouldDiscardMessages: entry.Discard,
		UseAsk:                entry.UseAsk,
		AskTimeout:            entry.AskTimeout,
		Metadata:              entry.Metadata,
	}
}

// normalize applies UseAsk and the default ask timeout
func (c CommunicatorConfig) normalize() CommunicatorConfig {
	if c.UseAsk {
		c.InputEnabled = true
		c.OutputEnabled = true
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = DefaultAskTimeout
	}
	return c
}

// Validate checks the configuration invariants. UseAsk counts as both directions enabled.
func (c CommunicatorConfig) Validate() error {
	c = c.normalize()
	switch {
	case c.Namespace == "":
		return &contracts.ConfigError{Component: "Communicator", Field: "Namespace", Err: contracts.ErrMissingNamespace}
	case c.TargetServiceName == "":
		return &contracts.ConfigError{Component: "Communicator", Field: "TargetServiceName", Err: contracts.ErrMissingName}
	case !c.InputEnabled && !c.OutputEnabled:
		return &contracts.ConfigError{Component: "Communicator", Err: contracts.ErrNoDirection}
	case c.ShouldDiscardMessages && !c.OutputEnabled:
		return &contracts.ConfigError{Component: "Communicator", Field: "ShouldDiscardMessages", Err: contracts.ErrDiscardWithoutConsumer}
	}
	return nil
}

// Communicator is the peer side of an endpoint: it publishes into the
// service's input queue and consumes the service's output queue.
type Communicator struct {
	*endpoint
	cfg     CommunicatorConfig
	handler messaging.Handler
	pending *messaging.PendingAsks
}

// NewCommunicator validates cfg and creates a communicator bound to broker
func NewCommunicator(broker messaging.Broker, cfg CommunicatorConfig, opts ...Option) (*Communicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if broker == nil {
		return nil, &contracts.ConfigError{Component: "Communicator", Err: contracts.ErrMissingBroker}
	}

	cfg = cfg.normalize()
	o := applyOptions(opts)
	topology := contracts.NewTopology(cfg.Namespace, cfg.TargetServiceName)

	return &Communicator{
		endpoint: newEndpoint("communicator", broker, topology, cfg.Metadata, cfg.ShouldDiscardMessages, o.logger),
		cfg:      cfg,
		pending:  messaging.NewPendingAsks(),
	}, nil
}

// Topology returns the queue names of the target service
func (c *Communicator) Topology() contracts.Topology {
	return c.topology
}

// PendingAsks returns the number of asks still waiting for a reply
func (c *Communicator) PendingAsks() int {
	return c.pending.Len()
}

// AddOutputListener registers the handler for messages the service sends
func (c *Communicator) AddOutputListener(h messaging.Handler) error {
	return c.register(func() error {
		if c.handler != nil {
			return contracts.ErrHandlerExists
		}
		c.handler = h
		return nil
	})
}

// setOutputHandler replaces the output handler; the manager installs composed chains with it
func (c *Communicator) setOutputHandler(h messaging.Handler) error {
	return c.register(func() error {
		c.handler = h
		return nil
	})
}

// Send publishes data into the service's input queue
func (c *Communicator) Send(ctx context.Context, data interface{}, md contracts.Metadata) error {
	if !c.cfg.InputEnabled {
		return contracts.ErrInputDisabled
	}
	env, err := c.envelope(data, md, nil)
	if err != nil {
		return err
	}
	return c.publish(ctx, contracts.DirectionInput, env)
}

// Ask publishes an ask request for subject and returns a future for the
// reply. The future fails with a *contracts.AskTimeoutError when no reply
// arrives within the ask timeout.
func (c *Communicator) Ask(ctx context.Context, subject string, data interface{}, md contracts.Metadata, opts ...AskOption) (*messaging.Future, error) {
	if !c.cfg.InputEnabled || !c.cfg.OutputEnabled {
		return nil, contracts.ErrAskUnavailable
	}

	ao := askOptions{}
	for _, opt := range opts {
		opt(&ao)
	}
	if ao.timeout <= 0 {
		ao.timeout = c.cfg.AskTimeout
	}

	id := md.MessageID()
	if id == "" {
		id = uuid.New().String()
	}

	env, err := c.envelope(data, md, contracts.Metadata{
		contracts.MetadataAsk:       true,
		contracts.MetadataSubject:   subject,
		contracts.MetadataMessageID: id,
	})
	if err != nil {
		return nil, err
	}

	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}

	// registered first so a fast reply always finds its entry
	future, err := c.pending.Register(id, subject, ao.timeout)
	if err != nil {
		return nil, err
	}
	if err := c.publish(ctx, contracts.DirectionInput, env); err != nil {
		c.pending.Fail(id, err)
		return nil, err
	}
	return future, nil
}

// Request asks and waits for the reply
func (c *Communicator) Request(ctx context.Context, subject string, data interface{}, md contracts.Metadata, opts ...AskOption) (*messaging.Reply, error) {
	future, err := c.Ask(ctx, subject, data, md, opts...)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

// Start declares the target's enabled queues and, with output enabled, begins consuming
func (c *Communicator) Start(ctx context.Context) error {
	err := c.begin(func() error {
		if c.cfg.OutputEnabled && c.handler == nil && !c.cfg.UseAsk {
			return fmt.Errorf("%w: communicator %s has output enabled", contracts.ErrNoHandler, c.topology)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = c.open(ctx, func(ctx context.Context, run context.Context, ch messaging.Channel) error {
		if err := c.assert(ctx, ch, c.directions()...); err != nil {
			return err
		}
		if !c.cfg.OutputEnabled {
			return nil
		}
		return ch.Consume(run, c.topology.OutputQueue(), c.consume)
	})
	if err != nil {
		return err
	}

	c.logger.Info("communicator started",
		"input", c.cfg.InputEnabled,
		"output", c.cfg.OutputEnabled,
		"useAsk", c.cfg.UseAsk)
	return nil
}

func (c *Communicator) directions() []contracts.Direction {
	var dirs []contracts.Direction
	if c.cfg.InputEnabled {
		dirs = append(dirs, contracts.DirectionInput)
	}
	if c.cfg.OutputEnabled {
		dirs = append(dirs, contracts.DirectionOutput)
	}
	return dirs
}

// consume handles one output delivery
func (c *Communicator) consume(ctx context.Context, d messaging.Delivery, ch messaging.Channel, env *contracts.Envelope) {
	lc := messaging.NewListenerContext(c.topology.String(), env, messaging.NewResponder(c.Send, env), d.Redelivered())

	if env.Kind() == contracts.KindAskReply {
		c.resolve(env)
		c.settle(ch, d, lc, nil)
		return
	}

	if c.handler == nil {
		// only reachable for ask-only communicators; nothing could ever handle it
		c.logger.Warn("dropping message without output handler", "messageId", lc.MessageID())
		c.settle(ch, d, lc, nil)
		return
	}

	c.settle(ch, d, lc, messaging.SafeHandle(ctx, c.handler, lc))
}

// resolve settles the pending ask a reply answers; unmatched replies are dropped
func (c *Communicator) resolve(env *contracts.Envelope) {
	requestID := env.Metadata.IsReplyTo()
	reply := &messaging.Reply{Data: env.Data, Metadata: env.Metadata.Clone()}

	if !c.pending.Resolve(requestID, reply) {
		c.logger.Warn("dropping unmatched reply",
			"isReplyTo", requestID,
			"messageId", env.Metadata.MessageID(),
			"error", contracts.ErrUnmatchedReply)
	}
}
