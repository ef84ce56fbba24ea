package comms

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-comms/config"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/messaging"
)

// ServiceConfig describes an owner endpoint
type ServiceConfig struct {
	Namespace             string
	Name                  string
	InputEnabled          bool
	OutputEnabled         bool
	ShouldDiscardMessages bool
	Metadata              contracts.Metadata
}

// Validate checks the configuration invariants
func (c ServiceConfig) Validate() error {
	switch {
	case c.Namespace == "":
		return &contracts.ConfigError{Component: "Service", Field: "Namespace", Err: contracts.ErrMissingNamespace}
	case c.Name == "":
		return &contracts.ConfigError{Component: "Service", Field: "Name", Err: contracts.ErrMissingName}
	case !c.InputEnabled && !c.OutputEnabled:
		return &contracts.ConfigError{Component: "Service", Err: contracts.ErrNoDirection}
	case c.ShouldDiscardMessages && !c.InputEnabled:
		return &contracts.ConfigError{Component: "Service", Field: "ShouldDiscardMessages", Err: contracts.ErrDiscardWithoutConsumer}
	}
	return nil
}

// Service is the owner side of an endpoint: it consumes its input queue and
// publishes to its output queue.
type Service struct {
	*endpoint
	cfg ServiceConfig

	handler     messaging.Handler
	askHandlers map[string]messaging.Handler
}

// NewService validates cfg and creates a service bound to broker
func NewService(broker messaging.Broker, cfg ServiceConfig, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if broker == nil {
		return nil, &contracts.ConfigError{Component: "Service", Err: contracts.ErrMissingBroker}
	}

	o := applyOptions(opts)
	topology := contracts.NewTopology(cfg.Namespace, cfg.Name)

	return &Service{
		endpoint:    newEndpoint("service", broker, topology, cfg.Metadata, cfg.ShouldDiscardMessages, o.logger),
		cfg:         cfg,
		askHandlers: make(map[string]messaging.Handler),
	}, nil
}

// NewServiceFromConfig builds the named service entry of a loaded config
func NewServiceFromConfig(broker messaging.Broker, cfg *config.Config, name string, opts ...Option) (*Service, error) {
	entry, ok := cfg.Service(name)
	if !ok {
		return nil, fmt.Errorf("service %q not found in config", name)
	}
	return NewService(broker, ServiceConfigFrom(entry), opts...)
}

// ServiceConfigFrom converts a config file entry
func ServiceConfigFrom(entry config.ServiceConfig) ServiceConfig {
	return ServiceConfig{
		Namespace:             entry.Namespace,
		Name:                  entry.Name,
		InputEnabled:          entry.Input,
		OutputEnabled:         entry.Output,
		ShouldDiscardMessages: entry.Discard,
		Metadata:              entry.Metadata,
	}
}

// Topology returns the queue names of the service
func (s *Service) Topology() contracts.Topology {
	return s.topology
}

// AddInputListener registers the general input handler. Only one is allowed.
func (s *Service) AddInputListener(h messaging.Handler) error {
	return s.register(func() error {
		if s.handler != nil {
			return contracts.ErrHandlerExists
		}
		s.handler = h
		return nil
	})
}

// AddAskListener registers the handler for ask requests carrying subject
func (s *Service) AddAskListener(subject string, h messaging.Handler) error {
	return s.register(func() error {
		if _, exists := s.askHandlers[subject]; exists {
			return fmt.Errorf("%w: ask subject %q", contracts.ErrHandlerExists, subject)
		}
		s.askHandlers[subject] = h
		return nil
	})
}

// Send publishes data to the output queue
func (s *Service) Send(ctx context.Context, data interface{}, md contracts.Metadata) error {
	if !s.cfg.OutputEnabled {
		return contracts.ErrOutputDisabled
	}
	env, err := s.envelope(data, md, nil)
	if err != nil {
		return err
	}
	return s.publish(ctx, contracts.DirectionOutput, env)
}

// Start declares the enabled queues and, with input enabled, begins consuming.
// The declarations are repeated after every reconnect.
func (s *Service) Start(ctx context.Context) error {
	err := s.begin(func() error {
		if s.cfg.InputEnabled && s.handler == nil && len(s.askHandlers) == 0 {
			return fmt.Errorf("%w: service %s has input enabled", contracts.ErrNoHandler, s.topology)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = s.open(ctx, func(ctx context.Context, run context.Context, ch messaging.Channel) error {
		if err := s.assert(ctx, ch, s.directions()...); err != nil {
			return err
		}
		if !s.cfg.InputEnabled {
			return nil
		}
		return ch.Consume(run, s.topology.InputQueue(), s.consume)
	})
	if err != nil {
		return err
	}

	s.logger.Info("service started",
		"input", s.cfg.InputEnabled,
		"output", s.cfg.OutputEnabled,
		"askSubjects", len(s.askHandlers))
	return nil
}

func (s *Service) directions() []contracts.Direction {
	var dirs []contracts.Direction
	if s.cfg.InputEnabled {
		dirs = append(dirs, contracts.DirectionInput)
	}
	if s.cfg.OutputEnabled {
		dirs = append(dirs, contracts.DirectionOutput)
	}
	return dirs
}

// consume handles one input delivery
func (s *Service) consume(ctx context.Context, d messaging.Delivery, ch messaging.Channel, env *contracts.Envelope) {
	lc := messaging.NewListenerContext(s.topology.String(), env, messaging.NewResponder(s.Send, env), d.Redelivered())
	err := messaging.SafeHandle(ctx, s.route(env), lc)
	s.settle(ch, d, lc, err)
}

// route picks the ask handler for a matching subject, otherwise the general handler
func (s *Service) route(env *contracts.Envelope) messaging.Handler {
	if env.Kind() == contracts.KindAskRequest {
		if h, ok := s.askHandlers[env.Metadata.Subject()]; ok {
			return h
		}
	}
	if s.handler != nil {
		return s.handler
	}
	return messaging.HandlerFunc(func(ctx context.Context, lc *messaging.ListenerContext) error {
		return fmt.Errorf("%w: subject %q", contracts.ErrNoHandler, lc.Subject())
	})
}
