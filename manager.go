package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-comms/config"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/interceptors"
	"github.com/glimte/mmate-comms/messaging"
	"golang.org/x/sync/errgroup"
)

// Manager pools named communicators over one broker and runs their
// inbound messages through a shared middleware chain.
type Manager struct {
	broker    messaging.Broker
	namespace string
	logger    *slog.Logger
	opts      []Option
	registry  *interceptors.Registry

	mu            sync.Mutex
	communicators map[string]*Communicator
	names         []string
	handlers      map[string]messaging.Handler
	started       bool
	startErr      error
	ready         chan struct{}
}

// NewManager creates an empty manager
func NewManager(broker messaging.Broker, opts ...Option) (*Manager, error) {
	if broker == nil {
		return nil, &contracts.ConfigError{Component: "Manager", Err: contracts.ErrMissingBroker}
	}

	o := applyOptions(opts)
	return &Manager{
		broker:        broker,
		namespace:     o.namespace,
		logger:        o.logger.With("component", "manager"),
		opts:          opts,
		registry:      interceptors.NewRegistry(),
		communicators: make(map[string]*Communicator),
		handlers:      make(map[string]messaging.Handler),
		ready:         make(chan struct{}),
	}, nil
}

// NewManagerFromConfig creates a manager and registers every configured communicator.
// Output handlers are added afterwards with AddOutputListener.
func NewManagerFromConfig(broker messaging.Broker, cfg *config.Config, opts ...Option) (*Manager, error) {
	m, err := NewManager(broker, append([]Option{WithNamespace(cfg.Namespace)}, opts...)...)
	if err != nil {
		return nil, err
	}

	for _, entry := range cfg.Communicators {
		if err := m.RegisterCommunicator(entry.Name, CommunicatorConfigFrom(entry), nil); err != nil {
			return nil, fmt.Errorf("communicator %q: %w", entry.Name, err)
		}
	}

	m.registry.Use(HandlerMiddleware(cfg.Handlers)...)
	return m, nil
}

// HandlerMiddleware builds the interceptors a config file's handlers section asks for:
// validation of required metadata, then a per-message timeout.
func HandlerMiddleware(h config.HandlerConfig) []interceptors.Interceptor {
	var mw []interceptors.Interceptor
	if len(h.RequiredMetadata) > 0 {
		mw = append(mw, interceptors.NewValidationInterceptor(interceptors.RequiredMetadata(h.RequiredMetadata)))
	}
	if h.Timeout > 0 {
		mw = append(mw, interceptors.NewTimeoutInterceptor(h.Timeout))
	}
	return mw
}

// RegisterCommunicator creates a communicator under name. TargetServiceName
// defaults to name and Namespace to the manager's namespace. handler may be nil.
func (m *Manager) RegisterCommunicator(name string, cfg CommunicatorConfig, handler messaging.Handler) error {
	if cfg.TargetServiceName == "" {
		cfg.TargetServiceName = name
	}
	if cfg.Namespace == "" {
		cfg.Namespace = m.namespace
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return contracts.ErrAlreadyStarted
	}
	if _, exists := m.communicators[name]; exists {
		return &contracts.ConfigError{Component: "Manager", Field: name, Err: contracts.ErrDuplicateCommunicator}
	}

	comm, err := NewCommunicator(m.broker, cfg, m.opts...)
	if err != nil {
		return err
	}

	m.communicators[name] = comm
	m.names = append(m.names, name)
	if handler != nil {
		m.handlers[name] = handler
	}

	m.logger.Info("communicator registered", "name", name, "target", comm.Topology().String())
	return nil
}

// AddOutputListener sets the terminal handler of the named communicator
func (m *Manager) AddOutputListener(name string, h messaging.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return contracts.ErrAlreadyStarted
	}
	if _, ok := m.communicators[name]; !ok {
		return fmt.Errorf("%w: %s", contracts.ErrUnknownCommunicator, name)
	}
	if _, exists := m.handlers[name]; exists {
		return fmt.Errorf("%w: communicator %s", contracts.ErrHandlerExists, name)
	}
	m.handlers[name] = h
	return nil
}

// ApplyMiddleware appends interceptors to the chain every communicator runs
func (m *Manager) ApplyMiddleware(mw ...interceptors.Interceptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return contracts.ErrAlreadyStarted
	}
	m.registry.Use(mw...)
	return nil
}

// ApplyScopedMiddleware appends interceptors to the chains of the named communicators only.
// They run after the global middleware.
func (m *Manager) ApplyScopedMiddleware(names []string, mw ...interceptors.Interceptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return contracts.ErrAlreadyStarted
	}
	m.registry.UseFor(names, mw...)
	return nil
}

// Communicator returns the named communicator
func (m *Manager) Communicator(name string) (*Communicator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comm, ok := m.communicators[name]
	return comm, ok
}

// Names returns the registered names in registration order
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...)
}

// Start composes each communicator's chain (global, then scoped, then its
// handler), installs it as the output handler and starts all communicators
// concurrently. The first failure is returned. A manager whose start failed
// has its communicators closed and keeps returning that failure from Start,
// Send, Ask and Broadcast; build a new one to retry.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		err := m.startErr
		m.mu.Unlock()
		if err != nil {
			return err
		}
		return contracts.ErrAlreadyStarted
	}
	m.started = true
	names := append([]string(nil), m.names...)
	m.mu.Unlock()

	if err := m.start(ctx, names); err != nil {
		if cerr := m.Close(); cerr != nil {
			m.logger.Warn("closing communicators after failed start", "error", cerr)
		}
		m.mu.Lock()
		m.startErr = err
		m.mu.Unlock()
		close(m.ready)

		m.logger.Error("manager start failed", "error", err)
		return err
	}

	close(m.ready)
	m.logger.Info("manager started", "communicators", len(names))
	return nil
}

func (m *Manager) start(ctx context.Context, names []string) error {
	for _, name := range names {
		handler, ok := m.handlers[name]
		if !ok {
			continue
		}
		chain := m.registry.ChainFor(name)
		if err := m.communicators[name].setOutputHandler(chain.Then(handler)); err != nil {
			return fmt.Errorf("communicator %s: %w", name, err)
		}
		m.logger.Debug("middleware installed", "name", name, "chain", chain.Names())
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name, comm := name, m.communicators[name]
		g.Go(func() error {
			if err := comm.Start(gctx); err != nil {
				return fmt.Errorf("communicator %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Started reports whether Start has completed successfully
func (m *Manager) Started() bool {
	select {
	case <-m.ready:
		return m.startErr == nil
	default:
		return false
	}
}

// all returns the communicators in registration order
func (m *Manager) all() []*Communicator {
	m.mu.Lock()
	defer m.mu.Unlock()
	comms := make([]*Communicator, 0, len(m.names))
	for _, name := range m.names {
		comms = append(comms, m.communicators[name])
	}
	return comms
}

func (m *Manager) waitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		if m.startErr != nil {
			return fmt.Errorf("manager not started: %w", m.startErr)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(name string) (*Communicator, error) {
	comm, ok := m.Communicator(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownCommunicator, name)
	}
	return comm, nil
}

// Send publishes through the named communicator once the manager has started
func (m *Manager) Send(ctx context.Context, name string, data interface{}, md contracts.Metadata) error {
	comm, err := m.lookup(name)
	if err != nil {
		return err
	}
	if err := m.waitReady(ctx); err != nil {
		return err
	}
	return comm.Send(ctx, data, md)
}

// Ask sends an ask through the named communicator once the manager has started
func (m *Manager) Ask(ctx context.Context, name, subject string, data interface{}, md contracts.Metadata, opts ...AskOption) (*messaging.Future, error) {
	comm, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	if err := m.waitReady(ctx); err != nil {
		return nil, err
	}
	return comm.Ask(ctx, subject, data, md, opts...)
}

// Broadcast sends data through every input-enabled communicator concurrently.
// Every failure is returned, joined.
func (m *Manager) Broadcast(ctx context.Context, data interface{}, md contracts.Metadata) error {
	if err := m.waitReady(ctx); err != nil {
		return err
	}

	var targets []*Communicator
	for _, comm := range m.all() {
		if comm.cfg.InputEnabled {
			targets = append(targets, comm)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, comm := range targets {
		wg.Add(1)
		go func(i int, comm *Communicator) {
			defer wg.Done()
			errs[i] = comm.Send(ctx, data, md)
		}(i, comm)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// PendingAsks returns the number of unanswered asks across all communicators
func (m *Manager) PendingAsks() int {
	total := 0
	for _, comm := range m.all() {
		total += comm.PendingAsks()
	}
	return total
}

// Close stops every communicator's consumers
func (m *Manager) Close() error {
	var errs []error
	for _, comm := range m.all() {
		if err := comm.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
