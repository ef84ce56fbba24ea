package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SetupFunc declares topology or starts consumers on a freshly opened channel.
type SetupFunc func(ctx context.Context, ch *ManagedChannel) error

// ManagedChannel is an AMQP channel that is reopened after a channel or
// connection failure. Registered setup functions are replayed, in
// registration order, every time a new underlying channel is opened.
type ManagedChannel struct {
	id      string
	manager *ConnectionManager
	confirm bool
	logger  *slog.Logger

	reopenMu sync.Mutex
	mu       sync.RWMutex
	ch       *amqp.Channel
	setups   []SetupFunc
	closed   bool
}

// ChannelOption configures a ManagedChannel
type ChannelOption func(*ManagedChannel)

// WithConfirmMode puts every underlying channel into publisher confirm mode
func WithConfirmMode(enabled bool) ChannelOption {
	return func(mc *ManagedChannel) {
		mc.confirm = enabled
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(mc *ManagedChannel) {
		if logger != nil {
			mc.logger = logger
		}
	}
}

// NewManagedChannel opens a channel on the manager's connection and
// subscribes to its reconnect notifications.
func NewManagedChannel(manager *ConnectionManager, options ...ChannelOption) (*ManagedChannel, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	mc := &ManagedChannel{
		id:      uuid.New().String(),
		manager: manager,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(mc)
	}

	ch, err := mc.open()
	if err != nil {
		return nil, err
	}

	mc.mu.Lock()
	mc.ch = ch
	mc.mu.Unlock()

	go mc.watch(ch)
	manager.AddStateListener(mc)

	return mc, nil
}

// ID identifies the channel in logs and errors
func (mc *ManagedChannel) ID() string {
	return mc.id
}

// ConfirmMode reports whether publishes on this channel wait for broker confirms
func (mc *ManagedChannel) ConfirmMode() bool {
	return mc.confirm
}

// Raw returns the current underlying channel
func (mc *ManagedChannel) Raw() (*amqp.Channel, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if mc.closed {
		return nil, ErrChannelClosed
	}
	if mc.ch == nil || mc.ch.IsClosed() {
		return nil, &ChannelError{Op: "get", ChannelID: mc.id, Err: ErrChannelClosed, Timestamp: time.Now()}
	}
	return mc.ch, nil
}

// OnSetup runs fn against the current channel and records it for replay
// after every reopen. fn is recorded only if it succeeds.
func (mc *ManagedChannel) OnSetup(ctx context.Context, fn SetupFunc) error {
	mc.reopenMu.Lock()
	defer mc.reopenMu.Unlock()

	if err := fn(ctx, mc); err != nil {
		return err
	}

	mc.mu.Lock()
	mc.setups = append(mc.setups, fn)
	mc.mu.Unlock()
	return nil
}

// Close closes the channel and stops reopening it
func (mc *ManagedChannel) Close() error {
	mc.manager.RemoveStateListener(mc)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.closed {
		return nil
	}
	mc.closed = true
	if mc.ch != nil && !mc.ch.IsClosed() {
		return mc.ch.Close()
	}
	return nil
}

// OnConnected implements ConnectionStateListener
func (mc *ManagedChannel) OnConnected() {
	if err := mc.reopen(context.Background()); err != nil {
		mc.logger.Error("failed to reopen channel after reconnect", "channelId", mc.id, "error", err)
	}
}

// OnDisconnected implements ConnectionStateListener
func (mc *ManagedChannel) OnDisconnected(err error) {
	mc.logger.Warn("channel lost its connection", "channelId", mc.id, "error", err)
}

// OnReconnecting implements ConnectionStateListener
func (mc *ManagedChannel) OnReconnecting(attempt int) {}

func (mc *ManagedChannel) open() (*amqp.Channel, error) {
	ch, err := mc.manager.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", ChannelID: mc.id, Err: err, Timestamp: time.Now()}
	}
	if mc.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "confirm", ChannelID: mc.id, Err: err, Timestamp: time.Now()}
		}
	}
	return ch, nil
}

// watch reopens the channel when the broker closes it while the connection stays up
func (mc *ManagedChannel) watch(ch *amqp.Channel) {
	amqpErr, ok := <-ch.NotifyClose(make(chan *amqp.Error, 1))
	if !ok || amqpErr == nil {
		return
	}

	mc.logger.Warn("channel closed by broker", "channelId", mc.id, "error", amqpErr)
	if !mc.manager.IsConnected() {
		// OnConnected reopens once the connection is back
		return
	}
	if err := mc.reopen(context.Background()); err != nil {
		mc.logger.Error("failed to reopen channel", "channelId", mc.id, "error", err)
	}
}

// reopen replaces a closed channel and replays setups; an open channel is left alone
func (mc *ManagedChannel) reopen(ctx context.Context) error {
	mc.reopenMu.Lock()
	defer mc.reopenMu.Unlock()

	mc.mu.RLock()
	closed, current := mc.closed, mc.ch
	mc.mu.RUnlock()
	if closed {
		return nil
	}
	if current != nil && !current.IsClosed() {
		return nil
	}

	ch, err := mc.open()
	if err != nil {
		return err
	}

	mc.mu.Lock()
	mc.ch = ch
	setups := append([]SetupFunc(nil), mc.setups...)
	mc.mu.Unlock()

	go mc.watch(ch)

	for _, setup := range setups {
		if err := setup(ctx, mc); err != nil {
			return &ChannelError{Op: "setup", ChannelID: mc.id, Err: err, Timestamp: time.Now()}
		}
	}

	mc.logger.Info("channel reopened", "channelId", mc.id, "setups", len(setups))
	return nil
}
