package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// DurableExchange describes a durable, non auto-deleted exchange
func DurableExchange(name, kind string) ExchangeDeclaration {
	return ExchangeDeclaration{Name: name, Type: kind, Durable: true}
}

// DurableQueue describes a durable, shared queue
func DurableQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name, Durable: true}
}

// DeclareExchange declares an exchange on the current channel
func (mc *ManagedChannel) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	ch, err := mc.Raw()
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	if err := ctx.Err(); err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}

	err = ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	return nil
}

// DeclareQueue declares a queue on the current channel
func (mc *ManagedChannel) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	ch, err := mc.Raw()
	if err != nil {
		return amqp.Queue{}, topologyError("queue", queue.Name, "declare", err)
	}
	if err := ctx.Err(); err != nil {
		return amqp.Queue{}, topologyError("queue", queue.Name, "declare", err)
	}

	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, topologyError("queue", queue.Name, "declare", err)
	}
	return q, nil
}

// BindQueue binds a queue to an exchange on the current channel
func (mc *ManagedChannel) BindQueue(ctx context.Context, binding Binding) error {
	ch, err := mc.Raw()
	if err != nil {
		return topologyError("binding", binding.Queue, "bind", err)
	}
	if err := ctx.Err(); err != nil {
		return topologyError("binding", binding.Queue, "bind", err)
	}

	err = ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return topologyError("binding", binding.Queue, "bind", err)
	}
	return nil
}

func topologyError(component, name, op string, err error) *TopologyError {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
