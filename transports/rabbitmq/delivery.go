package rabbitmq

import (
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// delivery adapts amqp.Delivery to messaging.Delivery
type delivery struct {
	raw amqp.Delivery
}

func newDelivery(d amqp.Delivery) *delivery {
	return &delivery{raw: d}
}

func (d *delivery) Body() []byte {
	return d.raw.Body
}

func (d *delivery) Redelivered() bool {
	return d.raw.Redelivered
}

// ID prefers the publisher's message id and falls back to the delivery tag
func (d *delivery) ID() string {
	if d.raw.MessageId != "" {
		return d.raw.MessageId
	}
	return strconv.FormatUint(d.raw.DeliveryTag, 10)
}
