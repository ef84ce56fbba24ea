package contracts

import "fmt"

// Direction identifies one of the two queues owned by an endpoint.
type Direction string

const (
	// DirectionInput is the queue a Service consumes and a Communicator publishes into.
	DirectionInput Direction = "input"
	// DirectionOutput is the queue a Service publishes into and a Communicator consumes.
	DirectionOutput Direction = "output"
)

// ExchangeKind is the exchange type used for every namespace.
const ExchangeKind = "direct"

// QueueName returns the canonical queue name for an endpoint direction.
func QueueName(namespace, name string, dir Direction) string {
	return fmt.Sprintf("%s:%s:%s", namespace, name, dir)
}

// InputQueueName returns "{namespace}:{name}:input".
func InputQueueName(namespace, name string) string {
	return QueueName(namespace, name, DirectionInput)
}

// OutputQueueName returns "{namespace}:{name}:output".
func OutputQueueName(namespace, name string) string {
	return QueueName(namespace, name, DirectionOutput)
}

// ExchangeName returns the exchange shared by all endpoints of a namespace.
func ExchangeName(namespace string) string {
	return namespace
}

// Topology bundles the derived names for one endpoint identity.
type Topology struct {
	Namespace string
	Name      string
}

// NewTopology creates the topology for (namespace, name)
func NewTopology(namespace, name string) Topology {
	return Topology{Namespace: namespace, Name: name}
}

// Exchange returns the exchange name
func (t Topology) Exchange() string {
	return ExchangeName(t.Namespace)
}

// InputQueue returns the input queue name
func (t Topology) InputQueue() string {
	return InputQueueName(t.Namespace, t.Name)
}

// OutputQueue returns the output queue name
func (t Topology) OutputQueue() string {
	return OutputQueueName(t.Namespace, t.Name)
}

// Queue returns the queue name for a direction
func (t Topology) Queue(dir Direction) string {
	return QueueName(t.Namespace, t.Name, dir)
}

// BindingKey returns the routing key binding a queue to the exchange.
// The key is the queue name itself.
func (t Topology) BindingKey(dir Direction) string {
	return t.Queue(dir)
}

func (t Topology) String() string {
	return fmt.Sprintf("%s:%s", t.Namespace, t.Name)
}
