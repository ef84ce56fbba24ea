// Package messaging provides the endpoint-neutral building blocks shared by
// services, communicators and the communications manager.
//
// This package implements:
//   - Broker, Channel, Delivery: the broker-client surface endpoints depend on
//   - ListenerContext: the per-message view handed to handlers, with a bound Responder
//   - Handler: message handlers plus SafeHandle for panic recovery
//   - Settle: the ack / nack-with-requeue / nack-and-discard policy
//   - PendingAsks and Future: correlation of ask requests with their replies
//
// Example usage:
//
//	table := messaging.NewPendingAsks()
//	future, err := table.Register(messageID, "get-user", 5*time.Second)
//	// ... publish the request, later on reply arrival:
//	table.Resolve(reply.Metadata.IsReplyTo(), &messaging.Reply{Data: reply.Data, Metadata: reply.Metadata})
//	result, err := future.Wait(ctx)
//
// A future settles exactly once; whichever of the reply and the deadline
// arrives first wins and the other becomes a no-op.
package messaging
