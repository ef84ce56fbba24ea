// Package rabbitmq wraps amqp091-go with the pieces the broker transport needs:
//   - ConnectionManager: a single connection, re-dialed with backoff, with state listeners
//   - ManagedChannel: a channel that is reopened after failures and replays its setup
//   - Consumer: manual-ack consumption with a bounded number of in-flight deliveries
//   - Publisher: persistent publishing with optional publisher confirms
//   - topology helpers for exchanges, queues and bindings
package rabbitmq
