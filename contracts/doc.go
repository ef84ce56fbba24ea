// Package contracts provides the wire-level types shared by every endpoint role.
//
// This package defines:
//   - Topology: deterministic exchange and queue names for an endpoint identity
//   - Envelope: the {metadata, data} record published on the broker
//   - Metadata: envelope metadata with accessors for the correlation fields
//   - Kind: classification of an envelope into plain, ask request or ask reply
//   - Errors: configuration, startup and correlation errors
//
// Both sides of a conversation derive the same queue names from the same
// (namespace, name) pair, so a Service and a Communicator never exchange
// topology information at runtime.
package contracts
