// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package comms routes messages between owner endpoints (Service) and the
// peers that talk to them (Communicator) over a shared broker connection.
//
// Every endpoint identity (namespace, name) owns a direct exchange named
// after the namespace and two queues, "{namespace}:{name}:input" and
// "{namespace}:{name}:output". A Service consumes its input and publishes to
// its output; a Communicator does the opposite. Communicators can ask: a
// request tagged with ask, subject and messageId is answered by the
// Service's ask handler, and the reply is correlated back to the waiting
// future by isReplyTo. A Manager pools Communicators and runs their inbound
// messages through a middleware chain.
package comms

import (
	"log/slog"
	"time"
)

// DefaultAskTimeout applies when a Communicator has no AskTimeout configured
const DefaultAskTimeout = 10 * time.Second

type options struct {
	logger    *slog.Logger
	namespace string
}

// Option configures a Service, Communicator or Manager
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNamespace sets the namespace a Manager gives communicators registered without one
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

func applyOptions(opts []Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

type askOptions struct {
	timeout time.Duration
}

// AskOption configures a single ask
type AskOption func(*askOptions)

// WithAskTimeout overrides the communicator's ask timeout for one call. Values <= 0 keep the default.
func WithAskTimeout(timeout time.Duration) AskOption {
	return func(o *askOptions) {
		o.timeout = timeout
	}
}
