package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Configuration errors
	ErrMissingNamespace       = errors.New("comms: namespace is required")
	ErrMissingName            = errors.New("comms: name is required")
	ErrNoDirection            = errors.New("comms: at least one of input or output must be enabled")
	ErrDiscardWithoutConsumer = errors.New("comms: discarding messages requires the consumed direction to be enabled")
	ErrMissingBroker          = errors.New("comms: broker connection is required")

	// Startup and registration errors
	ErrNoHandler      = errors.New("comms: no handler registered")
	ErrHandlerExists  = errors.New("comms: handler already registered")
	ErrAlreadyStarted = errors.New("comms: endpoint already started")

	// Send errors
	ErrInputDisabled  = errors.New("comms: input is disabled")
	ErrOutputDisabled = errors.New("comms: output is disabled")
	ErrAskUnavailable = errors.New("comms: ask requires both input and output")

	// Correlation errors
	ErrAskTimeout     = errors.New("comms: ask timed out")
	ErrUnmatchedReply = errors.New("comms: reply has no pending ask")
	ErrDuplicateAsk   = errors.New("comms: an ask with this messageId is already pending")

	// Pool errors
	ErrDuplicateCommunicator = errors.New("comms: communicator already registered")
	ErrUnknownCommunicator   = errors.New("comms: unknown communicator")
)

// ConfigError reports an invalid endpoint configuration
type ConfigError struct {
	Component string // Service, Communicator or Manager
	Field     string // Offending field, may be empty
	Err       error  // Underlying sentinel
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s config (%s): %v", e.Component, e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s config: %v", e.Component, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// AskTimeoutError is returned when no reply arrived before the deadline
type AskTimeoutError struct {
	MessageID string
	Subject   string
	Timeout   time.Duration
}

func (e *AskTimeoutError) Error() string {
	return fmt.Sprintf("ask %s (subject %q) timed out after %v", e.MessageID, e.Subject, e.Timeout)
}

func (e *AskTimeoutError) Unwrap() error {
	return ErrAskTimeout
}

// IsConfigError reports whether err is a configuration error
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
