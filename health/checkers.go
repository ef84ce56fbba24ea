package health

import (
	"context"
	"fmt"
	"time"
)

// ConnectionState is implemented by both broker transports
type ConnectionState interface {
	IsConnected() bool
}

// ConnectionChecker reports the broker connection
type ConnectionChecker struct {
	name  string
	state ConnectionState
}

// NewConnectionChecker creates a checker named name for state
func NewConnectionChecker(name string, state ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{name: name, state: state}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "broker connected",
	}

	if !c.state.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "broker disconnected"
	}

	result.Duration = time.Since(start)
	return result
}

// EndpointState is implemented by Manager and Communicator
type EndpointState interface {
	Started() bool
	PendingAsks() int
}

// EndpointChecker reports whether an endpoint has started and how many asks
// are outstanding. Pending asks above the threshold degrade the result.
type EndpointChecker struct {
	name      string
	state     EndpointState
	threshold int
}

// NewEndpointChecker creates a checker; a threshold of zero disables the pending-ask limit
func NewEndpointChecker(name string, state EndpointState, threshold int) *EndpointChecker {
	return &EndpointChecker{name: name, state: state, threshold: threshold}
}

func (c *EndpointChecker) Name() string {
	return c.name
}

func (c *EndpointChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.state.PendingAsks()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "endpoint started",
		Details: map[string]interface{}{
			"pending_asks": pending,
		},
	}

	switch {
	case !c.state.Started():
		result.Status = StatusUnhealthy
		result.Message = "endpoint not started"
	case c.threshold > 0 && pending > c.threshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d pending asks exceed threshold %d", pending, c.threshold)
	}

	result.Duration = time.Since(start)
	return result
}
