package health

import (
	"context"
	"time"
)

// Broker is the connectivity surface a transport exposes for probing.
type Broker interface {
	IsConnected() bool
}

// BrokerChecker reports whether the message broker connection is up.
type BrokerChecker struct {
	name   string
	broker Broker
}

// NewBrokerChecker creates a probe over a transport's connection state.
func NewBrokerChecker(name string, broker Broker) *BrokerChecker {
	return &BrokerChecker{name: name, broker: broker}
}

func (c *BrokerChecker) Name() string { return c.name }

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start}

	if c.broker.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "broker connection is up"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "broker connection is down"
	}
	result.Duration = time.Since(start)
	return result
}

// DispatchProber is the readiness surface of the dispatcher: true when
// both dispatch destinations resolve.
type DispatchProber interface {
	Status() bool
	Queue() (string, error)
	DeadLetterQueue() (string, error)
}

// DispatchChecker reports whether the dispatcher can address its
// queues. Unresolvable destinations degrade rather than fail the
// instance: handlers can still run inline.
type DispatchChecker struct {
	prober DispatchProber
}

// NewDispatchChecker creates a probe over the dispatcher's destination
// resolution.
func NewDispatchChecker(prober DispatchProber) *DispatchChecker {
	return &DispatchChecker{prober: prober}
}

func (c *DispatchChecker) Name() string { return "dispatch" }

func (c *DispatchChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}
	if queue, err := c.prober.Queue(); err == nil {
		result.Details["queue"] = queue
	}
	if dlq, err := c.prober.DeadLetterQueue(); err == nil {
		result.Details["dead_letter_queue"] = dlq
	}

	if c.prober.Status() {
		result.Status = StatusHealthy
		result.Message = "dispatch destinations resolve"
	} else {
		result.Status = StatusDegraded
		result.Message = "dispatch destinations do not resolve"
	}
	result.Duration = time.Since(start)
	return result
}
