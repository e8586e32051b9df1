package model

import "time"

// BreakerEventType identifies the kind of circuit breaker event.
type BreakerEventType string

// Breaker event type constants.
const (
	BreakerEventStateChange BreakerEventType = "state_change"
	BreakerEventSuccess     BreakerEventType = "success"
	BreakerEventFailure     BreakerEventType = "failure"
	BreakerEventRejected    BreakerEventType = "rejected"
)

// BreakerState represents a circuit breaker state.
type BreakerState string

// Breaker state constants.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerEvent is emitted to registered listeners on every state transition,
// recorded outcome, and rejected call.
type BreakerEvent struct {
	Type         BreakerEventType
	Name         string
	From         BreakerState
	To           BreakerState
	Timestamp    time.Time
	Err          error
	ResponseTime time.Duration
}

// BreakerMetrics is a point-in-time snapshot of one breaker. Rolling
// statistics are computed over entries inside the monitoring window only.
type BreakerMetrics struct {
	Name            string
	State           BreakerState
	FailureCount    int
	SuccessCount    int
	HalfOpenCount   int
	StateChangedAt  time.Time
	WindowSamples   int
	FailureRate     float64
	AvgResponseTime time.Duration
	P95ResponseTime time.Duration
}
