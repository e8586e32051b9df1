package biz

import (
	"context"
	"time"
)

// AuditLogger defines the interface for audit logging. Audit records are the
// durable trail for every credit movement and breaker intervention; writes
// are asynchronous and must never block the request path.
type AuditLogger interface {
	// LogCircuitBroken records a circuit breaker trip.
	LogCircuitBroken(ctx context.Context, name string, failureRate float64, at time.Time)

	// LogCircuitRecovered records a circuit breaker closing again.
	LogCircuitRecovered(ctx context.Context, name string, at time.Time)

	// LogBreakerReset records an operator reset or force-open.
	LogBreakerReset(ctx context.Context, name string, forcedOpen bool)

	// LogJobTimedOut records a job failed by the reconciliation sweep.
	LogJobTimedOut(ctx context.Context, jobID, userID string, age time.Duration)

	// LogCreditsRefunded records a successful refund of reserved credits.
	LogCreditsRefunded(ctx context.Context, jobID, userID string, amount int64, reason string)

	// LogRefundFailed records a refund failure. This event backs the
	// alerting path for the one failure mode that can silently lose money.
	LogRefundFailed(ctx context.Context, jobID, userID string, amount int64, err error)
}
