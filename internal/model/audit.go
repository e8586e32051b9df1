package model

// Audit event type constants
const (
	AuditEventCircuitBroken    = "CIRCUIT_BROKEN"
	AuditEventCircuitRecovered = "CIRCUIT_RECOVERED"
	AuditEventBreakerReset     = "BREAKER_RESET"
	AuditEventJobTimedOut      = "JOB_TIMED_OUT"
	AuditEventCreditsRefunded  = "CREDITS_REFUNDED"
	AuditEventRefundFailed     = "REFUND_FAILED"
)
