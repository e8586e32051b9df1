// Package metrics provides Prometheus metrics for monitoring the resilience subsystem.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"MediaForge/internal/model"
)

var (
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediaforge_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)
	BreakerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaforge_breaker_call_duration_seconds",
			Help:    "Duration of calls executed through a circuit breaker",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"breaker", "outcome"},
	)
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_rate_limit_decisions_total",
			Help: "Total number of rate limiter decisions",
		},
		[]string{"action", "decision"},
	)
	WebhookCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_webhook_callbacks_total",
			Help: "Total number of provider callbacks processed",
		},
		[]string{"provider", "outcome"},
	)
	CreditsRefunded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_credits_refunded_total",
			Help: "Total credits refunded to users",
		},
		[]string{"reason"},
	)
	RefundFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaforge_refund_failures_total",
			Help: "Total number of failed refund attempts",
		},
	)
	SweepJobsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_sweep_jobs_resolved_total",
			Help: "Total number of stale jobs resolved by the reconciliation sweep",
		},
		[]string{"outcome"},
	)
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mediaforge_sweep_duration_seconds",
			Help:    "Duration of reconciliation sweep runs",
			Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaforge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaforge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func stateValue(s model.BreakerState) float64 {
	switch s {
	case model.BreakerClosed:
		return 0
	case model.BreakerHalfOpen:
		return 1
	case model.BreakerOpen:
		return 2
	default:
		return -1
	}
}

// BreakerListener returns a listener that mirrors breaker events into
// Prometheus collectors. Intended to be subscribed on the registry at
// startup.
func BreakerListener() func(model.BreakerEvent) {
	return func(ev model.BreakerEvent) {
		switch ev.Type {
		case model.BreakerEventStateChange:
			BreakerState.WithLabelValues(ev.Name).Set(stateValue(ev.To))
			BreakerTransitions.WithLabelValues(ev.Name, string(ev.From), string(ev.To)).Inc()
		case model.BreakerEventRejected:
			BreakerRejections.WithLabelValues(ev.Name).Inc()
		case model.BreakerEventSuccess:
			BreakerCallDuration.WithLabelValues(ev.Name, "success").Observe(ev.ResponseTime.Seconds())
		case model.BreakerEventFailure:
			BreakerCallDuration.WithLabelValues(ev.Name, "failure").Observe(ev.ResponseTime.Seconds())
		}
	}
}

func RecordRateLimitDecision(action string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	RateLimitDecisions.WithLabelValues(action, decision).Inc()
}

func RecordWebhookCallback(provider, outcome string) {
	WebhookCallbacks.WithLabelValues(provider, outcome).Inc()
}

func RecordCreditsRefunded(reason string, amount int64) {
	CreditsRefunded.WithLabelValues(reason).Add(float64(amount))
}

func RecordRefundFailure() {
	RefundFailures.Inc()
}

func RecordSweepRun(result *model.SweepResult) {
	SweepJobsResolved.WithLabelValues("failed").Add(float64(result.Failed))
	SweepJobsResolved.WithLabelValues("refunded").Add(float64(result.Refunded))
	SweepJobsResolved.WithLabelValues("skipped_raced").Add(float64(result.SkippedRaced))
	SweepJobsResolved.WithLabelValues("refund_errors").Add(float64(result.RefundErrors))
	SweepDuration.Observe(result.Duration.Seconds())
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
