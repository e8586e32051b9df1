package main

import (
	"context"

	"MediaForge/internal/biz"
	"MediaForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// registerBreakerObservers fans breaker events out to Prometheus and the
// audit trail. Listeners are subscribed once at startup, before any traffic.
func registerBreakerObservers(breakers *biz.BreakerRegistry, audit biz.AuditLogger, logger log.Logger) {
	helper := log.NewHelper(logger)

	breakers.Subscribe(auditBreakerListener(breakers, audit, helper))
}

func auditBreakerListener(breakers *biz.BreakerRegistry, audit biz.AuditLogger, helper *log.Helper) biz.BreakerListener {
	return func(ev model.BreakerEvent) {
		if ev.Type != model.BreakerEventStateChange {
			return
		}

		ctx := context.Background()
		switch {
		case ev.To == model.BreakerOpen:
			m := breakers.Get(ev.Name).Metrics()
			audit.LogCircuitBroken(ctx, ev.Name, m.FailureRate, ev.Timestamp)
			helper.Warnw("circuit breaker opened",
				"breaker", ev.Name,
				"from", ev.From,
				"failure_rate", m.FailureRate)

		case ev.To == model.BreakerClosed && ev.From == model.BreakerHalfOpen:
			audit.LogCircuitRecovered(ctx, ev.Name, ev.Timestamp)
			helper.Infow("circuit breaker recovered", "breaker", ev.Name)
		}
	}
}
