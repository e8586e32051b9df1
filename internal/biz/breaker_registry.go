package biz

import (
	"context"
	"sort"
	"sync"

	"MediaForge/internal/conf"
	"MediaForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// Well-known dependency names protected by circuit breakers.
const (
	BreakerKieAI    = "kie_ai"
	BreakerRunware  = "runware"
	BreakerStorage  = "storage"
	BreakerDatabase = "database"
)

// BreakerRegistry holds one circuit breaker per dependency name. It replaces
// the usual module-level map: the registry is constructed once and injected
// into call sites, so there is no hidden global mutable state while the
// one-instance-per-name semantics are preserved.
type BreakerRegistry struct {
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
	logger    log.Logger
	helper    *log.Helper

	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	listeners []BreakerListener
}

// NewBreakerRegistry creates a registry with per-name config overrides from
// the bootstrap config. Unknown names fall back to the default config.
func NewBreakerRegistry(c *conf.Resilience, logger log.Logger) *BreakerRegistry {
	r := &BreakerRegistry{
		defaults:  DefaultBreakerConfig(),
		overrides: make(map[string]BreakerConfig),
		logger:    logger,
		helper:    log.NewHelper(logger),
		breakers:  make(map[string]*CircuitBreaker),
	}

	if c != nil {
		if c.BreakerDefault != nil {
			r.defaults = breakerConfigFromConf(c.BreakerDefault, r.defaults)
		}
		for name, bc := range c.Breakers {
			r.overrides[name] = breakerConfigFromConf(bc, r.defaults)
		}
	}

	return r
}

// breakerConfigFromConf overlays non-zero conf fields on a base config.
func breakerConfigFromConf(c *conf.Breaker, base BreakerConfig) BreakerConfig {
	out := base
	if c.FailureThreshold > 0 {
		out.FailureThreshold = int(c.FailureThreshold)
	}
	if c.FailureRatePct > 0 {
		out.FailureRateThreshold = c.FailureRatePct
	}
	if c.SuccessThreshold > 0 {
		out.SuccessThreshold = int(c.SuccessThreshold)
	}
	if c.HalfOpenMaxAttempts > 0 {
		out.HalfOpenMaxAttempts = int(c.HalfOpenMaxAttempts)
	}
	if c.Timeout != nil {
		out.Timeout = c.Timeout.AsDuration()
	}
	if c.MonitoringWindow != nil {
		out.MonitoringWindow = c.MonitoringWindow.AsDuration()
	}
	return out
}

// Get returns the breaker for a dependency name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaults
	}
	b := NewCircuitBreaker(name, cfg, r.logger)
	for _, l := range r.listeners {
		b.Subscribe(l)
	}
	r.breakers[name] = b

	r.helper.Debugw("circuit breaker created", "breaker", name)
	return b
}

// Subscribe registers a listener on every existing breaker and every breaker
// created later.
func (r *BreakerRegistry) Subscribe(l BreakerListener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, l)
	for _, b := range r.breakers {
		b.Subscribe(l)
	}
}

// Execute wraps op with the named breaker.
func (r *BreakerRegistry) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, op)
}

// Snapshot returns metrics for all known breakers, sorted by name.
func (r *BreakerRegistry) Snapshot() []model.BreakerMetrics {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]model.BreakerMetrics, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
