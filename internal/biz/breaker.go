package biz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"MediaForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// BreakerConfig controls thresholds for circuit breaker state transitions.
// Each named dependency gets its own config and entirely separate state.
type BreakerConfig struct {
	// FailureThreshold opens the circuit when the absolute failure count
	// reaches it while closed.
	FailureThreshold int
	// FailureRateThreshold (percent) opens the circuit when the rolling
	// failure rate reaches it and the window holds at least 10 samples.
	FailureRateThreshold float64
	// SuccessThreshold closes the circuit after this many successes while
	// half-open.
	SuccessThreshold int
	// HalfOpenMaxAttempts bounds concurrent probes while half-open.
	HalfOpenMaxAttempts int
	// Timeout is the open -> half-open cooldown.
	Timeout time.Duration
	// MonitoringWindow bounds the rolling request history.
	MonitoringWindow time.Duration
}

// DefaultBreakerConfig returns the config applied to dependencies without an
// explicit override.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:     5,
		FailureRateThreshold: 50,
		SuccessThreshold:     3,
		HalfOpenMaxAttempts:  3,
		Timeout:              30 * time.Second,
		MonitoringWindow:     2 * time.Minute,
	}
}

// CircuitOpenError is returned when a call is rejected without attempting the
// dependency. RetryAfter is the remaining cooldown, floored at zero.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

// BreakerListener receives breaker events. Listeners run outside the breaker
// lock; a panicking listener is recovered and never affects breaker state or
// the wrapped call.
type BreakerListener func(event model.BreakerEvent)

// requestRecord is one entry of the rolling monitoring window.
type requestRecord struct {
	success bool
	at      time.Time
	elapsed time.Duration
}

// CircuitBreaker protects one named dependency from cascading failure by
// short-circuiting calls while the dependency is unhealthy and probing for
// recovery with a bounded number of half-open attempts.
//
// All state transitions are serialized under a single mutex; counters are
// always consistent with the current state.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	logger *log.Helper

	mu               sync.Mutex
	state            model.BreakerState
	failureCount     int
	successCount     int
	halfOpenAttempts int
	stateChangedAt   time.Time
	history          []requestRecord
	listeners        []BreakerListener

	// now is swappable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named dependency.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger log.Logger) *CircuitBreaker {
	b := &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: log.NewHelper(logger),
		state:  model.BreakerClosed,
		now:    time.Now,
	}
	b.stateChangedAt = b.now()
	return b
}

// Subscribe registers a listener for every state transition, recorded
// outcome, and rejected call of this breaker.
func (b *CircuitBreaker) Subscribe(l BreakerListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// CanExecute reports whether a call may be attempted right now. While
// half-open, each admission increments the probe counter immediately so that
// concurrent callers can never start more probes than configured.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	events := b.refreshStateLocked()
	allowed := false
	switch b.state {
	case model.BreakerClosed:
		allowed = true
	case model.BreakerHalfOpen:
		if b.halfOpenAttempts < b.cfg.HalfOpenMaxAttempts {
			b.halfOpenAttempts++
			allowed = true
		}
	}
	b.mu.Unlock()

	b.emit(events...)
	return allowed
}

// Execute runs op through the breaker. If the breaker rejects the call, op is
// never invoked and a *CircuitOpenError carrying the remaining cooldown is
// returned. Otherwise the outcome and wall-clock duration are recorded and
// op's error is returned to the caller unchanged.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.CanExecute() {
		b.mu.Lock()
		retryAfter := b.retryAfterLocked()
		b.mu.Unlock()

		b.emit(model.BreakerEvent{
			Type:      model.BreakerEventRejected,
			Name:      b.name,
			Timestamp: b.now(),
		})
		b.logger.Warnw("circuit breaker rejected call",
			"breaker", b.name,
			"retry_after", retryAfter)
		return &CircuitOpenError{Name: b.name, RetryAfter: retryAfter}
	}

	start := b.now()
	err := op(ctx)
	elapsed := b.now().Sub(start)

	if err != nil {
		b.recordFailure(err, elapsed)
		return err
	}
	b.recordSuccess(elapsed)
	return nil
}

// recordSuccess records a successful call and applies state transitions.
func (b *CircuitBreaker) recordSuccess(elapsed time.Duration) {
	b.mu.Lock()
	events := b.refreshStateLocked()
	b.appendHistoryLocked(requestRecord{success: true, at: b.now(), elapsed: elapsed})

	events = append(events, model.BreakerEvent{
		Type:         model.BreakerEventSuccess,
		Name:         b.name,
		Timestamp:    b.now(),
		ResponseTime: elapsed,
	})

	switch b.state {
	case model.BreakerClosed:
		// A single success wipes the failure streak.
		b.failureCount = 0
		b.successCount++
	case model.BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			events = append(events, b.transitionLocked(model.BreakerClosed))
		}
	}
	b.mu.Unlock()

	b.emit(events...)
}

// recordFailure records a failed call and applies state transitions.
func (b *CircuitBreaker) recordFailure(err error, elapsed time.Duration) {
	b.mu.Lock()
	events := b.refreshStateLocked()
	b.appendHistoryLocked(requestRecord{success: false, at: b.now(), elapsed: elapsed})

	events = append(events, model.BreakerEvent{
		Type:         model.BreakerEventFailure,
		Name:         b.name,
		Timestamp:    b.now(),
		Err:          err,
		ResponseTime: elapsed,
	})

	switch b.state {
	case model.BreakerClosed:
		b.failureCount++
		samples, rate := b.windowStatsLocked()
		if b.failureCount >= b.cfg.FailureThreshold ||
			(samples >= 10 && rate >= b.cfg.FailureRateThreshold) {
			events = append(events, b.transitionLocked(model.BreakerOpen))
		}
	case model.BreakerHalfOpen:
		// Any probe failure re-opens immediately; the dependency is still
		// unhealthy.
		events = append(events, b.transitionLocked(model.BreakerOpen))
	}
	b.mu.Unlock()

	b.emit(events...)
}

// State returns the current state after applying the time-based
// open -> half-open transition.
func (b *CircuitBreaker) State() model.BreakerState {
	b.mu.Lock()
	events := b.refreshStateLocked()
	s := b.state
	b.mu.Unlock()

	b.emit(events...)
	return s
}

// Metrics returns a snapshot with rolling statistics over the monitoring
// window. Entries older than the window are pruned on read.
func (b *CircuitBreaker) Metrics() model.BreakerMetrics {
	b.mu.Lock()
	events := b.refreshStateLocked()
	b.pruneHistoryLocked()

	m := model.BreakerMetrics{
		Name:           b.name,
		State:          b.state,
		FailureCount:   b.failureCount,
		SuccessCount:   b.successCount,
		HalfOpenCount:  b.halfOpenAttempts,
		StateChangedAt: b.stateChangedAt,
		WindowSamples:  len(b.history),
	}
	_, m.FailureRate = b.windowStatsLocked()

	if len(b.history) > 0 {
		durations := make([]time.Duration, 0, len(b.history))
		var total time.Duration
		for _, r := range b.history {
			durations = append(durations, r.elapsed)
			total += r.elapsed
		}
		m.AvgResponseTime = total / time.Duration(len(durations))
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		idx := (len(durations)*95 + 99) / 100
		if idx > 0 {
			idx--
		}
		m.P95ResponseTime = durations[idx]
	}
	b.mu.Unlock()

	b.emit(events...)
	return m
}

// Reset forces the breaker closed and clears all counters and history.
// Operator intervention; observable via the same events as organic
// transitions.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	b.history = nil
	event := b.transitionLocked(model.BreakerClosed)
	b.mu.Unlock()

	b.logger.Infow("circuit breaker reset", "breaker", b.name)
	b.emit(event)
}

// ForceOpen forces the breaker open. Operator intervention.
func (b *CircuitBreaker) ForceOpen() {
	b.mu.Lock()
	event := b.transitionLocked(model.BreakerOpen)
	b.mu.Unlock()

	b.logger.Warnw("circuit breaker forced open", "breaker", b.name)
	b.emit(event)
}

// refreshStateLocked applies the time-based open -> half-open transition.
// Must be called with the mutex held before evaluating admission.
func (b *CircuitBreaker) refreshStateLocked() []model.BreakerEvent {
	if b.state == model.BreakerOpen && b.now().Sub(b.stateChangedAt) >= b.cfg.Timeout {
		return []model.BreakerEvent{b.transitionLocked(model.BreakerHalfOpen)}
	}
	return nil
}

// transitionLocked moves to a new state and applies the per-state counter
// resets. Must be called with the mutex held.
func (b *CircuitBreaker) transitionLocked(to model.BreakerState) model.BreakerEvent {
	from := b.state
	b.state = to
	b.stateChangedAt = b.now()

	switch to {
	case model.BreakerClosed:
		b.failureCount = 0
		b.successCount = 0
		b.halfOpenAttempts = 0
	case model.BreakerHalfOpen:
		b.halfOpenAttempts = 0
		b.successCount = 0
	}

	return model.BreakerEvent{
		Type:      model.BreakerEventStateChange,
		Name:      b.name,
		From:      from,
		To:        to,
		Timestamp: b.stateChangedAt,
	}
}

// retryAfterLocked computes the remaining cooldown, floored at zero.
func (b *CircuitBreaker) retryAfterLocked() time.Duration {
	if b.state != model.BreakerOpen {
		return 0
	}
	remaining := b.cfg.Timeout - b.now().Sub(b.stateChangedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// appendHistoryLocked appends one record and prunes entries that fell out of
// the monitoring window.
func (b *CircuitBreaker) appendHistoryLocked(r requestRecord) {
	b.history = append(b.history, r)
	b.pruneHistoryLocked()
}

func (b *CircuitBreaker) pruneHistoryLocked() {
	cutoff := b.now().Add(-b.cfg.MonitoringWindow)
	i := 0
	for i < len(b.history) && b.history[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.history = append(b.history[:0], b.history[i:]...)
	}
}

// windowStatsLocked returns the sample count and failure rate (percent) over
// the monitoring window.
func (b *CircuitBreaker) windowStatsLocked() (int, float64) {
	b.pruneHistoryLocked()
	if len(b.history) == 0 {
		return 0, 0
	}
	failures := 0
	for _, r := range b.history {
		if !r.success {
			failures++
		}
	}
	return len(b.history), float64(failures) / float64(len(b.history)) * 100
}

// emit delivers events to listeners outside the breaker lock. A panicking
// listener is recovered so it cannot affect breaker state or the caller.
func (b *CircuitBreaker) emit(events ...model.BreakerEvent) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	listeners := make([]BreakerListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, event := range events {
		for _, l := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Errorw("breaker listener panicked",
							"breaker", b.name,
							"event", event.Type,
							"panic", r)
					}
				}()
				l(event)
			}()
		}
	}
}
