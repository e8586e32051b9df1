package biz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"MediaForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the breaker's time-based transitions deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	b := NewCircuitBreaker("test-dep", cfg, log.DefaultLogger)
	b.now = clock.Now
	b.stateChangedAt = clock.Now()
	return b, clock
}

func failingOp(ctx context.Context) error {
	return errors.New("provider unreachable")
}

func succeedingOp(ctx context.Context) error {
	return nil
}

// TestBreakerOpensOnConsecutiveFailures tests the absolute failure threshold
func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 3
	b, _ := newTestBreaker(cfg)

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := b.Execute(ctx, failingOp)
		assert.Error(t, err)
		assert.Equal(t, model.BreakerClosed, b.State())
	}

	// Third failure trips the breaker.
	err := b.Execute(ctx, failingOp)
	assert.Error(t, err)
	assert.Equal(t, model.BreakerOpen, b.State())

	// Calls are now rejected without invoking the operation.
	invoked := false
	err = b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.False(t, invoked)

	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test-dep", openErr.Name)
	assert.Equal(t, cfg.Timeout, openErr.RetryAfter)
}

// TestBreakerSuccessResetsFailureStreak tests that failures must be consecutive
func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 3
	b, _ := newTestBreaker(cfg)

	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	require.Error(t, b.Execute(ctx, failingOp))
	require.NoError(t, b.Execute(ctx, succeedingOp))

	// The streak restarted, so two more failures are not enough.
	require.Error(t, b.Execute(ctx, failingOp))
	require.Error(t, b.Execute(ctx, failingOp))
	assert.Equal(t, model.BreakerClosed, b.State())

	require.Error(t, b.Execute(ctx, failingOp))
	assert.Equal(t, model.BreakerOpen, b.State())
}

// TestBreakerOpensOnFailureRate tests the rate threshold with minimum samples
func TestBreakerOpensOnFailureRate(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 100 // out of reach, rate must trip it
	cfg.FailureRateThreshold = 50
	b, _ := newTestBreaker(cfg)

	ctx := context.Background()

	// 5 successes + 4 failures: 9 samples, rate not evaluated yet.
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Execute(ctx, succeedingOp))
	}
	for i := 0; i < 4; i++ {
		require.Error(t, b.Execute(ctx, failingOp))
	}
	assert.Equal(t, model.BreakerClosed, b.State())

	// 10th sample is a failure: 5/10 = 50%, at threshold.
	require.Error(t, b.Execute(ctx, failingOp))
	assert.Equal(t, model.BreakerOpen, b.State())
}

// TestBreakerHalfOpenAfterTimeout tests the open -> half-open cooldown
func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.Timeout = 30 * time.Second
	b, clock := newTestBreaker(cfg)

	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	require.Equal(t, model.BreakerOpen, b.State())

	clock.Advance(29 * time.Second)
	assert.Equal(t, model.BreakerOpen, b.State())

	clock.Advance(time.Second)
	assert.Equal(t, model.BreakerHalfOpen, b.State())
}

// TestBreakerHalfOpenProbeLimit tests the bounded probe admission
func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.HalfOpenMaxAttempts = 2
	b, clock := newTestBreaker(cfg)

	require.Error(t, b.Execute(context.Background(), failingOp))
	clock.Advance(cfg.Timeout)
	require.Equal(t, model.BreakerHalfOpen, b.State())

	// Admission itself consumes a probe slot, so concurrent callers can
	// never exceed the bound even before any outcome is recorded.
	assert.True(t, b.CanExecute())
	assert.True(t, b.CanExecute())
	assert.False(t, b.CanExecute())
}

// TestBreakerClosesAfterHalfOpenSuccesses tests recovery
func TestBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 2
	cfg.HalfOpenMaxAttempts = 3
	b, clock := newTestBreaker(cfg)

	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	clock.Advance(cfg.Timeout)

	require.NoError(t, b.Execute(ctx, succeedingOp))
	assert.Equal(t, model.BreakerHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeedingOp))
	assert.Equal(t, model.BreakerClosed, b.State())

	// Counters were cleared on close.
	m := b.Metrics()
	assert.Equal(t, 0, m.FailureCount)
	assert.Equal(t, 0, m.SuccessCount)
}

// TestBreakerReopensOnHalfOpenFailure tests that one bad probe re-opens
func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 3
	b, clock := newTestBreaker(cfg)

	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	clock.Advance(cfg.Timeout)

	require.NoError(t, b.Execute(ctx, succeedingOp))
	require.Equal(t, model.BreakerHalfOpen, b.State())

	require.Error(t, b.Execute(ctx, failingOp))
	assert.Equal(t, model.BreakerOpen, b.State())

	// Cooldown restarts from the re-open.
	clock.Advance(cfg.Timeout / 2)
	assert.Equal(t, model.BreakerOpen, b.State())
	clock.Advance(cfg.Timeout / 2)
	assert.Equal(t, model.BreakerHalfOpen, b.State())
}

// TestBreakerRetryAfterCountsDown tests the rejection error payload
func TestBreakerRetryAfterCountsDown(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.Timeout = 30 * time.Second
	b, clock := newTestBreaker(cfg)

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, failingOp))

	clock.Advance(10 * time.Second)

	var openErr *CircuitOpenError
	err := b.Execute(ctx, succeedingOp)
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 20*time.Second, openErr.RetryAfter)
}

// TestBreakerOperatorControls tests Reset and ForceOpen
func TestBreakerOperatorControls(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	b, _ := newTestBreaker(cfg)

	ctx := context.Background()

	t.Run("reset closes an open breaker and clears state", func(t *testing.T) {
		require.Error(t, b.Execute(ctx, failingOp))
		require.Equal(t, model.BreakerOpen, b.State())

		b.Reset()

		assert.Equal(t, model.BreakerClosed, b.State())
		m := b.Metrics()
		assert.Equal(t, 0, m.FailureCount)
		assert.Equal(t, 0, m.WindowSamples)
		assert.NoError(t, b.Execute(ctx, succeedingOp))
	})

	t.Run("force open rejects traffic immediately", func(t *testing.T) {
		b.Reset()
		b.ForceOpen()

		var openErr *CircuitOpenError
		err := b.Execute(ctx, succeedingOp)
		assert.ErrorAs(t, err, &openErr)
	})
}

// TestBreakerEvents tests listener notification ordering and content
func TestBreakerEvents(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 2
	cfg.SuccessThreshold = 1
	b, clock := newTestBreaker(cfg)

	var mu sync.Mutex
	var transitions []model.BreakerEvent
	b.Subscribe(func(ev model.BreakerEvent) {
		if ev.Type != model.BreakerEventStateChange {
			return
		}
		mu.Lock()
		transitions = append(transitions, ev)
		mu.Unlock()
	})

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, failingOp))
	require.Error(t, b.Execute(ctx, failingOp)) // closed -> open
	clock.Advance(cfg.Timeout)
	require.NoError(t, b.Execute(ctx, succeedingOp)) // open -> half-open -> closed

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 3)
	assert.Equal(t, model.BreakerClosed, transitions[0].From)
	assert.Equal(t, model.BreakerOpen, transitions[0].To)
	assert.Equal(t, model.BreakerOpen, transitions[1].From)
	assert.Equal(t, model.BreakerHalfOpen, transitions[1].To)
	assert.Equal(t, model.BreakerHalfOpen, transitions[2].From)
	assert.Equal(t, model.BreakerClosed, transitions[2].To)
	assert.Equal(t, "test-dep", transitions[0].Name)
}

// TestBreakerListenerPanicIsRecovered tests listener isolation
func TestBreakerListenerPanicIsRecovered(t *testing.T) {
	cfg := DefaultBreakerConfig()
	b, _ := newTestBreaker(cfg)

	b.Subscribe(func(ev model.BreakerEvent) {
		panic("bad listener")
	})

	err := b.Execute(context.Background(), succeedingOp)
	assert.NoError(t, err)
	assert.Equal(t, model.BreakerClosed, b.State())
}

// TestBreakerMetrics tests the rolling window snapshot
func TestBreakerMetrics(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 100
	cfg.MonitoringWindow = time.Minute
	b, clock := newTestBreaker(cfg)

	ctx := context.Background()

	require.NoError(t, b.Execute(ctx, succeedingOp))
	require.NoError(t, b.Execute(ctx, succeedingOp))
	require.NoError(t, b.Execute(ctx, succeedingOp))
	require.Error(t, b.Execute(ctx, failingOp))

	m := b.Metrics()
	assert.Equal(t, "test-dep", m.Name)
	assert.Equal(t, model.BreakerClosed, m.State)
	assert.Equal(t, 4, m.WindowSamples)
	assert.InDelta(t, 25.0, m.FailureRate, 0.01)

	// Entries fall out of the monitoring window.
	clock.Advance(2 * time.Minute)
	m = b.Metrics()
	assert.Equal(t, 0, m.WindowSamples)
	assert.Zero(t, m.FailureRate)
}

// TestBreakerRegistry tests per-name isolation and config overrides
func TestBreakerRegistry(t *testing.T) {
	t.Run("same name returns same instance", func(t *testing.T) {
		r := NewBreakerRegistry(nil, log.DefaultLogger)
		assert.Same(t, r.Get(BreakerKieAI), r.Get(BreakerKieAI))
		assert.NotSame(t, r.Get(BreakerKieAI), r.Get(BreakerRunware))
	})

	t.Run("breakers fail independently", func(t *testing.T) {
		r := NewBreakerRegistry(nil, log.DefaultLogger)
		ctx := context.Background()

		kie := r.Get(BreakerKieAI)
		kie.now = newFakeClock().Now
		for i := 0; i < DefaultBreakerConfig().FailureThreshold; i++ {
			require.Error(t, r.Execute(ctx, BreakerKieAI, failingOp))
		}

		assert.Equal(t, model.BreakerOpen, r.Get(BreakerKieAI).State())
		assert.Equal(t, model.BreakerClosed, r.Get(BreakerRunware).State())
		assert.NoError(t, r.Execute(ctx, BreakerRunware, succeedingOp))
	})

	t.Run("snapshot is sorted by name", func(t *testing.T) {
		r := NewBreakerRegistry(nil, log.DefaultLogger)
		r.Get(BreakerStorage)
		r.Get(BreakerKieAI)
		r.Get(BreakerRunware)

		snap := r.Snapshot()
		require.Len(t, snap, 3)
		assert.Equal(t, BreakerKieAI, snap[0].Name)
		assert.Equal(t, BreakerRunware, snap[1].Name)
		assert.Equal(t, BreakerStorage, snap[2].Name)
	})

	t.Run("listener subscribed before creation sees new breakers", func(t *testing.T) {
		r := NewBreakerRegistry(nil, log.DefaultLogger)

		var mu sync.Mutex
		seen := make(map[string]bool)
		r.Subscribe(func(ev model.BreakerEvent) {
			mu.Lock()
			seen[ev.Name] = true
			mu.Unlock()
		})

		require.NoError(t, r.Execute(context.Background(), BreakerStorage, succeedingOp))

		mu.Lock()
		defer mu.Unlock()
		assert.True(t, seen[BreakerStorage])
	})
}
