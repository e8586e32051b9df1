package biz

import (
	"context"
	"fmt"
	"time"

	"MediaForge/internal/conf"
	"MediaForge/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// RateLimitConfig is the resolved limiter configuration for one action.
type RateLimitConfig struct {
	MaxAttempts int
	Window      time.Duration
	Block       time.Duration
}

// RateLimitResult reports the outcome of one admission check.
type RateLimitResult struct {
	Allowed      bool
	Remaining    int
	ResetAt      time.Time
	BlockedUntil *time.Time
}

// RetryAfter returns how long the caller should wait before retrying,
// measured from now. Zero when the request was allowed.
func (r *RateLimitResult) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || r.BlockedUntil == nil {
		return 0
	}
	d := r.BlockedUntil.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// RateLimiterUseCase bounds the request rate for (action, identifier) pairs
// using a fixed window with an escalating lockout once the window limit is
// reached.
//
// The window is deliberately fixed rather than sliding: a burst at the window
// boundary can admit close to twice the configured maximum across two
// adjacent windows. This is an accepted simplicity trade-off, not a bug.
type RateLimiterUseCase struct {
	repo    RateLimitRepo
	configs map[string]RateLimitConfig
	logger  *log.Helper

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimiterUseCase creates a rate limiter with per-action configs from
// the bootstrap config. Actions without configuration are not limited.
func NewRateLimiterUseCase(c *conf.Resilience, repo RateLimitRepo, logger log.Logger) *RateLimiterUseCase {
	configs := make(map[string]RateLimitConfig)
	if c != nil {
		for action, rl := range c.RateLimits {
			cfg := RateLimitConfig{MaxAttempts: int(rl.MaxAttempts)}
			if rl.Window != nil {
				cfg.Window = rl.Window.AsDuration()
			}
			if rl.Block != nil {
				cfg.Block = rl.Block.AsDuration()
			}
			configs[action] = cfg
		}
	}

	return &RateLimiterUseCase{
		repo:    repo,
		configs: configs,
		logger:  log.NewHelper(logger),
		now:     time.Now,
	}
}

// newRateLimitExceededError creates an HTTP 429 error with retry information.
func newRateLimitExceededError(action string, retryAfter time.Duration) error {
	return errors.New(
		429,
		"RATE_LIMIT_EXCEEDED",
		fmt.Sprintf("rate limit exceeded for %s, retry after %ds", action, int64(retryAfter.Seconds())),
	)
}

// Config returns the configuration for an action, and whether one exists.
func (uc *RateLimiterUseCase) Config(action string) (RateLimitConfig, bool) {
	cfg, ok := uc.configs[action]
	return cfg, ok
}

// Allow runs one admission check for (action, identifier).
//
// Storage failure policy: the limiter fails open. If the backing store is
// unreachable the request is allowed rather than blocking legitimate traffic
// on an infrastructure fault; this availability-over-strictness choice is
// load-bearing and must be preserved.
func (uc *RateLimiterUseCase) Allow(ctx context.Context, action, identifier string) *RateLimitResult {
	cfg, ok := uc.configs[action]
	if !ok || cfg.MaxAttempts <= 0 {
		// No limit configured, allow request
		return &RateLimitResult{Allowed: true, Remaining: -1}
	}

	now := uc.now()

	w, err := uc.repo.GetWindow(ctx, action, identifier)
	if err != nil {
		uc.logger.Warnf("rate limit store read failed for %s/%s: %v (request allowed)", action, identifier, err)
		return &RateLimitResult{Allowed: true, Remaining: -1}
	}

	// Currently blocked: reject regardless of window state.
	if w != nil && w.BlockedUntil != nil && now.Before(*w.BlockedUntil) {
		return &RateLimitResult{
			Allowed:      false,
			Remaining:    0,
			ResetAt:      *w.BlockedUntil,
			BlockedUntil: w.BlockedUntil,
		}
	}

	// No record, or the window (or a past block) expired: start a fresh
	// window with this request as attempt one.
	if w == nil || now.Sub(w.FirstAttempt) > cfg.Window || w.BlockedUntil != nil {
		fresh := &model.RateLimitWindow{
			AttemptCount: 1,
			FirstAttempt: now,
			LastAttempt:  now,
		}
		if err := uc.repo.SaveWindow(ctx, action, identifier, fresh, uc.windowTTL(cfg)); err != nil {
			uc.logger.Warnf("rate limit store write failed for %s/%s: %v (request allowed)", action, identifier, err)
		}
		return &RateLimitResult{
			Allowed:   true,
			Remaining: cfg.MaxAttempts - 1,
			ResetAt:   now.Add(cfg.Window),
		}
	}

	w.AttemptCount++
	w.LastAttempt = now

	// Window budget exhausted: escalate to a block. All MaxAttempts requests
	// inside the window are admitted; the one after that trips the lockout.
	if w.AttemptCount > cfg.MaxAttempts {
		blockedUntil := now.Add(cfg.Block)
		w.BlockedUntil = &blockedUntil
		if err := uc.repo.SaveWindow(ctx, action, identifier, w, uc.windowTTL(cfg)); err != nil {
			uc.logger.Warnf("rate limit store write failed for %s/%s: %v (request allowed)", action, identifier, err)
			return &RateLimitResult{Allowed: true, Remaining: 0}
		}
		uc.logger.Warnw("rate limit exceeded, identifier blocked",
			"action", action,
			"identifier", identifier,
			"attempts", w.AttemptCount,
			"blocked_until", blockedUntil)
		return &RateLimitResult{
			Allowed:      false,
			Remaining:    0,
			ResetAt:      blockedUntil,
			BlockedUntil: &blockedUntil,
		}
	}

	if err := uc.repo.SaveWindow(ctx, action, identifier, w, uc.windowTTL(cfg)); err != nil {
		uc.logger.Warnf("rate limit store write failed for %s/%s: %v (request allowed)", action, identifier, err)
	}
	return &RateLimitResult{
		Allowed:   true,
		Remaining: cfg.MaxAttempts - w.AttemptCount,
		ResetAt:   w.FirstAttempt.Add(cfg.Window),
	}
}

// Check is Allow mapped to the error surface: a rejected request becomes an
// HTTP 429 kratos error carrying the retry delay.
func (uc *RateLimiterUseCase) Check(ctx context.Context, action, identifier string) (*RateLimitResult, error) {
	res := uc.Allow(ctx, action, identifier)
	if !res.Allowed {
		return res, newRateLimitExceededError(action, res.RetryAfter(uc.now()))
	}
	return res, nil
}

// windowTTL keeps the record alive for the longer of window and block so a
// block always outlives its window record.
func (uc *RateLimiterUseCase) windowTTL(cfg RateLimitConfig) time.Duration {
	ttl := cfg.Window
	if cfg.Block > ttl {
		ttl = cfg.Block
	}
	// Slack for the boundary between window expiry and the pruning read.
	return ttl + time.Minute
}
