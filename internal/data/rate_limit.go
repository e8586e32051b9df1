package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MediaForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// RateLimitRepo implements biz.RateLimitRepo interface on top of the Redis
// cache client. Window records are stored as JSON with a TTL so abandoned
// windows expire on their own.
//
// Errors are reported to the caller untouched; the fail-open policy (allow on
// storage failure) lives in the biz layer where it is a documented decision,
// not an accident of this repository.
type RateLimitRepo struct {
	cache  CacheClient
	logger *log.Helper
}

// NewRateLimitRepo creates a new rate limit repository.
func NewRateLimitRepo(d *Data, logger log.Logger) *RateLimitRepo {
	return &RateLimitRepo{
		cache:  d.GetCache(),
		logger: log.NewHelper(logger),
	}
}

// GetWindow returns the current window record, or nil when none exists.
func (r *RateLimitRepo) GetWindow(ctx context.Context, action, identifier string) (*model.RateLimitWindow, error) {
	var w model.RateLimitWindow
	err := r.cache.Get(ctx, rateLimitKey(action, identifier), &w)
	if errors.Is(err, ErrCacheNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit window: %w", err)
	}
	return &w, nil
}

// SaveWindow stores the window record with the given TTL.
func (r *RateLimitRepo) SaveWindow(ctx context.Context, action, identifier string, w *model.RateLimitWindow, ttl time.Duration) error {
	if err := r.cache.Set(ctx, rateLimitKey(action, identifier), w, ttl); err != nil {
		return fmt.Errorf("failed to save rate limit window: %w", err)
	}
	return nil
}

// DeleteWindow removes the window record.
func (r *RateLimitRepo) DeleteWindow(ctx context.Context, action, identifier string) error {
	if err := r.cache.Delete(ctx, rateLimitKey(action, identifier)); err != nil {
		return fmt.Errorf("failed to delete rate limit window: %w", err)
	}
	return nil
}

// rateLimitKey generates the cache key for a window record.
// Format: ratelimit:{action}:{identifier}
func rateLimitKey(action, identifier string) string {
	return fmt.Sprintf("%s:%s:%s", CacheKeyRateLimit, action, identifier)
}
