package biz

import (
	"context"
	"time"

	"MediaForge/internal/model"
)

// RateLimitRepo defines the interface for rate limit window storage.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.RateLimitRepo).
type RateLimitRepo interface {
	// GetWindow returns the current window record, or nil when none exists.
	GetWindow(ctx context.Context, action, identifier string) (*model.RateLimitWindow, error)

	// SaveWindow stores the window record with the given TTL.
	SaveWindow(ctx context.Context, action, identifier string, w *model.RateLimitWindow, ttl time.Duration) error

	// DeleteWindow removes the window record.
	DeleteWindow(ctx context.Context, action, identifier string) error
}
