package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type contextKey string

const requestContextKey contextKey = "mediaforge_request_context"

// RequestContext carries per-request tracing information across functions
// and modules via context.Context.
type RequestContext struct {
	RequestID string
	UserID    string
	JobID     string
	StartTime time.Time
}

var (
	randSource = rand.NewSource(time.Now().UnixNano())
	randMutex  sync.Mutex
	// base36 charset (lowercase letters + digits)
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID generates a 10-character random request ID,
// e.g. mgrn0zfqda. Base36 keeps it short and log-friendly.
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithRequestContext injects a RequestContext into ctx. Called by
// middleware at the start of each request.
func WithRequestContext(ctx context.Context, requestID, userID, jobID string) context.Context {
	reqCtx := &RequestContext{
		RequestID: requestID,
		UserID:    userID,
		JobID:     jobID,
		StartTime: time.Now(),
	}
	return context.WithValue(ctx, requestContextKey, reqCtx)
}

// GetRequestContext extracts the RequestContext from ctx, returning a
// placeholder when none is present so callers never need a nil check.
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return &RequestContext{RequestID: "unknown"}
	}

	if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		return reqCtx
	}

	return &RequestContext{RequestID: "unknown"}
}

// GetRequestID extracts the request ID from ctx.
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// GetElapsedTime returns the elapsed request time in milliseconds.
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
