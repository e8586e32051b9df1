package middleware

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"

	"MediaForge/internal/biz"
	"MediaForge/internal/metrics"
	pkglog "MediaForge/pkg/log"
)

// actionForPath maps request paths to the named limiter actions from conf.
// Paths without a mapping are not limited.
func actionForPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/generations"):
		return "generate"
	case strings.HasPrefix(path, "/v1/webhooks"):
		return "webhook"
	case strings.HasPrefix(path, "/v1/share"):
		return "share_link"
	default:
		return ""
	}
}

// anonymousIdentifier derives a stable identifier for clients whose address
// could not be determined, from request fingerprint headers. Coarse on
// purpose: it only has to separate independent anonymous clients well enough
// for rate limiting.
func anonymousIdentifier(req *http.Request) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Header.Get("User-Agent")))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(req.Header.Get("Accept-Language")))
	return fmt.Sprintf("anon-%x", h.Sum64())
}

// RateLimit returns a middleware enforcing the per-action fixed-window
// limits. Rejections get a 429 with Retry-After and X-RateLimit-Remaining
// headers; requests for unconfigured actions pass through untouched.
func RateLimit(limiter *biz.RateLimiterUseCase, logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return handler(ctx, req)
			}
			ht, ok := tr.(http.Transporter)
			if !ok {
				return handler(ctx, req)
			}

			httpReq := ht.Request()
			action := actionForPath(httpReq.URL.Path)
			if action == "" {
				return handler(ctx, req)
			}
			if _, configured := limiter.Config(action); !configured {
				return handler(ctx, req)
			}

			identifier := ExtractClientIP(httpReq)
			if identifier == "" {
				identifier = anonymousIdentifier(httpReq)
			}

			result, err := limiter.Check(ctx, action, identifier)
			metrics.RecordRateLimitDecision(action, err == nil)
			if err != nil {
				retryAfter := result.RetryAfter(time.Now())
				header := ht.ReplyHeader()
				header.Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
				header.Set("X-RateLimit-Remaining", "0")

				logger.RateLimit("request rejected",
					"action", action,
					"identifier", identifier,
					"retry_after", retryAfter)
				return nil, err
			}

			if result != nil {
				ht.ReplyHeader().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			}

			return handler(ctx, req)
		}
	}
}
