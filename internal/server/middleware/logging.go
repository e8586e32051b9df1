// Package middleware provides HTTP middleware for request logging and rate limiting.
package middleware

import (
	"context"
	"strconv"
	"strings"
	"time"

	"MediaForge/internal/metrics"
	pkglog "MediaForge/pkg/log"

	kratoserrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// Logging returns a middleware that logs every HTTP request with a generated
// request id and flags slow requests. The request id is injected into the
// context so downstream log calls carry it automatically.
func Logging(logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			var (
				method    string
				path      string
				endpoint  string
				ip        string
				userAgent string
				requestID string
			)

			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Operation()
				path = tr.Operation()

				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
					endpoint = httpReq.URL.Path
					if httpReq.URL.RawQuery != "" {
						path = path + "?" + httpReq.URL.RawQuery
					}

					ip = ExtractClientIP(httpReq)
					userAgent = httpReq.Header.Get("User-Agent")

					requestID = httpReq.Header.Get("X-Request-ID")
					if requestID == "" {
						requestID = pkglog.GenerateRequestID()
					}
				}
			}

			ctx = pkglog.WithRequestContext(ctx, requestID, "", "")

			reply, err := handler(ctx, req)

			duration := time.Since(startTime).Milliseconds()

			status := 200
			if err != nil {
				status = int(kratoserrors.FromError(err).Code)
			}

			metrics.RecordHTTPRequest(method, endpoint, strconv.Itoa(status), time.Since(startTime))

			logger.RequestWithContext(ctx, method, path, status, duration,
				"ip", ip,
				"user_agent", userAgent,
			)

			return reply, err
		}
	}
}

// ExtractClientIP extracts the client IP from the request.
// Priority: X-Forwarded-For (first hop) > X-Real-IP > RemoteAddr.
func ExtractClientIP(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	return req.RemoteAddr
}
