package ratelimit

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/shopswift/api/internal/platform/httpx"
	"github.com/shopswift/api/internal/platform/requestctx"
)

// KeyFunc derives the counter key for a request.
type KeyFunc func(r *http.Request) string

// ActorOrIP keys authenticated requests by user id and anonymous ones by client address.
func ActorOrIP(r *http.Request) string {
	if actor := requestctx.Actor(r.Context()); actor != "" {
		return "user:" + actor
	}
	return "ip:" + clientIP(r)
}

// Middleware rejects requests over budget with 429. Store failures let the request through.
func Middleware(limiter *Limiter, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ActorOrIP
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			decision, err := limiter.Allow(ctx, keyFn(r))
			switch {
			case errors.Is(err, ErrLimitExceeded):
				setHeaders(w, limiter.Limit(), decision)
				if !decision.ResetAt.IsZero() {
					seconds := int(decision.ResetAt.Sub(limiter.clock().UTC()).Seconds()) + 1
					if seconds < 1 {
						seconds = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(seconds))
				}
				httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "Too many requests, please try again later", http.StatusTooManyRequests))
				return
			case err != nil:
				requestctx.Logger(ctx).Warn("rate limit store unavailable", zap.Error(err))
			default:
				setHeaders(w, limiter.Limit(), decision)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, limit int, decision Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}
}

func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
