// Package middleware adapts the rate limiter to net/http. It extracts the
// client identity from the request, asks the limiter for a decision, and
// renders denials as 429 responses with Retry-After and X-RateLimit-*
// headers. The limiter itself never sees HTTP types.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/manenim/auth-gateway-limiter/pkg/ratelimit"
)

const limitExceededMessage = "you have reached the maximum number of requests allowed within a certain time frame"

// IdentityFunc extracts the caller's identity from a request. The default
// uses ClientIP only; gateways that authenticate upstream of the limiter
// install their own extractor to populate UserID and Role.
type IdentityFunc func(*http.Request) ratelimit.Identity

// Option configures the middleware.
type Option func(*rateLimitHandler)

// WithIdentityFunc installs a custom identity extractor.
func WithIdentityFunc(fn IdentityFunc) Option {
	return func(h *rateLimitHandler) { h.identity = fn }
}

// WithGlobalLimit adds a process-wide throughput guard in front of the
// per-key policies: a token bucket shared by all requests, meant as a
// last-line overload protection for the instance itself.
func WithGlobalLimit(rps float64, burst int) Option {
	return func(h *rateLimitHandler) { h.guard = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithLogger sets the structured logger (default slog.Default).
func WithLogger(logger *slog.Logger) Option {
	return func(h *rateLimitHandler) { h.logger = logger }
}

type rateLimitHandler struct {
	limiter  *ratelimit.Limiter
	identity IdentityFunc
	guard    *rate.Limiter
	logger   *slog.Logger
}

// RateLimit returns a net/http middleware gating every request through the
// limiter. Route granularity is the request path as seen here; mount the
// middleware behind any path normalization the router performs.
func RateLimit(limiter *ratelimit.Limiter, opts ...Option) func(http.Handler) http.Handler {
	h := &rateLimitHandler{
		limiter: limiter,
		identity: func(r *http.Request) ratelimit.Identity {
			return ratelimit.Identity{IP: ClientIP(r)}
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.guard != nil && !h.guard.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			dec := h.limiter.Allow(r.Context(), h.identity(r), r.URL.Path)

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))

			if !dec.Allowed {
				h.logger.Debug("request throttled",
					"path", r.URL.Path, "blocked", dec.Blocked, "retry_after", dec.RetryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSeconds()))
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(limitExceededMessage))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP resolves the originating address of a request, preferring the
// X-Forwarded-For chain, then X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	xRealIP := strings.TrimSpace(r.Header.Get("X-Real-IP"))
	if xRealIP != "" {
		return xRealIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
