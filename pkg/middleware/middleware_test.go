package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/auth-gateway-limiter/pkg/ratelimit"
)

func newLimiter(t *testing.T, max int64) *ratelimit.Limiter {
	t.Helper()
	table, err := ratelimit.NewPolicyTable(ratelimit.Policy{
		MaxRequests: max,
		Window:      time.Minute,
		Algorithm:   ratelimit.SlidingWindow,
	}, nil)
	require.NoError(t, err)
	return ratelimit.New(table)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func doRequest(handler http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.RemoteAddr = ip + ":51234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_AllowsWithinBudget(t *testing.T) {
	handler := RateLimit(newLimiter(t, 2))(okHandler())

	rec := doRequest(handler, "203.0.113.1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimit_DeniesWith429(t *testing.T) {
	handler := RateLimit(newLimiter(t, 1))(okHandler())

	doRequest(handler, "203.0.113.1")
	rec := doRequest(handler, "203.0.113.1")

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	retry, err := time.ParseDuration(rec.Header().Get("Retry-After") + "s")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, time.Second)
}

func TestRateLimit_SeparatesClientsByIP(t *testing.T) {
	handler := RateLimit(newLimiter(t, 1))(okHandler())

	doRequest(handler, "203.0.113.1")
	rec := doRequest(handler, "203.0.113.2")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_CustomIdentityFunc(t *testing.T) {
	limiter := newLimiter(t, 1)
	handler := RateLimit(limiter, WithIdentityFunc(func(r *http.Request) ratelimit.Identity {
		return ratelimit.Identity{
			IP:     ClientIP(r),
			UserID: r.Header.Get("X-User-ID"),
			Role:   r.Header.Get("X-User-Role"),
		}
	}))(okHandler())

	send := func(ip, user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
		req.RemoteAddr = ip + ":40000"
		req.Header.Set("X-User-ID", user)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// One budget per user, across source addresses.
	require.Equal(t, http.StatusOK, send("203.0.113.1", "u1"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.9", "u1"))
	assert.Equal(t, http.StatusOK, send("203.0.113.1", "u2"))
}

func TestRateLimit_GlobalGuard(t *testing.T) {
	handler := RateLimit(newLimiter(t, 1000), WithGlobalLimit(1, 1))(okHandler())

	first := doRequest(handler, "203.0.113.1")
	require.Equal(t, http.StatusOK, first.Code)

	// Distinct client, but the process-wide guard is exhausted.
	second := doRequest(handler, "203.0.113.2")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:9000"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(req))
}
