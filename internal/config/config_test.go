package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/auth-gateway-limiter/pkg/ratelimit"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Redis.Timeout)

	def := cfg.RateLimiter.Default
	assert.Equal(t, ratelimit.SlidingWindow, def.Algorithm)
	assert.EqualValues(t, 100, def.MaxRequests)
	assert.Equal(t, time.Minute, def.Window)
	assert.EqualValues(t, 5, def.BlockAfter)
	assert.Equal(t, 5*time.Minute, def.BlockDuration)

	_, err = cfg.RateLimiter.Table()
	assert.NoError(t, err)
}

func TestLoad_PolicyEntries(t *testing.T) {
	t.Setenv("RATE_LIMIT_POLICIES",
		"/login||token_bucket:5:60:3:3:900, /api/data|premium|sliding_window:200:60:0:0:0")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.RateLimiter.Policies, 2)

	login := cfg.RateLimiter.Policies[ratelimit.PolicyKey{Route: "/login"}]
	assert.Equal(t, ratelimit.TokenBucket, login.Algorithm)
	assert.EqualValues(t, 5, login.MaxRequests)
	assert.EqualValues(t, 3, login.Burst)
	assert.Equal(t, 15*time.Minute, login.BlockDuration)

	premium := cfg.RateLimiter.Policies[ratelimit.PolicyKey{Route: "/api/data", Role: "premium"}]
	assert.EqualValues(t, 200, premium.MaxRequests)
	assert.EqualValues(t, 0, premium.BlockAfter)
}

func TestLoad_RejectsMalformedEntries(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"wrong field count", "/login||token_bucket:5:60"},
		{"missing role separator", "/login|token_bucket:5:60:3:3:900"},
		{"unknown algorithm", "/login||leaky_bucket:5:60:3:3:900"},
		{"non-numeric max", "/login||token_bucket:abc:60:3:3:900"},
		{"zero window", "/login||token_bucket:5:0:3:3:900"},
		{"burst above max", "/login||token_bucket:5:60:9:3:900"},
		{"duplicate entry", "/login||token_bucket:5:60:3:3:900,/login||token_bucket:5:60:3:3:900"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RATE_LIMIT_POLICIES", tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_RejectsMalformedDefault(t *testing.T) {
	t.Setenv("RATE_LIMIT_DEFAULT", "sliding_window:0:60:0:0:0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_DEFAULT")
}

func TestLoad_RedisSettings(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis-0.internal:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_TIMEOUT_MS", "100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis-0.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 100*time.Millisecond, cfg.Redis.Timeout)

	t.Setenv("REDIS_DB", "not-a-number")
	_, err = Load()
	assert.Error(t, err)
}
