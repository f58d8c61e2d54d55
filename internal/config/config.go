// Package config loads the gateway configuration from the environment.
// Malformed values are load-time errors: the process must refuse to serve
// traffic with an incomplete policy table rather than silently
// under-protect.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/manenim/auth-gateway-limiter/pkg/ratelimit"
)

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	RateLimiter RateLimiterConfig
}

type ServerConfig struct {
	Port string
}

type RedisConfig struct {
	// Addr empty means local-only limiting, no durable backend.
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

type RateLimiterConfig struct {
	Default  ratelimit.Policy
	Policies map[ratelimit.PolicyKey]ratelimit.Policy
}

// Table builds the validated policy table from the loaded configuration.
func (c RateLimiterConfig) Table() (*ratelimit.PolicyTable, error) {
	return ratelimit.NewPolicyTable(c.Default, c.Policies)
}

// Load reads configuration from a .env file (when present) and the
// process environment.
//
// The default policy comes from RATE_LIMIT_DEFAULT and per-route entries
// from RATE_LIMIT_POLICIES, a comma-separated list. Each entry is
//
//	ROUTE|ROLE|ALGORITHM:MAX:WINDOW_SECONDS:BURST:BLOCK_AFTER:BLOCK_SECONDS
//
// with an empty ROLE matching any role on that route, for example:
//
//	/login||token_bucket:5:60:3:3:900,/api/data|premium|sliding_window:100:60:0:0:0
func Load() (Config, error) {
	_ = godotenv.Load()

	server := ServerConfig{Port: getEnv("SERVER_PORT", "8080")}

	redisCfg, err := buildRedisConfig()
	if err != nil {
		return Config{}, err
	}

	limiterCfg, err := buildRateLimiterConfig()
	if err != nil {
		return Config{}, err
	}

	return Config{Server: server, Redis: redisCfg, RateLimiter: limiterCfg}, nil
}

func buildRedisConfig() (RedisConfig, error) {
	timeoutMs, err := strconv.Atoi(getEnv("REDIS_TIMEOUT_MS", "250"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_TIMEOUT_MS: %w", err)
	}
	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	return RedisConfig{
		Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		Timeout:  time.Duration(timeoutMs) * time.Millisecond,
	}, nil
}

func buildRateLimiterConfig() (RateLimiterConfig, error) {
	def, err := parseRule(getEnv("RATE_LIMIT_DEFAULT", "sliding_window:100:60:0:5:300"))
	if err != nil {
		return RateLimiterConfig{}, fmt.Errorf("invalid RATE_LIMIT_DEFAULT: %w", err)
	}

	policies, err := parsePolicies(os.Getenv("RATE_LIMIT_POLICIES"))
	if err != nil {
		return RateLimiterConfig{}, err
	}

	return RateLimiterConfig{Default: def, Policies: policies}, nil
}

func parsePolicies(raw string) (map[ratelimit.PolicyKey]ratelimit.Policy, error) {
	policies := make(map[ratelimit.PolicyKey]ratelimit.Policy)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return policies, nil
	}

	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(item), "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("policy entry must follow ROUTE|ROLE|RULE: %q", item)
		}
		route := strings.TrimSpace(parts[0])
		role := strings.TrimSpace(parts[1])
		rule, err := parseRule(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid rule for route %q: %w", route, err)
		}
		key := ratelimit.PolicyKey{Route: route, Role: role}
		if _, dup := policies[key]; dup {
			return nil, fmt.Errorf("duplicate policy entry for route %q role %q", route, role)
		}
		policies[key] = rule
	}
	return policies, nil
}

// parseRule decodes ALGORITHM:MAX:WINDOW_SECONDS:BURST:BLOCK_AFTER:BLOCK_SECONDS.
func parseRule(raw string) (ratelimit.Policy, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 6 {
		return ratelimit.Policy{}, fmt.Errorf(
			"rule must follow ALGORITHM:MAX:WINDOW_SECONDS:BURST:BLOCK_AFTER:BLOCK_SECONDS, got %q", raw)
	}

	algorithm, err := ratelimit.ParseAlgorithm(strings.TrimSpace(parts[0]))
	if err != nil {
		return ratelimit.Policy{}, err
	}

	nums := make([]int64, 5)
	names := []string{"max requests", "window seconds", "burst", "block threshold", "block seconds"}
	for i, p := range parts[1:] {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return ratelimit.Policy{}, fmt.Errorf("invalid %s %q: %w", names[i], p, err)
		}
		nums[i] = n
	}

	policy := ratelimit.Policy{
		Algorithm:     algorithm,
		MaxRequests:   nums[0],
		Window:        time.Duration(nums[1]) * time.Second,
		Burst:         nums[2],
		BlockAfter:    nums[3],
		BlockDuration: time.Duration(nums[4]) * time.Second,
	}
	if err := policy.Validate(); err != nil {
		return ratelimit.Policy{}, err
	}
	return policy, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
