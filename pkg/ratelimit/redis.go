package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed sliding_window.lua
var slidingWindowSrc string

//go:embed token_bucket.lua
var tokenBucketSrc string

//go:embed incr_expire.lua
var incrExpireSrc string

var (
	slidingWindowScript = redis.NewScript(slidingWindowSrc)
	tokenBucketScript   = redis.NewScript(tokenBucketSrc)
	incrExpireScript    = redis.NewScript(incrExpireSrc)
)

const (
	// DefaultRedisTimeout bounds every Redis round trip so a degraded
	// shared backend cannot stall the request path. On timeout the call
	// is treated as backend-unavailable and the limiter falls back to
	// local state.
	DefaultRedisTimeout = 250 * time.Millisecond

	// DefaultRedisPrefix namespaces all limiter keys in the shared store.
	DefaultRedisPrefix = "ratelimit:"
)

// RedisBackend is the durable state store adapter. State written here is
// shared and mutated by all process instances, giving best-effort
// cross-instance consistency; every read-modify-write runs as a single
// server-side script so the Backend atomicity contract holds across
// processes.
type RedisBackend struct {
	client   redis.UniversalClient
	prefix   string
	timeout  time.Duration
	recorder MetricsRecorder
}

// RedisOption configures a RedisBackend using the functional options
// pattern.
type RedisOption func(*RedisBackend)

// WithPrefix sets the key prefix (default "ratelimit:").
func WithPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) { b.prefix = prefix }
}

// WithTimeout sets the per-operation context timeout (default 250ms).
func WithTimeout(d time.Duration) RedisOption {
	return func(b *RedisBackend) { b.timeout = d }
}

// WithRecorder injects a custom metrics backend.
func WithRecorder(r MetricsRecorder) RedisOption {
	return func(b *RedisBackend) { b.recorder = r }
}

// NewRedisBackend wraps a go-redis client. It pings the server once so a
// dead address surfaces at startup rather than on the first request.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisOption) (*RedisBackend, error) {
	b := &RedisBackend{
		client:   client,
		prefix:   DefaultRedisPrefix,
		timeout:  DefaultRedisTimeout,
		recorder: &NoOpMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return b, nil
}

func (b *RedisBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// AllowSlidingWindow implements Backend via the sliding window script.
func (b *RedisBackend) AllowSlidingWindow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	// The member only needs uniqueness, not meaning; a colliding member
	// would silently overwrite a log entry and under-count.
	member := fmt.Sprintf("%d-%d", now.UnixNano(), rand.Int63())
	start := now

	raw, err := slidingWindowScript.Run(ctx, b.client, []string{b.prefix + "sw:" + key},
		limit,
		window.Seconds(),
		float64(now.UnixMicro())/1e6,
		member,
	).Result()
	b.recorder.Observe("ratelimit.redis.latency", time.Since(start).Seconds(), nil)
	if err != nil {
		return Result{}, err
	}
	return parseScriptResult(raw)
}

// AllowTokenBucket implements Backend via the token bucket script.
func (b *RedisBackend) AllowTokenBucket(ctx context.Context, key string, limit, burst int64, window time.Duration) (Result, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	rate := float64(limit) / window.Seconds()
	// Long enough for a drained bucket to refill fully before expiry.
	ttl := 2*window + time.Second
	start := now

	raw, err := tokenBucketScript.Run(ctx, b.client, []string{b.prefix + "tb:" + key},
		rate,
		burst,
		float64(now.UnixMicro())/1e6,
		ttl.Milliseconds(),
	).Result()
	b.recorder.Observe("ratelimit.redis.latency", time.Since(start).Seconds(), nil)
	if err != nil {
		return Result{}, err
	}
	return parseScriptResult(raw)
}

// AllowFixedWindow implements Backend. The key embeds the aligned window
// start, so crossing a boundary lands on a fresh counter and the old one
// simply expires.
func (b *RedisBackend) AllowFixedWindow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	windowStart := now.Truncate(window)
	counterKey := fmt.Sprintf("%sfw:%s:%d", b.prefix, key, windowStart.Unix())
	start := now

	count, err := b.runIncrExpire(ctx, counterKey, window+time.Second)
	b.recorder.Observe("ratelimit.redis.latency", time.Since(start).Seconds(), nil)
	if err != nil {
		return Result{}, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	if count <= limit {
		return Result{Allowed: true, Remaining: remaining}, nil
	}
	retry := windowStart.Add(window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Result{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
}

// IncrViolations implements Backend using the same increment-with-expiry
// script as the fixed window counter.
func (b *RedisBackend) IncrViolations(ctx context.Context, ip string, window time.Duration) (int64, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.runIncrExpire(ctx, b.prefix+"viol:"+ip, window)
}

// BlockedUntil implements Backend. The block record stores its own
// deadline; the key TTL keeps abandoned records from accumulating.
func (b *RedisBackend) BlockedUntil(ctx context.Context, ip string) (time.Time, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	val, err := b.client.Get(ctx, b.prefix+"block:"+ip).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	millis, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt block record for %s: %w", ip, err)
	}
	until := time.UnixMilli(millis)
	if !time.Now().Before(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// SetBlock implements Backend.
func (b *RedisBackend) SetBlock(ctx context.Context, ip string, until time.Time) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	ttl := time.Until(until)
	if ttl <= 0 {
		return b.client.Del(ctx, b.prefix+"block:"+ip).Err()
	}
	return b.client.Set(ctx, b.prefix+"block:"+ip, strconv.FormatInt(until.UnixMilli(), 10), ttl).Err()
}

// RemoveBlock implements Backend.
func (b *RedisBackend) RemoveBlock(ctx context.Context, ip string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.client.Del(ctx, b.prefix+"block:"+ip, b.prefix+"viol:"+ip).Err()
}

func (b *RedisBackend) runIncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	raw, err := incrExpireScript.Run(ctx, b.client, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	count, ok := raw.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected increment reply %T", raw)
	}
	return count, nil
}

// parseScriptResult decodes the {allowed, remaining, retry_after} reply
// shared by the sliding window and token bucket scripts. Retry-after
// travels as a string because Redis truncates Lua floats to integers.
func parseScriptResult(raw any) (Result, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Result{}, errors.New("invalid lua response format")
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	retry := convertToFloat(values[2])

	return Result{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retry * float64(time.Second)),
	}, nil
}

func convertToFloat(val any) float64 {
	switch v := val.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
