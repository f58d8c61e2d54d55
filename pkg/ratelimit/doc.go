// Package ratelimit provides the adaptive rate limiting used by the
// authentication middleware: per-route, per-role throttling with an
// escalation path from soft denial to a temporary hard block of the
// origin IP.
//
// The primary entry point is the Limiter:
//
//	dec := limiter.Allow(ctx, id, route)
//
// The returned Decision contains whether the request is allowed, the
// applied limit and window, how many requests remain, and timing hints
// for callers that want to set rate-limit headers (for example,
// Retry-After). Denial is data, not an error.
//
// # Overview
//
// Each request is resolved against a static PolicyTable keyed by
// (route, role). The policy names one of three interchangeable
// algorithms:
//
//   - SlidingWindow: counts requests in a continuously moving interval.
//     Precise; one log entry per admitted request.
//   - TokenBucket: a continuously refilling pool of permits, with an
//     optional Burst cap below the steady-state budget.
//   - FixedWindow: a counter per boundary-aligned time slice. Cheapest,
//     but admits up to 2x bursts at window boundaries; pick it only for
//     low-risk routes.
//
// Before any algorithm runs, the BlockManager is consulted: an IP that
// accumulated enough denials is rejected outright for all routes until
// its block lapses, without touching algorithm state.
//
// # Backends
//
// Algorithm state lives in one of two stores behind the Backend
// interface:
//
//   - MemoryBackend: process-local sharded maps. Used directly in
//     single-instance deployments and tests, and always present as the
//     fallback store.
//   - RedisBackend: shared state in Redis with every read-modify-write
//     executed as one server-side Lua script, which makes the limits hold
//     across many application instances.
//
// When the Redis backend times out or errors, the Limiter logs a warning
// and evaluates that call against the MemoryBackend instead. The two
// stores are not synchronized; a fallback resets observed counts in the
// store that takes over. This is an accepted trade-off: consistency
// degrades, correctness per store does not, and the caller still gets a
// decision rather than an error.
//
// # Concurrency
//
// Allow is safe under arbitrary concurrent invocation. Per-key sequences
// are atomic: the MemoryBackend locks the key's shard, the RedisBackend
// runs one script per decision. Cross-key operations interleave freely.
//
// # Context and Timeouts
//
// Allow accepts a context.Context which is passed through to Redis.
// Redis operations additionally carry a short per-call timeout
// (WithTimeout, default 250ms) so a degraded shared backend cannot stall
// the request path; an expired call counts as backend-unavailable and
// falls back.
//
// # Configuration
//
// The RedisBackend uses functional options:
//
//	backend, _ := ratelimit.NewRedisBackend(client,
//		ratelimit.WithPrefix("authgw:"),
//		ratelimit.WithTimeout(100*time.Millisecond),
//		ratelimit.WithRecorder(myMetrics),
//	)
//
// Policies are validated when the PolicyTable is built; a malformed
// policy is a startup failure, never a silent request-time default.
package ratelimit
