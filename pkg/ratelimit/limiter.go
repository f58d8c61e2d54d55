package ratelimit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Limiter is the single entry point consumed by the middleware layer. It
// orchestrates policy lookup, the block check, algorithm dispatch and
// escalation. Every call mutates shared state (a counter, a log, or a
// bucket) regardless of outcome; rate limiting is inherently stateful on
// read.
type Limiter struct {
	table    *PolicyTable
	primary  Backend
	local    *MemoryBackend
	blocks   *BlockManager
	logger   *slog.Logger
	recorder MetricsRecorder

	allowed   atomic.Uint64
	denied    atomic.Uint64
	blocked   atomic.Uint64
	fallbacks atomic.Uint64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithBackend sets the durable shared backend. Without it the limiter is
// local-only, which is also the per-call behavior whenever the backend is
// unreachable.
func WithBackend(b Backend) Option {
	return func(l *Limiter) { l.primary = b }
}

// WithLocalStore overrides the process-local fallback store.
func WithLocalStore(m *MemoryBackend) Option {
	return func(l *Limiter) { l.local = m }
}

// WithLogger sets the structured logger (default slog.Default).
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics injects a metrics backend.
func WithMetrics(r MetricsRecorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// New constructs a Limiter over a validated policy table.
func New(table *PolicyTable, opts ...Option) *Limiter {
	l := &Limiter{
		table:    table,
		logger:   slog.Default(),
		recorder: &NoOpMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.local == nil {
		l.local = NewMemoryBackend()
	}
	l.logger = l.logger.With("component", "ratelimit")
	l.blocks = NewBlockManager(l.primary, l.local, l.logger, l.recorder)
	return l
}

// Allow decides whether a request from id to route may proceed. It never
// fails: backend trouble degrades to local state and the caller always
// gets an admit/deny decision.
//
// The two stores are not synchronized, so a fallback resets the observed
// counts in the store that takes over. That is an accepted consistency
// degradation, not a correctness violation; each store individually
// upholds its limits.
func (l *Limiter) Allow(ctx context.Context, id Identity, route string) Decision {
	policy := l.table.Lookup(route, id.Role)

	// Hard blocks short-circuit before any algorithm state is touched.
	if remaining, blocked := l.blocks.Status(ctx, id.IP); blocked {
		l.blocked.Add(1)
		l.recorder.Add("ratelimit.denied", 1, map[string]string{"reason": "blocked"})
		return Decision{
			Allowed:    false,
			Limit:      policy.MaxRequests,
			Window:     policy.Window,
			RetryAfter: remaining,
			Blocked:    true,
		}
	}

	res := l.evaluate(ctx, id.Key(route), policy)

	if res.Allowed {
		l.allowed.Add(1)
		l.recorder.Add("ratelimit.allowed", 1, nil)
	} else {
		l.denied.Add(1)
		l.recorder.Add("ratelimit.denied", 1, map[string]string{"reason": "throttled"})
		l.blocks.RegisterDenial(ctx, id.IP, policy)
	}

	return Decision{
		Allowed:    res.Allowed,
		Limit:      policy.MaxRequests,
		Window:     policy.Window,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}
}

// evaluate dispatches to the policy's engine on the durable backend,
// falling back to the local store for this call when the backend is
// unreachable.
func (l *Limiter) evaluate(ctx context.Context, key string, policy Policy) Result {
	if l.primary != nil {
		start := time.Now()
		res, err := allow(ctx, l.primary, key, policy)
		l.recorder.Observe("ratelimit.backend.latency", time.Since(start).Seconds(), nil)
		if err == nil {
			return res
		}
		l.fallbacks.Add(1)
		l.recorder.Add("ratelimit.fallback", 1, nil)
		if isBackendUnavailable(err) {
			l.logger.WarnContext(ctx, "durable backend unavailable, falling back to local state",
				"key", key, "error", err)
		} else {
			l.logger.ErrorContext(ctx, "durable backend evaluation failed, falling back to local state",
				"key", key, "error", err)
		}
	}

	res, err := allow(ctx, l.local, key, policy)
	if err != nil {
		// The memory backend has no failure modes; if this ever fires the
		// limiter admits rather than rejecting traffic on its own bug.
		l.logger.ErrorContext(ctx, "local state evaluation failed, admitting request",
			"key", key, "error", err)
		return Result{Allowed: true, Remaining: 0}
	}
	return res
}

// UnblockIP lifts a hard block early. Intended for operator tooling, not
// request-path code.
func (l *Limiter) UnblockIP(ctx context.Context, ip string) error {
	return l.blocks.Unblock(ctx, ip)
}

// Stats is a snapshot of limiter activity for monitoring.
type Stats struct {
	// Allowed, Denied and Blocked count decisions since startup; Blocked
	// counts denials answered from the block registry alone.
	Allowed uint64
	Denied  uint64
	Blocked uint64
	// Fallbacks counts calls that degraded to the local store.
	Fallbacks uint64
	// LocalKeys is the number of keys with live local state.
	LocalKeys int
	// BackendEnabled reports whether a durable backend is configured.
	BackendEnabled bool
}

// Stats returns a point-in-time snapshot of limiter counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Allowed:        l.allowed.Load(),
		Denied:         l.denied.Load(),
		Blocked:        l.blocked.Load(),
		Fallbacks:      l.fallbacks.Load(),
		LocalKeys:      l.local.KeyCount(),
		BackendEnabled: l.primary != nil,
	}
}
