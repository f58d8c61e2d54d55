package ratelimit

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result is the outcome of a single algorithm evaluation against a
// backend. It is internal to the limiter; callers see Decision.
type Result struct {
	Allowed   bool
	Remaining int64
	// RetryAfter is the estimated wait until the next admit; zero when
	// allowed.
	RetryAfter time.Duration
}

// Backend is the storage contract shared by the durable and the local
// state stores.
//
// Every Allow* method is one indivisible read-modify-write for its key:
// two concurrent calls for the same key must never both observe the
// pre-update state. The Redis implementation achieves this with a single
// server-side script per call; the memory implementation with a lock
// scoped to the key's shard. That atomicity is the interface's invariant,
// independent of how a backend provides it.
type Backend interface {
	// AllowSlidingWindow prunes expired log entries, counts the
	// remainder, and appends "now" only when admitting. A denied request
	// is never recorded, or it would occupy a slot and cause cascading
	// false negatives.
	AllowSlidingWindow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error)

	// AllowTokenBucket lazily refills the bucket at limit/window tokens
	// per second up to burst, then consumes one token when available.
	// The refilled state is persisted even on denial so starvation does
	// not compound the wait.
	AllowTokenBucket(ctx context.Context, key string, limit, burst int64, window time.Duration) (Result, error)

	// AllowFixedWindow increments the counter of the current
	// boundary-aligned window, implicitly discarding prior windows, and
	// admits while the incremented value stays within limit.
	AllowFixedWindow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error)

	// IncrViolations bumps the denial counter for ip, starting a fresh
	// count when the previous one has expired, and returns the new value.
	IncrViolations(ctx context.Context, ip string, window time.Duration) (int64, error)

	// BlockedUntil reports the block deadline for ip, if one is active.
	BlockedUntil(ctx context.Context, ip string) (time.Time, bool, error)

	// SetBlock marks ip as blocked until the given deadline.
	SetBlock(ctx context.Context, ip string, until time.Time) error

	// RemoveBlock lifts an active block early. Removing an absent block
	// is not an error.
	RemoveBlock(ctx context.Context, ip string) error
}

// allow dispatches one evaluation to the engine named by the policy.
func allow(ctx context.Context, b Backend, key string, p Policy) (Result, error) {
	switch p.Algorithm {
	case SlidingWindow:
		return b.AllowSlidingWindow(ctx, key, p.MaxRequests, p.Window)
	case TokenBucket:
		return b.AllowTokenBucket(ctx, key, p.MaxRequests, p.burst(), p.Window)
	case FixedWindow:
		return b.AllowFixedWindow(ctx, key, p.MaxRequests, p.Window)
	}
	// Unreachable with a validated policy table.
	return Result{}, errors.New("ratelimit: policy names no known algorithm")
}

// isBackendUnavailable classifies errors that mean the durable backend
// cannot be reached right now, as opposed to application errors. Timeouts,
// cancellations, network failures and Redis protocol errors all trigger
// the local fallback.
func isBackendUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
