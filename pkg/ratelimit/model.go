package ratelimit

import (
	"fmt"
	"time"
)

// Algorithm selects the throttling strategy an engine applies to a key.
type Algorithm string

const (
	// SlidingWindow counts requests in a continuously moving interval
	// ending at "now". Precise, but keeps one log entry per admitted
	// request.
	SlidingWindow Algorithm = "sliding_window"
	// TokenBucket models capacity as a continuously refilling pool of
	// permits. Supports bursts while enforcing a long-term average rate.
	TokenBucket Algorithm = "token_bucket"
	// FixedWindow counts requests in discrete, boundary-aligned slices.
	// Cheapest and least precise; admits up to 2x bursts at window
	// boundaries, so reserve it for low-risk routes.
	FixedWindow Algorithm = "fixed_window"
)

// ParseAlgorithm maps a configuration string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case SlidingWindow, TokenBucket, FixedWindow:
		return Algorithm(s), nil
	}
	return "", fmt.Errorf("unknown rate limit algorithm %q", s)
}

// Policy defines the limit applied to one (route, role) pair.
//
// MaxRequests per Window is the steady-state budget. Burst, when non-zero,
// caps the token bucket below MaxRequests to limit burst size independent
// of the average rate; it is ignored by the other algorithms.
//
// BlockAfter is the number of denials within Window that escalates the
// origin IP to a hard block for BlockDuration. BlockAfter == 1 blocks on
// the first denial; BlockAfter == 0 disables hard blocking for the policy.
type Policy struct {
	MaxRequests   int64
	Window        time.Duration
	Algorithm     Algorithm
	Burst         int64
	BlockAfter    int64
	BlockDuration time.Duration
}

// Validate reports whether the policy is safe to serve traffic with.
// A malformed policy must be rejected at load time, not defaulted at
// request time.
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return fmt.Errorf("policy max requests must be positive, got %d", p.MaxRequests)
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy window must be positive, got %s", p.Window)
	}
	if _, err := ParseAlgorithm(string(p.Algorithm)); err != nil {
		return err
	}
	if p.Burst < 0 || p.Burst > p.MaxRequests {
		return fmt.Errorf("policy burst must be in [0, %d], got %d", p.MaxRequests, p.Burst)
	}
	if p.BlockAfter < 0 {
		return fmt.Errorf("policy block threshold cannot be negative, got %d", p.BlockAfter)
	}
	if p.BlockAfter > 0 && p.BlockDuration <= 0 {
		return fmt.Errorf("policy block duration must be positive when blocking is enabled")
	}
	return nil
}

// burst returns the effective bucket capacity: Burst when set, otherwise
// MaxRequests.
func (p Policy) burst() int64 {
	if p.Burst > 0 {
		return p.Burst
	}
	return p.MaxRequests
}

// Identity describes the origin of a request as seen by the middleware.
// IP is always present; UserID and Role are set once authentication has
// resolved the caller.
type Identity struct {
	IP     string
	UserID string
	Role   string
}

// Key derives the identifier scoping all counters and logs to this
// client+route combination. User-scoped keys take precedence over
// IP-scoped keys so an authenticated user keeps one budget across
// addresses.
func (id Identity) Key(route string) string {
	if id.UserID != "" {
		return "user:" + id.UserID + ":" + route
	}
	return "ip:" + id.IP + ":" + route
}

// Decision is the structured outcome of a single Allow call. Denial is
// data, not an error: callers render it as a 429-class response using
// RetryAfter for the Retry-After header.
type Decision struct {
	Allowed   bool
	Limit     int64
	Window    time.Duration
	Remaining int64
	// RetryAfter is zero when allowed; when denied it is the approximate
	// duration until the next request could be admitted.
	RetryAfter time.Duration
	// Blocked reports that the origin IP is hard-blocked and the
	// algorithm engines were not consulted.
	Blocked bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds with a one
// second floor on denial, suitable for a Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
