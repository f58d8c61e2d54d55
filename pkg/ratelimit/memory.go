package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const memoryShards = 32

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

type windowCounter struct {
	windowStart time.Time
	count       int64
}

type violationCount struct {
	count   int64
	expires time.Time
}

// memoryShard owns a slice of the key space. All per-key read-modify-write
// sequences run under the shard mutex, which is what makes the Backend
// atomicity contract hold without a shared store.
type memoryShard struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	buckets  map[string]*bucketState
	counters map[string]*windowCounter
	lastSeen map[string]time.Time
}

// MemoryBackend is the process-local state store. It owns sliding-window
// logs, token buckets, fixed-window counters and the blocked-identity
// registry for a single process; it is never shared across instances.
//
// It is safe for concurrent use: keys are striped across shards, each
// guarded by its own mutex, so contention on one hot key does not stall
// unrelated keys. State expires lazily on access; StartJanitor adds a
// periodic sweep for keys that stop receiving traffic.
type MemoryBackend struct {
	shards [memoryShards]*memoryShard

	blockMu    sync.Mutex
	blocks     map[string]time.Time
	violations map[string]*violationCount

	idleTTL      time.Duration
	cleanupEvery time.Duration

	// now is swapped out by tests to drive time directly.
	now func() time.Time
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithIdleTTL sets how long untouched per-key state survives a janitor
// sweep (default 15 minutes).
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) { m.idleTTL = d }
}

// WithCleanupEvery sets the janitor sweep interval (default 2 minutes).
func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) { m.cleanupEvery = d }
}

// NewMemoryBackend constructs a MemoryBackend with empty state.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		blocks:       make(map[string]time.Time),
		violations:   make(map[string]*violationCount),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{
			windows:  make(map[string][]time.Time),
			buckets:  make(map[string]*bucketState),
			counters: make(map[string]*windowCounter),
			lastSeen: make(map[string]time.Time),
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryBackend) shard(key string) *memoryShard {
	return m.shards[xxhash.Sum64String(key)%memoryShards]
}

// AllowSlidingWindow implements Backend. Expired entries are pruned, the
// remainder counted, and "now" appended only on admit.
func (m *MemoryBackend) AllowSlidingWindow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	s.lastSeen[key] = now
	cutoff := now.Add(-window)

	log := s.windows[key]
	expired := 0
	for expired < len(log) && !log[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		log = append([]time.Time(nil), log[expired:]...)
	}

	if int64(len(log)) < limit {
		log = append(log, now)
		s.windows[key] = log
		return Result{Allowed: true, Remaining: limit - int64(len(log))}, nil
	}

	s.windows[key] = log
	// The next slot opens when the oldest recorded entry leaves the window.
	retry := log[0].Add(window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Result{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
}

// AllowTokenBucket implements Backend with lazy continuous refill; there
// is no background timer.
func (m *MemoryBackend) AllowTokenBucket(ctx context.Context, key string, limit, burst int64, window time.Duration) (Result, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	s.lastSeen[key] = now
	rate := float64(limit) / window.Seconds()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucketState{tokens: float64(burst), lastRefill: now}
		s.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastRefill)
		if elapsed < 0 {
			elapsed = 0
		}
		b.tokens += elapsed.Seconds() * rate
		if b.tokens > float64(burst) {
			b.tokens = float64(burst)
		}
	}
	// Persist the refill timestamp on both outcomes so a starved bucket
	// does not compound its wait.
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return Result{Allowed: true, Remaining: int64(b.tokens)}, nil
	}

	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	return Result{Allowed: false, Remaining: 0, RetryAfter: wait}, nil
}

// AllowFixedWindow implements Backend. Crossing a window boundary
// implicitly discards the previous counter; there is no carry-over.
func (m *MemoryBackend) AllowFixedWindow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	s.lastSeen[key] = now
	windowStart := now.Truncate(window)

	c, ok := s.counters[key]
	if !ok || !c.windowStart.Equal(windowStart) {
		c = &windowCounter{windowStart: windowStart}
		s.counters[key] = c
	}
	c.count++

	remaining := limit - c.count
	if remaining < 0 {
		remaining = 0
	}
	if c.count <= limit {
		return Result{Allowed: true, Remaining: remaining}, nil
	}
	retry := windowStart.Add(window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Result{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
}

// IncrViolations implements Backend.
func (m *MemoryBackend) IncrViolations(ctx context.Context, ip string, window time.Duration) (int64, error) {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()

	now := m.now()
	v, ok := m.violations[ip]
	if !ok || now.After(v.expires) {
		v = &violationCount{expires: now.Add(window)}
		m.violations[ip] = v
	}
	v.count++
	return v.count, nil
}

// BlockedUntil implements Backend. Expired blocks are removed on read;
// unblocking is a time-based predicate, not a timer callback.
func (m *MemoryBackend) BlockedUntil(ctx context.Context, ip string) (time.Time, bool, error) {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()

	until, ok := m.blocks[ip]
	if !ok {
		return time.Time{}, false, nil
	}
	if !m.now().Before(until) {
		delete(m.blocks, ip)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// SetBlock implements Backend.
func (m *MemoryBackend) SetBlock(ctx context.Context, ip string, until time.Time) error {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()
	m.blocks[ip] = until
	return nil
}

// RemoveBlock implements Backend.
func (m *MemoryBackend) RemoveBlock(ctx context.Context, ip string) error {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()
	delete(m.blocks, ip)
	delete(m.violations, ip)
	return nil
}

// KeyCount reports the number of keys with live state, across all shards.
func (m *MemoryBackend) KeyCount() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.lastSeen)
		s.mu.Unlock()
	}
	return n
}

// Cleanup drops state for keys idle longer than the idle TTL, and expired
// blocks and violation counts. High-cardinality key spaces would otherwise
// grow without bound in a long-lived process.
func (m *MemoryBackend) Cleanup() {
	now := m.now()
	cutoff := now.Add(-m.idleTTL)

	for _, s := range m.shards {
		s.mu.Lock()
		for key, seen := range s.lastSeen {
			if seen.Before(cutoff) {
				delete(s.windows, key)
				delete(s.buckets, key)
				delete(s.counters, key)
				delete(s.lastSeen, key)
			}
		}
		s.mu.Unlock()
	}

	m.blockMu.Lock()
	for ip, until := range m.blocks {
		if !now.Before(until) {
			delete(m.blocks, ip)
		}
	}
	for ip, v := range m.violations {
		if now.After(v.expires) {
			delete(m.violations, ip)
		}
	}
	m.blockMu.Unlock()
}

// StartJanitor runs Cleanup periodically until ctx is cancelled.
func (m *MemoryBackend) StartJanitor(ctx context.Context) {
	if m.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(m.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Cleanup()
			}
		}
	}()
}
