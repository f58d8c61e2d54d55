package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// BlockManager escalates repeated denials into a time-boxed hard block on
// the origin IP. Blocks are always keyed by source IP regardless of which
// key was throttled: blocking protects against the network origin, not a
// single user session. While blocked, every request from that IP is denied
// for all routes without consuming any algorithm state; the block lapses
// on its own once the deadline passes.
type BlockManager struct {
	primary  Backend
	local    *MemoryBackend
	logger   *slog.Logger
	recorder MetricsRecorder
}

// NewBlockManager builds a BlockManager over the durable backend (may be
// nil for local-only deployments) and the process-local fallback.
func NewBlockManager(primary Backend, local *MemoryBackend, logger *slog.Logger, recorder MetricsRecorder) *BlockManager {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = &NoOpMetricsRecorder{}
	}
	return &BlockManager{
		primary:  primary,
		local:    local,
		logger:   logger.With("component", "blockmanager"),
		recorder: recorder,
	}
}

// Status reports whether ip is currently blocked and, if so, for how much
// longer. Backend failures degrade to the local registry rather than
// failing the request.
func (b *BlockManager) Status(ctx context.Context, ip string) (time.Duration, bool) {
	if b.primary != nil {
		until, blocked, err := b.primary.BlockedUntil(ctx, ip)
		if err == nil {
			if !blocked {
				return 0, false
			}
			return time.Until(until), true
		}
		b.fallback(ctx, "block status", err)
	}

	until, blocked, _ := b.local.BlockedUntil(ctx, ip)
	if !blocked {
		return 0, false
	}
	return until.Sub(b.local.now()), true
}

// RegisterDenial records one denial for ip under the given policy and
// transitions the IP to Blocked once the policy's threshold is reached
// within its window. Policies with BlockAfter == 0 never escalate.
func (b *BlockManager) RegisterDenial(ctx context.Context, ip string, p Policy) {
	if p.BlockAfter <= 0 || ip == "" {
		return
	}

	store := Backend(b.local)
	now := b.local.now()
	if b.primary != nil {
		store = b.primary
		now = time.Now()
	}

	count, err := store.IncrViolations(ctx, ip, p.Window)
	if err != nil {
		b.fallback(ctx, "violation count", err)
		store = b.local
		now = b.local.now()
		count, err = store.IncrViolations(ctx, ip, p.Window)
		if err != nil {
			return
		}
	}
	if count < p.BlockAfter {
		return
	}

	until := now.Add(p.BlockDuration)
	if err := store.SetBlock(ctx, ip, until); err != nil {
		b.fallback(ctx, "set block", err)
		if err := b.local.SetBlock(ctx, ip, b.local.now().Add(p.BlockDuration)); err != nil {
			return
		}
	}
	b.recorder.Add("ratelimit.blocked", 1, nil)
	b.logger.Warn("origin blocked after repeated denials",
		"ip", ip, "violations", count, "until", until)
}

// Unblock lifts a block early. It clears both stores so an operator
// override takes effect regardless of which store holds the record; a
// durable backend failure is returned but the local record is still gone.
func (b *BlockManager) Unblock(ctx context.Context, ip string) error {
	_ = b.local.RemoveBlock(ctx, ip)
	if b.primary == nil {
		return nil
	}
	if err := b.primary.RemoveBlock(ctx, ip); err != nil {
		return err
	}
	b.logger.Info("origin unblocked by operator", "ip", ip)
	return nil
}

func (b *BlockManager) fallback(ctx context.Context, op string, err error) {
	b.recorder.Add("ratelimit.fallback", 1, nil)
	b.logger.WarnContext(ctx, "durable backend unavailable, using local block registry",
		"op", op, "error", err)
}
