package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockManager_EscalatesAtThreshold(t *testing.T) {
	local, clock := newTestBackend()
	bm := NewBlockManager(nil, local, nil, nil)
	ctx := context.Background()

	p := Policy{
		MaxRequests:   1,
		Window:        time.Minute,
		Algorithm:     SlidingWindow,
		BlockAfter:    3,
		BlockDuration: 10 * time.Minute,
	}

	bm.RegisterDenial(ctx, "10.1.1.1", p)
	bm.RegisterDenial(ctx, "10.1.1.1", p)
	_, blocked := bm.Status(ctx, "10.1.1.1")
	require.False(t, blocked, "below threshold")

	bm.RegisterDenial(ctx, "10.1.1.1", p)
	remaining, blocked := bm.Status(ctx, "10.1.1.1")
	require.True(t, blocked)
	assert.Equal(t, 10*time.Minute, remaining)

	clock.Advance(10*time.Minute + time.Second)
	_, blocked = bm.Status(ctx, "10.1.1.1")
	assert.False(t, blocked, "time-based recovery, no explicit transition")
}

func TestBlockManager_ZeroThresholdNeverBlocks(t *testing.T) {
	local, _ := newTestBackend()
	bm := NewBlockManager(nil, local, nil, nil)
	ctx := context.Background()

	p := Policy{MaxRequests: 1, Window: time.Minute, Algorithm: SlidingWindow}
	for i := 0; i < 100; i++ {
		bm.RegisterDenial(ctx, "10.1.1.2", p)
	}
	_, blocked := bm.Status(ctx, "10.1.1.2")
	assert.False(t, blocked)
}

func TestBlockManager_FallsBackWhenPrimaryDown(t *testing.T) {
	local, _ := newTestBackend()
	bm := NewBlockManager(brokenBackend{}, local, nil, nil)
	ctx := context.Background()

	p := Policy{
		MaxRequests:   1,
		Window:        time.Minute,
		Algorithm:     SlidingWindow,
		BlockAfter:    1,
		BlockDuration: time.Hour,
	}

	// Violation counting and the block record both land in the local
	// registry when the durable store is unreachable.
	bm.RegisterDenial(ctx, "10.1.1.3", p)
	_, blocked := bm.Status(ctx, "10.1.1.3")
	assert.True(t, blocked)
}

func TestBlockManager_UnblockClearsLocalDespitePrimaryError(t *testing.T) {
	local, _ := newTestBackend()
	bm := NewBlockManager(brokenBackend{}, local, nil, nil)
	ctx := context.Background()

	require.NoError(t, local.SetBlock(ctx, "10.1.1.4", local.now().Add(time.Hour)))

	err := bm.Unblock(ctx, "10.1.1.4")
	assert.Error(t, err, "primary failure is surfaced to the operator")

	_, blocked, _ := local.BlockedUntil(ctx, "10.1.1.4")
	assert.False(t, blocked, "the local record is gone regardless")
}
