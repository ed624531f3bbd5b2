package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clerkhq/clerk/features/redistest"
	"github.com/clerkhq/clerk/runtime/kit/lease"
)

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, "")
	assert.EqualError(t, err, "redis client is required")
}

func TestLeaseIsExclusiveUntilReleased(t *testing.T) {
	rdb := redistest.Client(t)
	l, err := New(rdb, "clerk:")
	require.NoError(t, err)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "run:1", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "run:1", time.Minute)
	assert.ErrorIs(t, err, lease.ErrHeld)

	require.NoError(t, held.Refresh(ctx))
	require.NoError(t, held.Release(ctx))
	assert.ErrorIs(t, held.Release(ctx), lease.ErrLost)

	again, err := l.Acquire(ctx, "run:1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestExpiredLeaseIsLost(t *testing.T) {
	rdb := redistest.Client(t)
	l, err := New(rdb, "clerk:")
	require.NoError(t, err)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "run:2", 50*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := l.Acquire(ctx, "run:2", time.Minute)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, first.Refresh(ctx), lease.ErrLost)
	assert.ErrorIs(t, first.Release(ctx), lease.ErrLost)
}
