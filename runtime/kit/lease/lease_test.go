package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	l, err := m.Acquire(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "run-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
	_, err = m.Acquire(ctx, "run-2", time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Refresh(ctx))
	require.NoError(t, l.Release(ctx))
	assert.ErrorIs(t, l.Release(ctx), ErrLost)
	_, err = m.Acquire(ctx, "run-1", time.Minute)
	require.NoError(t, err)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Unix(100, 0)
	m.now = func() time.Time { return now }

	l, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, l.Refresh(ctx), ErrLost)

	_, err = m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Release(ctx), ErrLost)
}

func TestMemoryConcurrentAcquire(t *testing.T) {
	m := NewMemory()
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(context.Background(), "k", time.Minute); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

type lostLease struct{}

func (lostLease) Refresh(context.Context) error { return ErrLost }
func (lostLease) Release(context.Context) error { return nil }

func TestKeepaliveReportsLoss(t *testing.T) {
	lost := make(chan error, 1)
	go Keepalive(context.Background(), lostLease{}, time.Millisecond, func(err error) { lost <- err })
	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrLost)
	case <-time.After(time.Second):
		t.Fatal("loss not reported")
	}
}
