// Package lease guards run ids so that at most one orchestration loop drives
// a run at a time, across every process sharing the same Locker backend.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned by Acquire when another holder owns the key.
var ErrHeld = errors.New("lease held by another owner")

// ErrLost is returned by Refresh and Release when the lease expired or was
// taken over.
var ErrLost = errors.New("lease lost")

type (
	// Locker hands out exclusive, expiring leases.
	Locker interface {
		Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	}

	// Lease is an acquired lock. Holders refresh it before ttl elapses.
	Lease interface {
		Refresh(ctx context.Context) error
		Release(ctx context.Context) error
	}

	// Memory is a process-local Locker.
	Memory struct {
		mu      sync.Mutex
		entries map[string]memEntry
		now     func() time.Time
	}

	memEntry struct {
		token   string
		expires time.Time
	}

	memLease struct {
		l     *Memory
		key   string
		token string
		ttl   time.Duration
	}
)

// NewMemory returns an empty in-process Locker.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

// Acquire takes key for ttl unless a live lease exists.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	m.entries[key] = memEntry{token: token, expires: now.Add(ttl)}
	return &memLease{l: m, key: key, token: token, ttl: ttl}, nil
}

func (l *memLease) Refresh(context.Context) error {
	l.l.mu.Lock()
	defer l.l.mu.Unlock()
	e, ok := l.l.entries[l.key]
	now := l.l.now()
	if !ok || e.token != l.token || !now.Before(e.expires) {
		return ErrLost
	}
	e.expires = now.Add(l.ttl)
	l.l.entries[l.key] = e
	return nil
}

func (l *memLease) Release(context.Context) error {
	l.l.mu.Lock()
	defer l.l.mu.Unlock()
	e, ok := l.l.entries[l.key]
	if !ok || e.token != l.token {
		return ErrLost
	}
	delete(l.l.entries, l.key)
	return nil
}

// Keepalive refreshes l every interval until ctx is done. onLost is called
// once if a refresh reports the lease lost; transient errors are retried on
// the next tick.
func Keepalive(ctx context.Context, l Lease, interval time.Duration, onLost func(error)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := l.Refresh(ctx); errors.Is(err, ErrLost) {
				if onLost != nil {
					onLost(err)
				}
				return
			}
		}
	}
}
