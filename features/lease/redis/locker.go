// Package redis implements lease.Locker on Redis so a run id is driven by at
// most one process across a deployment.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clerkhq/clerk/runtime/kit/lease"
)

// Locker acquires leases with SET NX PX. Refresh and Release only act while
// the stored token is still the holder's.
type Locker struct {
	rdb    redis.UniversalClient
	prefix string
}

type redisLease struct {
	rdb   redis.UniversalClient
	key   string
	token string
	ttl   time.Duration
}

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

var _ lease.Locker = (*Locker)(nil)

// New returns a Locker. prefix namespaces keys, e.g. "clerk:".
func New(rdb redis.UniversalClient, prefix string) (*Locker, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Locker{rdb: rdb, prefix: prefix}, nil
}

// Acquire takes the lease on key or fails with lease.ErrHeld.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (lease.Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive, got %s", ttl)
	}
	token := uuid.NewString()
	full := l.prefix + key
	ok, err := l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", full, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", lease.ErrHeld, key)
	}
	return &redisLease{rdb: l.rdb, key: full, token: token, ttl: ttl}, nil
}

func (r *redisLease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, r.rdb, []string{r.key}, r.token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", r.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", lease.ErrLost, r.key)
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", r.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", lease.ErrLost, r.key)
	}
	return nil
}
