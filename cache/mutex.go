package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/unkn0wn-root/flashsale/lock"
)

type mutexResult[V any] struct {
	v     V
	found bool
}

// ReadWithMutex is ReadThrough with breakdown protection: on a miss only the
// holder of lock:<keyPrefix><id> loads, others wait and re-read the cache.
// Callers in this process share one attempt per key. After MutexRetries
// unsuccessful waits it returns ErrLockContended.
//
// A cancelled ctx returns ctx.Err() to that caller only; the shared attempt
// keeps going for the remaining waiters and is bounded by MutexRetries.
func (c *Client[V]) ReadWithMutex(ctx context.Context, keyPrefix, id string, load Loader[V], ttl time.Duration) (V, bool, error) {
	key := keyPrefix + id
	v, found, hit, err := c.lookupPlain(ctx, key)
	if err != nil || hit {
		return v, found, err
	}

	fillCtx := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(key, func() (any, error) {
		v, found, err := c.fillUnderLock(fillCtx, key, id, load, ttl)
		return mutexResult[V]{v: v, found: found}, err
	})
	var zero V
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		r := res.Val.(mutexResult[V])
		return r.v, r.found, nil
	}
}

func (c *Client[V]) fillUnderLock(ctx context.Context, key, id string, load Loader[V], ttl time.Duration) (V, bool, error) {
	var zero V
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.mutexBackoff
	bo.MaxInterval = c.lockTTL
	bo.Reset()

	for attempt := 0; attempt < c.mutexRetries; attempt++ {
		lease, err := c.locker.TryAcquire(ctx, key, c.lockTTL)
		if err == nil {
			return c.loadLocked(ctx, key, id, load, ttl, lease)
		}
		if !errors.Is(err, lock.ErrNotAcquired) {
			return zero, false, err
		}
		c.hooks.LockContended(key)

		t := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, false, ctx.Err()
		case <-t.C:
		}

		v, found, hit, err := c.lookupPlain(ctx, key)
		if err != nil {
			return zero, false, err
		}
		if hit {
			return v, found, nil
		}
	}
	return zero, false, ErrLockContended
}

func (c *Client[V]) loadLocked(ctx context.Context, key, id string, load Loader[V], ttl time.Duration, lease *lock.Lease) (V, bool, error) {
	defer c.release(context.WithoutCancel(ctx), lease)

	// the previous holder may have filled it already
	v, found, hit, err := c.lookupPlain(ctx, key)
	if err != nil || hit {
		return v, found, err
	}
	return c.loadAndFill(ctx, key, id, load, ttl)
}
