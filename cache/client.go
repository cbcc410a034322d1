// Package cache is a read-through cache over kv.Store that defends the
// backing store against penetration (null caching) and breakdown (logical
// expiry with background rebuild, or a per-key rebuild mutex).
//
// Entries are wire frames; a zero-length value is the empty marker, a
// confirmed "not found" that is distinct from a missing key.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/codec"
	"github.com/unkn0wn-root/flashsale/genstore"
	"github.com/unkn0wn-root/flashsale/internal/util"
	"github.com/unkn0wn-root/flashsale/internal/wire"
	"github.com/unkn0wn-root/flashsale/kv"
	"github.com/unkn0wn-root/flashsale/lock"
	"github.com/unkn0wn-root/flashsale/provider"
)

var tracer = otel.Tracer("github.com/unkn0wn-root/flashsale/cache")

var emptyMarker = []byte{}

type Client[V any] struct {
	store  kv.Store
	codec  codec.Codec[V]
	log    flashsale.Logger
	hooks  Hooks
	locker *lock.Locker
	gen    genstore.GenStore
	local  provider.Provider
	now    func() time.Time

	defaultTTL   time.Duration
	nullTTL      time.Duration
	lockTTL      time.Duration
	localTTL     time.Duration
	mutexRetries int
	mutexBackoff time.Duration

	pool *rebuildPool
	sf   singleflight.Group
}

func New[V any](opts Options[V]) (*Client[V], error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("cache: store is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("cache: codec is required")
	}

	c := &Client[V]{
		store: opts.Store,
		codec: opts.Codec,
		gen:   opts.GenStore,
		local: opts.Local,
	}

	// defaults
	c.log = util.Coalesce[flashsale.Logger](opts.Logger, flashsale.NopLogger{})
	c.hooks = util.Coalesce[Hooks](opts.Hooks, NopHooks{})
	c.defaultTTL = util.Coalesce(opts.DefaultTTL, DefaultTTL)
	c.nullTTL = util.Coalesce(opts.NullTTL, DefaultNullTTL)
	c.lockTTL = util.Coalesce(opts.LockTTL, DefaultLockTTL)
	c.localTTL = util.Coalesce(opts.LocalTTL, DefaultLocalTTL)
	c.mutexRetries = util.Coalesce(opts.MutexRetries, DefaultMutexRetries)
	c.mutexBackoff = util.Coalesce(opts.MutexBackoff, DefaultMutexBackoff)

	if opts.Now != nil {
		c.now = opts.Now
	} else {
		c.now = time.Now
	}
	if opts.Locker != nil {
		c.locker = opts.Locker
	} else {
		c.locker = lock.New(opts.Store, lock.WithLogger(c.log))
	}

	workers := util.Coalesce(opts.RebuildWorkers, DefaultRebuildWorkers)
	qlen := util.Coalesce(opts.RebuildQueue, DefaultRebuildQueue)
	if workers < 0 || qlen < 0 {
		return nil, fmt.Errorf("cache: rebuild pool size must be positive (workers=%d queue=%d)", workers, qlen)
	}
	c.pool = newRebuildPool(workers, qlen, func(key string, err error) {
		c.log.Error("rebuild panicked", flashsale.Fields{"key": key, "err": err})
		c.hooks.RebuildFailed(key, err)
	})
	return c, nil
}

// Read dispatches to the read path selected by s.
func (c *Client[V]) Read(ctx context.Context, s Strategy, keyPrefix, id string, load Loader[V], ttl time.Duration) (V, bool, error) {
	switch s {
	case PassThrough:
		return c.ReadThrough(ctx, keyPrefix, id, load, ttl)
	case LogicalExpiry:
		return c.ReadWithLogicalExpiry(ctx, keyPrefix, id, load, ttl)
	case Mutex:
		return c.ReadWithMutex(ctx, keyPrefix, id, load, ttl)
	default:
		var zero V
		return zero, false, fmt.Errorf("cache: unknown strategy %s", s)
	}
}

// Set writes v as a plain frame under key. ttl 0 => DefaultTTL.
func (c *Client[V]) Set(ctx context.Context, key string, v V, ttl time.Duration) error {
	payload, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	return c.writeRaw(ctx, key, wire.EncodePlain(c.snapshotGen(ctx, key), payload), c.ttlOr(ttl))
}

// Invalidate bumps the key's generation (if a GenStore is set) and deletes
// the entry. It fails only if a stale entry may still be served.
func (c *Client[V]) Invalidate(ctx context.Context, keyPrefix, id string) error {
	key := keyPrefix + id

	var bumpErr error
	bumped := false
	if c.gen != nil {
		if _, err := c.gen.Bump(ctx, key); err != nil {
			bumpErr = err
			c.hooks.GenError(key, err)
		} else {
			bumped = true
		}
	}
	if c.local != nil {
		_ = c.local.Del(ctx, key)
	}
	_, delErr := c.store.Del(ctx, key)
	switch {
	case delErr == nil:
		c.log.Debug("invalidated key", flashsale.Fields{"key": key})
		return nil
	case bumped:
		// readers will self-heal on gen mismatch
		c.log.Warn("invalidate delete failed; gen bumped", flashsale.Fields{"key": key, "err": delErr})
		return nil
	default:
		if bumpErr != nil {
			c.hooks.InvalidateOutage(key, bumpErr, delErr)
		}
		return &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: flashsale.Transient(delErr)}
	}
}

// UpdateThenInvalidate runs the backing-store write and invalidates the
// cached entry only after the write succeeded.
func (c *Client[V]) UpdateThenInvalidate(ctx context.Context, keyPrefix, id string, write func(context.Context) error) error {
	if err := write(ctx); err != nil {
		return err
	}
	return c.Invalidate(ctx, keyPrefix, id)
}

// Close drains and stops the rebuild pool, then closes the near cache and the
// GenStore. The shared KV store is left open.
func (c *Client[V]) Close(ctx context.Context) error {
	err := c.pool.close(ctx)
	if c.gen != nil {
		_ = c.gen.Close(ctx)
	}
	if c.local != nil {
		err = errors.Join(err, c.local.Close(ctx))
	}
	return err
}

func (c *Client[V]) ttlOr(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

// readRaw consults the near cache, then the store, and populates the near
// cache on a store hit.
func (c *Client[V]) readRaw(ctx context.Context, key string) ([]byte, bool, error) {
	if c.local != nil {
		if b, ok, err := c.local.Get(ctx, key); err == nil && ok {
			return b, true, nil
		}
	}
	b, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, flashsale.Transient(fmt.Errorf("cache: get %q: %w", key, err))
	}
	if ok && c.local != nil {
		c.setLocal(ctx, key, b, c.localTTL)
	}
	return b, ok, nil
}

// writeRaw stores b with ttl (0 => no physical expiry) and mirrors it into
// the near cache.
func (c *Client[V]) writeRaw(ctx context.Context, key string, b []byte, ttl time.Duration) error {
	if err := c.store.Set(ctx, key, b, ttl); err != nil {
		return flashsale.Transient(fmt.Errorf("cache: set %q: %w", key, err))
	}
	if c.local != nil {
		lt := c.localTTL
		if ttl > 0 && ttl < lt {
			lt = ttl
		}
		c.setLocal(ctx, key, b, lt)
	}
	return nil
}

func (c *Client[V]) setLocal(ctx context.Context, key string, b []byte, ttl time.Duration) {
	cost := int64(len(b))
	if cost == 0 {
		cost = 1
	}
	if ok, err := c.local.Set(ctx, key, b, cost, ttl); err != nil || !ok {
		c.log.Debug("near cache rejected entry", flashsale.Fields{"key": key, "err": err})
	}
}

// selfHeal drops an unreadable entry; the read then behaves as a miss.
func (c *Client[V]) selfHeal(ctx context.Context, key, reason string) {
	c.hooks.SelfHeal(key, reason)
	if c.local != nil {
		_ = c.local.Del(ctx, key)
	}
	if _, err := c.store.Del(ctx, key); err != nil {
		c.log.Warn("self-heal delete failed", flashsale.Fields{"key": key, "reason": reason, "err": err})
	}
}

func (c *Client[V]) snapshotGen(ctx context.Context, key string) uint64 {
	if c.gen == nil {
		return 0
	}
	g, err := c.gen.Snapshot(ctx, key)
	if err != nil {
		// treat as gen 0: frames stamped with a newer gen self-heal on read
		c.hooks.GenError(key, err)
		c.log.Warn("gen snapshot error", flashsale.Fields{"key": key, "err": err})
		return 0
	}
	return g
}
