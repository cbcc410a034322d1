package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/internal/wire"
	"github.com/unkn0wn-root/flashsale/lock"
)

// ReadWithLogicalExpiry serves the envelope under keyPrefix+id without ever
// blocking on the backing store. A missing key is NotFound: the key must be
// prewarmed. An expired envelope is returned as is; the first caller to take
// lock:<keyPrefix><id> queues a background rebuild.
func (c *Client[V]) ReadWithLogicalExpiry(ctx context.Context, keyPrefix, id string, load Loader[V], ttl time.Duration) (V, bool, error) {
	var zero V
	key := keyPrefix + id

	raw, ok, err := c.readRaw(ctx, key)
	if err != nil || !ok || wire.IsEmptyMarker(raw) {
		return zero, false, err
	}
	v, expireAt, ok := c.decodeLogical(ctx, key, raw)
	if !ok {
		return zero, false, nil
	}
	if c.now().Before(expireAt) {
		return v, true, nil
	}

	lease, err := c.locker.TryAcquire(ctx, key, c.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			c.hooks.LockContended(key)
		} else {
			c.log.Warn("rebuild lock unavailable", flashsale.Fields{"key": key, "err": err})
		}
		return v, true, nil
	}

	// another caller may have rebuilt between our read and the lock
	if fv, ok := c.freshEnvelope(ctx, key); ok {
		c.release(ctx, lease)
		return fv, true, nil
	}

	task := rebuildTask{
		key: key,
		ctx: context.WithoutCancel(ctx),
		run: func(ctx context.Context) {
			defer c.release(ctx, lease)
			c.rebuild(ctx, key, id, load, ttl)
		},
	}
	if !c.pool.trySubmit(task) {
		c.release(ctx, lease)
		c.hooks.RebuildDropped(key)
		c.log.Warn("rebuild dropped: pool saturated", flashsale.Fields{"key": key})
		return v, true, nil
	}
	c.hooks.RebuildScheduled(key)
	return v, true, nil
}

// SetWithLogicalExpire writes v in an envelope that goes stale after ttl
// (0 => DefaultTTL). The key itself never expires.
func (c *Client[V]) SetWithLogicalExpire(ctx context.Context, key string, v V, ttl time.Duration) error {
	payload, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	expireAt := c.now().Add(c.ttlOr(ttl))
	return c.writeRaw(ctx, key, wire.EncodeLogical(expireAt.UnixNano(), payload), 0)
}

// Prewarm loads id and stores it as a logical-expiry envelope. It returns
// ErrNotFound if the loader reports absence.
func (c *Client[V]) Prewarm(ctx context.Context, keyPrefix, id string, load Loader[V], ttl time.Duration) error {
	key := keyPrefix + id
	v, found, err := load(ctx, id)
	if err != nil {
		return fmt.Errorf("cache: prewarm %q: %w", key, err)
	}
	if !found {
		return fmt.Errorf("cache: prewarm %q: %w", key, ErrNotFound)
	}
	return c.SetWithLogicalExpire(ctx, key, v, ttl)
}

func (c *Client[V]) decodeLogical(ctx context.Context, key string, raw []byte) (V, time.Time, bool) {
	var zero V
	at, payload, err := wire.DecodeLogical(raw)
	if err != nil {
		c.selfHeal(ctx, key, "corrupt")
		return zero, time.Time{}, false
	}
	v, err := c.codec.Decode(payload)
	if err != nil {
		c.selfHeal(ctx, key, "value_decode")
		return zero, time.Time{}, false
	}
	return v, time.Unix(0, at), true
}

// freshEnvelope re-reads key from the store, bypassing the near cache. A
// fresh envelope replaces the stale near-cache copy.
func (c *Client[V]) freshEnvelope(ctx context.Context, key string) (V, bool) {
	var zero V
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok || wire.IsEmptyMarker(raw) {
		return zero, false
	}
	at, payload, err := wire.DecodeLogical(raw)
	if err != nil || !c.now().Before(time.Unix(0, at)) {
		return zero, false
	}
	v, err := c.codec.Decode(payload)
	if err != nil {
		return zero, false
	}
	if c.local != nil {
		c.setLocal(ctx, key, raw, c.localTTL)
	}
	return v, true
}

// rebuild runs on a pool worker while the caller's lease is held. A loader
// error leaves the stale envelope for the next attempt; a confirmed absence
// deletes it.
func (c *Client[V]) rebuild(ctx context.Context, key, id string, load Loader[V], ttl time.Duration) {
	ctx, span := tracer.Start(ctx, "cache.rebuild")
	defer span.End()
	span.SetAttributes(attribute.String("cache.key", key))

	v, found, err := load(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load")
		c.hooks.RebuildFailed(key, err)
		c.log.Warn("rebuild load failed; serving stale", flashsale.Fields{"key": key, "err": err})
		return
	}
	if !found {
		if c.local != nil {
			_ = c.local.Del(ctx, key)
		}
		if _, err := c.store.Del(ctx, key); err != nil {
			c.log.Warn("rebuild delete failed", flashsale.Fields{"key": key, "err": err})
		}
		return
	}
	if err := c.SetWithLogicalExpire(ctx, key, v, ttl); err != nil {
		span.RecordError(err)
		c.hooks.RebuildFailed(key, err)
		c.log.Warn("rebuild write failed", flashsale.Fields{"key": key, "err": err})
	}
}

func (c *Client[V]) release(ctx context.Context, lease *lock.Lease) {
	if err := lease.Release(ctx); err != nil {
		c.log.Warn("lock release failed", flashsale.Fields{"key": lease.Key(), "err": err})
	}
}
