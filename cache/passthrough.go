package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/internal/wire"
)

// ReadThrough returns the entity cached under keyPrefix+id, loading it on a
// miss. A loader "not found" is cached as the empty marker for NullTTL, so
// later reads return (zero, false, nil) without touching the backing store.
// Concurrent misses on one key each call the loader.
func (c *Client[V]) ReadThrough(ctx context.Context, keyPrefix, id string, load Loader[V], ttl time.Duration) (V, bool, error) {
	key := keyPrefix + id
	v, found, hit, err := c.lookupPlain(ctx, key)
	if err != nil || hit {
		return v, found, err
	}
	return c.loadAndFill(ctx, key, id, load, ttl)
}

// lookupPlain reads a plain frame. hit=false means the caller must load;
// unreadable entries are self-healed and reported as a miss.
func (c *Client[V]) lookupPlain(ctx context.Context, key string) (v V, found, hit bool, err error) {
	raw, ok, err := c.readRaw(ctx, key)
	if err != nil || !ok {
		return v, false, false, err
	}
	if wire.IsEmptyMarker(raw) {
		return v, false, true, nil
	}
	gen, payload, err := wire.DecodePlain(raw)
	if err != nil {
		c.selfHeal(ctx, key, "corrupt")
		return v, false, false, nil
	}
	if c.gen != nil && gen != c.snapshotGen(ctx, key) {
		c.selfHeal(ctx, key, "gen_mismatch")
		return v, false, false, nil
	}
	v, err = c.codec.Decode(payload)
	if err != nil {
		c.selfHeal(ctx, key, "value_decode")
		var zero V
		return zero, false, false, nil
	}
	return v, true, true, nil
}

// loadAndFill calls the loader once and writes its outcome (frame or empty
// marker). Fill failures are logged; the loaded result is still returned.
func (c *Client[V]) loadAndFill(ctx context.Context, key, id string, load Loader[V], ttl time.Duration) (V, bool, error) {
	obs := c.snapshotGen(ctx, key)
	v, found, err := load(ctx, id)
	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("cache: load %q: %w", key, err)
	}
	if err := c.fill(ctx, key, v, found, ttl, obs); err != nil {
		c.log.Warn("cache fill failed", flashsale.Fields{"key": key, "err": err})
	}
	if !found {
		var zero V
		return zero, false, nil
	}
	return v, true, nil
}

func (c *Client[V]) fill(ctx context.Context, key string, v V, found bool, ttl time.Duration, obs uint64) error {
	if c.gen != nil {
		if cur := c.snapshotGen(ctx, key); cur != obs {
			c.log.Debug("fill skipped (gen mismatch)", flashsale.Fields{"key": key, "obs": obs, "cur": cur})
			return nil
		}
	}
	if !found {
		if err := c.writeRaw(ctx, key, emptyMarker, c.nullTTL); err != nil {
			return err
		}
		c.hooks.NullCached(key)
		return nil
	}
	payload, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return c.writeRaw(ctx, key, wire.EncodePlain(obs, payload), c.ttlOr(ttl))
}
