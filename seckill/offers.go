package seckill

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/unkn0wn-root/flashsale/cache"
	"github.com/unkn0wn-root/flashsale/store"
)

// OfferKeyPrefix is the cache prefix of offer metadata.
const OfferKeyPrefix = "cache:offer:"

// CachedOffers reads offers through the pass-through cache, so unknown offer
// ids are answered from the cached empty marker instead of the store.
type CachedOffers struct {
	Cache *cache.Client[store.Offer]
	Store store.OfferStore
	TTL   time.Duration // 0 uses the cache default
}

var _ OfferSource = (*CachedOffers)(nil)

func (c *CachedOffers) Offer(ctx context.Context, id int64) (store.Offer, bool, error) {
	return c.Cache.ReadThrough(ctx, OfferKeyPrefix, strconv.FormatInt(id, 10), c.load, c.TTL)
}

// Invalidate drops the cached copy of id after its row changed.
func (c *CachedOffers) Invalidate(ctx context.Context, id int64) error {
	return c.Cache.Invalidate(ctx, OfferKeyPrefix, strconv.FormatInt(id, 10))
}

func (c *CachedOffers) load(ctx context.Context, id string) (store.Offer, bool, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return store.Offer{}, false, nil
	}
	o, err := c.Store.GetOffer(ctx, n)
	if errors.Is(err, store.ErrNotFound) {
		return store.Offer{}, false, nil
	}
	if err != nil {
		return store.Offer{}, false, err
	}
	return o, true, nil
}
