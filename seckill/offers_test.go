package seckill

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/flashsale/cache"
	"github.com/unkn0wn-root/flashsale/codec"
	"github.com/unkn0wn-root/flashsale/kv/memory"
	"github.com/unkn0wn-root/flashsale/store"
)

type countingOffers struct {
	offers map[int64]store.Offer
	calls  atomic.Int64
	err    error
}

func (c *countingOffers) GetOffer(_ context.Context, id int64) (store.Offer, error) {
	c.calls.Add(1)
	if c.err != nil {
		return store.Offer{}, c.err
	}
	o, ok := c.offers[id]
	if !ok {
		return store.Offer{}, store.ErrNotFound
	}
	return o, nil
}

func (c *countingOffers) CreateOffer(context.Context, store.Offer) (int64, error) { return 0, nil }

func (c *countingOffers) DecrementStock(context.Context, int64, time.Time) (bool, error) {
	return false, nil
}

func newCachedOffers(t *testing.T, src *countingOffers) *CachedOffers {
	t.Helper()
	c, err := cache.New(cache.Options[store.Offer]{
		Store: memory.New(memory.Config{}),
		Codec: codec.JSON[store.Offer]{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return &CachedOffers{Cache: c, Store: src, TTL: time.Minute}
}

func TestCachedOffersReadThrough(t *testing.T) {
	src := &countingOffers{offers: map[int64]store.Offer{offerID: testOffer(4)}}
	offers := newCachedOffers(t, src)
	ctx := context.Background()

	for range 3 {
		o, ok, err := offers.Offer(ctx, offerID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, o.WindowStart.Equal(windowStart))
		assert.Equal(t, int64(4), o.Stock)
	}
	assert.Equal(t, int64(1), src.calls.Load())

	// unknown ids are null-cached
	for range 3 {
		_, ok, err := offers.Offer(ctx, 404)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, int64(2), src.calls.Load())

	require.NoError(t, offers.Invalidate(ctx, offerID))
	_, _, _ = offers.Offer(ctx, offerID)
	assert.Equal(t, int64(3), src.calls.Load())
}

func TestCachedOffersStoreError(t *testing.T) {
	src := &countingOffers{err: assert.AnError}
	offers := newCachedOffers(t, src)

	_, _, err := offers.Offer(context.Background(), offerID)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestServiceUsesCachedOffers(t *testing.T) {
	src := &countingOffers{offers: map[int64]store.Offer{offerID: testOffer(2)}}
	offers := newCachedOffers(t, src)
	f := newFixture(t, 2, func(o *Options) { o.Offers = offers })

	for u := int64(1); u <= 4; u++ {
		_, err := f.svc.Admit(context.Background(), u, offerID)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), src.calls.Load())
	assert.Equal(t, 2, f.ledger.len())
}
