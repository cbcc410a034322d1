package idgen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/kv"
	"github.com/unkn0wn-root/flashsale/kv/memory"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestLayout(t *testing.T) {
	clk := &fixedClock{t: Epoch.Add(90 * time.Second)}
	g := New(memory.New(memory.Config{}), WithClock(clk.Now))

	id, err := g.Next(context.Background(), "order")
	require.NoError(t, err)
	assert.Equal(t, uint64(90)<<32|1, id)

	ts, ctr := Decompose(id)
	assert.Equal(t, Epoch.Add(90*time.Second), ts)
	assert.EqualValues(t, 1, ctr)
}

func TestSameSecondDistinctIncreasing(t *testing.T) {
	clk := &fixedClock{t: time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)}
	g := New(memory.New(memory.Config{}), WithClock(clk.Now))
	ctx := context.Background()

	a, err := g.Next(ctx, "order")
	require.NoError(t, err)
	b, err := g.Next(ctx, "order")
	require.NoError(t, err)
	assert.Greater(t, b, a)
	assert.Equal(t, a>>32, b>>32)
}

func TestScopesAreIndependent(t *testing.T) {
	clk := &fixedClock{t: time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)}
	g := New(memory.New(memory.Config{}), WithClock(clk.Now))
	ctx := context.Background()

	a, err := g.Next(ctx, "order")
	require.NoError(t, err)
	b, err := g.Next(ctx, "refund")
	require.NoError(t, err)
	_, ca := Decompose(a)
	_, cb := Decompose(b)
	assert.EqualValues(t, 1, ca)
	assert.EqualValues(t, 1, cb)
}

func TestDateRolloverResetsCounterWithoutCollision(t *testing.T) {
	store := memory.New(memory.Config{})
	clk := &fixedClock{t: time.Date(2024, 3, 9, 23, 59, 59, 0, time.UTC)}
	g := New(store, WithClock(clk.Now))
	ctx := context.Background()

	seen := map[uint64]bool{}
	var last uint64
	for i := 0; i < 5; i++ {
		id, err := g.Next(ctx, "order")
		require.NoError(t, err)
		seen[id] = true
		last = id
	}

	clk.Set(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	id, err := g.Next(ctx, "order")
	require.NoError(t, err)
	_, ctr := Decompose(id)
	assert.EqualValues(t, 1, ctr, "counter must restart on a new day")
	assert.False(t, seen[id])
	assert.Greater(t, id, last)

	_, ok, _ := store.Get(ctx, "icr:order:2024:03:09")
	assert.True(t, ok)
	_, ok, _ = store.Get(ctx, "icr:order:2024:03:10")
	assert.True(t, ok)
}

func TestCounterExpirySetOnFirstUse(t *testing.T) {
	store := memory.New(memory.Config{})
	clk := &fixedClock{t: time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)}
	g := New(store, WithClock(clk.Now), WithCounterTTL(time.Hour))

	_, err := g.Next(context.Background(), "order")
	require.NoError(t, err)
	ttl, ok := store.TTL(g.CounterKey("order", clk.Now()))
	require.True(t, ok)
	assert.InDelta(t, float64(time.Hour), float64(ttl), float64(time.Second))
}

func TestConcurrentUnique(t *testing.T) {
	g := New(memory.New(memory.Config{}))
	const n = 500
	ids := make([]uint64, n)
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			id, err := g.Next(context.Background(), "order")
			ids[i] = id
			return err
		})
	}
	require.NoError(t, eg.Wait())
	seen := make(map[uint64]struct{}, n)
	for _, id := range ids {
		require.NotZero(t, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
}

type failingStore struct{ kv.Store }

func (failingStore) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

type stuckStore struct {
	kv.Store
	v int64
}

func (s stuckStore) Incr(context.Context, string) (int64, error) { return s.v, nil }

func TestErrors(t *testing.T) {
	ctx := context.Background()
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	_, err := New(failingStore{}, WithClock(now)).Next(ctx, "order")
	assert.True(t, flashsale.IsTransient(err), "store failure must be transient: %v", err)

	_, err = New(stuckStore{v: 1 << 32}, WithClock(now)).Next(ctx, "order")
	assert.ErrorIs(t, err, ErrCounterOverflow)

	_, err = New(stuckStore{v: 0}, WithClock(now)).Next(ctx, "order")
	assert.ErrorIs(t, err, ErrCounterOverflow)

	before := func() time.Time { return Epoch.Add(-time.Second) }
	_, err = New(memory.New(memory.Config{}), WithClock(before)).Next(ctx, "order")
	assert.ErrorIs(t, err, ErrBeforeEpoch)
}
