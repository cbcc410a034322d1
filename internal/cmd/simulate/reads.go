package simulate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/cache"
	"github.com/unkn0wn-root/flashsale/internal/config"
	"github.com/unkn0wn-root/flashsale/store"
)

// ShopKeyPrefix is the cache prefix of shop entities.
const ShopKeyPrefix = "cache:shop:"

// missEvery makes one read in missEvery ask for a shop that does not exist.
const missEvery = 10

type ReadReport struct {
	Shops   int
	Reads   int64
	Found   int64
	Failed  int64
	Updates int
	Listed  int
}

// readShops seeds shops, then runs concurrent readers against the cache with
// the configured strategy while a writer updates a few of them.
func readShops(ctx context.Context, cfg config.Config, lg flashsale.Logger, db store.ShopStore, shops *cache.Client[store.Shop]) (ReadReport, error) {
	strat, err := strategy(cfg.Strategy)
	if err != nil {
		return ReadReport{}, err
	}
	ids, err := seedShops(ctx, db, cfg.Shops)
	if err != nil {
		return ReadReport{}, err
	}
	rep := ReadReport{Shops: len(ids)}

	load := func(ctx context.Context, id string) (store.Shop, bool, error) {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return store.Shop{}, false, nil
		}
		sh, err := db.GetShop(ctx, n)
		if errors.Is(err, store.ErrNotFound) {
			return store.Shop{}, false, nil
		}
		if err != nil {
			return store.Shop{}, false, err
		}
		return sh, true, nil
	}

	if strat == cache.LogicalExpiry {
		for _, id := range ids {
			if err := shops.Prewarm(ctx, ShopKeyPrefix, strconv.FormatInt(id, 10), load, cfg.CacheTTL); err != nil {
				return rep, fmt.Errorf("prewarm shop %d: %w", id, err)
			}
		}
	}

	var reads, found, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for r := range cfg.Readers {
		g.Go(func() error {
			for i := range cfg.Reads {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				id := strconv.FormatInt(ids[(r*7+i)%len(ids)], 10)
				if i%missEvery == missEvery-1 {
					id = "-" + id
				}
				_, ok, err := shops.Read(gctx, strat, ShopKeyPrefix, id, load, cfg.CacheTTL)
				reads.Add(1)
				switch {
				case err != nil:
					failed.Add(1)
					lg.Debug("shop read failed", flashsale.Fields{"shop": id, "err": err})
				case ok:
					found.Add(1)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		n, err := updateShops(gctx, strat, db, shops, ids, load, cfg)
		rep.Updates = n
		return err
	})
	if err := g.Wait(); err != nil {
		return rep, err
	}
	rep.Reads, rep.Found, rep.Failed = reads.Load(), found.Load(), failed.Load()

	rep.Listed, err = listAll(ctx, db)
	return rep, err
}

func seedShops(ctx context.Context, db store.ShopStore, n int) ([]int64, error) {
	ids := make([]int64, 0, n)
	for i := range n {
		id, err := db.CreateShop(ctx, store.Shop{
			Name:    "shop-" + strconv.Itoa(i),
			TypeID:  int64(i%5 + 1),
			Address: strconv.Itoa(i) + " Market Street",
			Score:   int32(i % 51),
		})
		if err != nil {
			return nil, fmt.Errorf("seed shop %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// updateShops bumps the score of the first few shops. Logical envelopes are
// rewritten in place; other strategies invalidate after the write.
func updateShops(ctx context.Context, strat cache.Strategy, db store.ShopStore, shops *cache.Client[store.Shop], ids []int64, load cache.Loader[store.Shop], cfg config.Config) (int, error) {
	n := min(len(ids), 10)
	for _, id := range ids[:n] {
		key := strconv.FormatInt(id, 10)
		sh, err := db.GetShop(ctx, id)
		if err != nil {
			return 0, err
		}
		sh.Score = (sh.Score + 1) % 51
		write := func(ctx context.Context) error { return db.UpdateShop(ctx, sh) }

		if strat == cache.LogicalExpiry {
			if err := write(ctx); err != nil {
				return 0, err
			}
			err = shops.Prewarm(ctx, ShopKeyPrefix, key, load, cfg.CacheTTL)
		} else {
			err = shops.UpdateThenInvalidate(ctx, ShopKeyPrefix, key, write)
		}
		if err != nil {
			return 0, fmt.Errorf("update shop %d: %w", id, err)
		}
	}
	return n, nil
}

// listAll walks every shop by score with keyset paging.
func listAll(ctx context.Context, db store.ShopStore) (int, error) {
	p := store.Page{Sort: store.ByScore, Size: 25}
	total := 0
	for {
		page, err := db.ListShops(ctx, p)
		if err != nil {
			return total, err
		}
		total += len(page.Shops)
		if page.Next == "" {
			return total, nil
		}
		p.Token = page.Next
	}
}
