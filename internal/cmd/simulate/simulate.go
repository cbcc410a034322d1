// Package simulate wires the cache, the lock, the id generator and the
// admission protocol against a kv store and a database, then drives a flash
// sale and a burst of shop reads through them.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/cache"
	"github.com/unkn0wn-root/flashsale/codec"
	asynchook "github.com/unkn0wn-root/flashsale/hooks/async"
	"github.com/unkn0wn-root/flashsale/internal/config"
	"github.com/unkn0wn-root/flashsale/internal/otel"
	"github.com/unkn0wn-root/flashsale/sloghooks"
	"github.com/unkn0wn-root/flashsale/store"
	"github.com/unkn0wn-root/flashsale/store/storepb"
)

const (
	ServiceName = "flashsale"

	otelShutdownTimeout = 5 * time.Second
	maxEntrySize        = 64 << 10
)

// Report summarizes one run.
type Report struct {
	Reads     ReadReport
	Sale      SaleReport
	HookDrops uint64
}

// Run sets up tracing, runs the simulation and logs its report.
func Run(ctx context.Context, cfg config.Config) error {
	shutdown, err := otel.Setup(ctx, ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Printf("%s otel shutdown: %v", ServiceName, err)
		}
	}()

	_, err = Simulate(ctx, cfg, os.Stderr)
	return err
}

// Simulate runs both phases and returns what happened. Logs go to w.
func Simulate(ctx context.Context, cfg config.Config, w io.Writer) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	lg, hookLog, flush, err := loggers(cfg, w)
	if err != nil {
		return Report{}, err
	}
	defer flush()

	kvs, err := openKV(ctx, cfg)
	if err != nil {
		return Report{}, err
	}
	defer kvs.Close(context.Background())

	db, err := openStore(ctx, cfg)
	if err != nil {
		return Report{}, err
	}
	defer db.Close()

	local, err := nearCache(ctx, cfg)
	if err != nil {
		return Report{}, err
	}
	hooks := asynchook.New(sloghooks.New(hookLog, sloghooks.Options{
		SelfHealEvery:   100,
		NullCachedEvery: 100,
		ContendedEvery:  100,
	}), 2, 1024)

	shopCodec, err := entityCodec(cfg.Codec, storepb.ShopCodec)
	if err != nil {
		return Report{}, err
	}
	shops, err := cache.New(cache.Options[store.Shop]{
		Store:      kvs,
		Codec:      codec.LimitCodec[store.Shop]{Inner: shopCodec, MaxDecode: maxEntrySize},
		Logger:     lg,
		Hooks:      hooks,
		GenStore:   genStore(cfg, kvs),
		Local:      local,
		DefaultTTL: cfg.CacheTTL,
	})
	if err != nil {
		return Report{}, err
	}

	offerCodec, err := entityCodec(cfg.Codec, storepb.OfferCodec)
	if err != nil {
		return Report{}, err
	}
	offers, err := cache.New(cache.Options[store.Offer]{
		Store:      kvs,
		Codec:      codec.LimitCodec[store.Offer]{Inner: offerCodec, MaxDecode: maxEntrySize},
		Logger:     lg,
		Hooks:      hooks,
		DefaultTTL: cfg.CacheTTL,
	})
	if err != nil {
		return Report{}, err
	}

	var rep Report
	rep.Reads, err = readShops(ctx, cfg, lg, db, shops)
	if err == nil {
		rep.Sale, err = runSale(ctx, cfg, lg, kvs, db, offers)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = errors.Join(err, shops.Close(cctx), offers.Close(cctx))
	hooks.Close()
	rep.HookDrops = hooks.Dropped()
	if err != nil {
		return rep, err
	}

	lg.Info("simulation finished", flashsale.Fields{
		"reads":      rep.Reads.Reads,
		"read_found": rep.Reads.Found,
		"read_fail":  rep.Reads.Failed,
		"listed":     rep.Reads.Listed,
		"admitted":   rep.Sale.Admitted,
		"sold_out":   rep.Sale.SoldOut,
		"duplicate":  rep.Sale.Duplicate,
		"throttled":  rep.Sale.Throttled,
		"failed":     rep.Sale.Failed,
		"remaining":  rep.Sale.Remaining,
		"flagged":    len(rep.Sale.Flagged),
		"hook_drops": rep.HookDrops,
	})
	if rep.Sale.Admitted > int64(cfg.Stock) {
		return rep, fmt.Errorf("oversold: admitted %d of %d", rep.Sale.Admitted, cfg.Stock)
	}
	return rep, nil
}

// entityCodec resolves a -codec name; protobuf needs the entity's schema.
func entityCodec[V any](name string, proto func() codec.Codec[V]) (codec.Codec[V], error) {
	if strings.EqualFold(name, "protobuf") {
		return proto(), nil
	}
	return codec.ByName[V](strings.ToLower(name))
}
