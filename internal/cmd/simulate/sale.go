package simulate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/cache"
	"github.com/unkn0wn-root/flashsale/idgen"
	"github.com/unkn0wn-root/flashsale/internal/config"
	"github.com/unkn0wn-root/flashsale/internal/requestctx"
	"github.com/unkn0wn-root/flashsale/kv"
	"github.com/unkn0wn-root/flashsale/lock"
	"github.com/unkn0wn-root/flashsale/seckill"
	"github.com/unkn0wn-root/flashsale/store"
)

// saleConcurrency caps in-flight admissions.
const saleConcurrency = 256

type SaleReport struct {
	OfferID   int64
	Admitted  int64
	SoldOut   int64
	Duplicate int64
	Rejected  int64 // outside the window
	Throttled int64
	Failed    int64
	Remaining int64
	Flagged   []seckill.Flag
}

func (r *SaleReport) count(res seckill.Result, err error) {
	switch {
	case errors.Is(err, seckill.ErrThrottled):
		atomic.AddInt64(&r.Throttled, 1)
	case err != nil:
		atomic.AddInt64(&r.Failed, 1)
	case res.Status == seckill.StatusAdmitted:
		atomic.AddInt64(&r.Admitted, 1)
	case res.Status == seckill.StatusSoldOut:
		atomic.AddInt64(&r.SoldOut, 1)
	case res.Status == seckill.StatusDuplicate:
		atomic.AddInt64(&r.Duplicate, 1)
	default:
		atomic.AddInt64(&r.Rejected, 1)
	}
}

// runSale publishes one offer and lets every user try to buy it
// cfg.Attempts times, all at once.
func runSale(ctx context.Context, cfg config.Config, lg flashsale.Logger, kvs kv.Store, db backing, offerCache *cache.Client[store.Offer]) (SaleReport, error) {
	now := time.Now()
	offer := store.Offer{
		Stock:       int64(cfg.Stock),
		WindowStart: now.Add(-time.Minute),
		WindowEnd:   now.Add(time.Hour),
	}
	id, err := db.CreateOffer(ctx, offer)
	if err != nil {
		return SaleReport{}, fmt.Errorf("create offer: %w", err)
	}
	offer.ID = id

	offers := &seckill.CachedOffers{Cache: offerCache, Store: db, TTL: cfg.CacheTTL}
	ids := idgen.New(kvs, idgen.WithLogger(lg))
	recon := seckill.NewReconciler(kvs, "", lg)

	var (
		admit     func(ctx context.Context, userID int64) (seckill.Result, error)
		remaining func(ctx context.Context) (int64, error)
		queue     *seckill.Queue
	)
	switch strings.ToLower(cfg.Admission) {
	case "locked":
		a, err := seckill.NewLocked(seckill.LockedOptions{
			Locker: lock.New(kvs, lock.WithLogger(lg)),
			Ledger: db,
			IDs:    ids,
			Offers: offers,
			Logger: lg,
		})
		if err != nil {
			return SaleReport{}, err
		}
		admit = func(ctx context.Context, userID int64) (seckill.Result, error) {
			return a.Admit(ctx, userID, id)
		}
		remaining = func(ctx context.Context) (int64, error) {
			o, err := db.GetOffer(ctx, id)
			return o.Stock, err
		}
	default:
		var persister seckill.Persister = seckill.Sync{Ledger: db}
		if strings.EqualFold(cfg.Persist, "queue") {
			queue = seckill.NewQueue(db, recon, seckill.QueueOptions{Logger: lg})
			persister = queue
		}
		var limiter *rate.Limiter
		if cfg.RateLimit > 0 {
			limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
		}
		svc, err := seckill.New(seckill.Options{
			Store:     kvs,
			IDs:       ids,
			Offers:    offers,
			Persister: persister,
			Logger:    lg,
			Limiter:   limiter,
		})
		if err != nil {
			return SaleReport{}, err
		}
		if err := svc.Stage(ctx, offer); err != nil {
			return SaleReport{}, err
		}
		admit = func(ctx context.Context, userID int64) (seckill.Result, error) {
			return svc.AdmitFromContext(requestctx.WithUserID(ctx, userID), id)
		}
		remaining = func(ctx context.Context) (int64, error) { return svc.Remaining(ctx, id) }
	}

	rep := SaleReport{OfferID: id}
	werr := admitAll(ctx, lg, cfg.Users, cfg.Attempts, admit, &rep)
	if queue != nil {
		if err := queue.Close(ctx); err != nil {
			return rep, err
		}
	}
	if werr != nil {
		return rep, werr
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	if rep.Remaining, err = remaining(ctx); err != nil {
		return rep, err
	}
	flags, err := recon.Flagged(ctx)
	if err != nil {
		return rep, err
	}
	for _, f := range flags {
		if f.OfferID != id {
			continue // left over from an earlier sale
		}
		rep.Flagged = append(rep.Flagged, f)
		lg.Warn("order needs reconciliation", flashsale.Fields{"user": f.UserID, "reason": f.Reason})
	}
	return rep, nil
}

// admitAll runs attempts rounds of admissions for users 1..users. Business
// outcomes and per-request failures are counted in rep; only cancellation
// stops the run, and it is returned.
func admitAll(ctx context.Context, lg flashsale.Logger, users, attempts int, admit func(context.Context, int64) (seckill.Result, error), rep *SaleReport) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(saleConcurrency)
launch:
	for a := range attempts {
		for u := range users {
			if gctx.Err() != nil {
				break launch
			}
			g.Go(func() error {
				res, err := admit(gctx, int64(u+1))
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				rep.count(res, err)
				if err != nil && !errors.Is(err, seckill.ErrThrottled) {
					lg.Debug("admission failed", flashsale.Fields{"user": u + 1, "attempt": a, "err": err})
				}
				return nil
			})
		}
	}
	return g.Wait()
}
