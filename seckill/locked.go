package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/idgen"
	"github.com/unkn0wn-root/flashsale/lock"
	"github.com/unkn0wn-root/flashsale/store"
)

const DefaultUserLockTTL = 5 * time.Second

type LockedOptions struct {
	Locker  *lock.Locker      // required
	Ledger  store.OrderLedger // required
	IDs     *idgen.Generator  // required
	Offers  OfferSource       // required
	LockTTL time.Duration     // default 5s
	Logger  flashsale.Logger  // optional
	Now     func() time.Time  // optional
}

// LockedAdmitter admits through the ledger's guarded transaction, for stores
// that cannot run scripts. A per-user lock keeps one user from racing
// themselves; the ledger's conditional decrement is what prevents
// overselling across users.
type LockedAdmitter struct {
	locker *lock.Locker
	ledger store.OrderLedger
	ids    *idgen.Generator
	offers OfferSource
	ttl    time.Duration
	log    flashsale.Logger
	now    func() time.Time
}

var _ Admitter = (*LockedAdmitter)(nil)

func NewLocked(opts LockedOptions) (*LockedAdmitter, error) {
	switch {
	case opts.Locker == nil:
		return nil, errors.New("seckill: Locker is required")
	case opts.Ledger == nil:
		return nil, errors.New("seckill: Ledger is required")
	case opts.IDs == nil:
		return nil, errors.New("seckill: IDs is required")
	case opts.Offers == nil:
		return nil, errors.New("seckill: Offers is required")
	}
	a := &LockedAdmitter{
		locker: opts.Locker,
		ledger: opts.Ledger,
		ids:    opts.IDs,
		offers: opts.Offers,
		ttl:    opts.LockTTL,
		log:    opts.Logger,
		now:    opts.Now,
	}
	if a.ttl <= 0 {
		a.ttl = DefaultUserLockTTL
	}
	if a.log == nil {
		a.log = flashsale.NopLogger{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// UserLockName is the lock guarding userID's admissions.
func UserLockName(userID int64) string {
	return "order:" + strconv.FormatInt(userID, 10)
}

// Admit holds the user's lock around PlaceOrder. A user whose lock is already
// held gets StatusDuplicate: they have another attempt in flight.
func (a *LockedAdmitter) Admit(ctx context.Context, userID, offerID int64) (Result, error) {
	ctx, span := tracer.Start(ctx, "seckill.AdmitLocked")
	defer span.End()

	now := a.now()
	if st, ok, err := checkWindow(ctx, a.offers, offerID, now); err != nil {
		return Result{}, err
	} else if !ok {
		return Result{Status: st}, nil
	}

	var res Result
	err := a.locker.WithLock(ctx, UserLockName(userID), a.ttl, func(ctx context.Context) error {
		id, err := a.ids.Next(ctx, IDScope)
		if err != nil {
			return fmt.Errorf("seckill: order id: %w", err)
		}
		err = a.ledger.PlaceOrder(ctx, store.Order{ID: id, UserID: userID, OfferID: offerID, CreatedAt: now}, now)
		switch {
		case err == nil:
			res = Result{Status: StatusAdmitted, OrderID: id}
		case errors.Is(err, store.ErrAlreadyExists):
			res = Result{Status: StatusDuplicate}
		case errors.Is(err, store.ErrSoldOut):
			res = Result{Status: StatusSoldOut}
		case errors.Is(err, store.ErrWindowClosed):
			// the window closed between the lookup and the transaction
			res = Result{Status: StatusEnded}
		case errors.Is(err, store.ErrNotFound):
			return ErrOfferNotFound
		default:
			return flashsale.Transient(fmt.Errorf("seckill: place order: %w", err))
		}
		return nil
	})
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		return Result{Status: StatusDuplicate}, nil
	case err != nil:
		span.RecordError(err)
		return Result{}, err
	}
	return res, nil
}
