// Package seckill admits orders for limited-stock offers: at most one order
// per (user, offer) and never more orders than stock, across any number of
// processes sharing one kv.Store.
//
// Admission is a single store-side script over two keys, the remaining stock
// and the set of admitted users. Once admitted, an order id is issued and the
// order is handed to a Persister. The ledger's UNIQUE(user, offer) constraint
// is the last guard; hitting it after admission means stock was taken without
// an order, so the pair is flagged in the reconciliation set.
package seckill

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/idgen"
	"github.com/unkn0wn-root/flashsale/internal/requestctx"
	"github.com/unkn0wn-root/flashsale/internal/util"
	"github.com/unkn0wn-root/flashsale/kv"
	"github.com/unkn0wn-root/flashsale/store"
)

const (
	DefaultPrefix = "seckill"
	// IDScope is the idgen scope of order ids.
	IDScope = "order"
)

// Script replies.
const (
	codeAdmitted  = 0
	codeSoldOut   = 1
	codeDuplicate = 2
)

var (
	ErrOfferNotFound = errors.New("seckill: offer not found")
	// ErrNoUser means AdmitFromContext found no authenticated user.
	ErrNoUser = errors.New("seckill: no user in context")
	// ErrThrottled is returned when the optional limiter sheds the request.
	ErrThrottled = errors.New("seckill: throttled")
	// ErrUnexpectedReply means the admission script answered outside its
	// contract.
	ErrUnexpectedReply = errors.New("seckill: unexpected script reply")
)

//go:embed seckill.lua
var admitSrc string

var admitScript = kv.NewScript("seckill", admitSrc)

var tracer = otel.Tracer("github.com/unkn0wn-root/flashsale/seckill")

// Status is the outcome of one admission attempt.
type Status int

const (
	StatusAdmitted Status = iota
	StatusSoldOut
	StatusDuplicate
	StatusNotStarted
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusAdmitted:
		return "admitted"
	case StatusSoldOut:
		return "sold_out"
	case StatusDuplicate:
		return "duplicate"
	case StatusNotStarted:
		return "not_started"
	case StatusEnded:
		return "ended"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Result is a business outcome. OrderID is set only when Status is
// StatusAdmitted.
type Result struct {
	Status  Status
	OrderID uint64
}

// Admitter is implemented by both admission paths.
type Admitter interface {
	Admit(ctx context.Context, userID, offerID int64) (Result, error)
}

// OfferSource looks up offer metadata, typically through the cache.
type OfferSource interface {
	Offer(ctx context.Context, id int64) (store.Offer, bool, error)
}

// OfferFunc adapts a function to OfferSource.
type OfferFunc func(ctx context.Context, id int64) (store.Offer, bool, error)

func (f OfferFunc) Offer(ctx context.Context, id int64) (store.Offer, bool, error) {
	return f(ctx, id)
}

type Options struct {
	Store     kv.Store         // required
	IDs       *idgen.Generator // required
	Offers    OfferSource      // required
	Persister Persister        // required
	Logger    flashsale.Logger // optional
	Limiter   *rate.Limiter    // optional; nil admits every request
	Prefix    string           // key prefix, default "seckill"
	Now       func() time.Time // optional
}

// Service runs the script-based admission. It is the authoritative path.
type Service struct {
	store     kv.Store
	ids       *idgen.Generator
	offers    OfferSource
	persister Persister
	recon     *Reconciler
	log       flashsale.Logger
	limiter   *rate.Limiter
	prefix    string
	now       func() time.Time
}

var _ Admitter = (*Service)(nil)

func New(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("seckill: Store is required")
	case opts.IDs == nil:
		return nil, errors.New("seckill: IDs is required")
	case opts.Offers == nil:
		return nil, errors.New("seckill: Offers is required")
	case opts.Persister == nil:
		return nil, errors.New("seckill: Persister is required")
	}
	var lg flashsale.Logger = flashsale.NopLogger{}
	if opts.Logger != nil {
		lg = opts.Logger
	}
	prefix := util.Coalesce(opts.Prefix, DefaultPrefix)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     opts.Store,
		ids:       opts.IDs,
		offers:    opts.Offers,
		persister: opts.Persister,
		recon:     NewReconciler(opts.Store, prefix, lg),
		log:       lg,
		limiter:   opts.Limiter,
		prefix:    prefix,
		now:       now,
	}, nil
}

// StockKey is the remaining-stock key of offerID.
func (s *Service) StockKey(offerID int64) string {
	return util.Key(s.prefix, "stock", strconv.FormatInt(offerID, 10))
}

// OrderKey is the admitted-users set of offerID.
func (s *Service) OrderKey(offerID int64) string {
	return util.Key(s.prefix, "order", strconv.FormatInt(offerID, 10))
}

// Reconciler returns the reconciliation set shared with persisters.
func (s *Service) Reconciler() *Reconciler { return s.recon }

// Stage publishes offer for sale: it sets the remaining stock and forgets
// every admitted user. It is an administrative reset and must run before the
// window opens.
func (s *Service) Stage(ctx context.Context, o store.Offer) error {
	if err := store.Validate(o); err != nil {
		return err
	}
	if err := s.store.Set(ctx, s.StockKey(o.ID), []byte(strconv.FormatInt(o.Stock, 10)), 0); err != nil {
		return flashsale.Transient(fmt.Errorf("seckill: stage stock %d: %w", o.ID, err))
	}
	if _, err := s.store.Del(ctx, s.OrderKey(o.ID)); err != nil {
		return flashsale.Transient(fmt.Errorf("seckill: stage orders %d: %w", o.ID, err))
	}
	s.log.Info("offer staged", flashsale.Fields{"offer": o.ID, "stock": o.Stock})
	return nil
}

// Remaining reports the stock left in the store for offerID. A missing key
// reads as zero.
func (s *Service) Remaining(ctx context.Context, offerID int64) (int64, error) {
	b, ok, err := s.store.Get(ctx, s.StockKey(offerID))
	if err != nil {
		return 0, flashsale.Transient(err)
	}
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(string(b), 10, 64)
}

// AdmitFromContext admits the user carried by ctx.
func (s *Service) AdmitFromContext(ctx context.Context, offerID int64) (Result, error) {
	userID, ok := requestctx.UserIDFromContext(ctx)
	if !ok {
		return Result{}, ErrNoUser
	}
	return s.Admit(ctx, userID, offerID)
}

// Admit runs one admission attempt for (userID, offerID). Business
// rejections are reported through Result.Status with a nil error; store
// failures are errors marked transient.
func (s *Service) Admit(ctx context.Context, userID, offerID int64) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "seckill.Admit")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "admit")
		} else {
			span.SetAttributes(attribute.String("seckill.status", res.Status.String()))
		}
		span.End()
	}()
	span.SetAttributes(attribute.Int64("seckill.user", userID), attribute.Int64("seckill.offer", offerID))

	if s.limiter != nil && !s.limiter.Allow() {
		return Result{}, ErrThrottled
	}

	if st, ok, err := checkWindow(ctx, s.offers, offerID, s.now()); err != nil {
		return Result{}, err
	} else if !ok {
		return Result{Status: st}, nil
	}

	user := strconv.FormatInt(userID, 10)
	code, err := s.store.Eval(ctx, admitScript, []string{s.StockKey(offerID), s.OrderKey(offerID)}, user)
	if err != nil {
		return Result{}, flashsale.Transient(fmt.Errorf("seckill: admit offer %d: %w", offerID, err))
	}
	switch code {
	case codeAdmitted:
	case codeSoldOut:
		return Result{Status: StatusSoldOut}, nil
	case codeDuplicate:
		return Result{Status: StatusDuplicate}, nil
	default:
		return Result{}, flashsale.Transient(fmt.Errorf("%w: %d", ErrUnexpectedReply, code))
	}

	// the stock unit is taken from here on; every failure leaves a flag
	id, err := s.ids.Next(ctx, IDScope)
	if err != nil {
		s.recon.Flag(ctx, offerID, userID, ReasonPersist)
		return Result{}, flashsale.Transient(fmt.Errorf("seckill: order id: %w", err))
	}
	order := store.Order{ID: id, UserID: userID, OfferID: offerID, CreatedAt: s.now()}
	if err := s.persister.Persist(ctx, order); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			s.recon.Flag(ctx, offerID, userID, ReasonDuplicate)
			s.log.Error("order ledger rejected an admitted order", flashsale.Fields{
				"offer": offerID, "user": userID, "order": id,
			})
			return Result{Status: StatusDuplicate}, nil
		}
		s.recon.Flag(ctx, offerID, userID, ReasonPersist)
		return Result{}, flashsale.Transient(fmt.Errorf("seckill: persist order %d: %w", id, err))
	}
	return Result{Status: StatusAdmitted, OrderID: id}, nil
}

// Flagged lists the pairs waiting for reconciliation.
func (s *Service) Flagged(ctx context.Context) ([]Flag, error) { return s.recon.Flagged(ctx) }

// checkWindow loads the offer and reports whether now is inside its window.
// When ok is false and err is nil, st is the rejection.
func checkWindow(ctx context.Context, offers OfferSource, offerID int64, now time.Time) (st Status, ok bool, err error) {
	o, found, err := offers.Offer(ctx, offerID)
	if err != nil {
		return 0, false, flashsale.Transient(fmt.Errorf("seckill: load offer %d: %w", offerID, err))
	}
	if !found {
		return 0, false, ErrOfferNotFound
	}
	switch {
	case now.Before(o.WindowStart):
		return StatusNotStarted, false, nil
	case now.After(o.WindowEnd):
		return StatusEnded, false, nil
	}
	return StatusAdmitted, true, nil
}
