package seckill

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/internal/util"
	"github.com/unkn0wn-root/flashsale/store"
)

// Persister hands an admitted order to the ledger. Persist returns
// store.ErrAlreadyExists when the ledger already holds the pair.
type Persister interface {
	Persist(ctx context.Context, o store.Order) error
}

// Sync writes each order to the ledger before Admit returns.
type Sync struct {
	Ledger store.OrderLedger
}

func (p Sync) Persist(ctx context.Context, o store.Order) error {
	return p.Ledger.InsertOrder(ctx, o)
}

var ErrQueueClosed = errors.New("seckill: persist queue closed")

const (
	DefaultQueueWorkers  = 4
	DefaultQueueSize     = 1024
	DefaultQueueAttempts = 5
)

type QueueOptions struct {
	Workers  int              // default 4
	Size     int              // buffered orders, default 1024
	Attempts uint             // ledger attempts per order, default 5
	Backoff  time.Duration    // first retry delay, default 20ms
	Logger   flashsale.Logger // optional
}

// Queue persists orders in the background so ledger latency does not hold up
// admission. Persist blocks while the buffer is full, honoring ctx. Orders
// the ledger rejects as duplicates, or that still fail after the retries, are
// flagged on the Reconciler.
type Queue struct {
	ledger   store.OrderLedger
	recon    *Reconciler
	log      flashsale.Logger
	attempts uint
	backoff  time.Duration

	ch chan store.Order
	wg sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	persisted atomic.Int64
	flagged   atomic.Int64
}

var _ Persister = (*Queue)(nil)

func NewQueue(ledger store.OrderLedger, recon *Reconciler, opts QueueOptions) *Queue {
	var lg flashsale.Logger = flashsale.NopLogger{}
	if opts.Logger != nil {
		lg = opts.Logger
	}
	q := &Queue{
		ledger:   ledger,
		recon:    recon,
		log:      lg,
		attempts: util.Coalesce(opts.Attempts, DefaultQueueAttempts),
		backoff:  util.Coalesce(opts.Backoff, 20*time.Millisecond),
		ch:       make(chan store.Order, util.Coalesce(opts.Size, DefaultQueueSize)),
	}
	workers := util.Coalesce(opts.Workers, DefaultQueueWorkers)
	q.wg.Add(workers)
	for range workers {
		go func() {
			defer q.wg.Done()
			for o := range q.ch {
				q.write(o)
			}
		}()
	}
	return q
}

func (q *Queue) Persist(ctx context.Context, o store.Order) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) write(o store.Order) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = q.backoff
	eb.Reset()

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		err := q.ledger.InsertOrder(context.Background(), o)
		if errors.Is(err, store.ErrAlreadyExists) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(q.attempts))

	switch {
	case err == nil:
		q.persisted.Add(1)
	case errors.Is(err, store.ErrAlreadyExists):
		q.flagged.Add(1)
		q.log.Error("order ledger rejected an admitted order", flashsale.Fields{
			"offer": o.OfferID, "user": o.UserID, "order": o.ID,
		})
		q.recon.Flag(context.Background(), o.OfferID, o.UserID, ReasonDuplicate)
	default:
		q.flagged.Add(1)
		q.log.Error("order persist failed", flashsale.Fields{"order": o.ID, "err": err})
		q.recon.Flag(context.Background(), o.OfferID, o.UserID, ReasonPersist)
	}
}

// Persisted is the number of orders written so far.
func (q *Queue) Persisted() int64 { return q.persisted.Load() }

// Failed is the number of orders flagged instead of written.
func (q *Queue) Failed() int64 { return q.flagged.Load() }

// Close stops accepting orders and waits for the buffered ones to be written
// or for ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
