// Package lock implements a non-blocking mutual-exclusion lease on top of
// kv.Store SETNX with an identity-checked, atomic release.
//
// A lease is identified by a token "<processUUID>:<seq>", unique per
// acquisition. Release deletes the key only if it still holds that token, so
// a holder whose TTL expired can never delete a lock re-acquired by someone
// else. There is no renewal: work guarded by a lease must finish within its
// TTL.
package lock

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/kv"
)

// ErrNotAcquired means the lock is currently held by someone else.
var ErrNotAcquired = errors.New("lock: not acquired")

const DefaultPrefix = "lock:"

//go:embed unlock.lua
var unlockSrc string

var unlockScript = kv.NewScript("unlock", unlockSrc)

var tracer = otel.Tracer("github.com/unkn0wn-root/flashsale/lock")

type Locker struct {
	store  kv.Store
	prefix string
	owner  string
	seq    atomic.Uint64
	log    flashsale.Logger
}

type Option func(*Locker)

func WithPrefix(p string) Option { return func(l *Locker) { l.prefix = p } }

// WithOwner overrides the process identity embedded in tokens.
func WithOwner(owner string) Option { return func(l *Locker) { l.owner = owner } }

func WithLogger(lg flashsale.Logger) Option {
	return func(l *Locker) {
		if lg != nil {
			l.log = lg
		}
	}
}

func New(store kv.Store, opts ...Option) *Locker {
	l := &Locker{
		store:  store,
		prefix: DefaultPrefix,
		owner:  uuid.NewString(),
		log:    flashsale.NopLogger{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Key returns the KV key guarding name.
func (l *Locker) Key(name string) string { return l.prefix + name }

func (l *Locker) token() string {
	return l.owner + ":" + strconv.FormatUint(l.seq.Add(1), 10)
}

// TryAcquire makes a single attempt. It returns ErrNotAcquired when the lock
// is held elsewhere; store failures are returned as transient errors.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: ttl must be positive, got %s", ttl)
	}
	ctx, span := tracer.Start(ctx, "lock.TryAcquire")
	defer span.End()

	key := l.Key(name)
	tok := l.token()
	span.SetAttributes(attribute.String("lock.key", key))

	ok, err := l.store.SetNX(ctx, key, []byte(tok), ttl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "setnx")
		return nil, flashsale.Transient(fmt.Errorf("lock: acquire %q: %w", key, err))
	}
	span.SetAttributes(attribute.Bool("lock.acquired", ok))
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{l: l, key: key, token: tok}, nil
}

// Acquire retries TryAcquire up to attempts times with exponential backoff.
// It returns ErrNotAcquired if every attempt found the lock held, or the
// context error if ctx ends first.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration, attempts uint) (*Lease, error) {
	if attempts == 0 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = ttl
	eb.Reset()

	return backoff.Retry(ctx, func() (*Lease, error) {
		lease, err := l.TryAcquire(ctx, name, ttl)
		if err != nil && !errors.Is(err, ErrNotAcquired) {
			return nil, backoff.Permanent(err)
		}
		return lease, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(attempts))
}

// WithLock runs fn while holding name. The lease is released on every exit
// path, panics included; a release failure is logged, fn's result wins.
func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	lease, err := l.TryAcquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			l.log.Warn("lock release failed", flashsale.Fields{"key": lease.key, "err": rerr})
		}
	}()
	return fn(ctx)
}

// Lease is a held lock.
type Lease struct {
	l        *Locker
	key      string
	token    string
	released atomic.Bool
}

func (ls *Lease) Key() string   { return ls.key }
func (ls *Lease) Token() string { return ls.token }

// Release deletes the lock if it still carries this lease's token. Releasing
// a lock that expired or was taken over is a no-op, and so is any call after
// the first.
func (ls *Lease) Release(ctx context.Context) error {
	if ls == nil || !ls.released.CompareAndSwap(false, true) {
		return nil
	}
	ctx, span := tracer.Start(ctx, "lock.Release")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", ls.key))

	n, err := ls.l.store.Eval(ctx, unlockScript, []string{ls.key}, ls.token)
	if err != nil {
		// let the caller retry; the lock will otherwise expire on its own
		ls.released.Store(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unlock")
		return flashsale.Transient(fmt.Errorf("lock: release %q: %w", ls.key, err))
	}
	if n == 0 {
		ls.l.log.Debug("lock already gone on release", flashsale.Fields{"key": ls.key})
	}
	return nil
}
