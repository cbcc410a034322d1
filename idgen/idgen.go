// Package idgen issues 64-bit identifiers laid out as
//
//	(seconds since 2023-01-01T00:00:00Z) << 32 | counter
//
// where counter comes from an atomic INCR on "icr:<scope>:<yyyy:MM:dd>". The
// counter key is scoped to the UTC date, so it restarts every day while the
// timestamp half keeps IDs from different days apart.
package idgen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/internal/util"
	"github.com/unkn0wn-root/flashsale/kv"
)

// Epoch is the reference instant of the timestamp half.
var Epoch = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	counterBits = 32

	DefaultPrefix     = "icr"
	DefaultCounterTTL = 48 * time.Hour
)

var (
	// ErrCounterOverflow means the daily counter left [1, 2^32-1]; issuing an
	// ID would collide or be zero.
	ErrCounterOverflow = errors.New("idgen: daily counter out of range")
	ErrBeforeEpoch     = errors.New("idgen: clock is before epoch")
)

type Generator struct {
	store      kv.Store
	prefix     string
	counterTTL time.Duration
	now        func() time.Time
	log        flashsale.Logger
}

type Option func(*Generator)

func WithPrefix(p string) Option { return func(g *Generator) { g.prefix = p } }

// WithCounterTTL sets the expiry applied to a day's counter on first use;
// <= 0 leaves counters without expiry.
func WithCounterTTL(d time.Duration) Option { return func(g *Generator) { g.counterTTL = d } }

func WithClock(now func() time.Time) Option { return func(g *Generator) { g.now = now } }

func WithLogger(l flashsale.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.log = l
		}
	}
}

func New(store kv.Store, opts ...Option) *Generator {
	g := &Generator{
		store:      store,
		prefix:     DefaultPrefix,
		counterTTL: DefaultCounterTTL,
		now:        time.Now,
		log:        flashsale.NopLogger{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// CounterKey returns the counter key used for scope at t.
func (g *Generator) CounterKey(scope string, t time.Time) string {
	return util.Key(g.prefix, scope, t.UTC().Format("2006:01:02"))
}

// Next returns a fresh ID for scope. Store failures are transient errors;
// Next never returns 0 or a value it already issued.
func (g *Generator) Next(ctx context.Context, scope string) (uint64, error) {
	now := g.now().UTC()
	if now.Before(Epoch) {
		return 0, ErrBeforeEpoch
	}
	secs := uint64(now.Unix() - Epoch.Unix())

	key := g.CounterKey(scope, now)
	n, err := g.store.Incr(ctx, key)
	if err != nil {
		return 0, flashsale.Transient(fmt.Errorf("idgen: incr %q: %w", key, err))
	}
	if n < 1 || n > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %q reached %d", ErrCounterOverflow, key, n)
	}
	if n == 1 && g.counterTTL > 0 {
		// best effort; a counter without expiry is only a slow leak
		if _, err := g.store.Expire(ctx, key, g.counterTTL); err != nil {
			g.log.Warn("idgen: counter expiry not set", flashsale.Fields{"key": key, "err": err})
		}
	}
	return secs<<counterBits | uint64(n), nil
}

// Decompose splits id into its timestamp (second precision, UTC) and counter.
func Decompose(id uint64) (time.Time, uint32) {
	secs := int64(id >> counterBits)
	return time.Unix(Epoch.Unix()+secs, 0).UTC(), uint32(id)
}
