package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/codec"
	"github.com/unkn0wn-root/flashsale/genstore"
	"github.com/unkn0wn-root/flashsale/kv"
	"github.com/unkn0wn-root/flashsale/lock"
	"github.com/unkn0wn-root/flashsale/provider"
)

const (
	DefaultTTL      = 30 * time.Minute
	DefaultNullTTL  = 2 * time.Minute
	DefaultLockTTL  = 10 * time.Second
	DefaultLocalTTL = 2 * time.Second

	DefaultRebuildWorkers = 10
	DefaultRebuildQueue   = 256
	DefaultMutexRetries   = 10
	DefaultMutexBackoff   = 50 * time.Millisecond
)

// Loader fetches id from the backing store. found=false with a nil error is a
// confirmed "does not exist" and gets null-cached.
type Loader[V any] func(ctx context.Context, id string) (v V, found bool, err error)

// Strategy selects how a read defends the backing store.
type Strategy uint8

const (
	// PassThrough loads on every miss and null-caches absent ids.
	PassThrough Strategy = iota
	// LogicalExpiry serves possibly stale envelopes and rebuilds them in the
	// background; the key must be prewarmed.
	LogicalExpiry
	// Mutex lets one caller per key rebuild a miss while the others wait.
	Mutex
)

func (s Strategy) String() string {
	switch s {
	case PassThrough:
		return "pass_through"
	case LogicalExpiry:
		return "logical_expiry"
	case Mutex:
		return "mutex"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Options configure a Client. Only Store and Codec are required.
//
// A key prefix must be used with a single strategy: plain frames and logical
// envelopes are not interchangeable and a read of the wrong kind self-heals
// (deletes) the entry.
type Options[V any] struct {
	// Required
	Store kv.Store
	Codec codec.Codec[V]

	Logger flashsale.Logger // nil => NopLogger
	Hooks  Hooks            // nil => NopHooks
	Locker *lock.Locker     // nil => lock.New(Store)

	DefaultTTL time.Duration // plain frames and logical envelopes; 0 => 30m
	NullTTL    time.Duration // empty marker; 0 => 2m
	LockTTL    time.Duration // rebuild/mutex lock; 0 => 10s

	RebuildWorkers int // 0 => 10
	RebuildQueue   int // 0 => 256; full queue drops the rebuild

	// GenStore enables CAS-protected fills: a fill is skipped if the key was
	// invalidated while the loader ran.
	GenStore genstore.GenStore

	// Local is an optional near cache consulted before Store.
	Local    provider.Provider
	LocalTTL time.Duration // 0 => 2s

	MutexRetries int           // attempts before ErrLockContended; 0 => 10
	MutexBackoff time.Duration // first wait between attempts; 0 => 50ms

	Now func() time.Time // nil => time.Now
}
