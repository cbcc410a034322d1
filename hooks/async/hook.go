// Package asynchook moves cache hook delivery off the hot path.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	shops, _ := cache.New(cache.Options[store.Shop]{
//	    Store: kvStore,
//	    Codec: codec.JSON[store.Shop]{},
//	    Hooks: hooks,
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/flashsale/cache"
)

type Hooks struct {
	inner   cache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ cache.Hooks = (*Hooks)(nil)

func New(inner cache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close delivers queued events and stops the workers. Events raised after
// Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded on a full queue or after
// Close.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string)              { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) NullCached(k string)               { h.try(func() { h.inner.NullCached(k) }) }
func (h *Hooks) RebuildScheduled(k string)         { h.try(func() { h.inner.RebuildScheduled(k) }) }
func (h *Hooks) RebuildDropped(k string)           { h.try(func() { h.inner.RebuildDropped(k) }) }
func (h *Hooks) RebuildFailed(k string, err error) { h.try(func() { h.inner.RebuildFailed(k, err) }) }
func (h *Hooks) LockContended(k string)            { h.try(func() { h.inner.LockContended(k) }) }
func (h *Hooks) GenError(k string, err error)      { h.try(func() { h.inner.GenError(k, err) }) }
func (h *Hooks) InvalidateOutage(k string, be, de error) {
	h.try(func() { h.inner.InvalidateOutage(k, be, de) })
}
