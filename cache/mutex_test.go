package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/flashsale/kv/memory"
	"github.com/unkn0wn-root/flashsale/lock"
)

func TestMutexCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, memory.New(memory.Config{}), nil)
	ld := newLoader(shop{ID: "1", Name: "hot"})
	ld.delay = 30 * time.Millisecond

	var eg errgroup.Group
	for i := 0; i < 50; i++ {
		eg.Go(func() error {
			v, ok, err := c.ReadWithMutex(ctx, prefix, "1", ld.Load, time.Minute)
			if err != nil {
				return err
			}
			if !ok || v.Name != "hot" {
				return errors.New("wrong value")
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := ld.calls.Load(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}
}

func TestMutexAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	opts := func(o *Options[shop]) {
		o.MutexRetries = 50
		o.MutexBackoff = 5 * time.Millisecond
	}
	// two clients model two processes sharing the KV store
	a := newTestClient(t, store, opts)
	b := newTestClient(t, store, opts)
	ld := newLoader(shop{ID: "1", Name: "hot"})
	ld.delay = 50 * time.Millisecond

	var eg errgroup.Group
	for _, c := range []*Client[shop]{a, b, a, b} {
		eg.Go(func() error {
			_, ok, err := c.ReadWithMutex(ctx, prefix, "1", ld.Load, time.Minute)
			if err == nil && !ok {
				err = errors.New("not found")
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := ld.calls.Load(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}
}

func TestMutexContendedGivesUp(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	h := &recHooks{}
	c := newTestClient(t, store, func(o *Options[shop]) {
		o.Hooks = h
		o.MutexRetries = 3
		o.MutexBackoff = time.Millisecond
	})
	held, err := lock.New(store).TryAcquire(ctx, prefix+"1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release(ctx)

	ld := newLoader(shop{ID: "1"})
	if _, _, err := c.ReadWithMutex(ctx, prefix, "1", ld.Load, 0); !errors.Is(err, ErrLockContended) {
		t.Fatalf("got %v, want ErrLockContended", err)
	}
	if ld.calls.Load() != 0 {
		t.Fatalf("loaded without the lock")
	}
	if !h.has("contended:" + prefix + "1") {
		t.Fatalf("LockContended not fired")
	}
}

func TestMutexWaiterSeesHolderFill(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	c := newTestClient(t, store, func(o *Options[shop]) {
		o.MutexRetries = 100
		o.MutexBackoff = time.Millisecond
	})
	held, err := lock.New(store).TryAcquire(ctx, prefix+"1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = c.Set(ctx, prefix+"1", shop{ID: "1", Name: "by holder"}, 0)
		_ = held.Release(ctx)
	}()

	ld := newLoader(shop{ID: "1", Name: "by waiter"})
	v, ok, err := c.ReadWithMutex(ctx, prefix, "1", ld.Load, 0)
	if err != nil || !ok || v.Name != "by holder" {
		t.Fatalf("got=%v ok=%v err=%v", v, ok, err)
	}
	if ld.calls.Load() != 0 {
		t.Fatalf("waiter loaded although the holder filled the key")
	}
}

func TestMutexNullCachesAndReleases(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	c := newTestClient(t, store, nil)
	ld := newLoader()
	for i := 0; i < 2; i++ {
		if _, ok, err := c.ReadWithMutex(ctx, prefix, "404", ld.Load, 0); ok || err != nil {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
	}
	if ld.calls.Load() != 1 {
		t.Fatalf("loader calls = %d", ld.calls.Load())
	}
	assertLockFree(t, store, prefix+"404")
}

func TestMutexReleasesOnLoaderError(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	c := newTestClient(t, store, nil)
	ld := newLoader()
	ld.err = errors.New("db down")
	if _, _, err := c.ReadWithMutex(ctx, prefix, "1", ld.Load, 0); !errors.Is(err, ld.err) {
		t.Fatalf("got %v", err)
	}
	assertLockFree(t, store, prefix+"1")
}

func TestMutexHonorsContext(t *testing.T) {
	store := memory.New(memory.Config{})
	c := newTestClient(t, store, func(o *Options[shop]) {
		o.MutexRetries = 1000
		o.MutexBackoff = 10 * time.Millisecond
	})
	held, err := lock.New(store).TryAcquire(context.Background(), prefix+"1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, _, err := c.ReadWithMutex(ctx, prefix, "1", newLoader().Load, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
}

func TestMutexCancelledCallerDoesNotFailSharedWaiters(t *testing.T) {
	store := memory.New(memory.Config{})
	c := newTestClient(t, store, func(o *Options[shop]) {
		o.MutexRetries = 200
		o.MutexBackoff = 2 * time.Millisecond
	})
	held, err := lock.New(store).TryAcquire(context.Background(), prefix+"1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ld := newLoader(shop{ID: "1", Name: "hot"})

	first, cancel := context.WithCancel(context.Background())
	time.AfterFunc(15*time.Millisecond, cancel)
	time.AfterFunc(35*time.Millisecond, func() { _ = held.Release(context.Background()) })

	firstErr := make(chan error, 1)
	go func() {
		_, _, err := c.ReadWithMutex(first, prefix, "1", ld.Load, time.Minute)
		firstErr <- err
	}()
	time.Sleep(5 * time.Millisecond) // joins the in-flight attempt

	v, ok, err := c.ReadWithMutex(context.Background(), prefix, "1", ld.Load, time.Minute)
	if err != nil || !ok || v.Name != "hot" {
		t.Fatalf("waiter: got=%v ok=%v err=%v", v, ok, err)
	}
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: got %v, want context.Canceled", err)
	}
	if n := ld.calls.Load(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}
	assertLockFree(t, store, prefix+"1")
}
