package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/kv"
	"github.com/unkn0wn-root/flashsale/kv/memory"
	kvredis "github.com/unkn0wn-root/flashsale/kv/redis"
)

type countingStore struct {
	kv.Store
	evals atomic.Int64
}

func (c *countingStore) Eval(ctx context.Context, s *kv.Script, keys []string, args ...any) (int64, error) {
	c.evals.Add(1)
	return c.Store.Eval(ctx, s, keys, args...)
}

type brokenStore struct{ kv.Store }

var errDown = errors.New("store down")

func (brokenStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errDown
}

func (brokenStore) Eval(context.Context, *kv.Script, []string, ...any) (int64, error) {
	return 0, errDown
}

func TestTryAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New(memory.Config{}))

	a, err := l.TryAcquire(ctx, "shop:1", time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := l.TryAcquire(ctx, "shop:1", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second acquire: got %v, want ErrNotAcquired", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	b, err := l.TryAcquire(ctx, "shop:1", time.Minute)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if a.Token() == b.Token() {
		t.Fatalf("tokens must be unique per acquisition: %s", a.Token())
	}
}

func TestReleaseDoesNotDeleteForeignLock(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	l := New(store)

	lease, err := l.TryAcquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// lease expired and another holder took over
	if err := store.Set(ctx, l.Key("k"), []byte("someone-else:1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	v, ok, _ := store.Get(ctx, l.Key("k"))
	if !ok || string(v) != "someone-else:1" {
		t.Fatalf("foreign lock was touched: %q ok=%v", v, ok)
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Store: memory.New(memory.Config{})}
	l := New(cs)

	lease, err := l.TryAcquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	other, err := l.TryAcquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire by other: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if got := cs.evals.Load(); got != 1 {
		t.Fatalf("release round trips = %d, want 1", got)
	}
	if _, err := l.TryAcquire(ctx, "k", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("double release freed the new holder's lock: %v", err)
	}
	_ = other.Release(ctx)
}

func TestStoreFailuresAreTransient(t *testing.T) {
	ctx := context.Background()
	l := New(brokenStore{memory.New(memory.Config{})})
	if _, err := l.TryAcquire(ctx, "k", time.Minute); !flashsale.IsTransient(err) || !errors.Is(err, errDown) {
		t.Fatalf("acquire error = %v", err)
	}

	good := New(memory.New(memory.Config{}))
	lease, err := good.TryAcquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lease.l = l
	if err := lease.Release(ctx); !flashsale.IsTransient(err) {
		t.Fatalf("release error = %v", err)
	}
}

func TestTryAcquireRejectsNonPositiveTTL(t *testing.T) {
	l := New(memory.New(memory.Config{}))
	if _, err := l.TryAcquire(context.Background(), "k", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestLockExpiresWithoutRenewal(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New(memory.Config{}))
	if _, err := l.TryAcquire(ctx, "k", 20*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := l.TryAcquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("acquire after ttl: %v", err)
	}
}

func TestAcquireRetries(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New(memory.Config{}))

	held, err := l.TryAcquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "k", time.Minute, 2); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("exhausted retries: got %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release(ctx)
	}()
	lease, err := l.Acquire(ctx, "k", time.Minute, 50)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = lease.Release(ctx)
}

func TestAcquireHonorsContext(t *testing.T) {
	l := New(memory.New(memory.Config{}))
	if _, err := l.TryAcquire(context.Background(), "k", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(ctx, "k", time.Minute, 1000)
	if err == nil {
		t.Fatalf("expected failure while lock is held")
	}
	if ctx.Err() == nil {
		t.Fatalf("returned before the context ended: %v", err)
	}
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New(memory.Config{}))

	func() {
		defer func() { _ = recover() }()
		_ = l.WithLock(ctx, "k", time.Minute, func(context.Context) error { panic("boom") })
	}()
	if _, err := l.TryAcquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("lock leaked after panic: %v", err)
	}
}

func TestWithLockContended(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New(memory.Config{}))
	if _, err := l.TryAcquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	called := false
	err := l.WithLock(ctx, "k", time.Minute, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrNotAcquired) || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}

func TestMutualExclusionAcrossLockers(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	var (
		inside atomic.Int32
		max    atomic.Int32
		wg     sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := New(store) // distinct process identity per locker
			for j := 0; j < 20; j++ {
				_ = l.WithLock(ctx, "k", time.Minute, func(context.Context) error {
					n := inside.Add(1)
					if n > max.Load() {
						max.Store(n)
					}
					time.Sleep(time.Millisecond)
					inside.Add(-1)
					return nil
				})
			}
		}()
	}
	wg.Wait()
	if max.Load() > 1 {
		t.Fatalf("observed %d concurrent holders", max.Load())
	}
}

func TestUnlockScriptOnRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store, err := kvredis.New(kvredis.Config{
		Client:      goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		CloseClient: true,
	})
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	defer store.Close(ctx)

	l := New(store, WithPrefix("lk:"), WithOwner("proc-a"))
	lease, err := l.TryAcquire(ctx, "x", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got, _ := mr.Get("lk:x"); got != lease.Token() {
		t.Fatalf("stored token %q, want %q", got, lease.Token())
	}
	if mr.TTL("lk:x") != time.Minute {
		t.Fatalf("lock ttl = %v", mr.TTL("lk:x"))
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("lk:x") {
		t.Fatalf("lock not deleted")
	}
}
