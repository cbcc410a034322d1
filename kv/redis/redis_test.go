package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/flashsale/kv"
	"github.com/unkn0wn-root/flashsale/kv/kvtest"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Config{
		Client:      goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		CloseClient: true,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, mr
}

func TestStoreContract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, _ := newStore(t)
		return s
	})
}

func TestNewRejectsNilClient(t *testing.T) {
	if _, err := New(Config{}); err != ErrNilClient {
		t.Fatalf("got %v, want ErrNilClient", err)
	}
}

func TestSetTTL(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("key survived its ttl")
	}
}

func TestExpireZeroPersists(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Expire(ctx, "k", 0); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if ttl := mr.TTL("k"); ttl != 0 {
		t.Fatalf("ttl = %v, want none", ttl)
	}
}

func TestEvalReloadsAfterScriptFlush(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	script := kv.NewScript("one", "return 1")
	if _, err := s.Eval(ctx, script, nil); err != nil {
		t.Fatalf("first eval: %v", err)
	}
	if _, ok := s.loaded.Load(script.SHA()); !ok {
		t.Fatalf("script sha not remembered")
	}
	mr.FlushAll()
	if err := s.Client().ScriptFlush(ctx).Err(); err != nil {
		t.Fatalf("script flush: %v", err)
	}
	got, err := s.Eval(ctx, script, nil)
	if err != nil {
		t.Fatalf("eval after flush: %v", err)
	}
	if got != 1 {
		t.Fatalf("got %d", got)
	}
}
