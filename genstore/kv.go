package genstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/unkn0wn-root/flashsale/kv"
)

// KV shares generations across processes through the KV store under
// "gen:<storageKey>". With a TTL, an expired generation reads as 0 and
// cached frames self-heal.
type KV struct {
	store kv.Store
	ttl   time.Duration
}

var _ GenStore = (*KV)(nil)

// NewKV creates a KV-backed store; ttl <= 0 keeps generation keys forever.
func NewKV(store kv.Store, ttl time.Duration) *KV {
	return &KV{store: store, ttl: ttl}
}

func (s *KV) key(k string) string { return "gen:" + k }

func (s *KV) Snapshot(ctx context.Context, storageKey string) (uint64, error) {
	b, ok, err := s.store.Get(ctx, s.key(storageKey))
	if err != nil || !ok {
		return 0, err
	}
	u, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: parse %q: %w", storageKey, err)
	}
	return u, nil
}

// Bump increments the generation and refreshes its TTL. The expiry is a
// second round trip; a failure there is ignored since the counter moved.
func (s *KV) Bump(ctx context.Context, storageKey string) (uint64, error) {
	k := s.key(storageKey)
	v, err := s.store.Incr(ctx, k)
	if err != nil {
		return 0, err
	}
	if s.ttl > 0 {
		_, _ = s.store.Expire(ctx, k, s.ttl)
	}
	return uint64(v), nil
}

// Close is a no-op; the KV store is shared and owned by the caller.
func (s *KV) Close(context.Context) error { return nil }
