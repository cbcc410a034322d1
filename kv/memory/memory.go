// Package memory is an in-process kv.Store. Every operation, scripts
// included, runs under one mutex, which gives Eval the same atomicity Redis
// provides. Scripts are the same Lua sources sent to Redis, executed by
// gopher-lua with a redis.call bridge.
//
// It coordinates goroutines of a single process only; use kv/redis to
// coordinate several processes.
package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/unkn0wn-root/flashsale/kv"
)

var (
	errWrongType  = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	errNotInteger = errors.New("ERR value is not an integer or out of range")
)

type hash map[string]string
type set map[string]struct{}

type Store struct {
	mu sync.Mutex
	c  *gocache.Cache
}

var _ kv.Store = (*Store)(nil)

type Config struct {
	// CleanupInterval controls how often expired keys are purged; 0 => 1m.
	// Expired keys are never returned regardless of the interval.
	CleanupInterval time.Duration
}

func New(cfg Config) *Store {
	iv := cfg.CleanupInterval
	if iv <= 0 {
		iv = time.Minute
	}
	return &Store{c: gocache.New(gocache.NoExpiration, iv)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok, err := s.getString(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return clone(b), true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Set(key, clone(value), duration(ttl))
	return nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.c.Get(key); ok {
		return false, nil
	}
	s.c.Set(key, clone(value), duration(ttl))
	return true, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.del(keys...), nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrBy(key, 1)
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.c.Get(key)
	if !ok {
		return false, nil
	}
	s.c.Set(key, v, duration(ttl))
	return true, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, _, err := s.hash(key, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(h))
	for f, v := range h {
		out[f] = v
	}
	return out, nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.hset(key, fields)
	return err
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sadd(key, members...)
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srem(key, members...)
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _, err := s.set(key, false)
	if err != nil {
		return false, err
	}
	_, ok := m[member]
	return ok, nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _, err := s.set(key, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// TTL returns the remaining time to live of key; ok=false if the key is
// missing. A key without expiry reports (0, true).
func (s *Store) TTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exp, ok := s.c.GetWithExpiration(key)
	if !ok {
		return 0, false
	}
	if exp.IsZero() {
		return 0, true
	}
	return time.Until(exp), true
}

func (s *Store) Close(context.Context) error { return nil }

// --- unlocked primitives (callers hold s.mu) ---

func (s *Store) getString(key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, isStr := v.([]byte)
	if !isStr {
		return nil, false, errWrongType
	}
	return b, true, nil
}

func (s *Store) del(keys ...string) int64 {
	var n int64
	for _, k := range keys {
		if _, ok := s.c.Get(k); ok {
			s.c.Delete(k)
			n++
		}
	}
	return n
}

func (s *Store) incrBy(key string, delta int64) (int64, error) {
	v, exp, ok := s.c.GetWithExpiration(key)
	var cur int64
	if ok {
		b, isStr := v.([]byte)
		if !isStr {
			return 0, errWrongType
		}
		n, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return 0, errNotInteger
		}
		cur = n
	}
	cur += delta
	s.keep(key, []byte(strconv.FormatInt(cur, 10)), exp)
	return cur, nil
}

func (s *Store) hash(key string, create bool) (hash, time.Time, error) {
	v, exp, ok := s.c.GetWithExpiration(key)
	if !ok {
		if create {
			return hash{}, time.Time{}, nil
		}
		return nil, time.Time{}, nil
	}
	h, isHash := v.(hash)
	if !isHash {
		return nil, time.Time{}, errWrongType
	}
	return h, exp, nil
}

func (s *Store) hset(key string, fields map[string]string) (int64, error) {
	h, exp, err := s.hash(key, true)
	if err != nil {
		return 0, err
	}
	var added int64
	for f, v := range fields {
		if _, ok := h[f]; !ok {
			added++
		}
		h[f] = v
	}
	s.keep(key, h, exp)
	return added, nil
}

func (s *Store) set(key string, create bool) (set, time.Time, error) {
	v, exp, ok := s.c.GetWithExpiration(key)
	if !ok {
		if create {
			return set{}, time.Time{}, nil
		}
		return nil, time.Time{}, nil
	}
	m, isSet := v.(set)
	if !isSet {
		return nil, time.Time{}, errWrongType
	}
	return m, exp, nil
}

func (s *Store) sadd(key string, members ...string) (int64, error) {
	m, exp, err := s.set(key, true)
	if err != nil {
		return 0, err
	}
	var added int64
	for _, mem := range members {
		if _, ok := m[mem]; !ok {
			m[mem] = struct{}{}
			added++
		}
	}
	s.keep(key, m, exp)
	return added, nil
}

func (s *Store) srem(key string, members ...string) (int64, error) {
	m, exp, err := s.set(key, false)
	if err != nil || m == nil {
		return 0, err
	}
	var removed int64
	for _, mem := range members {
		if _, ok := m[mem]; ok {
			delete(m, mem)
			removed++
		}
	}
	if len(m) == 0 {
		s.c.Delete(key) // redis drops empty sets
		return removed, nil
	}
	s.keep(key, m, exp)
	return removed, nil
}

// keep writes v preserving an existing absolute expiry (zero => none).
func (s *Store) keep(key string, v any, exp time.Time) {
	if exp.IsZero() {
		s.c.Set(key, v, gocache.NoExpiration)
		return
	}
	d := time.Until(exp)
	if d <= 0 {
		s.c.Delete(key)
		return
	}
	s.c.Set(key, v, d)
}

func duration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
