package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/flashsale/kv"
)

var ErrNilClient = errors.New("redis store: nil client")

type Store struct {
	rdb         goredis.UniversalClient
	closeClient bool

	// scripts known to be loaded on the server, by SHA
	loaded sync.Map
}

var _ kv.Store = (*Store)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this store exclusively owns the client
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Store{rdb: cfg.Client, closeClient: cfg.CloseClient}, nil
}

// Client exposes the underlying go-redis client.
func (s *Store) Client() goredis.UniversalClient { return s.rdb }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, expiry(ttl)).Err()
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, expiry(ttl)).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.rdb.Del(ctx, keys...).Result()
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return s.rdb.Persist(ctx, key).Result()
	}
	return s.rdb.Expire(ctx, key, ttl).Result()
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	pairs := make([]any, 0, 2*len(fields))
	for f, v := range fields {
		pairs = append(pairs, f, v)
	}
	return s.rdb.HSet(ctx, key, pairs...).Err()
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	return s.rdb.SAdd(ctx, key, toAny(members)...).Result()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	return s.rdb.SRem(ctx, key, toAny(members)...).Result()
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.rdb.SIsMember(ctx, key, member).Result()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

// Eval runs the script by SHA and falls back to sending the source when the
// server does not know it yet (NOSCRIPT), e.g. after a restart or failover.
func (s *Store) Eval(ctx context.Context, script *kv.Script, keys []string, args ...any) (int64, error) {
	var (
		res any
		err error
	)
	if _, ok := s.loaded.Load(script.SHA()); ok {
		res, err = s.rdb.EvalSha(ctx, script.SHA(), keys, args...).Result()
		if err != nil && goredis.HasErrorPrefix(err, "NOSCRIPT") {
			s.loaded.Delete(script.SHA())
			res, err = s.rdb.Eval(ctx, script.Source(), keys, args...).Result()
		}
	} else {
		res, err = s.rdb.Eval(ctx, script.Source(), keys, args...).Result()
	}
	if err != nil {
		var rerr goredis.Error
		if errors.As(err, &rerr) {
			return 0, &kv.ScriptError{Script: script.Name(), Err: err}
		}
		return 0, err
	}
	s.loaded.Store(script.SHA(), struct{}{})

	n, ok := res.(int64)
	if !ok {
		return 0, &kv.ScriptError{Script: script.Name(), Err: fmt.Errorf("non-integer reply %T", res)}
	}
	return n, nil
}

// Close releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0 // no expiry
	}
	return ttl
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
