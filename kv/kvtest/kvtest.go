// Package kvtest holds a behavioural suite every kv.Store implementation
// must pass.
package kvtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/flashsale/kv"
)

// Factory returns a fresh, empty store. Cleanup is the caller's business.
type Factory func(t *testing.T) kv.Store

var (
	counterScript = kv.NewScript("counter", `
local v = redis.call('incrby', KEYS[1], ARGV[1])
return v`)
	membershipScript = kv.NewScript("membership", `
if redis.call('sismember', KEYS[1], ARGV[1]) == 1 then
  return 2
end
local s = redis.call('get', KEYS[2])
if not s or tonumber(s) <= 0 then
  return 1
end
redis.call('incrby', KEYS[2], -1)
redis.call('sadd', KEYS[1], ARGV[1])
return 0`)
	boomScript = kv.NewScript("boom", `return redis.call('nosuchcommand')`)
	stringScript = kv.NewScript("str", `return 'x'`)
)

func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetSetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Set(ctx, "k", []byte{0, 1, 2, 0xff}, 0))
		v, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{0, 1, 2, 0xff}, v)
	})

	t.Run("EmptyValueIsHit", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "empty", []byte{}, time.Minute))
		v, ok, err := s.Get(ctx, "empty")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, v)
	})

	t.Run("SetNX", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.SetNX(ctx, "lock", []byte("a"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.SetNX(ctx, "lock", []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		v, _, _ := s.Get(ctx, "lock")
		assert.Equal(t, "a", string(v))
	})

	t.Run("DelCountsExisting", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
		require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))
		n, err := s.Del(ctx, "a", "b", "c")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})

	t.Run("Incr", func(t *testing.T) {
		s := newStore(t)
		for want := int64(1); want <= 3; want++ {
			got, err := s.Incr(ctx, "ctr")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("IncrConcurrentUnique", func(t *testing.T) {
		s := newStore(t)
		const n = 64
		var (
			mu   sync.Mutex
			seen = make(map[int64]bool, n)
			wg   sync.WaitGroup
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := s.Incr(ctx, "ctr")
				assert.NoError(t, err)
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, seen, n)
	})

	t.Run("ExpireMissing", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.Expire(ctx, "nope", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, s.Set(ctx, "yes", []byte("v"), 0))
		ok, err = s.Expire(ctx, "yes", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Hash", func(t *testing.T) {
		s := newStore(t)
		m, err := s.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Empty(t, m)
		require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
		require.NoError(t, s.HSet(ctx, "h", map[string]string{"b": "3"}))
		m, err = s.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "1", "b": "3"}, m)
	})

	t.Run("Set", func(t *testing.T) {
		s := newStore(t)
		n, err := s.SAdd(ctx, "s", "x", "y", "x")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
		ok, err := s.SIsMember(ctx, "s", "x")
		require.NoError(t, err)
		assert.True(t, ok)
		n, err = s.SRem(ctx, "s", "x", "z")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		members, err := s.SMembers(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, []string{"y"}, members)
	})

	t.Run("EvalInteger", func(t *testing.T) {
		s := newStore(t)
		v, err := s.Eval(ctx, counterScript, []string{"c"}, 5)
		require.NoError(t, err)
		assert.EqualValues(t, 5, v)
		v, err = s.Eval(ctx, counterScript, []string{"c"}, "-2")
		require.NoError(t, err)
		assert.EqualValues(t, 3, v)
	})

	t.Run("EvalBranches", func(t *testing.T) {
		s := newStore(t)
		// missing stock key reads as sold out
		code, err := s.Eval(ctx, membershipScript, []string{"members", "stock"}, "u1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, code)

		require.NoError(t, s.Set(ctx, "stock", []byte("1"), 0))
		code, err = s.Eval(ctx, membershipScript, []string{"members", "stock"}, "u1")
		require.NoError(t, err)
		assert.EqualValues(t, 0, code)

		code, err = s.Eval(ctx, membershipScript, []string{"members", "stock"}, "u1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, code)

		code, err = s.Eval(ctx, membershipScript, []string{"members", "stock"}, "u2")
		require.NoError(t, err)
		assert.EqualValues(t, 1, code)

		v, _, _ := s.Get(ctx, "stock")
		assert.Equal(t, "0", string(v))
	})

	t.Run("EvalErrors", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Eval(ctx, boomScript, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, kv.ErrScriptFailed), "got %v", err)

		_, err = s.Eval(ctx, stringScript, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, kv.ErrScriptFailed), "got %v", err)
	})

	t.Run("EvalAtomicUnderContention", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "stock", []byte("10"), 0))
		const users = 50
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for i := 0; i < users; i++ {
			wg.Add(1)
			go func(u int) {
				defer wg.Done()
				code, err := s.Eval(ctx, membershipScript, []string{"members", "stock"}, u)
				assert.NoError(t, err)
				if code == 0 {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 10, admitted)
		v, _, _ := s.Get(ctx, "stock")
		assert.Equal(t, "0", string(v))
	})
}
