package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/unkn0wn-root/flashsale/kv"
)

// Eval runs script under the store mutex. KEYS and ARGV are populated as in
// Redis (ARGV values are stringified) and redis.call dispatches to the store.
// The script must return an integer.
func (s *Store) Eval(ctx context.Context, script *kv.Script, keys []string, args ...any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	kt := L.NewTable()
	for _, k := range keys {
		kt.Append(lua.LString(k))
	}
	L.SetGlobal("KEYS", kt)

	at := L.NewTable()
	for _, a := range args {
		at.Append(lua.LString(argString(a)))
	}
	L.SetGlobal("ARGV", at)

	rt := L.NewTable()
	L.SetField(rt, "call", L.NewFunction(s.luaCall))
	L.SetGlobal("redis", rt)

	if err := L.DoString(script.Source()); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return 0, cerr
		}
		return 0, &kv.ScriptError{Script: script.Name(), Err: err}
	}
	if L.GetTop() == 0 {
		return 0, &kv.ScriptError{Script: script.Name(), Err: fmt.Errorf("script returned no value")}
	}
	n, ok := L.Get(-1).(lua.LNumber)
	if !ok {
		return 0, &kv.ScriptError{Script: script.Name(), Err: fmt.Errorf("script returned %s, want integer", L.Get(-1).Type())}
	}
	return int64(n), nil
}

func (s *Store) luaCall(L *lua.LState) int {
	top := L.GetTop()
	if top == 0 {
		L.RaiseError("wrong number of arguments for redis.call")
		return 0
	}
	cmd := strings.ToLower(L.CheckString(1))
	args := make([]string, 0, top-1)
	for i := 2; i <= top; i++ {
		args = append(args, lua.LVAsString(L.Get(i)))
	}
	reply, err := s.exec(cmd, args)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(reply)
	return 1
}

// exec implements the subset of commands the bundled scripts use. Nil bulk
// replies map to false, as in Redis scripting.
func (s *Store) exec(cmd string, args []string) (lua.LValue, error) {
	arity := func(min int) error {
		if len(args) < min {
			return fmt.Errorf("ERR wrong number of arguments for '%s' command", cmd)
		}
		return nil
	}
	switch cmd {
	case "get":
		if err := arity(1); err != nil {
			return nil, err
		}
		b, ok, err := s.getString(args[0])
		if err != nil {
			return nil, err
		}
		if !ok {
			return lua.LFalse, nil
		}
		return lua.LString(b), nil
	case "set":
		if err := arity(2); err != nil {
			return nil, err
		}
		s.c.Set(args[0], []byte(args[1]), duration(0))
		return lua.LString("OK"), nil
	case "del":
		if err := arity(1); err != nil {
			return nil, err
		}
		return lua.LNumber(s.del(args...)), nil
	case "exists":
		if err := arity(1); err != nil {
			return nil, err
		}
		var n int
		for _, k := range args {
			if _, ok := s.c.Get(k); ok {
				n++
			}
		}
		return lua.LNumber(n), nil
	case "incr", "decr", "incrby", "decrby":
		if err := arity(1); err != nil {
			return nil, err
		}
		delta := int64(1)
		if cmd == "incrby" || cmd == "decrby" {
			if err := arity(2); err != nil {
				return nil, err
			}
			d, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return nil, errNotInteger
			}
			delta = d
		}
		if strings.HasPrefix(cmd, "decr") {
			delta = -delta
		}
		n, err := s.incrBy(args[0], delta)
		if err != nil {
			return nil, err
		}
		return lua.LNumber(n), nil
	case "sadd":
		if err := arity(2); err != nil {
			return nil, err
		}
		n, err := s.sadd(args[0], args[1:]...)
		return lua.LNumber(n), err
	case "srem":
		if err := arity(2); err != nil {
			return nil, err
		}
		n, err := s.srem(args[0], args[1:]...)
		return lua.LNumber(n), err
	case "sismember":
		if err := arity(2); err != nil {
			return nil, err
		}
		m, _, err := s.set(args[0], false)
		if err != nil {
			return nil, err
		}
		if _, ok := m[args[1]]; ok {
			return lua.LNumber(1), nil
		}
		return lua.LNumber(0), nil
	case "scard":
		if err := arity(1); err != nil {
			return nil, err
		}
		m, _, err := s.set(args[0], false)
		if err != nil {
			return nil, err
		}
		return lua.LNumber(len(m)), nil
	case "hget":
		if err := arity(2); err != nil {
			return nil, err
		}
		h, _, err := s.hash(args[0], false)
		if err != nil {
			return nil, err
		}
		v, ok := h[args[1]]
		if !ok {
			return lua.LFalse, nil
		}
		return lua.LString(v), nil
	case "hset":
		if err := arity(3); err != nil {
			return nil, err
		}
		if (len(args)-1)%2 != 0 {
			return nil, fmt.Errorf("ERR wrong number of arguments for 'hset' command")
		}
		fields := make(map[string]string, (len(args)-1)/2)
		for i := 1; i < len(args); i += 2 {
			fields[args[i]] = args[i+1]
		}
		n, err := s.hset(args[0], fields)
		return lua.LNumber(n), err
	default:
		return nil, fmt.Errorf("ERR unknown command '%s'", cmd)
	}
}

func argString(a any) string {
	switch v := a.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	default:
		return fmt.Sprint(v)
	}
}
