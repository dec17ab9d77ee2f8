package redistest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"

	"github.com/Shopify/go-lua"
	"github.com/redis/go-redis/v9"
)

const errNoScript = replyError("NOSCRIPT No matching script. Please use EVAL.")

func scriptHash(src string) string {
	sum := sha1.Sum([]byte(src))
	return hex.EncodeToString(sum[:])
}

func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return redis.NewCmdResult(nil, err)
	}
	c.scripts[scriptHash(script)] = script
	return redis.NewCmdResult(c.run(script, keys, args))
}

func (c *Client) EvalSha(ctx context.Context, hash string, keys []string, args ...interface{}) *redis.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return redis.NewCmdResult(nil, err)
	}
	src, ok := c.scripts[hash]
	if !ok {
		return redis.NewCmdResult(nil, errNoScript)
	}
	return redis.NewCmdResult(c.run(src, keys, args))
}

func (c *Client) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return c.Eval(ctx, script, keys, args...)
}

func (c *Client) EvalShaRO(ctx context.Context, hash string, keys []string, args ...interface{}) *redis.Cmd {
	return c.EvalSha(ctx, hash, keys, args...)
}

func (c *Client) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return redis.NewBoolSliceResult(nil, err)
	}
	out := make([]bool, len(hashes))
	for i, h := range hashes {
		_, out[i] = c.scripts[h]
	}
	return redis.NewBoolSliceResult(out, nil)
}

func (c *Client) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return redis.NewStringResult("", err)
	}
	h := scriptHash(script)
	c.scripts[h] = script
	return redis.NewStringResult(h, nil)
}

// run executes src with c.mu held, exposing KEYS, ARGV and redis.call
// like the server does. Replies follow the Lua to RESP conversion rules.
func (c *Client) run(src string, keys []string, args []interface{}) (interface{}, error) {
	l := lua.NewState()
	lua.OpenLibraries(l)

	pushStrings(l, keys)
	l.SetGlobal("KEYS")
	argv := make([]string, len(args))
	for i, a := range args {
		argv[i] = toString(a)
	}
	pushStrings(l, argv)
	l.SetGlobal("ARGV")

	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "call", Function: c.luaCall(true)},
		{Name: "pcall", Function: c.luaCall(false)},
	}, 0)
	l.SetGlobal("redis")

	if err := lua.LoadString(l, src); err != nil {
		return nil, replyError(fmt.Sprintf("ERR Error compiling script: %v", err))
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		return nil, replyError(fmt.Sprintf("ERR Error running script: %v", err))
	}
	return fromLua(l, -1)
}

func (c *Client) luaCall(raise bool) lua.Function {
	return func(l *lua.State) int {
		n := l.Top()
		if n == 0 {
			lua.Errorf(l, "Please specify at least one argument for redis.call()")
		}
		args := make([]string, n)
		for i := 1; i <= n; i++ {
			switch l.TypeOf(i) {
			case lua.TypeNumber:
				f, _ := l.ToNumber(i)
				args[i-1] = formatNumber(f)
			case lua.TypeString:
				args[i-1], _ = l.ToString(i)
			default:
				lua.Errorf(l, "Lua redis lib command arguments must be strings or integers")
			}
		}

		reply, err := c.do(args)
		if err != nil {
			if raise {
				lua.Errorf(l, "%s", err.Error())
			}
			l.NewTable()
			l.PushString(err.Error())
			l.SetField(-2, "err")
			return 1
		}
		pushReply(l, reply)
		return 1
	}
}

func pushStrings(l *lua.State, items []string) {
	l.CreateTable(len(items), 0)
	for i, s := range items {
		l.PushString(s)
		l.RawSetInt(-2, i+1)
	}
}

func pushReply(l *lua.State, reply interface{}) {
	switch v := reply.(type) {
	case nil:
		l.PushBoolean(false)
	case int64:
		l.PushInteger(int(v))
	case string:
		l.PushString(v)
	case status:
		l.NewTable()
		l.PushString(string(v))
		l.SetField(-2, "ok")
	case []string:
		pushStrings(l, v)
	default:
		l.PushBoolean(false)
	}
}

// fromLua converts the value at idx to a reply: numbers truncate to
// integers, true is 1, false and nil are a nil reply, tables are arrays
// unless they carry ok or err.
func fromLua(l *lua.State, idx int) (interface{}, error) {
	switch l.TypeOf(idx) {
	case lua.TypeNumber:
		f, _ := l.ToNumber(idx)
		return int64(f), nil
	case lua.TypeString:
		s, _ := l.ToString(idx)
		return s, nil
	case lua.TypeBoolean:
		if l.ToBoolean(idx) {
			return int64(1), nil
		}
		return nil, redis.Nil
	case lua.TypeTable:
		idx = l.AbsIndex(idx)
		l.Field(idx, "err")
		if msg, ok := l.ToString(-1); ok {
			l.Pop(1)
			return nil, replyError(msg)
		}
		l.Pop(1)
		l.Field(idx, "ok")
		if msg, ok := l.ToString(-1); ok {
			l.Pop(1)
			return msg, nil
		}
		l.Pop(1)

		out := []interface{}{}
		for i := 1; ; i++ {
			l.RawGetInt(idx, i)
			if l.IsNil(-1) {
				l.Pop(1)
				break
			}
			v, err := fromLua(l, -1)
			l.Pop(1)
			if err != nil && err != redis.Nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, redis.Nil
	}
}

// formatNumber renders a Lua number the way the server passes it to a
// command: integral values without exponent.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', 17, 64)
}
