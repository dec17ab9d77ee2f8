// Package redistest provides an in-process stand-in for the handful of
// go-redis commands the services use. Commands return real go-redis
// result types so code under test cannot tell the difference, and EVAL
// runs the caller's Lua against the same data.
package redistest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// replyError is an error reply from the server.
type replyError string

func (e replyError) Error() string { return string(e) }

// RedisError marks replyError as a server reply for go-redis helpers.
func (replyError) RedisError() {}

const errWrongType = replyError("WRONGTYPE Operation against a key holding the wrong kind of value")

// status is a simple string reply such as OK.
type status string

type Client struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	lists   map[string][]string
	ttls    map[string]time.Duration
	scripts map[string]string

	// Err, when set, is returned by every command.
	Err error
}

func New() *Client {
	return &Client{
		strings: map[string]string{},
		hashes:  map[string]map[string]string{},
		zsets:   map[string]map[string]float64{},
		lists:   map[string][]string{},
		ttls:    map[string]time.Duration{},
		scripts: map[string]string{},
	}
}

// TTL returns the expiration last set for key.
func (c *Client) TTL(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttls[key]
}

// check fails the command the way a client would: injected errors first,
// then a done context.
func (c *Client) check(ctx context.Context) error {
	if c.Err != nil {
		return c.Err
	}
	return ctx.Err()
}

func (c *Client) call(ctx context.Context, args ...interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	strs := make([]string, len(args))
	for i, a := range args {
		strs[i] = toString(a)
	}
	return c.do(strs)
}

func withExpiry(args []interface{}, expiration time.Duration) []interface{} {
	if expiration > 0 {
		args = append(args, "PX", expiration.Milliseconds())
	}
	return args
}

func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	v, err := c.call(ctx, withExpiry([]interface{}{"SET", key, value, "NX"}, expiration)...)
	return redis.NewBoolResult(v != nil, err)
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	v, err := c.call(ctx, withExpiry([]interface{}{"SET", key, value}, expiration)...)
	if err != nil {
		return redis.NewStatusResult("", err)
	}
	return redis.NewStatusResult(string(v.(status)), nil)
}

func (c *Client) Get(ctx context.Context, key string) *redis.StringCmd {
	v, err := c.call(ctx, "GET", key)
	return stringResult(v, err)
}

func (c *Client) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := []interface{}{"DEL"}
	for _, k := range keys {
		args = append(args, k)
	}
	v, err := c.call(ctx, args...)
	return intResult(v, err)
}

func (c *Client) Incr(ctx context.Context, key string) *redis.IntCmd {
	v, err := c.call(ctx, "INCR", key)
	return intResult(v, err)
}

func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	v, err := c.call(ctx, "PEXPIRE", key, expiration.Milliseconds())
	if err != nil {
		return redis.NewBoolResult(false, err)
	}
	return redis.NewBoolResult(v.(int64) == 1, nil)
}

func (c *Client) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	v, err := c.call(ctx, append([]interface{}{"HSET", key}, values...)...)
	return intResult(v, err)
}

func (c *Client) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	v, err := c.call(ctx, "HGET", key, field)
	return stringResult(v, err)
}

func (c *Client) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	v, err := c.call(ctx, "HGETALL", key)
	if err != nil {
		return redis.NewMapStringStringResult(nil, err)
	}
	flat := v.([]string)
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out[flat[i]] = flat[i+1]
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (c *Client) ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	v, err := c.call(ctx, "ZRANGE", key, start, stop)
	return sliceResult(v, err)
}

func (c *Client) ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	v, err := c.call(ctx, "ZREVRANGE", key, start, stop)
	return sliceResult(v, err)
}

func (c *Client) ZCard(ctx context.Context, key string) *redis.IntCmd {
	v, err := c.call(ctx, "ZCARD", key)
	return intResult(v, err)
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	v, err := c.call(ctx, "LRANGE", key, start, stop)
	return sliceResult(v, err)
}

func stringResult(v interface{}, err error) *redis.StringCmd {
	if err != nil {
		return redis.NewStringResult("", err)
	}
	if v == nil {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v.(string), nil)
}

func intResult(v interface{}, err error) *redis.IntCmd {
	if err != nil {
		return redis.NewIntResult(0, err)
	}
	return redis.NewIntResult(v.(int64), nil)
}

func sliceResult(v interface{}, err error) *redis.StringSliceCmd {
	if err != nil {
		return redis.NewStringSliceResult(nil, err)
	}
	return redis.NewStringSliceResult(v.([]string), nil)
}

// do executes one command with c.mu held. Replies are nil, int64,
// string, status or []string.
func (c *Client) do(args []string) (interface{}, error) {
	if len(args) == 0 {
		return nil, replyError("ERR empty command")
	}
	name, args := strings.ToUpper(args[0]), args[1:]
	arity := map[string]int{
		"GET": 1, "SET": 2, "DEL": 1, "INCR": 1, "PEXPIRE": 2,
		"HSET": 3, "HSETNX": 3, "HGET": 2, "HGETALL": 1, "HINCRBY": 3,
		"ZADD": 3, "ZRANGE": 3, "ZREVRANGE": 3, "ZCARD": 1,
		"LPUSH": 2, "LTRIM": 3, "LRANGE": 3,
	}
	need, ok := arity[name]
	if !ok {
		return nil, replyError(fmt.Sprintf("ERR unknown command '%s'", name))
	}
	if len(args) < need {
		return nil, replyError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
	}

	switch name {
	case "GET":
		if err := c.want(args[0], "string"); err != nil {
			return nil, err
		}
		if v, ok := c.strings[args[0]]; ok {
			return v, nil
		}
		return nil, nil
	case "SET":
		return c.set(args)
	case "DEL":
		var n int64
		for _, k := range args {
			if c.kind(k) != "" {
				n++
			}
			c.drop(k)
		}
		return n, nil
	case "INCR":
		return c.incrBy(args[0], "1")
	case "PEXPIRE":
		ms, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, replyError("ERR value is not an integer or out of range")
		}
		if c.kind(args[0]) == "" {
			return int64(0), nil
		}
		c.ttls[args[0]] = time.Duration(ms) * time.Millisecond
		return int64(1), nil
	case "HSET", "HSETNX":
		if len(args)%2 != 1 {
			return nil, replyError("ERR wrong number of arguments for 'hset' command")
		}
		h, err := c.hash(args[0], true)
		if err != nil {
			return nil, err
		}
		var added int64
		for i := 1; i < len(args); i += 2 {
			_, exists := h[args[i]]
			if name == "HSETNX" && exists {
				continue
			}
			if !exists {
				added++
			}
			h[args[i]] = args[i+1]
		}
		return added, nil
	case "HGET":
		h, err := c.hash(args[0], false)
		if err != nil {
			return nil, err
		}
		if v, ok := h[args[1]]; ok {
			return v, nil
		}
		return nil, nil
	case "HGETALL":
		h, err := c.hash(args[0], false)
		if err != nil {
			return nil, err
		}
		fields := make([]string, 0, len(h))
		for f := range h {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		out := make([]string, 0, 2*len(h))
		for _, f := range fields {
			out = append(out, f, h[f])
		}
		return out, nil
	case "HINCRBY":
		h, err := c.hash(args[0], true)
		if err != nil {
			return nil, err
		}
		cur, err := parseInt(h[args[1]])
		if err != nil {
			return nil, replyError("ERR hash value is not an integer")
		}
		by, err := parseInt(args[2])
		if err != nil {
			return nil, replyError("ERR value is not an integer or out of range")
		}
		h[args[1]] = strconv.FormatInt(cur+by, 10)
		return cur + by, nil
	case "ZADD":
		return c.zadd(args)
	case "ZRANGE", "ZREVRANGE":
		members, err := c.zmembers(args[0])
		if err != nil {
			return nil, err
		}
		if name == "ZREVRANGE" {
			for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
				members[i], members[j] = members[j], members[i]
			}
		}
		return rangeOf(members, args[1], args[2])
	case "ZCARD":
		if err := c.want(args[0], "zset"); err != nil {
			return nil, err
		}
		return int64(len(c.zsets[args[0]])), nil
	case "LPUSH":
		if err := c.want(args[0], "list"); err != nil {
			return nil, err
		}
		l := c.lists[args[0]]
		for _, v := range args[1:] {
			l = append([]string{v}, l...)
		}
		c.lists[args[0]] = l
		return int64(len(l)), nil
	case "LTRIM":
		if err := c.want(args[0], "list"); err != nil {
			return nil, err
		}
		kept, err := rangeOf(c.lists[args[0]], args[1], args[2])
		if err != nil {
			return nil, err
		}
		if len(kept) == 0 {
			c.drop(args[0])
		} else {
			c.lists[args[0]] = kept
		}
		return status("OK"), nil
	case "LRANGE":
		if err := c.want(args[0], "list"); err != nil {
			return nil, err
		}
		return rangeOf(c.lists[args[0]], args[1], args[2])
	}
	return nil, replyError("ERR unreachable")
}

func (c *Client) set(args []string) (interface{}, error) {
	key, value := args[0], args[1]
	nx := false
	var ttl time.Duration
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "PX":
			if i+1 >= len(args) {
				return nil, replyError("ERR syntax error")
			}
			ms, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return nil, replyError("ERR value is not an integer or out of range")
			}
			ttl = time.Duration(ms) * time.Millisecond
			i++
		default:
			return nil, replyError("ERR syntax error")
		}
	}
	if nx && c.kind(key) != "" {
		return nil, nil
	}
	c.drop(key)
	c.strings[key] = value
	if ttl > 0 {
		c.ttls[key] = ttl
	}
	return status("OK"), nil
}

func (c *Client) incrBy(key, by string) (interface{}, error) {
	if err := c.want(key, "string"); err != nil {
		return nil, err
	}
	cur, err := parseInt(c.strings[key])
	if err != nil {
		return nil, replyError("ERR value is not an integer or out of range")
	}
	n, _ := parseInt(by)
	c.strings[key] = strconv.FormatInt(cur+n, 10)
	return cur + n, nil
}

func (c *Client) zadd(args []string) (interface{}, error) {
	if len(args)%2 != 1 {
		return nil, replyError("ERR syntax error")
	}
	if err := c.want(args[0], "zset"); err != nil {
		return nil, err
	}
	z, ok := c.zsets[args[0]]
	if !ok {
		z = map[string]float64{}
		c.zsets[args[0]] = z
	}
	var added int64
	for i := 1; i < len(args); i += 2 {
		score, err := strconv.ParseFloat(args[i], 64)
		if err != nil {
			return nil, replyError("ERR value is not a valid float")
		}
		if _, exists := z[args[i+1]]; !exists {
			added++
		}
		z[args[i+1]] = score
	}
	return added, nil
}

// zmembers returns the members of a sorted set by score, then member.
func (c *Client) zmembers(key string) ([]string, error) {
	if err := c.want(key, "zset"); err != nil {
		return nil, err
	}
	z := c.zsets[key]
	out := make([]string, 0, len(z))
	for m := range z {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if z[out[i]] != z[out[j]] {
			return z[out[i]] < z[out[j]]
		}
		return out[i] < out[j]
	})
	return out, nil
}

func (c *Client) kind(key string) string {
	if _, ok := c.strings[key]; ok {
		return "string"
	}
	if _, ok := c.hashes[key]; ok {
		return "hash"
	}
	if _, ok := c.zsets[key]; ok {
		return "zset"
	}
	if _, ok := c.lists[key]; ok {
		return "list"
	}
	return ""
}

func (c *Client) want(key, kind string) error {
	if k := c.kind(key); k != "" && k != kind {
		return errWrongType
	}
	return nil
}

func (c *Client) hash(key string, create bool) (map[string]string, error) {
	if err := c.want(key, "hash"); err != nil {
		return nil, err
	}
	h, ok := c.hashes[key]
	if !ok && create {
		h = map[string]string{}
		c.hashes[key] = h
	}
	return h, nil
}

func (c *Client) drop(key string) {
	delete(c.strings, key)
	delete(c.hashes, key)
	delete(c.zsets, key)
	delete(c.lists, key)
	delete(c.ttls, key)
}

// rangeOf applies inclusive start/stop indexes, negative from the end.
func rangeOf(items []string, startArg, stopArg string) ([]string, error) {
	start, err1 := strconv.Atoi(startArg)
	stop, err2 := strconv.Atoi(stopArg)
	if err1 != nil || err2 != nil {
		return nil, replyError("ERR value is not an integer or out of range")
	}
	n := len(items)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return []string{}, nil
	}
	return append([]string(nil), items[start:stop+1]...), nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
