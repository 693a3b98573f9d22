/*
Package redisclient wraps the Redis connection used as the gate's
shared KV store (C1). It exposes the small set of atomic primitives
the rate limiter, challenge service, cost governor, and settings
registry build on: increment-with-TTL, set-if-greater (for bans),
consume-once, and a sorted-set active-set used by the challenge
service's eviction policy.

All multi-step operations that must be atomic are implemented as Lua
scripts run through EVAL so a crash or a second concurrent caller can
never observe a half-applied counter/TTL pair.
*/
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentrygate/gateway/config"
)

// Store is the KV surface the gating packages depend on. Defined as an
// interface so unit tests can substitute an in-memory fake instead of a
// live Redis instance (see redisclient/memstore.go), matching the
// teacher's own pattern of skipping real-backend integration tests by
// default.
type Store interface {
	// IncrWithTTL atomically increments key and, only on the increment
	// that creates the key (result == 1), sets its TTL. Returns the
	// post-increment value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrByWithTTL atomically adds delta to key (creating it at delta
	// if absent) and, only on the increment that creates the key, sets
	// its TTL. Returns the post-increment value. Used for cost
	// accounting, where increments are arbitrary micro-USD deltas
	// rather than unit counts.
	IncrByWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Get returns the string value of key, or ok=false if absent/expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes key=value with the given TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfGreater writes key=value with the given TTL only if no value
	// exists yet or the existing value is smaller than value. Used for
	// ban records so a shorter pending ban never clobbers a longer one.
	SetIfGreater(ctx context.Context, key string, value int64, ttl time.Duration) error

	// ConsumeIfExists atomically deletes key and reports whether it
	// existed. Used by the challenge service's one-shot consumption.
	ConsumeIfExists(ctx context.Context, key string) (existed bool, err error)

	// Del removes key unconditionally.
	Del(ctx context.Context, key string) error

	// ZAdd adds member with score to the sorted set at key, creating it
	// if absent, and returns the set's new cardinality.
	ZAdd(ctx context.Context, key string, score float64, member string) (int64, error)

	// ZPopMinN removes and returns up to n members with the lowest
	// scores from the sorted set at key.
	ZPopMinN(ctx context.Context, key string, n int64) ([]string, error)

	// ZRem removes member from the sorted set at key.
	ZRem(ctx context.Context, key, member string) error

	// ZCard returns the cardinality of the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// Expire sets or refreshes the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Client is the production Store backed by go-redis.
type Client struct {
	c *redis.Client
}

// New creates a Redis-backed Store from the provided config. Returns an
// error if the Redis URL cannot be parsed. cfg.KVTimeout, when positive,
// bounds every command's socket read and write.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if cfg.KVTimeout > 0 {
		opt.ReadTimeout = cfg.KVTimeout
		opt.WriteTimeout = cfg.KVTimeout
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

// Ping verifies connectivity with a short timeout.
func (r *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *Client) Close() error {
	return r.c.Close()
}

var incrWithTTLScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return v
`)

func (r *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := incrWithTTLScript.Run(ctx, r.c, []string{key}, int64(ttl.Seconds())).Result()
	if err != nil {
		return 0, err
	}
	return toInt64(res), nil
}

var incrByWithTTLScript = redis.NewScript(`
local v = redis.call("INCRBY", KEYS[1], ARGV[2])
if tonumber(v) == tonumber(ARGV[2]) then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return v
`)

func (r *Client) IncrByWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	res, err := incrByWithTTLScript.Run(ctx, r.c, []string{key}, int64(ttl.Seconds()), delta).Result()
	if err != nil {
		return 0, err
	}
	return toInt64(res), nil
}

func (r *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.c.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

var setIfGreaterScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or tonumber(cur) < tonumber(ARGV[1]) then
	redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
	return 1
end
return 0
`)

func (r *Client) SetIfGreater(ctx context.Context, key string, value int64, ttl time.Duration) error {
	_, err := setIfGreaterScript.Run(ctx, r.c, []string{key}, value, int64(ttl.Seconds())).Result()
	return err
}

var consumeIfExistsScript = redis.NewScript(`
local existed = redis.call("EXISTS", KEYS[1])
if existed == 1 then
	redis.call("DEL", KEYS[1])
end
return existed
`)

func (r *Client) ConsumeIfExists(ctx context.Context, key string) (bool, error) {
	res, err := consumeIfExistsScript.Run(ctx, r.c, []string{key}).Result()
	if err != nil {
		return false, err
	}
	return toInt64(res) == 1, nil
}

func (r *Client) Del(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

func (r *Client) ZAdd(ctx context.Context, key string, score float64, member string) (int64, error) {
	if err := r.c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return 0, err
	}
	return r.c.ZCard(ctx, key).Result()
}

func (r *Client) ZPopMinN(ctx context.Context, key string, n int64) ([]string, error) {
	zs, err := r.c.ZPopMin(ctx, key, n).Result()
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(zs))
	for _, z := range zs {
		if s, ok := z.Member.(string); ok {
			members = append(members, s)
		}
	}
	return members, nil
}

func (r *Client) ZRem(ctx context.Context, key, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

func (r *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return r.c.ZCard(ctx, key).Result()
}

func (r *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Expire(ctx, key, ttl).Err()
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
