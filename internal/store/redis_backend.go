package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ephemeral-auth/internal/client"
)

const redisBackendName = "redis"

// incrementScript bumps the counter, starts the window on the first hit and
// repairs a key that lost its expiry.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisBackend serves the shared cache. Every call is bounded by timeout so a
// slow server surfaces as an error the caller can fall back on.
type RedisBackend struct {
	rc      *client.RedisClient
	timeout time.Duration
}

func NewRedisBackend(rc *client.RedisClient, timeout time.Duration) *RedisBackend {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &RedisBackend{rc: rc, timeout: timeout}
}

func (r *RedisBackend) Name() string { return redisBackendName }

func (r *RedisBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", ErrBackendUnavailable, op, err)
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.rc.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	val, err := r.rc.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, unavailable("get", err)
	}
	return val, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return r.Delete(ctx, key)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.rc.Set(ctx, key, value, ttl); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.rc.Del(ctx, key); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (r *RedisBackend) Take(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	val, err := r.rc.GetDel(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, unavailable("getdel", err)
	}
	return val, true, nil
}

func (r *RedisBackend) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.rc.RunScript(ctx, incrementScript, []string{key}, window.Milliseconds())
	if err != nil {
		return Counter{}, unavailable("increment", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Counter{}, unavailable("increment", fmt.Errorf("unexpected script reply %T", res))
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	return Counter{Count: count, TTL: time.Duration(ttlMs) * time.Millisecond}, nil
}

func (r *RedisBackend) Counter(ctx context.Context, key string) (Counter, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	raw, err := r.rc.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return Counter{}, false, nil
		}
		return Counter{}, false, unavailable("get", err)
	}
	count, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return Counter{}, false, fmt.Errorf("%w: counter %q: %w", ErrEncode, key, err)
	}
	ttl, err := r.rc.PTTL(ctx, key)
	if err != nil {
		return Counter{}, false, unavailable("pttl", err)
	}
	// go-redis reports a missing key as -2; it expired between GET and PTTL.
	if ttl == -2 {
		return Counter{}, false, nil
	}
	if ttl < 0 {
		ttl = 0
	}
	return Counter{Count: count, TTL: ttl}, true, nil
}

func (r *RedisBackend) AddMember(ctx context.Context, key, member string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.rc.SAddWithExpire(ctx, key, ttl, member); err != nil {
		return unavailable("sadd", err)
	}
	return nil
}

func (r *RedisBackend) CountMembers(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.rc.SCard(ctx, key)
	if err != nil {
		return 0, unavailable("scard", err)
	}
	return n, nil
}
