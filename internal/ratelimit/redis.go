package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript admits one request when the window is under the limit and
// starts the window expiry on its first request.
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
// ARGV[2] = limit, 0 for none
// Returns: 1 when admitted, 0 when the window is full.
var reserveScript = redis.NewScript(`
	local limit = tonumber(ARGV[2])
	local n = tonumber(redis.call('GET', KEYS[1]) or '0')
	if limit > 0 and n >= limit then
		return 0
	end
	n = redis.call('INCR', KEYS[1])
	if n == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return 1
`)

const keyPrefix = "gateway:ratelimit:"

// RedisWindow is a Window shared across gateway replicas.
//
// Redis failures degrade gracefully: the window reads as empty and every
// request is admitted, so an unreachable Redis never blocks traffic.
type RedisWindow struct {
	rdb    redis.UniversalClient
	window time.Duration
}

// NewRedisWindow returns a RedisWindow. window <= 0 means DefaultWindow.
func NewRedisWindow(rdb redis.UniversalClient, window time.Duration) *RedisWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisWindow{rdb: rdb, window: window}
}

func (w *RedisWindow) Count(ctx context.Context, key string) (int, error) {
	n, err := w.rdb.Get(ctx, keyPrefix+key).Int()
	if err != nil {
		// redis.Nil is an empty window; anything else degrades to one.
		return 0, nil
	}
	return n, nil
}

func (w *RedisWindow) Allow(ctx context.Context, key string, limit int) (bool, error) {
	ok, err := reserveScript.Run(ctx, w.rdb, []string{keyPrefix + key}, w.window.Milliseconds(), limit).Int()
	if err != nil {
		return true, nil
	}
	return ok == 1, nil
}
