package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/due-notifier/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultGlobalLimitPerSec int64 = 25
	defaultChatLimitPerSec   int64 = 1
	backoffStep                    = 10 * time.Millisecond
	backoffMax                     = 50 * time.Millisecond
	windowSeconds                  = 1
)

// Both counters are checked before either is incremented, so a request rejected by the
// chat bucket does not consume global capacity.
var allowScript = goredis.NewScript(`
local global = tonumber(redis.call("GET", KEYS[1]) or "0")
local chat = tonumber(redis.call("GET", KEYS[2]) or "0")
if global >= tonumber(ARGV[1]) or chat >= tonumber(ARGV[2]) then
  return 0
end
if redis.call("INCR", KEYS[1]) == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[3])
end
if redis.call("INCR", KEYS[2]) == 1 then
  redis.call("EXPIRE", KEYS[2], ARGV[3])
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a distributed fixed-window limiter backed by Redis.
type RedisRateLimiter struct {
	client      *goredis.Client
	globalLimit int64
	chatLimit   int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	script      *goredis.Script
}

func NewRedisRateLimiter(client *goredis.Client, globalPerSec int, chatPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(
		client,
		int64(globalPerSec),
		int64(chatPerSec),
		time.Now,
		sleepWithContext,
	)
}

func newRedisRateLimiter(
	client *goredis.Client,
	globalPerSec int64,
	chatPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if globalPerSec <= 0 {
		globalPerSec = defaultGlobalLimitPerSec
	}
	if chatPerSec <= 0 {
		chatPerSec = defaultChatLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:      client,
		globalLimit: globalPerSec,
		chatLimit:   chatPerSec,
		now:         nowFn,
		sleep:       sleepFn,
		script:      allowScript,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, chatID string) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	chat := strings.TrimSpace(chatID)
	if chat == "" {
		return false, fmt.Errorf("chat id is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	second := r.now().UTC().Unix()
	keys := []string{
		fmt.Sprintf("ratelimit:global:%d", second),
		fmt.Sprintf("ratelimit:chat:%s:%d", chat, second),
	}
	result, err := r.script.Run(ctx, r.client, keys, r.globalLimit, r.chatLimit, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

func (r *RedisRateLimiter) Wait(ctx context.Context, chatID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := backoffStep
	for {
		allowed, err := r.Allow(ctx, chatID)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
