package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pingTimeout = 5 * time.Second
	// Poll loop, reaper, rate limiter and enrichment cache on top of one conn per worker.
	reservedConns = 4
)

// NewRedis opens the single shared client handed to the queue broker, the enrichment
// cache and the rate limiter. Callers own it and must Close it on shutdown.
func NewRedis(url string, workers int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if need := workers + reservedConns; opts.PoolSize < need {
		opts.PoolSize = need
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}

	return client, nil
}
