package ratelimit

import "context"

// RateLimiter paces deliveries globally and per destination chat.
type RateLimiter interface {
	Allow(ctx context.Context, chatID string) (bool, error)
	Wait(ctx context.Context, chatID string) error
}

// Nop never throttles.
type Nop struct{}

func (Nop) Allow(context.Context, string) (bool, error) { return true, nil }

func (Nop) Wait(context.Context, string) error { return nil }
