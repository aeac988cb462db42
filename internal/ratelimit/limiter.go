package ratelimit

import "context"

// RateLimiter admits or rejects calls per key within a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
