package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gatekeeper/internal/config"
)

const keyUsageWriteProject = "usage:write:project:%s"

// UsageWriteLimiter throttles the usage write path per project. It sits in front of
// quota admission and never replaces it: quotas are the billing-relevant limit,
// this only protects the database from bursts.
type UsageWriteLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewUsageWriteLimiter(cfg config.Config, client *redis.Client) *UsageWriteLimiter {
	if client == nil || cfg.UsageRateLimitPerSecond <= 0 {
		return nil
	}
	burst := cfg.UsageRateLimitBurst
	if burst <= 0 {
		burst = cfg.UsageRateLimitPerSecond
	}
	return &UsageWriteLimiter{
		bucket: NewTokenBucket(client),
		rate:   float64(cfg.UsageRateLimitPerSecond),
		burst:  int(burst),
	}
}

func (l *UsageWriteLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageWriteLimiter) AllowProject(ctx context.Context, projectID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageWriteProject, strings.TrimSpace(projectID)), l.rate, l.burst)
}
