// Package ratelimit implements the continueBuffer delay: if a continuation
// is invoked within continueBuffer of the previous one (for a given
// actor+channel set), the engine waits out the remainder of the buffer
// before scanning, to prevent busy polling.
//
// The continueBuffer timer is engine-instance state by default, backed by
// a local in-memory implementation. An optional Redis-backed implementation
// lets deployments share the window across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/graffitidb/engine/internal/metrics"
)

// Limiter records the last continuation time for a key (the discovery
// engine uses actor+channel set) and reports how long a caller must wait
// before the next one may proceed.
type Limiter interface {
	// Wait blocks until buffer has elapsed since the last recorded call
	// for key, then records now as the new last-call time.
	Wait(ctx context.Context, key string, buffer time.Duration) error
}

// NewLocal returns a Limiter backed by process memory. Safe for concurrent
// use; appropriate for a single engine instance.
func NewLocal() Limiter {
	return &localLimiter{last: map[string]time.Time{}}
}

type localLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func (l *localLimiter) Wait(ctx context.Context, key string, buffer time.Duration) error {
	l.mu.Lock()
	last, ok := l.last[key]
	now := time.Now()
	var remaining time.Duration
	if ok {
		elapsed := now.Sub(last)
		if elapsed < buffer {
			remaining = buffer - elapsed
		}
	}
	l.last[key] = now.Add(remaining)
	l.mu.Unlock()

	if remaining <= 0 {
		return nil
	}
	if metrics.ContinuationsDelayedTotal != nil {
		metrics.ContinuationsDelayedTotal.Inc()
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewRedis returns a Limiter backed by a shared Redis instance, so the
// continueBuffer window applies across every engine instance pointed at
// the same Redis.
func NewRedis(ctx context.Context, redisURL string) (Limiter, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: redis ping failed: %w", err)
	}
	return &redisLimiter{client: client}, nil
}

type redisLimiter struct {
	client *goredis.Client
}

const keyPrefix = "graffiti:continueBuffer:"

// Wait uses SET...NX with a TTL equal to the buffer as a distributed
// cooldown: if the key already exists, the window hasn't elapsed yet and
// we sleep for its remaining TTL before retrying.
func (r *redisLimiter) Wait(ctx context.Context, key string, buffer time.Duration) error {
	redisKey := keyPrefix + key
	delayed := false
	for {
		ok, err := r.client.SetNX(ctx, redisKey, "1", buffer).Result()
		if err != nil {
			return fmt.Errorf("ratelimit: redis set: %w", err)
		}
		if ok {
			return nil
		}
		if !delayed && metrics.ContinuationsDelayedTotal != nil {
			metrics.ContinuationsDelayedTotal.Inc()
		}
		delayed = true
		ttl, err := r.client.PTTL(ctx, redisKey).Result()
		if err != nil {
			return fmt.Errorf("ratelimit: redis ttl: %w", err)
		}
		if ttl <= 0 {
			continue
		}
		t := time.NewTimer(ttl)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
