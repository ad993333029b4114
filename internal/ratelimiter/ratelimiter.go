// Package ratelimiter provides per-tenant rate limiting using two
// algorithms: token bucket (good for bursty traffic) and sliding window
// (precise). Both work in-process; with a Redis URL the limiter is always
// a distributed sliding window, whatever algorithm is configured.
package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Yundera/mesh-router-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned when a tenant has exceeded its limit.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %s", e.RetryAfter)
}

// Limiter checks whether a tenant's request should be allowed.
type Limiter interface {
	Allow(ctx context.Context, tenant string) error
}

// New constructs the appropriate limiter from config.
// If cfg is nil, a no-op limiter is returned.
func New(cfg *config.RateLimitConfig) (Limiter, error) {
	if cfg == nil {
		return noopLimiter{}, nil
	}

	if cfg.RedisURL != "" {
		return newRedisLimiter(cfg)
	}

	switch cfg.Algorithm {
	case "sliding_window":
		window, err := time.ParseDuration(cfg.Window)
		if err != nil {
			return nil, fmt.Errorf("invalid window %q: %w", cfg.Window, err)
		}
		return &localSlidingWindow{
			rate:    cfg.Rate,
			window:  window,
			buckets: make(map[string]*swBucket),
		}, nil
	default: // token_bucket
		return &localTokenBucket{
			rate:    float64(cfg.Rate),
			burst:   cfg.Burst,
			buckets: make(map[string]*tbBucket),
		}, nil
	}
}

// ---------------------------------------------------------------------------
// No-op
// ---------------------------------------------------------------------------

type noopLimiter struct{}

func (noopLimiter) Allow(context.Context, string) error { return nil }

// ---------------------------------------------------------------------------
// Local Token Bucket
// ---------------------------------------------------------------------------

type tbBucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

type localTokenBucket struct {
	mu      sync.RWMutex
	buckets map[string]*tbBucket
	rate    float64 // tokens per second
	burst   int
}

func (l *localTokenBucket) Allow(_ context.Context, tenant string) error {
	bucket := l.getOrCreate(tenant)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastFill).Seconds()
	bucket.tokens = min(float64(l.burst), bucket.tokens+elapsed*l.rate)
	bucket.lastFill = now

	if bucket.tokens < 1 {
		wait := time.Duration((1-bucket.tokens)/l.rate*1e9) * time.Nanosecond
		return &ErrRateLimited{RetryAfter: wait}
	}
	bucket.tokens--
	return nil
}

func (l *localTokenBucket) getOrCreate(tenant string) *tbBucket {
	l.mu.RLock()
	b, ok := l.buckets[tenant]
	l.mu.RUnlock()
	if ok {
		return b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[tenant]; ok {
		return b
	}
	b = &tbBucket{tokens: float64(l.burst), lastFill: time.Now()}
	l.buckets[tenant] = b
	return b
}

// ---------------------------------------------------------------------------
// Local Sliding Window
// ---------------------------------------------------------------------------

type swBucket struct {
	mu         sync.Mutex
	timestamps []time.Time
}

type localSlidingWindow struct {
	mu      sync.RWMutex
	buckets map[string]*swBucket
	rate    int
	window  time.Duration
}

func (l *localSlidingWindow) Allow(_ context.Context, tenant string) error {
	bucket := l.getOrCreate(tenant)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	// Evict old entries
	i := 0
	for i < len(bucket.timestamps) && bucket.timestamps[i].Before(cutoff) {
		i++
	}
	bucket.timestamps = bucket.timestamps[i:]

	if len(bucket.timestamps) >= l.rate {
		oldest := bucket.timestamps[0]
		return &ErrRateLimited{RetryAfter: oldest.Add(l.window).Sub(now)}
	}
	bucket.timestamps = append(bucket.timestamps, now)
	return nil
}

func (l *localSlidingWindow) getOrCreate(tenant string) *swBucket {
	l.mu.RLock()
	b, ok := l.buckets[tenant]
	l.mu.RUnlock()
	if ok {
		return b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[tenant]; ok {
		return b
	}
	b = &swBucket{}
	l.buckets[tenant] = b
	return b
}

// ---------------------------------------------------------------------------
// Redis-backed (distributed) limiter — uses Lua script for atomicity
// ---------------------------------------------------------------------------

// Sliding window in Redis using a sorted set.
// Each request adds current timestamp; expired entries are pruned atomically.
const slidingWindowLua = `
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local cutoff = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, oldest[2]}
end
redis.call('ZADD', key, now, now)
redis.call('EXPIRE', key, math.ceil(window/1000))
return {1, 0}
`

type redisLimiter struct {
	client *redis.Client
	script *redis.Script
	rate   int
	window time.Duration
}

func newRedisLimiter(cfg *config.RateLimitConfig) (*redisLimiter, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	window, _ := time.ParseDuration(cfg.Window)
	if window == 0 {
		window = time.Second
	}

	return &redisLimiter{
		client: redis.NewClient(opts),
		script: redis.NewScript(slidingWindowLua),
		rate:   cfg.Rate,
		window: window,
	}, nil
}

func (rl *redisLimiter) Allow(ctx context.Context, tenant string) error {
	key := "rl:tenant:" + tenant
	nowMs := time.Now().UnixMilli()
	windowMs := rl.window.Milliseconds()

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	res, err := rl.script.Run(ctx, rl.client, []string{key},
		nowMs, windowMs, rl.rate).Int64Slice()
	if err != nil {
		// Redis unavailable — fail open (allow the request)
		return nil
	}

	if res[0] == 0 {
		oldestMs := res[1]
		return &ErrRateLimited{RetryAfter: time.Duration(oldestMs+windowMs-nowMs) * time.Millisecond}
	}
	return nil
}
