package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const uploadKeyPrefix = "video-platform:ratelimit:upload:"

type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	UploadLimit  int
	UploadWindow time.Duration
	RedisTimeout time.Duration
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// UploadLimiter caps upload initiations per requester. With a Redis client
// the budget is shared by every API replica; without one each process keeps
// its own token buckets.
type UploadLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*keyLimiter
	store   tokenStore
	now     func() time.Time
}

type keyLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

func NewUploadLimiter(cfg RateLimitConfig, client redis.UniversalClient) *UploadLimiter {
	l := &UploadLimiter{
		limit:   cfg.UploadLimit,
		window:  cfg.UploadWindow,
		buckets: make(map[string]*keyLimiter),
		now:     time.Now,
	}
	if l.limit < 0 {
		l.limit = 0
	}
	if l.window <= 0 {
		l.window = time.Minute
	}
	if client != nil && l.limit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		l.store = newRedisStore(client, timeout)
	}
	return l
}

// Allow reports whether key may start another upload and, when it may not,
// how long until it can.
func (l *UploadLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l == nil || l.limit <= 0 {
		return true, 0, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	if l.store != nil {
		return l.store.Allow(ctx, uploadKeyPrefix+key, l.limit, l.window)
	}

	now := l.now()
	l.mu.Lock()
	entry, exists := l.buckets[key]
	if !exists {
		rate := float64(l.limit) / l.window.Seconds()
		entry = &keyLimiter{bucket: newTokenBucket(rate, l.limit, now)}
		l.buckets[key] = entry
	}
	entry.lastSeen = now
	l.cleanupLocked(now)
	l.mu.Unlock()

	if entry.bucket.allow(now) {
		return true, 0, nil
	}
	return false, entry.bucket.wait(), nil
}

func (l *UploadLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * l.window)
	for key, entry := range l.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// globalLimiter bounds the request rate across all callers of one process.
type globalLimiter struct {
	bucket *tokenBucket
}

func newGlobalLimiter(cfg RateLimitConfig) *globalLimiter {
	if cfg.GlobalRPS <= 0 {
		return nil
	}
	burst := cfg.GlobalBurst
	if burst <= 0 {
		burst = int(cfg.GlobalRPS)
		if burst < 1 {
			burst = 1
		}
	}
	return &globalLimiter{bucket: newTokenBucket(cfg.GlobalRPS, burst, time.Now())}
}

func (g *globalLimiter) Allow() bool {
	if g == nil {
		return true
	}
	return g.bucket.allow(time.Now())
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if elapsed := now.Sub(tb.lastCheck).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		tb.lastCheck = now
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// wait estimates how long until the next token is available.
func (tb *tokenBucket) wait() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	missing := 1 - tb.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.rate * float64(time.Second))
}
