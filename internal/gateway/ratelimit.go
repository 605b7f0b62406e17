package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/goadapt/internal/config"
)

// TokenBucket is a refilling allowance of requests for one caller.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func NewTokenBucket(requestsPerMinute, burstSize int, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow consumes a token if one is available at now.
func (tb *TokenBucket) Allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		tb.tokens = min(tb.maxTokens, tb.tokens+elapsed*tb.refillRate)
		tb.lastRefill = now
	}
	tb.lastAccess = now
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimiter keeps one bucket per API key, or per client address when the
// caller sent no key.
type RateLimiter struct {
	cfg    config.RateLimitConfig
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
		buckets: make(map[string]*TokenBucket),
	}
}

// StartEviction drops idle buckets every interval until ctx ends.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets not used within maxAge and returns how many.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if b.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
	return evicted
}

func (rl *RateLimiter) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// Wrap rate limits every route but /healthz. A disabled limiter is a no-op.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			key = clientHost(r.RemoteAddr)
		}
		if !rl.bucket(key).Allow(rl.now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) bucket(key string) *TokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	b = NewTokenBucket(rl.cfg.RequestsPerMinute, rl.cfg.BurstSize, rl.now())
	rl.buckets[key] = b
	return b
}

func clientHost(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
