package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/conneroisu/strata/internal/logging"
)

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

// RateLimitResult is the outcome of one check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter implements token bucket rate limiting keyed by client IP.
type RateLimiter struct {
	config  RateLimitConfig
	logger  logging.Logger
	buckets map[string]*tokenBucket
	mutex   sync.Mutex
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

const (
	bucketIdleExpiry = 10 * time.Minute
	cleanupInterval  = 5 * time.Minute
)

// NewRateLimiter creates a rate limiter and starts its cleanup goroutine.
func NewRateLimiter(config RateLimitConfig, logger logging.Logger) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 600
	}
	if config.Burst <= 0 {
		config.Burst = 50
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	rl := &RateLimiter{
		config:  config,
		logger:  logger.WithComponent("ratelimit"),
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Check consumes one token for key.
func (rl *RateLimiter) Check(key string) RateLimitResult {
	if !rl.config.Enabled {
		return RateLimitResult{Allowed: true, Remaining: rl.config.Burst}
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	perSecond := float64(rl.config.RequestsPerMinute) / 60
	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(rl.config.Burst), lastRefill: now}
		rl.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens = math.Min(float64(rl.config.Burst), b.tokens+elapsed*perSecond)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return RateLimitResult{Allowed: true, Remaining: int(b.tokens)}
	}

	wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	return RateLimitResult{Allowed: false, RetryAfter: wait}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			result := rl.Check(ip)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
				rl.logger.Warn(r.Context(), nil, "Rate limit exceeded",
					"client_ip", ip,
					"path", logging.SanitizeForLog(r.URL.Path),
					"method", r.Method,
				)
				WriteFailure(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Buckets returns the number of tracked clients.
func (rl *RateLimiter) Buckets() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup drops buckets idle for longer than bucketIdleExpiry.
func (rl *RateLimiter) cleanup() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cutoff := rl.now().Add(-bucketIdleExpiry)
	removed := 0
	for key, b := range rl.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug(context.Background(), "Expired rate limit buckets removed", "removed", removed)
	}
	return removed
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
