// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the edge request limiter: an in-memory token bucket
// per caller (or per client IP before authentication) built on
// golang.org/x/time/rate.
//
// It protects the API from bursts; it is not the daily message quota, which
// is enforced by the admission path and answered with quota_exceeded. The
// budget depends on the caller's subscription tier as resolved by
// Authenticate, so a tier change takes effect on the next request. The
// limiter is process-local: with several API replicas each one enforces its
// own budget. Idempotent replays detected by IdempotencyValidator are not
// limited.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc selects the identity used to key a rate-limit bucket, e.g.
// "user:<id>" or "ip:<addr>".
type keyFunc func(*gin.Context) string

// KeyByUserOrIP prefers the caller set by Authenticate and falls back to the
// client IP address. The prefixes keep the two namespaces apart.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid := userIDFromCtx(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

// Budget is one token-bucket configuration.
type Budget struct {
	RPS   float64 // tokens replenished per second; 0 admits only the burst
	Burst int     // bucket size; values <= 0 become 1
}

func (b Budget) normalized() Budget {
	if b.Burst <= 0 {
		b.Burst = 1
	}
	if b.RPS < 0 {
		b.RPS = 0
	}
	return b
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key, per-tier token-bucket limiter, safe for
// concurrent use. Buckets idle for longer than the idle TTL are swept at
// most once per TTL.
type RateLimiter struct {
	keyFn   keyFunc
	base    Budget
	tiers   map[string]Budget
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// RateOption customizes a RateLimiter.
type RateOption func(*RateLimiter)

// WithTierBudget gives callers of tier their own budget instead of the base
// one.
func WithTierBudget(tier string, b Budget) RateOption {
	return func(rl *RateLimiter) { rl.tiers[tier] = b.normalized() }
}

// WithIdleTTL sets how long an unused bucket is kept. Defaults to 10m.
func WithIdleTTL(d time.Duration) RateOption {
	return func(rl *RateLimiter) {
		if d > 0 {
			rl.idleTTL = d
		}
	}
}

// NewRateLimiter returns a limiter applying rps/burst to every caller
// without a tier-specific budget.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc, opts ...RateOption) *RateLimiter {
	rl := &RateLimiter{
		keyFn:   keyFn,
		base:    Budget{RPS: rps, Burst: burst}.normalized(),
		tiers:   map[string]Budget{},
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, o := range opts {
		o(rl)
	}
	rl.lastSweep = rl.now()
	return rl
}

// budgetFor returns the bucket key suffix and budget for a tier. A tier
// without its own budget shares the base bucket.
func (rl *RateLimiter) budgetFor(tier string) (string, Budget) {
	if b, ok := rl.tiers[tier]; ok {
		return "|" + tier, b
	}
	return "", rl.base
}

// limiterFor returns (and touches) the limiter for key under tier.
func (rl *RateLimiter) limiterFor(key, tier string) *rate.Limiter {
	suffix, b := rl.budgetFor(tier)
	key += suffix
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rl.idleTTL {
		for k, v := range rl.buckets {
			if now.Sub(v.lastSeen) >= rl.idleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}

	v, ok := rl.buckets[key]
	if !ok {
		v = &bucket{limiter: rate.NewLimiter(rate.Limit(b.RPS), b.Burst)}
		rl.buckets[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay, in which case Handler lets it through without taking a token.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the Gin middleware. A denied request gets 429
// rate_limited with Retry-After set to the whole seconds until the bucket
// has a token again.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		res := rl.limiterFor(rl.keyFn(c), c.GetString(ctxKeyTier)).ReserveN(rl.now(), 1)
		if res.OK() && res.Delay() == 0 {
			c.Next()
			return
		}

		retry := 60
		if res.OK() {
			retry = max(1, int(math.Ceil(res.Delay().Seconds())))
			res.Cancel()
		}
		rejected.WithLabelValues(rejectRateLimited).Inc()
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
