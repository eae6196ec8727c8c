// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory token-bucket limiter keyed by tenant,
// falling back to the client IP for anonymous calls (health probes, the OAuth
// callback). Buckets come from golang.org/x/time/rate; idle ones are evicted
// opportunistically. The limiter is process-local: each API replica enforces
// its own budget.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	tenantKeyPrefix = "tenant:"
	ipKeyPrefix     = "ip:"
)

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByTenantOrIP keys buckets by the tenant resolved by Tenant(), falling
// back to the client IP ("tenant:dealer-7" vs "ip:203.0.113.7").
func KeyByTenantOrIP() keyFunc {
	return func(c *gin.Context) string {
		if id := TenantFrom(c); id != "" {
			return tenantKeyPrefix + id
		}
		return ipKeyPrefix + c.ClientIP()
	}
}

// keyScope is the bounded metrics label for a bucket key.
func keyScope(key string) string {
	if strings.HasPrefix(key, tenantKeyPrefix) {
		return "tenant"
	}
	return "ip"
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements a per-key token-bucket rate limiter. It is safe for
// concurrent use.
type RateLimiter struct {
	rps    rate.Limit
	burst  int
	keyFn  keyFunc
	exempt map[string]struct{}

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter constructs a RateLimiter with the given tokens-per-second
// and burst size (values <= 0 are coerced to 1), keyed by keyFn.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		exempt:   map[string]struct{}{},
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// Exempt skips limiting for the given registered route paths
// (c.FullPath(), e.g. "/health").
func (rl *RateLimiter) Exempt(paths ...string) *RateLimiter {
	for _, p := range paths {
		rl.exempt[p] = struct{}{}
	}
	return rl
}

// getVisitor returns the limiter for key, creating it if absent. Idle
// buckets are swept every 5000 lookups, before the requested one is
// touched.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked this request as
// a replay of an already enqueued job.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// retryAfter renders a reservation delay as whole seconds, at least 1.
func retryAfter(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// Handler returns a Gin middleware that enforces per-key limits. Replays
// and exempt routes pass through without spending tokens. Rejected requests
// get 429 with a Retry-After matching the bucket's refill time:
//
//	{"request_id": "<uuid>", "code": "rate_limited", "message": "rate limit exceeded"}
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, skip := rl.exempt[c.FullPath()]; skip || IsRateBypass(c) {
			c.Next()
			return
		}

		key := rl.keyFn(c)
		res := rl.getVisitor(key).Reserve()
		if res.OK() {
			delay := res.Delay()
			if delay == 0 {
				c.Next()
				return
			}
			res.Cancel()
			c.Header("Retry-After", retryAfter(delay))
		} else {
			c.Header("Retry-After", "1")
		}

		httpRateLimited.WithLabelValues(keyScope(key)).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
