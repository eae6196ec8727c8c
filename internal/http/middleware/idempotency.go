// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file validates the Idempotency-Key header of enqueue requests. A valid
// key is stashed for the jobs handler, which folds it into the job's stored
// idempotency key. When the tenant already holds a job under the key the
// request is marked as a replay: the handler still answers with the stored
// job, and the rate limiter lets it through.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client-chosen deduplication key.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

// defaultKeyPattern accepts URL-safe tokens.
var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Defaults to 128, the width of
	// integration_jobs.idempotency_key.
	MaxLen int
	// Pattern restricts the key alphabet. Defaults to defaultKeyPattern.
	Pattern *regexp.Regexp
}

// IdempotencyLookup reports whether tenantID already holds a job under key.
// Errors are logged and the request proceeds as a miss.
type IdempotencyLookup func(ctx context.Context, tenantID, key string) (bool, error)

// GetIdempotencyKey returns the validated key, if any.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, _ := c.Get(ctxKeyIdemKey)
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the request reuses a key the tenant already used.
func IsReplay(c *gin.Context) bool {
	v, _ := c.Get(ctxKeyIdemReplay)
	b, _ := v.(bool)
	return b
}

// IdempotencyValidator rejects malformed Idempotency-Key headers with 400 and
// otherwise stashes the trimmed key. Requests without the header, and those
// without a resolved tenant, skip the lookup.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 128
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		tenant := TenantFrom(c)
		if lookup == nil || tenant == "" {
			c.Next()
			return
		}
		exists, err := lookup(c.Request.Context(), tenant, key)
		if err != nil {
			LoggerFrom(c).Warn().Err(err).Str("idempotency_key", key).Msg("idempotency lookup failed")
		}
		if exists {
			c.Set(ctxKeyIdemReplay, true)
			c.Set(ctxKeyRateBypass, true)
			httpIdempotentReplays.Inc()
		}
		c.Next()
	}
}
