// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger. Bodies are never
// logged. Credentials are masked by header or query parameter name (OAuth
// callbacks carry the authorization code and state in the query string), and
// the remaining header and query values are scrubbed for e-mail addresses,
// phone numbers and UUIDs before the line is emitted.
package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const redacted = "[REDACTED]"

// UUIDs are replaced before phone numbers so the digit runs of an id are not
// taken for a phone.
var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

var (
	defaultMaskHeaders = []string{"Authorization", "Cookie", "Set-Cookie"}
	defaultMaskQuery   = []string{"code", "state", "access_token", "refresh_token", "client_secret"}
)

// RedactOptions extends the built-in masks. Names match case-insensitively.
type RedactOptions struct {
	// MaskHeaders are header names logged as [REDACTED].
	MaskHeaders []string
	// MaskQuery are query parameter names logged as [REDACTED].
	MaskQuery []string
	// QuietPaths are route templates logged at debug level (probes, scrapes).
	QuietPaths []string
}

// RedactingLogger attaches a request-scoped logger (request_id, tenant_id,
// method, path) for LoggerFrom and emits one "http_request" line per request:
// info below 400, warn for 4xx, error for 5xx or when handlers recorded
// errors on the context.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := nameSet(defaultMaskHeaders, opts.MaskHeaders)
	maskQuery := nameSet(defaultMaskQuery, opts.MaskQuery)
	quiet := make(map[string]struct{}, len(opts.QuietPaths))
	for _, p := range opts.QuietPaths {
		quiet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
		}

		scoped := log.With().
			Str("request_id", reqID).
			Str("tenant_id", TenantFrom(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(loggerKey, &scoped)

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0:
			ev = scoped.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = scoped.Error()
		case status >= 400:
			ev = scoped.Warn()
		default:
			if _, ok := quiet[path]; ok {
				ev = scoped.Debug()
			} else {
				ev = scoped.Info()
			}
		}
		ev.Str("query", scrub(maskQueryValues(c.Request.URL.RawQuery, maskQuery))).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", redactHeaders(c.Request.Header, maskHeaders)).
			Msg("http_request")
	}
}

func nameSet(base, extra []string) map[string]struct{} {
	set := make(map[string]struct{}, len(base)+len(extra))
	for _, n := range append(append([]string(nil), base...), extra...) {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func scrub(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

func redactHeaders(h map[string][]string, masked map[string]struct{}) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := masked[strings.ToLower(k)]; ok {
			out[k] = redacted
			continue
		}
		out[k] = scrub(strings.Join(vv, ", "))
	}
	return out
}

// maskQueryValues replaces the values of masked parameters in a raw query
// string, keeping parameter order and everything else verbatim.
func maskQueryValues(raw string, masked map[string]struct{}) string {
	if raw == "" {
		return raw
	}
	parts := strings.Split(raw, "&")
	for i, p := range parts {
		name, _, _ := strings.Cut(p, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if _, ok := masked[strings.ToLower(name)]; ok {
			parts[i] = name + "=" + redacted
		}
	}
	return strings.Join(parts, "&")
}
