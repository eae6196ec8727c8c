package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"
)

func TestKeyByTenantOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req

	if key := KeyByTenantOrIP()(c); key != "ip:203.0.113.9" {
		t.Fatalf("expected ip-based key; got %q", key)
	}
	c.Set(tenantIDKey, "dealer-7")
	if key := KeyByTenantOrIP()(c); key != "tenant:dealer-7" {
		t.Fatalf("expected tenant-based key; got %q", key)
	}
}

func TestKeyScope_And_RetryAfter(t *testing.T) {
	if keyScope("tenant:x") != "tenant" || keyScope("ip:1.2.3.4") != "ip" {
		t.Fatalf("keyScope mismatch")
	}
	for d, want := range map[time.Duration]string{
		0:                       "1",
		200 * time.Millisecond:  "1",
		1500 * time.Millisecond: "2",
		3 * time.Second:         "3",
	} {
		if got := retryAfter(d); got != want {
			t.Fatalf("retryAfter(%v) = %q; want %q", d, got, want)
		}
	}
}

func TestNewRateLimiter_BurstCoercion_AndGetVisitorReuse(t *testing.T) {
	rl := NewRateLimiter(2.0, 0, KeyByTenantOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed, got %d", rl.burst)
	}
	lim := rl.getVisitor("k1")
	if got := rl.getVisitor("k1"); got != lim {
		t.Fatalf("expected same limiter instance to be reused")
	}
}

func TestRateLimiter_getVisitor_GC(t *testing.T) {
	rl := NewRateLimiter(1.0, 1, KeyByTenantOrIP())
	rl.ttl = time.Nanosecond

	rl.mu.Lock()
	rl.visitors["old"] = &visitor{limiter: rate.NewLimiter(1, 1), lastSeen: time.Now().Add(-time.Hour)}
	rl.cleanupN = 4999 // next lookup sweeps
	rl.mu.Unlock()

	_ = rl.getVisitor("new")

	rl.mu.Lock()
	_, existsOld := rl.visitors["old"]
	_, existsNew := rl.visitors["new"]
	rl.mu.Unlock()
	if existsOld || !existsNew {
		t.Fatalf("old evicted=%v new created=%v", !existsOld, existsNew)
	}
}

func TestIsRateBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if IsRateBypass(c) {
		t.Fatalf("expected IsRateBypass=false by default")
	}
	c.Set(ctxKeyRateBypass, true)
	if !IsRateBypass(c) {
		t.Fatalf("expected IsRateBypass=true when set")
	}
	c.Set(ctxKeyRateBypass, "yes")
	if IsRateBypass(c) {
		t.Fatalf("expected IsRateBypass=false when non-bool stored")
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// one token per tenant, refilled every two seconds
	rl := NewRateLimiter(0.5, 1, KeyByTenantOrIP()).Exempt("/health")

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header("X-Request-ID", "rid-1"); c.Next() })
	r.Use(Tenant())
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Replay") != "" {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	})
	r.Use(rl.Handler())
	r.GET("/jobs", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	do := func(path, tenant string, replay bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if tenant != "" {
			req.Header.Set(HeaderTenantID, tenant)
		}
		if replay {
			req.Header.Set("X-Replay", "1")
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	before := testutil.ToFloat64(httpRateLimited.WithLabelValues("tenant"))

	if w := do("/jobs", "dealer-1", false); w.Code != http.StatusOK {
		t.Fatalf("first request should be allowed, got %d", w.Code)
	}
	w := do("/jobs", "dealer-1", false)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be rate-limited, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After=2, got %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "rate_limited" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected JSON body: %v", body)
	}
	if got := testutil.ToFloat64(httpRateLimited.WithLabelValues("tenant")); got != before+1 {
		t.Fatalf("rate limited counter = %v; want %v", got, before+1)
	}

	// separate bucket per tenant
	if w := do("/jobs", "dealer-2", false); w.Code != http.StatusOK {
		t.Fatalf("other tenant should have its own bucket, got %d", w.Code)
	}
	// replays and exempt routes spend nothing
	if w := do("/jobs", "dealer-1", true); w.Code != http.StatusOK {
		t.Fatalf("replay should bypass, got %d", w.Code)
	}
	for i := 0; i < 3; i++ {
		if w := do("/health", "dealer-1", false); w.Code != http.StatusOK {
			t.Fatalf("exempt route limited, got %d", w.Code)
		}
	}
}
