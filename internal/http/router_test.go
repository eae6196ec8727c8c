package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/portal-integrator/internal/config"
	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/http/handlers"
	"github.com/tbourn/portal-integrator/internal/http/middleware"
	"github.com/tbourn/portal-integrator/internal/oauth"
	"github.com/tbourn/portal-integrator/internal/portal"
	"github.com/tbourn/portal-integrator/internal/repo"
	"github.com/tbourn/portal-integrator/internal/repo/repotest"
	"github.com/tbourn/portal-integrator/internal/secure"
)

func testConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		AppURL:      "http://app.test",
		RateRPS:     100,
		RateBurst:   50,
		CORS:        config.CORSConfig{AllowedOrigins: nil}, // allow-all branch
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

// newRouter wires the full stack over an isolated database with the demo
// portal and an OLX OAuth service.
func newRouter(t *testing.T, cfg config.Config) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := repotest.NewDB(t)
	cipher, err := secure.NewCipher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	olx := oauth.NewService(db, cipher, oauth.Config{
		PortalCode:   portal.OLXCode,
		ClientID:     "cid",
		ClientSecret: "secret",
		AuthURL:      "https://auth.example/oauth",
		AppURL:       cfg.AppURL,
	}, nil)

	r := gin.New()
	RegisterRoutes(r, db, cfg, Deps{
		Portals:      portal.NewRegistry(portal.NewDemo(1)),
		Integrations: map[string]handlers.OAuthService{portal.OLXCode: olx},
		MaxAttempts:  5,
	})
	return r, db
}

func serve(r http.Handler, method, target, tenant string, body []byte, hdr map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(middleware.HeaderTenantID, tenant)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_Health_Metrics_Fallbacks_CORSAllowAll(t *testing.T) {
	r, _ := newRouter(t, testConfig())

	w := serve(r, http.MethodGet, "/health", "", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	w = serve(r, http.MethodGet, "/metrics", "", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Fatalf("GET /metrics bad: code=%d", w.Code)
	}

	if w = serve(r, http.MethodGet, "/nope", "", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}
	if w = serve(r, http.MethodPost, "/health", "", nil, nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}

	// swagger is off unless enabled
	if w = serve(r, http.MethodGet, "/swagger/doc.json", "", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("swagger should be disabled, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS.AllowedOrigins = []string{"http://example.com"}
	r, _ := newRouter(t, cfg)

	w := serve(r, http.MethodGet, "/health", "", nil, map[string]string{"Origin": "http://example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRegisterRoutes_SwaggerAndGzip(t *testing.T) {
	cfg := testConfig()
	cfg.SwaggerEnabled = true
	r, _ := newRouter(t, cfg)

	w := serve(r, http.MethodGet, "/swagger/doc.json", "", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/jobs") {
		t.Fatalf("swagger doc: code=%d", w.Code)
	}

	w = serve(r, http.MethodGet, "/health", "", nil, map[string]string{"Accept-Encoding": "gzip"})
	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip response, headers=%v", w.Header())
	}
}

func TestRegisterRoutes_JobsFlow(t *testing.T) {
	r, db := newRouter(t, testConfig())
	v := repotest.Vehicle(t, db, "dealer-1", nil)

	body, _ := json.Marshal(handlers.EnqueueJobRequest{VehicleID: v.ID, PortalCode: "DEMO", JobType: domain.JobPublish})

	w := serve(r, http.MethodPost, "/api/v1/jobs", "dealer-1", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue = %d body=%s", w.Code, w.Body.String())
	}
	var created domain.IntegrationJob
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if created.MaxAttempts != 5 || created.PortalCode != portal.DemoCode || created.Status != domain.StatusPending {
		t.Fatalf("unexpected job: %+v", created)
	}

	// same vehicle version, portal and action -> existing job
	w = serve(r, http.MethodPost, "/api/v1/jobs", "dealer-1", body, nil)
	var again domain.IntegrationJob
	_ = json.Unmarshal(w.Body.Bytes(), &again)
	if w.Code != http.StatusOK || again.ID != created.ID {
		t.Fatalf("repeat enqueue = %d id=%s want %s", w.Code, again.ID, created.ID)
	}

	// unknown portal
	bad, _ := json.Marshal(handlers.EnqueueJobRequest{VehicleID: v.ID, PortalCode: "nope", JobType: domain.JobPublish})
	if w = serve(r, http.MethodPost, "/api/v1/jobs", "dealer-1", bad, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown portal = %d", w.Code)
	}

	// other tenants cannot see the job
	if w = serve(r, http.MethodGet, "/api/v1/jobs/"+created.ID, "dealer-2", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant get = %d", w.Code)
	}
	if w = serve(r, http.MethodGet, "/api/v1/jobs/"+created.ID+"?tenantId=dealer-1", "", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("get via query tenant = %d", w.Code)
	}

	w = serve(r, http.MethodGet, "/api/v1/jobs?status=pending", "dealer-1", nil, nil)
	var list handlers.ListJobsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if w.Code != http.StatusOK || list.Pagination.Total != 1 || w.Header().Get("ETag") == "" {
		t.Fatalf("list = %d total=%d etag=%q", w.Code, list.Pagination.Total, w.Header().Get("ETag"))
	}

	if w = serve(r, http.MethodPost, "/api/v1/jobs/"+created.ID+"/cancel", "dealer-1", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("cancel = %d", w.Code)
	}
	if w = serve(r, http.MethodPost, "/api/v1/jobs/"+created.ID+"/cancel", "dealer-1", nil, nil); w.Code != http.StatusConflict {
		t.Fatalf("second cancel = %d", w.Code)
	}

	if w = serve(r, http.MethodGet, "/api/v1/logs", "", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("logs without tenant = %d", w.Code)
	}
	if w = serve(r, http.MethodGet, "/api/v1/logs", "dealer-1", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("logs = %d", w.Code)
	}
}

func TestRegisterRoutes_Integrations(t *testing.T) {
	r, _ := newRouter(t, testConfig())

	w := serve(r, http.MethodGet, "/api/integrations/olx/auth-url?tenantId=dealer-1", "", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("auth-url = %d body=%s", w.Code, w.Body.String())
	}
	var resp handlers.AuthURLResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	u, err := url.Parse(resp.URL)
	if err != nil || u.Host != "auth.example" {
		t.Fatalf("auth url = %q", resp.URL)
	}
	if got := u.Query().Get("redirect_uri"); got != "http://app.test/api/integrations/olx/callback" {
		t.Fatalf("redirect_uri = %q", got)
	}

	// the OAuth code never appears in logs, but the route still runs
	w = serve(r, http.MethodGet, "/api/integrations/olx/callback?error=access_denied&state=x", "", nil, nil)
	if w.Code != http.StatusFound || !strings.Contains(w.Header().Get("Location"), "error=olx_denied") {
		t.Fatalf("callback = %d loc=%q", w.Code, w.Header().Get("Location"))
	}

	if w = serve(r, http.MethodGet, "/api/integrations/olx/me", "dealer-1", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("me without connection = %d", w.Code)
	}
	if w = serve(r, http.MethodDelete, "/api/integrations/olx/connection", "dealer-1", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("disconnect without connection = %d", w.Code)
	}
	if w = serve(r, http.MethodGet, "/api/integrations/webmotors/auth-url?tenantId=dealer-1", "", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown portal = %d", w.Code)
	}
}

func Test_idempotencyLookup(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()
	v := repotest.Vehicle(t, db, "dealer-1", nil)
	j := &domain.IntegrationJob{
		TenantID: "dealer-1", VehicleID: v.ID, PortalCode: "demo", JobType: domain.JobPublish,
		MaxAttempts: 3, IdempotencyKey: "k-1", NextAttemptAt: time.Now().UTC(),
	}
	if err := repo.CreateJob(ctx, db, j); err != nil {
		t.Fatalf("create job: %v", err)
	}

	lookup := idempotencyLookup(db)
	cases := []struct {
		tenant, key string
		want        bool
	}{
		{"dealer-1", "k-1", true},
		{"dealer-2", "k-1", false}, // same key, other tenant
		{"dealer-1", "missing", false},
	}
	for _, tc := range cases {
		got, err := lookup(ctx, tc.tenant, tc.key)
		if err != nil || got != tc.want {
			t.Fatalf("lookup(%s,%s) = %v,%v; want %v", tc.tenant, tc.key, got, err, tc.want)
		}
	}

	// storage errors surface to the middleware, which treats them as a miss
	sqlDB, _ := db.DB()
	_ = sqlDB.Close()
	if got, err := lookup(ctx, "dealer-1", "k-1"); got || err == nil {
		t.Fatalf("closed db lookup = %v,%v", got, err)
	}
}

func Test_repoShims_Proxy(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()
	v := repotest.Vehicle(t, db, "dealer-1", nil)

	js := jobRepoShim{}
	if got, err := js.GetVehicle(ctx, db, v.ID); err != nil || got.ID != v.ID {
		t.Fatalf("GetVehicle: %v", err)
	}
	j := &domain.IntegrationJob{
		TenantID: "dealer-1", VehicleID: v.ID, PortalCode: "demo", JobType: domain.JobUpdate,
		MaxAttempts: 3, IdempotencyKey: "shim-1", NextAttemptAt: time.Now().UTC(),
	}
	if err := js.CreateJob(ctx, db, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if got, err := js.GetJob(ctx, db, j.ID); err != nil || got.IdempotencyKey != "shim-1" {
		t.Fatalf("GetJob: %v", err)
	}
	if got, err := js.GetJobByIdempotencyKey(ctx, db, "dealer-1", "shim-1"); err != nil || got.ID != j.ID {
		t.Fatalf("GetJobByIdempotencyKey: %v", err)
	}
	if later, err := js.HasLaterCompletedJob(ctx, db, j); err != nil || later {
		t.Fatalf("HasLaterCompletedJob = %v, %v", later, err)
	}
	f := repo.JobFilter{TenantID: "dealer-1"}
	if n, err := js.CountJobs(ctx, db, f); err != nil || n != 1 {
		t.Fatalf("CountJobs = %d, %v", n, err)
	}
	if page, err := js.ListJobsPage(ctx, db, f, 0, 10); err != nil || len(page) != 1 {
		t.Fatalf("ListJobsPage = %d, %v", len(page), err)
	}
	if got, err := js.CancelJob(ctx, db, j.ID, "dealer-1", time.Now().UTC()); err != nil || got.Status != domain.StatusCancelled {
		t.Fatalf("CancelJob: %v", err)
	}

	if _, err := repo.AppendLog(ctx, db, "dealer-1", "demo", j.ID, domain.LevelInfo, "queued"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	as := auditRepoShim{}
	lf := repo.LogFilter{TenantID: "dealer-1"}
	if n, err := as.CountLogs(ctx, db, lf); err != nil || n < 1 {
		t.Fatalf("CountLogs = %d, %v", n, err)
	}
	if logs, err := as.ListLogsPage(ctx, db, lf, 0, 10); err != nil || len(logs) < 1 {
		t.Fatalf("ListLogsPage = %d, %v", len(logs), err)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := serve(r, http.MethodPost, "/echo", "", []byte("0123456789AB"), nil) // 12 bytes
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := serve(r, http.MethodGet, path, "", nil, nil)
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}
