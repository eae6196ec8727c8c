// Package httpapi wires the HTTP transport (Gin) to the integration services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation and tenant ids, redacted logging, panic recovery,
// metrics, idempotency, rate limiting, CORS, and security headers.
//
// Two route families are mounted:
//   - the versioned jobs/logs API under cfg.APIBasePath (e.g. /api/v1)
//   - the OAuth connect flow under /api/integrations/:portal, a fixed path
//     because the callback URL is registered with each portal
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/portal-integrator/docs"
	"github.com/tbourn/portal-integrator/internal/config"
	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/http/handlers"
	"github.com/tbourn/portal-integrator/internal/http/middleware"
	"github.com/tbourn/portal-integrator/internal/repo"
	"github.com/tbourn/portal-integrator/internal/services"
)

// IntegrationsPrefix is where the OAuth routes live.
const IntegrationsPrefix = "/api/integrations"

// jobRepoShim adapts the repository free functions to services.JobRepo.
type jobRepoShim struct{}

func (jobRepoShim) CreateJob(ctx context.Context, db *gorm.DB, j *domain.IntegrationJob) error {
	return repo.CreateJob(ctx, db, j)
}

func (jobRepoShim) GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.IntegrationJob, error) {
	return repo.GetJob(ctx, db, id)
}

func (jobRepoShim) GetJobByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID, key string) (*domain.IntegrationJob, error) {
	return repo.GetJobByIdempotencyKey(ctx, db, tenantID, key)
}

func (jobRepoShim) HasLaterCompletedJob(ctx context.Context, db *gorm.DB, j *domain.IntegrationJob) (bool, error) {
	return repo.HasLaterCompletedJob(ctx, db, j)
}

func (jobRepoShim) CountJobs(ctx context.Context, db *gorm.DB, f repo.JobFilter) (int64, error) {
	return repo.CountJobs(ctx, db, f)
}

func (jobRepoShim) ListJobsPage(ctx context.Context, db *gorm.DB, f repo.JobFilter, offset, limit int) ([]domain.IntegrationJob, error) {
	return repo.ListJobsPage(ctx, db, f, offset, limit)
}

func (jobRepoShim) CancelJob(ctx context.Context, db *gorm.DB, id, tenantID string, now time.Time) (*domain.IntegrationJob, error) {
	return repo.CancelJob(ctx, db, id, tenantID, now)
}

func (jobRepoShim) GetVehicle(ctx context.Context, db *gorm.DB, id string) (*domain.Vehicle, error) {
	return repo.GetVehicle(ctx, db, id)
}

// auditRepoShim adapts the log repository to services.AuditRepo.
type auditRepoShim struct{}

func (auditRepoShim) CountLogs(ctx context.Context, db *gorm.DB, f repo.LogFilter) (int64, error) {
	return repo.CountLogs(ctx, db, f)
}

func (auditRepoShim) ListLogsPage(ctx context.Context, db *gorm.DB, f repo.LogFilter, offset, limit int) ([]domain.IntegrationLog, error) {
	return repo.ListLogsPage(ctx, db, f, offset, limit)
}

// Deps are the collaborators built by the entrypoint.
type Deps struct {
	// Portals validates portal codes on enqueue; nil accepts any code.
	Portals services.PortalSet
	// Integrations maps a portal code to its OAuth service.
	Integrations map[string]handlers.OAuthService
	// MaxAttempts is stored on new jobs; <= 0 keeps the service default.
	MaxAttempts int
}

// idempotencyLookup reports whether key already names a job of tenantID.
// Lookup errors are treated as a miss; the enqueue itself resolves races.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, tenantID, key string) (bool, error) {
		_, err := repo.GetJobByIdempotencyKey(ctx, db, tenantID, key)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Tenant: resolve X-Tenant-ID / tenantId
//  4. RedactingLogger: structured logs, OAuth secrets masked
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Metrics
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per tenant/IP, bypass on replay)
//  10. CORS, security headers, gzip
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config, deps Deps) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Tenant())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
		QuietPaths:  []string{"/health", "/metrics"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, idempotencyLookup(db)))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByTenantOrIP()).
		Exempt("/health", "/metrics")
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{IntegrationsPrefix},
		EnablePolicy:    true,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	jobSvc := services.NewJobService(db, jobRepoShim{}, deps.Portals)
	if deps.MaxAttempts > 0 {
		jobSvc.MaxAttempts = deps.MaxAttempts
	}
	auditSvc := services.NewAuditService(db, auditRepoShim{})
	h := handlers.New(jobSvc, auditSvc, deps.Integrations)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/jobs", h.EnqueueJob)
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/:id", h.GetJob)
		api.POST("/jobs/:id/cancel", h.CancelJob)

		api.GET("/logs", h.ListLogs)
	}

	integrations := r.Group(IntegrationsPrefix + "/:portal")
	{
		integrations.GET("/auth-url", h.AuthURL)
		integrations.GET("/callback", h.Callback)
		integrations.GET("/me", h.Me)
		integrations.DELETE("/connection", h.Disconnect)
	}
}

// corsMiddleware allows every origin when none are configured and echoes
// allowlisted origins otherwise.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderTenantID, middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
