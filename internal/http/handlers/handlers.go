// Package handlers exposes the HTTP API of the portal integrator:
//   - /api/v1/jobs   (enqueue, read, list, cancel integration jobs)
//   - /api/v1/logs   (integration audit log)
//   - /api/integrations/{portal}/...   (OAuth connect flow per portal)
//
// Handlers are transport-thin: they resolve the tenant, validate input, call
// application services, and translate results into HTTP responses (including
// conditional responses).
package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/http/middleware"
	"github.com/tbourn/portal-integrator/internal/oauth"
	"github.com/tbourn/portal-integrator/internal/repo"
	"github.com/tbourn/portal-integrator/internal/services"
	"github.com/tbourn/portal-integrator/internal/utils"
)

//
// Service contracts (context-aware)
//

// JobService defines the job queue operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type JobService interface {
	// Enqueue schedules a job; created is false when the idempotency key
	// already existed and the stored job is returned instead.
	Enqueue(ctx context.Context, in services.EnqueueInput) (job *domain.IntegrationJob, created bool, err error)
	// Get returns a job owned by tenantID.
	Get(ctx context.Context, tenantID, id string) (*domain.IntegrationJob, error)
	// ListPage returns a page of jobs matching f and the total count.
	ListPage(ctx context.Context, f repo.JobFilter, page, pageSize int) ([]domain.IntegrationJob, int64, error)
	// Cancel moves a pending or processing job to cancelled.
	Cancel(ctx context.Context, tenantID, id string) (*domain.IntegrationJob, error)
}

// AuditService defines read access to the integration audit log.
type AuditService interface {
	// ListPage returns a page of entries matching f and the total count.
	ListPage(ctx context.Context, f repo.LogFilter, page, pageSize int) ([]domain.IntegrationLog, int64, error)
}

// OAuthService defines the connect flow for one portal.
type OAuthService interface {
	AuthorizationURL(tenantID string) (string, error)
	HandleCallback(ctx context.Context, p oauth.CallbackParams) (redirectURL string, err error)
	FetchIdentity(ctx context.Context, tenantID string) (*oauth.Identity, error)
	Disconnect(ctx context.Context, tenantID string) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for jobs, audit logs and portal
// integrations. It depends on abstract service interfaces to keep transport
// concerns separate from business logic.
type Handlers struct {
	jobSvc   JobService
	auditSvc AuditService
	oauthSvc map[string]OAuthService
}

// New constructs a Handlers instance bound to the given services.
// integrations maps a portal code to its OAuth service.
func New(jobSvc JobService, auditSvc AuditService, integrations map[string]OAuthService) *Handlers {
	m := make(map[string]OAuthService, len(integrations))
	for code, s := range integrations {
		m[strings.ToLower(code)] = s
	}
	return &Handlers{jobSvc: jobSvc, auditSvc: auditSvc, oauthSvc: m}
}

// tenantID returns the tenant resolved by middleware.Tenant, falling back to
// the header and query parameter when the middleware is not installed.
func tenantID(c *gin.Context) string {
	if id := middleware.TenantFrom(c); id != "" {
		return id
	}
	if c == nil || c.Request == nil {
		return ""
	}
	if h := strings.TrimSpace(c.GetHeader(middleware.HeaderTenantID)); h != "" {
		return h
	}
	return strings.TrimSpace(c.Query("tenantId"))
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Helpers
//

// clampPagination reads page and page_size from the query string.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.Page(c.Query("page"), c.Query("page_size"))
}
