package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/repo"
	"github.com/tbourn/portal-integrator/internal/services"
	"github.com/tbourn/portal-integrator/internal/utils"
)

// ListLogsResponse wraps a page of audit entries and pagination information.
type ListLogsResponse struct {
	Logs       []domain.IntegrationLog `json:"logs"`
	Pagination Pagination              `json:"pagination"`
}

// ListLogs godoc
// @ID          listLogs
// @Summary     List integration audit entries (paginated)
// @Description Returns the tenant's audit trail, newest first. Use job_id=auth-flow for OAuth events. Supports weak ETag via If-None-Match.
// @Tags        Logs
// @Produce     json
//
// @Param       X-Tenant-ID    header  string  false "Tenant ID"  example(dealer-7)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       job_id         query   string  false "Job filter"
// @Param       portal_code    query   string  false "Portal filter"
// @Param       level          query   string  false "Level filter" enums(info,error)
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListLogsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /logs [get]
func (h *Handlers) ListLogs(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)
	f := repo.LogFilter{
		TenantID:   tenantID(c),
		JobID:      strings.TrimSpace(c.Query("job_id")),
		PortalCode: strings.ToLower(strings.TrimSpace(c.Query("portal_code"))),
		Level:      domain.LogLevel(strings.ToLower(strings.TrimSpace(c.Query("level")))),
	}
	if f.TenantID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, services.ErrMissingTenant.Error())
		return
	}
	if f.Level != "" && f.Level != domain.LevelInfo && f.Level != domain.LevelError {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "level must be info or error")
		return
	}

	if svc, isSvc := h.auditSvc.(*services.AuditService); isSvc && svc.DB != nil {
		if count, maxTS, err := repo.LogsStats(ctx, svc.DB, f); err == nil {
			etag := utils.WeakETag([]string{"logs", f.TenantID, f.JobID, f.PortalCode, string(f.Level),
				strconv.Itoa(page), strconv.Itoa(pageSize)}, count, maxTS)
			if notModified(c, etag) {
				return
			}
		}
	}

	items, total, err := h.auditSvc.ListPage(ctx, f, page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrMissingTenant) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListLogsResponse{Logs: items, Pagination: newPagination(page, pageSize, total)})
}
