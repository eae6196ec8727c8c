// Job HTTP handlers.
//
// This file exposes REST endpoints for integration jobs:
//   - POST   /jobs               (enqueue, idempotent)
//   - GET    /jobs               (list, paginated, ETag support)
//   - GET    /jobs/{id}          (read)
//   - POST   /jobs/{id}/cancel   (cancel pending/processing)
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/http/middleware"
	"github.com/tbourn/portal-integrator/internal/repo"
	"github.com/tbourn/portal-integrator/internal/services"
	"github.com/tbourn/portal-integrator/internal/utils"
)

// EnqueueJobRequest is the JSON payload for scheduling a job.
type EnqueueJobRequest struct {
	// TenantID may be omitted when X-Tenant-ID or ?tenantId= is sent.
	TenantID   string         `json:"tenant_id" example:"dealer-7"`
	VehicleID  string         `json:"vehicle_id" binding:"required" example:"9b2f6c1e-3d4a-4f5b-8c7d-0e1f2a3b4c5d"`
	PortalCode string         `json:"portal_code" binding:"required" example:"olx"`
	JobType    domain.JobType `json:"job_type" binding:"required" example:"publish" enums:"publish,update,pause,delete,sync_status"`
}

// ListJobsResponse wraps a page of jobs and pagination information.
type ListJobsResponse struct {
	Jobs       []domain.IntegrationJob `json:"jobs"`
	Pagination Pagination              `json:"pagination"`
}

// jobFail maps service errors to HTTP responses.
func jobFail(c *gin.Context, err error, code string) {
	switch {
	case errors.Is(err, services.ErrMissingTenant),
		errors.Is(err, services.ErrInvalidJobType),
		errors.Is(err, services.ErrInvalidStatus),
		errors.Is(err, services.ErrUnknownPortal),
		errors.Is(err, services.ErrIdempotencyKeyTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrVehicleNotFound), errors.Is(err, services.ErrJobNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrJobNotCancellable):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		fail(c, http.StatusInternalServerError, code, err.Error())
	}
}

// EnqueueJob godoc
// @ID          enqueueJob
// @Summary     Enqueue an integration job
// @Description Schedules an action for a vehicle on a portal. The idempotency key is derived from (vehicle, portal, action, vehicle version) unless an Idempotency-Key header is sent; repeating a request returns the stored job with 200.
// @Tags        Jobs
// @Accept      json
// @Produce     json
//
// @Param       X-Tenant-ID      header  string  false "Tenant ID"        example(dealer-7)
// @Param       Idempotency-Key  header  string  false "Idempotency key"  example(publish-123)
// @Param       body             body    handlers.EnqueueJobRequest  true  "Job payload"
//
// @Success     201  {object}  domain.IntegrationJob  "Created"
// @Success     200  {object}  domain.IntegrationJob  "Existing job for the key"
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse "Vehicle not found"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /jobs [post]
func (h *Handlers) EnqueueJob(c *gin.Context) {
	var req EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "vehicle_id, portal_code and job_type are required")
		return
	}
	tenant := strings.TrimSpace(req.TenantID)
	if tenant == "" {
		tenant = tenantID(c)
	}
	key, _ := middleware.GetIdempotencyKey(c)

	job, created, err := h.jobSvc.Enqueue(c.Request.Context(), services.EnqueueInput{
		TenantID:       tenant,
		VehicleID:      strings.TrimSpace(req.VehicleID),
		PortalCode:     req.PortalCode,
		JobType:        req.JobType,
		IdempotencyKey: key,
	})
	if err != nil {
		jobFail(c, err, ErrCodeEnqueueFailed)
		return
	}

	lg := middleware.LoggerFrom(c)
	lg.Info().
		Str("job_id", job.ID).
		Str("portal", job.PortalCode).
		Str("job_type", string(job.JobType)).
		Bool("created", created).
		Msg("job enqueued")

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, job)
}

// GetJob godoc
// @ID          getJob
// @Summary     Get a job
// @Tags        Jobs
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  false "Tenant ID"     example(dealer-7)
// @Param       id           path    string  true  "Job ID (UUID)" format(uuid)
//
// @Success     200  {object} domain.IntegrationJob
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Job not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /jobs/{id} [get]
func (h *Handlers) GetJob(c *gin.Context) {
	job, err := h.jobSvc.Get(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		jobFail(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, job)
}

// ListJobs godoc
// @ID          listJobs
// @Summary     List jobs (paginated)
// @Description Returns a page of the tenant's jobs, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Jobs
// @Produce     json
//
// @Param       X-Tenant-ID    header  string  false "Tenant ID"                   example(dealer-7)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       status         query   string  false "Status filter" enums(pending,processing,completed,failed,cancelled)
// @Param       vehicle_id     query   string  false "Vehicle filter"
// @Param       portal_code    query   string  false "Portal filter"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListJobsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /jobs [get]
func (h *Handlers) ListJobs(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)
	f := repo.JobFilter{
		TenantID:   tenantID(c),
		VehicleID:  strings.TrimSpace(c.Query("vehicle_id")),
		PortalCode: strings.ToLower(strings.TrimSpace(c.Query("portal_code"))),
		Status:     domain.JobStatus(strings.TrimSpace(c.Query("status"))),
	}

	// ETag pre-check (best effort).
	if svc, isSvc := h.jobSvc.(*services.JobService); isSvc && svc.DB != nil && f.TenantID != "" && (f.Status == "" || f.Status.Valid()) {
		if count, maxTS, err := repo.JobsStats(ctx, svc.DB, f); err == nil {
			etag := utils.WeakETag([]string{"jobs", f.TenantID, f.VehicleID, f.PortalCode, string(f.Status),
				strconv.Itoa(page), strconv.Itoa(pageSize)}, count, maxTS)
			if notModified(c, etag) {
				return
			}
		}
	}

	items, total, err := h.jobSvc.ListPage(ctx, f, page, pageSize)
	if err != nil {
		jobFail(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListJobsResponse{Jobs: items, Pagination: newPagination(page, pageSize, total)})
}

// CancelJob godoc
// @ID          cancelJob
// @Summary     Cancel a job
// @Description Cancels a pending or processing job. A worker already executing it discards its result.
// @Tags        Jobs
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  false "Tenant ID"     example(dealer-7)
// @Param       id           path    string  true  "Job ID (UUID)" format(uuid)
//
// @Success     200  {object} domain.IntegrationJob
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Job not found"
// @Failure     409  {object} handlers.ErrorResponse "Job already finished"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /jobs/{id}/cancel [post]
func (h *Handlers) CancelJob(c *gin.Context) {
	job, err := h.jobSvc.Cancel(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		jobFail(c, err, ErrCodeCancelFailed)
		return
	}
	ok(c, http.StatusOK, job)
}
