// Package services – JobService
//
// This file implements the JobService, the producer side of the integration
// queue. It validates enqueue requests against the tenant's vehicles and the
// registered portals, derives deterministic idempotency keys, and exposes
// tenant-scoped reads and cancellation for the jobs API.
//
// Enqueue is idempotent per tenant: while the job under a key is pending,
// processing or still in effect, a request with the same key returns it
// (created=false). Once that job was cancelled, failed, superseded by a
// later completed job on the same listing, or was a status sync, the key
// gets a new generation and a fresh job.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/repo"
	"github.com/tbourn/portal-integrator/internal/utils"
)

// maxIdempotencyKeyLen matches the integration_jobs.idempotency_key column.
const maxIdempotencyKeyLen = 128

// JobRepo defines the repository contract required by JobService.
type JobRepo interface {
	// CreateJob inserts a pending job; repo.ErrDuplicate on key collision.
	CreateJob(ctx context.Context, db *gorm.DB, j *domain.IntegrationJob) error
	// GetJob fetches a job by id.
	GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.IntegrationJob, error)
	// GetJobByIdempotencyKey fetches the latest tenant job holding key.
	GetJobByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID, key string) (*domain.IntegrationJob, error)
	// HasLaterCompletedJob reports whether j's effect was overtaken.
	HasLaterCompletedJob(ctx context.Context, db *gorm.DB, j *domain.IntegrationJob) (bool, error)
	// CountJobs returns the number of jobs matching f.
	CountJobs(ctx context.Context, db *gorm.DB, f repo.JobFilter) (int64, error)
	// ListJobsPage returns a page of jobs matching f, newest first.
	ListJobsPage(ctx context.Context, db *gorm.DB, f repo.JobFilter, offset, limit int) ([]domain.IntegrationJob, error)
	// CancelJob cancels a non-terminal job owned by tenantID.
	CancelJob(ctx context.Context, db *gorm.DB, id, tenantID string, now time.Time) (*domain.IntegrationJob, error)
	// GetVehicle fetches a vehicle by id.
	GetVehicle(ctx context.Context, db *gorm.DB, id string) (*domain.Vehicle, error)
}

// PortalSet reports which portal codes have an adapter.
type PortalSet interface {
	Has(code string) bool
}

// EnqueueInput is a request to schedule one action for a vehicle on a portal.
type EnqueueInput struct {
	TenantID   string
	VehicleID  string
	PortalCode string
	JobType    domain.JobType
	// IdempotencyKey overrides the derived key when set.
	IdempotencyKey string
}

// JobService provides enqueue, read and cancel operations on integration
// jobs, always scoped to one tenant.
type JobService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the job repository used by this service.
	Repo JobRepo
	// Portals validates portal codes; nil accepts any code.
	Portals PortalSet
	// MaxAttempts is stored on new jobs; <= 0 uses domain.DefaultMaxAttempts.
	MaxAttempts int
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// NewJobService constructs a JobService with default attempts.
func NewJobService(db *gorm.DB, r JobRepo, portals PortalSet) *JobService {
	return &JobService{
		DB:          db,
		Repo:        r,
		Portals:     portals,
		MaxAttempts: domain.DefaultMaxAttempts,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue schedules a job. It returns the stored job and whether it was
// created by this call; an existing job with the same key is returned as is.
func (s *JobService) Enqueue(ctx context.Context, in EnqueueInput) (*domain.IntegrationJob, bool, error) {
	ctx, span := otel.Tracer("services/jobs").Start(ctx, "JobService.Enqueue")
	defer span.End()

	in.TenantID = strings.TrimSpace(in.TenantID)
	in.PortalCode = strings.ToLower(strings.TrimSpace(in.PortalCode))
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	span.SetAttributes(
		attribute.String("tenant.id", in.TenantID),
		attribute.String("portal.code", in.PortalCode),
		attribute.String("job.type", string(in.JobType)),
	)

	if in.TenantID == "" {
		return nil, false, ErrMissingTenant
	}
	if !in.JobType.Valid() {
		return nil, false, ErrInvalidJobType
	}
	if in.PortalCode == "" || (s.Portals != nil && !s.Portals.Has(in.PortalCode)) {
		return nil, false, ErrUnknownPortal
	}
	if len(in.IdempotencyKey) > maxIdempotencyKeyLen {
		return nil, false, ErrIdempotencyKeyTooLong
	}

	v, err := s.Repo.GetVehicle(ctx, s.DB, in.VehicleID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && v.TenantID != in.TenantID) {
		return nil, false, ErrVehicleNotFound
	}
	if err != nil {
		return nil, false, err
	}

	key := in.IdempotencyKey
	if key == "" {
		key = domain.IdempotencyKey(v.ID, in.PortalCode, in.JobType, v.UpdatedAt)
	}

	generation := 0
	prev, err := s.Repo.GetJobByIdempotencyKey(ctx, s.DB, in.TenantID, key)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return nil, false, err
	default:
		again, err := s.rerunnable(ctx, prev)
		if err != nil {
			return nil, false, err
		}
		if !again {
			return prev, false, nil
		}
		generation = prev.Generation + 1
	}
	span.SetAttributes(attribute.Int("job.generation", generation))

	j := &domain.IntegrationJob{
		TenantID:       in.TenantID,
		VehicleID:      v.ID,
		PortalCode:     in.PortalCode,
		JobType:        in.JobType,
		MaxAttempts:    s.MaxAttempts,
		IdempotencyKey: key,
		Generation:     generation,
		NextAttemptAt:  s.now(),
	}
	err = s.Repo.CreateJob(ctx, s.DB, j)
	if errors.Is(err, repo.ErrDuplicate) {
		// A concurrent request inserted this generation first.
		winner, gerr := s.Repo.GetJobByIdempotencyKey(ctx, s.DB, in.TenantID, key)
		if gerr != nil {
			return nil, false, gerr
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return j, true, nil
}

// rerunnable reports whether a request keyed like prev gets a new job.
func (s *JobService) rerunnable(ctx context.Context, prev *domain.IntegrationJob) (bool, error) {
	switch prev.Status {
	case domain.StatusCancelled, domain.StatusFailed:
		return true, nil
	case domain.StatusCompleted:
		if prev.JobType == domain.JobSyncStatus {
			return true, nil
		}
		return s.Repo.HasLaterCompletedJob(ctx, s.DB, prev)
	default:
		return false, nil
	}
}

// Get returns the job when it belongs to tenantID.
func (s *JobService) Get(ctx context.Context, tenantID, id string) (*domain.IntegrationJob, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrMissingTenant
	}
	j, err := s.Repo.GetJob(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && j.TenantID != tenantID) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ListPage returns a page of jobs matching f (TenantID required) and the
// total count. Invalid page/pageSize fall back to 1/20.
func (s *JobService) ListPage(ctx context.Context, f repo.JobFilter, page, pageSize int) ([]domain.IntegrationJob, int64, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, 0, ErrMissingTenant
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, ErrInvalidStatus
	}
	page, pageSize = normalizePage(page, pageSize)

	total, err := s.Repo.CountJobs(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.IntegrationJob{}, 0, nil
	}
	items, err := s.Repo.ListJobsPage(ctx, s.DB, f, utils.Offset(page, pageSize), pageSize)
	return items, total, err
}

// Cancel moves a pending or processing job to cancelled. A worker holding
// the job discards its result.
func (s *JobService) Cancel(ctx context.Context, tenantID, id string) (*domain.IntegrationJob, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrMissingTenant
	}
	j, err := s.Repo.CancelJob(ctx, s.DB, id, tenantID, s.now())
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrJobNotFound
	case errors.Is(err, repo.ErrNotCancellable):
		return nil, ErrJobNotCancellable
	case err != nil:
		return nil, err
	}
	return j, nil
}

func (s *JobService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// normalizePage applies defaults for invalid page/pageSize.
func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = utils.DefaultPageSize
	}
	return page, pageSize
}
