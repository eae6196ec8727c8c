// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the durable integration job queue.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
//
// Claim protocol:
//
//   - ClaimNextJob selects the oldest job with status in {pending, processing}
//     and next_attempt_at <= now, then flips it to processing with a fresh
//     claim token in a single conditional UPDATE. The UPDATE matches the
//     token observed by the SELECT, so when two workers race for the same
//     row exactly one of them affects it. On PostgreSQL the SELECT also takes
//     FOR UPDATE SKIP LOCKED so concurrent workers skip each other's rows.
//   - While processing, next_attempt_at holds the lease deadline. A worker
//     that dies mid-job leaves the row reclaimable once the lease expires.
//   - CompleteJob, RetryJob and FailJob only write when the row is still
//     processing under the caller's claim token, so an external cancellation
//     is never overwritten. They return ErrClaimLost otherwise.
//
// Error semantics:
//   - Missing rows yield ErrNotFound (gorm.ErrRecordNotFound).
//   - Unique (tenant, idempotency key, generation) violations on insert
//     yield ErrDuplicate.
//   - Claim errors pass through ClassifyStorageError so a broken schema or
//     access policy surfaces as failure.KindSystemic.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/portal-integrator/internal/domain"
)

var claimableStatuses = []domain.JobStatus{domain.StatusPending, domain.StatusProcessing}

// JobFilter narrows job listings. Zero fields are ignored.
type JobFilter struct {
	TenantID   string
	VehicleID  string
	PortalCode string
	Status     domain.JobStatus
}

func (f JobFilter) apply(q *gorm.DB) *gorm.DB {
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.VehicleID != "" {
		q = q.Where("vehicle_id = ?", f.VehicleID)
	}
	if f.PortalCode != "" {
		q = q.Where("portal_code = ?", f.PortalCode)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return q
}

// CreateJob inserts j as a pending job. ID, timestamps, MaxAttempts and
// NextAttemptAt are filled when zero; Status and Attempts are always reset.
// Returns ErrDuplicate when the tenant already holds the key at j's
// generation.
func CreateJob(ctx context.Context, db *gorm.DB, j *domain.IntegrationJob) error {
	now := time.Now().UTC()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.Status = domain.StatusPending
	j.Attempts = 0
	j.ClaimToken, j.ClaimedBy, j.ClaimedAt, j.FinishedAt = nil, nil, nil, nil
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = domain.DefaultMaxAttempts
	}
	if j.NextAttemptAt.IsZero() {
		j.NextAttemptAt = now
	}
	j.NextAttemptAt = j.NextAttemptAt.UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	if err := db.WithContext(ctx).Create(j).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetJob fetches a job by id, or ErrNotFound.
func GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.IntegrationJob, error) {
	var j domain.IntegrationJob
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJobByIdempotencyKey fetches the latest generation of the tenant's job
// enqueued under key, or ErrNotFound.
func GetJobByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID, key string) (*domain.IntegrationJob, error) {
	var j domain.IntegrationJob
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		Order("generation desc").
		Take(&j).Error
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// HasLaterCompletedJob reports whether another publish, update, pause or
// delete on j's listing completed after j did.
func HasLaterCompletedJob(ctx context.Context, db *gorm.DB, j *domain.IntegrationJob) (bool, error) {
	if j.FinishedAt == nil {
		return false, nil
	}
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.IntegrationJob{}).
		Where("tenant_id = ? AND vehicle_id = ? AND portal_code = ?", j.TenantID, j.VehicleID, j.PortalCode).
		Where("status = ? AND job_type <> ? AND id <> ? AND finished_at > ?",
			domain.StatusCompleted, domain.JobSyncStatus, j.ID, j.FinishedAt.UTC()).
		Count(&n).Error
	return n > 0, err
}

// CountJobs returns the number of jobs matching f.
func CountJobs(ctx context.Context, db *gorm.DB, f JobFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.IntegrationJob{})).Count(&total).Error
	return total, err
}

// ListJobsPage returns a page of jobs matching f, newest first.
func ListJobsPage(ctx context.Context, db *gorm.DB, f JobFilter, offset, limit int) ([]domain.IntegrationJob, error) {
	var out []domain.IntegrationJob
	err := f.apply(db.WithContext(ctx)).
		Order("created_at desc").
		Order("id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ClaimNextJob atomically claims the oldest eligible job for workerID and
// returns it in processing state with its new claim token. It returns
// (nil, nil) when nothing is due or another worker won the race.
func ClaimNextJob(ctx context.Context, db *gorm.DB, workerID string, lease time.Duration, now time.Time) (*domain.IntegrationJob, error) {
	now = now.UTC()
	var claimed *domain.IntegrationJob

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status IN ? AND next_attempt_at <= ?", claimableStatuses, now).
			Order("created_at asc").
			Order("id asc")
		if tx.Dialector.Name() == DriverPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var cand domain.IntegrationJob
		if err := q.Take(&cand).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		token := uuid.NewString()
		upd := tx.Model(&domain.IntegrationJob{}).
			Where("id = ? AND status = ? AND next_attempt_at <= ?", cand.ID, cand.Status, now)
		if cand.ClaimToken == nil {
			upd = upd.Where("claim_token IS NULL")
		} else {
			upd = upd.Where("claim_token = ?", *cand.ClaimToken)
		}
		res := upd.Updates(map[string]any{
			"status":          domain.StatusProcessing,
			"claim_token":     token,
			"claimed_by":      workerID,
			"claimed_at":      now,
			"next_attempt_at": now.Add(lease),
			"updated_at":      now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		cand.Status = domain.StatusProcessing
		cand.ClaimToken = &token
		cand.ClaimedBy = &workerID
		cand.ClaimedAt = &now
		cand.NextAttemptAt = now.Add(lease)
		cand.UpdatedAt = now
		claimed = &cand
		return nil
	})
	if err != nil {
		return nil, ClassifyStorageError("claim job", err)
	}
	return claimed, nil
}

// finishClaim applies values to j only while j is still processing under
// its claim token.
func finishClaim(ctx context.Context, db *gorm.DB, j *domain.IntegrationJob, values map[string]any) error {
	if j.ClaimToken == nil {
		return ErrClaimLost
	}
	res := db.WithContext(ctx).
		Model(&domain.IntegrationJob{}).
		Where("id = ? AND status = ? AND claim_token = ?", j.ID, domain.StatusProcessing, *j.ClaimToken).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// CompleteJob marks a claimed job completed and clears its last error.
func CompleteJob(ctx context.Context, db *gorm.DB, j *domain.IntegrationJob, now time.Time) error {
	now = now.UTC()
	if err := finishClaim(ctx, db, j, map[string]any{
		"status":      domain.StatusCompleted,
		"last_error":  nil,
		"claim_token": nil,
		"finished_at": now,
		"updated_at":  now,
	}); err != nil {
		return err
	}
	j.Status, j.LastError, j.ClaimToken, j.FinishedAt, j.UpdatedAt = domain.StatusCompleted, nil, nil, &now, now
	return nil
}

// RetryJob returns a claimed job to pending with the given attempt count,
// next eligible time and error message.
func RetryJob(ctx context.Context, db *gorm.DB, j *domain.IntegrationJob, attempts int, next time.Time, msg string, now time.Time) error {
	now, next = now.UTC(), next.UTC()
	if err := finishClaim(ctx, db, j, map[string]any{
		"status":          domain.StatusPending,
		"attempts":        attempts,
		"next_attempt_at": next,
		"last_error":      msg,
		"claim_token":     nil,
		"updated_at":      now,
	}); err != nil {
		return err
	}
	j.Status, j.Attempts, j.NextAttemptAt, j.LastError, j.ClaimToken, j.UpdatedAt = domain.StatusPending, attempts, next, &msg, nil, now
	return nil
}

// FailJob marks a claimed job failed with the given attempt count and error.
func FailJob(ctx context.Context, db *gorm.DB, j *domain.IntegrationJob, attempts int, msg string, now time.Time) error {
	now = now.UTC()
	if err := finishClaim(ctx, db, j, map[string]any{
		"status":      domain.StatusFailed,
		"attempts":    attempts,
		"last_error":  msg,
		"claim_token": nil,
		"finished_at": now,
		"updated_at":  now,
	}); err != nil {
		return err
	}
	j.Status, j.Attempts, j.LastError, j.ClaimToken, j.FinishedAt, j.UpdatedAt = domain.StatusFailed, attempts, &msg, nil, &now, now
	return nil
}

// CancelJob moves a pending or processing job owned by tenantID to
// cancelled. It returns ErrNotFound when the job does not exist for the
// tenant and ErrNotCancellable when it is already terminal.
func CancelJob(ctx context.Context, db *gorm.DB, id, tenantID string, now time.Time) (*domain.IntegrationJob, error) {
	now = now.UTC()
	var out *domain.IntegrationJob
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j domain.IntegrationJob
		if err := tx.Where("id = ? AND tenant_id = ?", id, tenantID).Take(&j).Error; err != nil {
			return err
		}
		if j.Terminal() {
			return ErrNotCancellable
		}
		res := tx.Model(&domain.IntegrationJob{}).
			Where("id = ? AND status IN ?", id, claimableStatuses).
			Updates(map[string]any{
				"status":      domain.StatusCancelled,
				"claim_token": nil,
				"finished_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotCancellable
		}
		j.Status, j.ClaimToken, j.FinishedAt, j.UpdatedAt = domain.StatusCancelled, nil, &now, now
		out = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ErrNotCancellable is returned by CancelJob for jobs in a terminal state.
var ErrNotCancellable = errors.New("job is not cancellable")

// JobStatusOf returns the current status and claim token of a job. The
// worker uses it to re-check eligibility right after claiming.
func JobStatusOf(ctx context.Context, db *gorm.DB, id string) (domain.JobStatus, *string, error) {
	var row struct {
		Status     string
		ClaimToken *string
	}
	err := db.WithContext(ctx).
		Model(&domain.IntegrationJob{}).
		Select("status", "claim_token").
		Where("id = ?", id).
		Take(&row).Error
	if err != nil {
		return "", nil, err
	}
	return domain.JobStatus(row.Status), row.ClaimToken, nil
}
