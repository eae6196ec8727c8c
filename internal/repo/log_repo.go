// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only integration audit log.
// Entries are never updated or deleted here; retention is external.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/portal-integrator/internal/domain"
)

// LogFilter narrows audit log listings. Zero fields are ignored.
type LogFilter struct {
	TenantID   string
	JobID      string
	PortalCode string
	Level      domain.LogLevel
}

func (f LogFilter) apply(q *gorm.DB) *gorm.DB {
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.JobID != "" {
		q = q.Where("job_id = ?", f.JobID)
	}
	if f.PortalCode != "" {
		q = q.Where("portal_code = ?", f.PortalCode)
	}
	if f.Level != "" {
		q = q.Where("level = ?", f.Level)
	}
	return q
}

// AppendLog writes one audit entry.
func AppendLog(ctx context.Context, db *gorm.DB, tenantID, portalCode, jobID string, level domain.LogLevel, message string) (*domain.IntegrationLog, error) {
	e := &domain.IntegrationLog{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		PortalCode: portalCode,
		JobID:      jobID,
		Level:      level,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		return nil, err
	}
	return e, nil
}

// CountLogs returns the number of entries matching f.
func CountLogs(ctx context.Context, db *gorm.DB, f LogFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.IntegrationLog{})).Count(&total).Error
	return total, err
}

// ListLogsPage returns a page of entries matching f, newest first.
func ListLogsPage(ctx context.Context, db *gorm.DB, f LogFilter, offset, limit int) ([]domain.IntegrationLog, error) {
	var out []domain.IntegrationLog
	err := f.apply(db.WithContext(ctx)).
		Order("created_at desc").
		Order("id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
