// Package services – AuditService
//
// This file implements read access to the integration audit log. Entries are
// written by the worker and the OAuth service; this service only pages
// through them for one tenant.
package services

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/repo"
	"github.com/tbourn/portal-integrator/internal/utils"
)

// AuditRepo defines the repository contract required by AuditService.
type AuditRepo interface {
	// CountLogs returns the number of entries matching f.
	CountLogs(ctx context.Context, db *gorm.DB, f repo.LogFilter) (int64, error)
	// ListLogsPage returns a page of entries matching f, newest first.
	ListLogsPage(ctx context.Context, db *gorm.DB, f repo.LogFilter, offset, limit int) ([]domain.IntegrationLog, error)
}

// AuditService pages through the integration audit log.
type AuditService struct {
	DB   *gorm.DB
	Repo AuditRepo
}

// NewAuditService constructs an AuditService.
func NewAuditService(db *gorm.DB, r AuditRepo) *AuditService {
	return &AuditService{DB: db, Repo: r}
}

// ListPage returns a page of entries matching f (TenantID required) and the
// total count.
func (s *AuditService) ListPage(ctx context.Context, f repo.LogFilter, page, pageSize int) ([]domain.IntegrationLog, int64, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, 0, ErrMissingTenant
	}
	page, pageSize = normalizePage(page, pageSize)

	total, err := s.Repo.CountLogs(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.IntegrationLog{}, 0, nil
	}
	items, err := s.Repo.ListLogsPage(ctx, s.DB, f, utils.Offset(page, pageSize), pageSize)
	return items, total, err
}
