// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/portal-integrator/internal/domain"
)

// JobsStats returns aggregate metadata for the jobs matching f: the total
// number of rows and the maximum UpdatedAt timestamp among those rows.
//
// When no job matches, the returned count is 0 and maxUpdatedAt is nil.
//
// Return values:
//   - count:        total jobs matching f
//   - maxUpdatedAt: pointer to the greatest UpdatedAt, or nil if no rows
//   - err:          database error, if any
func JobsStats(ctx context.Context, db *gorm.DB, f JobFilter) (count int64, maxUpdatedAt *time.Time, err error) {
	q := f.apply(db.WithContext(ctx).Model(&domain.IntegrationJob{}))

	// Count
	if err = q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Session(&gorm.Session{}).Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// LogsStats returns the count and newest CreatedAt of the audit entries
// matching f. Entries are append-only, so CreatedAt is their version.
func LogsStats(ctx context.Context, db *gorm.DB, f LogFilter) (count int64, maxCreatedAt *time.Time, err error) {
	q := f.apply(db.WithContext(ctx).Model(&domain.IntegrationLog{}))

	if err = q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	var row struct {
		CreatedAt time.Time
	}
	if err = q.Session(&gorm.Session{}).Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
