// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for
// PortalListing, the external listing created by a successful publish.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/portal-integrator/internal/domain"
)

// UpsertListing inserts l or overwrites the existing listing for
// (vehicle, portal). The stored row is returned.
func UpsertListing(ctx context.Context, db *gorm.DB, l *domain.PortalListing) (*domain.PortalListing, error) {
	now := time.Now().UTC()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.LastSyncAt.IsZero() {
		l.LastSyncAt = now
	}
	l.LastSyncAt = l.LastSyncAt.UTC()
	l.CreatedAt = now
	l.UpdatedAt = now

	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "vehicle_id"}, {Name: "portal_code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tenant_id", "external_id", "external_url", "status",
			"idempotency_key", "last_sync_at", "updated_at",
		}),
	}).Create(l).Error
	if err != nil {
		return nil, err
	}
	return GetListing(ctx, db, l.VehicleID, l.PortalCode)
}

// GetListing returns the listing for (vehicleID, portalCode), or ErrNotFound.
func GetListing(ctx context.Context, db *gorm.DB, vehicleID, portalCode string) (*domain.PortalListing, error) {
	var l domain.PortalListing
	err := db.WithContext(ctx).
		Where("vehicle_id = ? AND portal_code = ?", vehicleID, portalCode).
		Take(&l).Error
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpdateListingStatus records a new status and sync time for a listing.
func UpdateListingStatus(ctx context.Context, db *gorm.DB, id string, status domain.ListingStatus, syncedAt time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.PortalListing{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"status":       status,
			"last_sync_at": syncedAt.UTC(),
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountListings returns how many listings exist for (vehicleID, portalCode).
func CountListings(ctx context.Context, db *gorm.DB, vehicleID, portalCode string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.PortalListing{}).
		Where("vehicle_id = ? AND portal_code = ?", vehicleID, portalCode).
		Count(&n).Error
	return n, err
}
