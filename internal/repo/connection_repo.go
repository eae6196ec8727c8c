// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the credential store: one encrypted
// PortalConnection per (tenant, portal).
//
// The repository never encrypts or decrypts; callers hand it ciphertexts
// produced by secure.Cipher.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/portal-integrator/internal/domain"
)

// UpsertConnection inserts c or, when a row for (tenant, portal) exists,
// replaces its tokens, expiry and flags. The stored row is returned.
func UpsertConnection(ctx context.Context, db *gorm.DB, c *domain.PortalConnection) (*domain.PortalConnection, error) {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = now
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "portal_code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "expires_at",
			"active", "needs_reauth", "profile", "connected_at", "updated_at",
		}),
	}).Create(c).Error
	if err != nil {
		return nil, err
	}
	return GetConnection(ctx, db, c.TenantID, c.PortalCode)
}

// GetConnection returns the connection for (tenantID, portalCode), or
// ErrNotFound.
func GetConnection(ctx context.Context, db *gorm.DB, tenantID, portalCode string) (*domain.PortalConnection, error) {
	var c domain.PortalConnection
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND portal_code = ?", tenantID, portalCode).
		Take(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkNeedsReauth raises the needs_reauth flag. Only that column (and
// updated_at) is written, so concurrent writers are last-write-wins on the
// flag without clobbering token updates.
func MarkNeedsReauth(ctx context.Context, db *gorm.DB, tenantID, portalCode string) error {
	res := db.WithContext(ctx).
		Model(&domain.PortalConnection{}).
		Where("tenant_id = ? AND portal_code = ?", tenantID, portalCode).
		UpdateColumns(map[string]any{
			"needs_reauth": true,
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

// UpdateConnectionTokens stores refreshed ciphertexts and expiry. A nil
// refreshToken keeps the stored refresh token.
func UpdateConnectionTokens(ctx context.Context, db *gorm.DB, id, accessToken string, refreshToken *string, expiresAt *time.Time) error {
	values := map[string]any{
		"access_token": accessToken,
		"expires_at":   expiresAt,
		"updated_at":   time.Now().UTC(),
	}
	if refreshToken != nil {
		values["refresh_token"] = *refreshToken
	}
	res := db.WithContext(ctx).
		Model(&domain.PortalConnection{}).
		Where("id = ?", id).
		UpdateColumns(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConnectionProfile stores the last identity payload returned by the
// portal.
func UpdateConnectionProfile(ctx context.Context, db *gorm.DB, id string, profile map[string]any) error {
	return db.WithContext(ctx).
		Model(&domain.PortalConnection{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"profile":    datatypes.JSONMap(profile),
			"updated_at": time.Now().UTC(),
		}).Error
}

// DeleteConnection removes the connection for (tenantID, portalCode).
// Returns ErrNotFound when none exists.
func DeleteConnection(ctx context.Context, db *gorm.DB, tenantID, portalCode string) error {
	res := db.WithContext(ctx).
		Where("tenant_id = ? AND portal_code = ?", tenantID, portalCode).
		Delete(&domain.PortalConnection{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
