package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/portal-integrator/internal/domain"
)

// GetVehicle fetches a vehicle by id, or ErrNotFound.
func GetVehicle(ctx context.Context, db *gorm.DB, id string) (*domain.Vehicle, error) {
	var v domain.Vehicle
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVehicle inserts v. Vehicles are owned by the dealership backend;
// this exists for seeding and tests.
func CreateVehicle(ctx context.Context, db *gorm.DB, v *domain.Vehicle) error {
	now := time.Now().UTC()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = now
	}
	return db.WithContext(ctx).Create(v).Error
}
