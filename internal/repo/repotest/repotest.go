// Package repotest provides an isolated, migrated in-memory database for
// tests of packages built on top of repo.
package repotest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/repo"
)

// NewDB opens a fresh shared-cache in-memory SQLite database named after
// the test and migrates every model. It is closed on cleanup.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Vehicle stores an eligible vehicle (long description, three photos) for
// tenantID and returns it. mutate, when non-nil, adjusts it before insert.
func Vehicle(t testing.TB, db *gorm.DB, tenantID string, mutate func(*domain.Vehicle)) *domain.Vehicle {
	t.Helper()
	v := &domain.Vehicle{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		Make:            "Fiat",
		Model:           "Argo",
		Trim:            "Drive 1.0",
		YearManufacture: 2022,
		YearModel:       2023,
		Price:           72900,
		Mileage:         18000,
		Fuel:            "Flex",
		Transmission:    "Manual",
		Color:           "Prata",
		Description:     "Único dono, revisões em concessionária, pneus novos e manual completo.",
		Media: []domain.VehicleMedia{
			{URL: "https://img.example/1.jpg", Order: 1},
			{URL: "https://img.example/2.jpg", Order: 2, IsCover: true},
			{URL: "https://img.example/3.jpg", Order: 3},
		},
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if mutate != nil {
		mutate(v)
	}
	if err := repo.CreateVehicle(context.Background(), db, v); err != nil {
		t.Fatalf("create vehicle: %v", err)
	}
	return v
}
