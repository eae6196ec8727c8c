package repo

import (
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/portal-integrator/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
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
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func seedJob(t *testing.T, db *gorm.DB, key string, createdAt time.Time) *domain.IntegrationJob {
	t.Helper()
	j := &domain.IntegrationJob{
		TenantID:       "t1",
		VehicleID:      "v1",
		PortalCode:     "demo",
		JobType:        domain.JobPublish,
		IdempotencyKey: key,
		CreatedAt:      createdAt,
		NextAttemptAt:  createdAt,
	}
	if err := db.Create(withDefaults(j)).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return j
}

func withDefaults(j *domain.IntegrationJob) *domain.IntegrationJob {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = domain.StatusPending
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	j.UpdatedAt = j.CreatedAt
	return j
}
