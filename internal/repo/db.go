// Package repo is the persistence layer of the integrator: GORM free
// functions over vehicles, portal connections, integration jobs, listings
// and the audit log. This file opens the database and applies the schema.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/portal-integrator/internal/domain"
)

// Supported values for the DB_DRIVER setting.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// sqlitePragmas run on every new SQLite handle. WAL lets the API read while
// the worker writes; busy_timeout absorbs claim contention.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA foreign_keys=ON;",
	"PRAGMA busy_timeout=5000;",
}

type poolLimits struct {
	maxOpen, maxIdle int
}

var (
	sqlitePool   = poolLimits{maxOpen: 10, maxIdle: 10}
	postgresPool = poolLimits{maxOpen: 20, maxIdle: 10}
)

func gormConfig() *gorm.Config {
	return &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger: logger.New(&log.Logger, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// Open connects to driver ("sqlite" or "postgres"; empty means sqlite). For
// sqlite dsn is a file path, for postgres a connection URL. The handle is
// instrumented with OpenTelemetry spans.
func Open(driver, dsn string) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		db, err = OpenSQLite(dsn)
	case DriverPostgres:
		db, err = OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("db tracing: %w", err)
	}
	return db, nil
}

// OpenSQLite opens or creates the SQLite file at path. The parent directory
// must exist.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, err
	}
	for _, p := range sqlitePragmas {
		if err := db.Exec(p).Error; err != nil {
			return nil, fmt.Errorf("sqlite %s: %w", strings.TrimSuffix(p, ";"), err)
		}
	}
	return db, tunePool(db, sqlitePool)
}

// OpenPostgres opens a PostgreSQL connection through the pgx driver.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	return db, tunePool(db, postgresPool)
}

func tunePool(db *gorm.DB, l poolLimits) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(l.maxOpen)
	sqlDB.SetMaxIdleConns(l.maxIdle)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return nil
}

// Models lists every persisted model in foreign-key order.
func Models() []any {
	return []any{
		&domain.Vehicle{},
		&domain.PortalConnection{},
		&domain.IntegrationJob{},
		&domain.PortalListing{},
		&domain.IntegrationLog{},
	}
}

// AutoMigrate creates or updates the schema from the GORM models.
func AutoMigrate(db *gorm.DB) error {
	// Schemas from before key generations carry a single-column key index
	// under the same name; drop it so AutoMigrate rebuilds it.
	m := db.Migrator()
	job := &domain.IntegrationJob{}
	if m.HasTable(job) && !m.HasColumn(job, "Generation") && m.HasIndex(job, "ux_jobs_idempotency_key") {
		if err := m.DropIndex(job, "ux_jobs_idempotency_key"); err != nil {
			return fmt.Errorf("drop legacy key index: %w", err)
		}
	}
	return db.AutoMigrate(Models()...)
}

// Migrate applies the versioned SQL migrations on PostgreSQL and
// AutoMigrate everywhere else.
func Migrate(db *gorm.DB) error {
	if db.Dialector.Name() == DriverPostgres {
		return MigratePostgres(db)
	}
	return AutoMigrate(db)
}
