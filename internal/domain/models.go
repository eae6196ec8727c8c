// Package domain defines the persistence models for vehicles, portal
// connections, integration jobs, portal listings and the integration audit
// log. These types are mapped with GORM and form the core data layer of the
// portal integrator.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// JobType is the action an integration job performs against a portal.
type JobType string

const (
	JobPublish    JobType = "publish"
	JobUpdate     JobType = "update"
	JobPause      JobType = "pause"
	JobDelete     JobType = "delete"
	JobSyncStatus JobType = "sync_status"
)

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	switch t {
	case JobPublish, JobUpdate, JobPause, JobDelete, JobSyncStatus:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of an integration job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DefaultMaxAttempts is applied to jobs enqueued without an explicit limit.
const DefaultMaxAttempts = 3

// VehicleMedia is one photo of a vehicle, stored inline as JSON.
type VehicleMedia struct {
	URL     string `json:"url"`
	IsCover bool   `json:"is_cover"`
	Order   int    `json:"order"`
}

// Vehicle is the dealership's source record for a car in stock. The worker
// reads it to build a NormalizedVehicle; the integrator never mutates it.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - TenantID: owning dealership (indexed).
//   - Make/Model/Trim, YearManufacture/YearModel: identification.
//   - Price, Mileage: commercial data.
//   - Fuel, Transmission: free-form source values, normalized per job.
//   - Media: ordered photos (JSON column).
//   - Features: optional equipment list (JSON column).
//   - UpdatedAt: doubles as the content version for idempotency keys.
type Vehicle struct {
	ID              string                            `json:"id"               gorm:"type:char(36);primaryKey"`
	TenantID        string                            `json:"tenant_id"        gorm:"type:varchar(64);not null;index:idx_vehicles_tenant"`
	Make            string                            `json:"make"             gorm:"type:varchar(64);not null"`
	Model           string                            `json:"model"            gorm:"type:varchar(64);not null"`
	Trim            string                            `json:"trim"             gorm:"type:varchar(128)"`
	YearManufacture int                               `json:"year_manufacture" gorm:"not null"`
	YearModel       int                               `json:"year_model"       gorm:"not null"`
	Price           float64                           `json:"price"            gorm:"not null"`
	Mileage         int                               `json:"mileage"          gorm:"not null"`
	Fuel            string                            `json:"fuel"             gorm:"type:varchar(32)"`
	Transmission    string                            `json:"transmission"     gorm:"type:varchar(32)"`
	Color           string                            `json:"color"            gorm:"type:varchar(32)"`
	Title           string                            `json:"title"            gorm:"type:varchar(255)"`
	Description     string                            `json:"description"      gorm:"type:text"`
	Media           datatypes.JSONSlice[VehicleMedia] `json:"media"`
	Features        datatypes.JSONSlice[string]       `json:"features"`
	CreatedAt       time.Time                         `json:"created_at"`
	UpdatedAt       time.Time                         `json:"updated_at"`
}

// TableName returns the database table name for Vehicle.
func (Vehicle) TableName() string { return "vehicles" }

// PortalConnection holds a tenant's encrypted OAuth credentials for one
// portal. At most one row exists per (tenant, portal).
//
// AccessToken and RefreshToken are ciphertexts produced by secure.Cipher.
// NeedsReauth is raised by the worker or the OAuth service on a 401 and is
// cleared only by a fresh OAuth callback.
type PortalConnection struct {
	ID           string            `json:"id"            gorm:"type:char(36);primaryKey"`
	TenantID     string            `json:"tenant_id"     gorm:"type:varchar(64);not null;uniqueIndex:ux_connection_tenant_portal,priority:1"`
	PortalCode   string            `json:"portal_code"   gorm:"type:varchar(32);not null;uniqueIndex:ux_connection_tenant_portal,priority:2"`
	AccessToken  string            `json:"-"             gorm:"type:text;not null"`
	RefreshToken *string           `json:"-"             gorm:"type:text"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	Active       bool              `json:"active"        gorm:"not null"`
	NeedsReauth  bool              `json:"needs_reauth"  gorm:"not null"`
	Profile      datatypes.JSONMap `json:"profile,omitempty"`
	ConnectedAt  time.Time         `json:"connected_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TableName returns the database table name for PortalConnection.
func (PortalConnection) TableName() string { return "portal_connections" }

// Usable reports whether the connection can be used to call the portal.
func (c *PortalConnection) Usable() bool { return c.Active && !c.NeedsReauth }

// ExpiresWithin reports whether the access token expires before now+d.
// Connections without an expiry never expire.
func (c *PortalConnection) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Before(now.Add(d))
}

// IntegrationJob is one asynchronous unit of work against a portal for a
// vehicle. Jobs are created pending by API callers, mutated by the worker
// (and by cancellation), and never deleted.
//
// Claim fields:
//   - ClaimToken: random token written by the claiming worker; every
//     bookkeeping write is conditioned on it.
//   - ClaimedBy / ClaimedAt: diagnostic only.
//   - NextAttemptAt: earliest time the job may be claimed. While a job is
//     processing it holds the lease deadline, after which another worker may
//     reclaim it.
//
// Idempotency: (TenantID, IdempotencyKey, Generation) is unique. Generation
// starts at 0 and grows each time the same key is enqueued again after the
// previous job under it stopped counting (see JobService.Enqueue).
type IntegrationJob struct {
	ID             string     `json:"id"              gorm:"type:char(36);primaryKey"`
	TenantID       string     `json:"tenant_id"       gorm:"type:varchar(64);not null;index:idx_jobs_tenant;uniqueIndex:ux_jobs_idempotency_key,priority:1"`
	VehicleID      string     `json:"vehicle_id"      gorm:"type:char(36);not null;index"`
	PortalCode     string     `json:"portal_code"     gorm:"type:varchar(32);not null"`
	JobType        JobType    `json:"job_type"        gorm:"type:varchar(16);not null;check:job_type IN ('publish','update','pause','delete','sync_status')"`
	Status         JobStatus  `json:"status"          gorm:"type:varchar(16);not null;index:idx_jobs_due,priority:1;check:status IN ('pending','processing','completed','failed','cancelled')"`
	Attempts       int        `json:"attempts"        gorm:"not null"`
	MaxAttempts    int        `json:"max_attempts"    gorm:"not null"`
	NextAttemptAt  time.Time  `json:"next_attempt_at" gorm:"not null;index:idx_jobs_due,priority:2"`
	LastError      *string    `json:"last_error,omitempty" gorm:"type:text"`
	IdempotencyKey string     `json:"idempotency_key" gorm:"type:varchar(128);not null;uniqueIndex:ux_jobs_idempotency_key,priority:2"`
	Generation     int        `json:"generation"      gorm:"not null;default:0;uniqueIndex:ux_jobs_idempotency_key,priority:3"`
	ClaimToken     *string    `json:"-"               gorm:"type:char(36)"`
	ClaimedBy      *string    `json:"claimed_by,omitempty" gorm:"type:varchar(128)"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"      gorm:"index"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for IntegrationJob.
func (IntegrationJob) TableName() string { return "integration_jobs" }

// Terminal reports whether the job reached a final state.
func (j *IntegrationJob) Terminal() bool { return j.Status.Terminal() }

// ListingStatus is the last known state of a listing on a portal.
type ListingStatus string

const (
	ListingPublished ListingStatus = "published"
	ListingPaused    ListingStatus = "paused"
	ListingRemoved   ListingStatus = "removed"
)

// PortalListing is the external listing produced by a successful publish.
// Unique per (vehicle, portal).
type PortalListing struct {
	ID             string        `json:"id"              gorm:"type:char(36);primaryKey"`
	TenantID       string        `json:"tenant_id"       gorm:"type:varchar(64);not null;index"`
	VehicleID      string        `json:"vehicle_id"      gorm:"type:char(36);not null;uniqueIndex:ux_listing_vehicle_portal,priority:1"`
	PortalCode     string        `json:"portal_code"     gorm:"type:varchar(32);not null;uniqueIndex:ux_listing_vehicle_portal,priority:2"`
	ExternalID     string        `json:"external_id"     gorm:"type:varchar(128);not null"`
	ExternalURL    string        `json:"external_url"    gorm:"type:text"`
	Status         ListingStatus `json:"status"          gorm:"type:varchar(32);not null"`
	IdempotencyKey string        `json:"idempotency_key" gorm:"type:varchar(128)"`
	LastSyncAt     time.Time     `json:"last_sync_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// TableName returns the database table name for PortalListing.
func (PortalListing) TableName() string { return "portal_listings" }

// LogLevel is the severity of an audit entry.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelError LogLevel = "error"
)

// AuthFlowJobID is the job id recorded for OAuth events that are not tied
// to any integration job.
const AuthFlowJobID = "auth-flow"

// IntegrationLog is an append-only, human-readable audit entry.
type IntegrationLog struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	TenantID   string    `json:"tenant_id"   gorm:"type:varchar(64);not null;index:idx_logs_tenant_created,priority:1"`
	PortalCode string    `json:"portal_code" gorm:"type:varchar(32);not null"`
	JobID      string    `json:"job_id"      gorm:"type:varchar(36);not null;index"`
	Level      LogLevel  `json:"level"       gorm:"type:varchar(8);not null;check:level IN ('info','error')"`
	Message    string    `json:"message"     gorm:"type:text;not null"`
	CreatedAt  time.Time `json:"created_at"  gorm:"index:idx_logs_tenant_created,priority:2"`
}

// TableName returns the database table name for IntegrationLog.
func (IntegrationLog) TableName() string { return "integration_logs" }
