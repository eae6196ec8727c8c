// Package services defines the business logic behind the jobs and audit log
// APIs. This file centralizes service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

// Job-related errors.
var (
	// ErrMissingTenant is returned when a request carries no tenant id.
	ErrMissingTenant = errors.New("tenantId is required")

	// ErrInvalidJobType is returned for job types outside the known set.
	ErrInvalidJobType = errors.New("invalid job type")

	// ErrInvalidStatus is returned when a status filter is not a known status.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrUnknownPortal is returned when the portal code has no adapter.
	ErrUnknownPortal = errors.New("unknown portal")

	// ErrVehicleNotFound indicates that the vehicle does not exist or does
	// not belong to the tenant.
	ErrVehicleNotFound = errors.New("vehicle not found")

	// ErrJobNotFound indicates that the job does not exist or does not
	// belong to the tenant.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCancellable is returned when cancelling a job that already
	// reached a terminal state.
	ErrJobNotCancellable = errors.New("job is not cancellable")

	// ErrIdempotencyKeyTooLong is returned for caller-supplied keys over the
	// column limit.
	ErrIdempotencyKeyTooLong = errors.New("idempotency key too long")
)
