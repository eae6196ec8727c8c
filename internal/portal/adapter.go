// Package portal defines the contract every marketplace adapter satisfies
// and ships the adapters the integrator knows about.
//
// Adapters never decide retry policy. They classify every error with a
// failure.Kind and leave the decision to the worker:
//
//   - Validate runs before any network call and returns human-readable
//     violations; an empty slice means the vehicle is eligible.
//   - Network operations return transport errors for timeouts, 429 and 5xx,
//     auth errors for 401/403, validation errors for rejected payloads and
//     not_found errors for unknown external ids.
package portal

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/tbourn/portal-integrator/internal/domain"
)

// Credentials carries the decrypted token for one call. Adapters that do
// not require credentials receive the zero value.
type Credentials struct {
	AccessToken string
}

// PublishResult identifies a listing created on a portal.
type PublishResult struct {
	ExternalID  string `json:"externalId"`
	ExternalURL string `json:"externalUrl"`
}

// StatusResult is the portal-side state of a listing.
type StatusResult struct {
	Status   string `json:"status"`
	IsActive bool   `json:"isActive"`
}

// Adapter is the capability set of one marketplace.
type Adapter interface {
	// Code is the stable portal code stored on jobs and connections.
	Code() string
	// Name is a display name.
	Name() string
	// RequiresCredentials reports whether calls need a stored OAuth token.
	RequiresCredentials() bool

	Validate(v *domain.NormalizedVehicle) []string
	Publish(ctx context.Context, creds Credentials, v *domain.NormalizedVehicle) (PublishResult, error)
	Update(ctx context.Context, creds Credentials, externalID string, v *domain.NormalizedVehicle) error
	Pause(ctx context.Context, creds Credentials, externalID string) error
	Remove(ctx context.Context, creds Credentials, externalID string) error
	SyncStatus(ctx context.Context, creds Credentials, externalID string) (StatusResult, error)
}

// Rules are the per-portal eligibility thresholds checked by Validate.
type Rules struct {
	MinDescription int
	MinPrice       float64
	MinMedia       int
}

// Check returns one message per violated rule, in a stable order.
func (r Rules) Check(portalName string, v *domain.NormalizedVehicle) []string {
	var out []string
	if n := utf8.RuneCountInString(v.Description); n < r.MinDescription {
		out = append(out, fmt.Sprintf("%s requires a description of at least %d characters (got %d)", portalName, r.MinDescription, n))
	}
	if v.Price < r.MinPrice {
		out = append(out, fmt.Sprintf("%s requires a price of at least %.0f", portalName, r.MinPrice))
	}
	if len(v.Media) < r.MinMedia {
		out = append(out, fmt.Sprintf("%s requires at least %d photos (got %d)", portalName, r.MinMedia, len(v.Media)))
	}
	return out
}
