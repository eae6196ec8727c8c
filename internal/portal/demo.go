package portal

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/failure"
)

// DemoCode is the portal code of the in-memory demo marketplace.
const DemoCode = "demo"

// DemoRules are the eligibility thresholds of the demo marketplace.
var DemoRules = Rules{MinDescription: 20, MinPrice: 1000, MinMedia: 1}

// Demo is an in-memory marketplace with deterministic listing ids
// ("demo-<n>"). It needs no credentials and records every call, which makes
// it the adapter of choice for tests and local runs.
type Demo struct {
	mu       sync.Mutex
	next     int
	listings map[string]StatusResult
	calls    map[string]int
	failures map[string]error
}

// NewDemo returns a demo adapter whose first published listing is
// "demo-<firstID>".
func NewDemo(firstID int) *Demo {
	return &Demo{
		next:     firstID,
		listings: make(map[string]StatusResult),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

func (d *Demo) Code() string              { return DemoCode }
func (d *Demo) Name() string              { return "Demo Marketplace" }
func (d *Demo) RequiresCredentials() bool { return false }

func (d *Demo) Validate(v *domain.NormalizedVehicle) []string {
	d.record("validate")
	return DemoRules.Check(d.Name(), v)
}

// FailWith makes every subsequent call to op ("publish", "update", "pause",
// "remove", "sync_status") return err. A nil err clears the injection.
func (d *Demo) FailWith(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// Calls returns how many times op was invoked.
func (d *Demo) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *Demo) record(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[op]++
	return d.failures[op]
}

func (d *Demo) Publish(ctx context.Context, _ Credentials, v *domain.NormalizedVehicle) (PublishResult, error) {
	if err := d.record("publish"); err != nil {
		return PublishResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PublishResult{}, failure.Transport("demo.publish", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.next
	d.next++
	id := "demo-" + strconv.Itoa(n)
	d.listings[id] = StatusResult{Status: string(domain.ListingPublished), IsActive: true}
	return PublishResult{ExternalID: id, ExternalURL: fmt.Sprintf("https://demo/%d", n)}, nil
}

func (d *Demo) Update(ctx context.Context, _ Credentials, externalID string, _ *domain.NormalizedVehicle) error {
	if err := d.record("update"); err != nil {
		return err
	}
	return d.mutate(ctx, "demo.update", externalID, nil)
}

func (d *Demo) Pause(ctx context.Context, _ Credentials, externalID string) error {
	if err := d.record("pause"); err != nil {
		return err
	}
	return d.mutate(ctx, "demo.pause", externalID, &StatusResult{Status: string(domain.ListingPaused)})
}

func (d *Demo) Remove(ctx context.Context, _ Credentials, externalID string) error {
	if err := d.record("remove"); err != nil {
		return err
	}
	return d.mutate(ctx, "demo.remove", externalID, &StatusResult{Status: string(domain.ListingRemoved)})
}

func (d *Demo) SyncStatus(ctx context.Context, _ Credentials, externalID string) (StatusResult, error) {
	if err := d.record("sync_status"); err != nil {
		return StatusResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return StatusResult{}, failure.Transport("demo.sync_status", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.listings[externalID]
	if !ok {
		return StatusResult{}, failure.NotFound("demo.sync_status", "listing %s not found", externalID)
	}
	return st, nil
}

func (d *Demo) mutate(ctx context.Context, op, externalID string, next *StatusResult) error {
	if err := ctx.Err(); err != nil {
		return failure.Transport(op, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listings[externalID]; !ok {
		return failure.NotFound(op, "listing %s not found", externalID)
	}
	if next != nil {
		d.listings[externalID] = *next
	}
	return nil
}

// Seed registers an existing listing, e.g. one published before a restart.
func (d *Demo) Seed(externalID string, st StatusResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listings[externalID] = st
}
