package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/portal-integrator/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestUpsertConnection_SingleRowPerTenantPortal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	exp := time.Now().UTC().Add(time.Hour)

	first, err := UpsertConnection(ctx, db, &domain.PortalConnection{
		TenantID: "t1", PortalCode: "olx", AccessToken: "enc-1", RefreshToken: strPtr("r-1"),
		ExpiresAt: &exp, Active: true,
	})
	if err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}
	if err := MarkNeedsReauth(ctx, db, "t1", "olx"); err != nil {
		t.Fatalf("MarkNeedsReauth: %v", err)
	}

	second, err := UpsertConnection(ctx, db, &domain.PortalConnection{
		TenantID: "t1", PortalCode: "olx", AccessToken: "enc-2", Active: true, NeedsReauth: false,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert must keep the original row: %s vs %s", second.ID, first.ID)
	}
	if second.AccessToken != "enc-2" || second.NeedsReauth || !second.Active {
		t.Fatalf("upsert did not overwrite tokens/flags: %+v", second)
	}
	if second.RefreshToken != nil || second.ExpiresAt != nil {
		t.Fatalf("absent refresh token/expiry must be cleared: %+v", second)
	}

	var n int64
	db.Model(&domain.PortalConnection{}).Where("tenant_id = ? AND portal_code = ?", "t1", "olx").Count(&n)
	if n != 1 {
		t.Fatalf("expected one connection row, got %d", n)
	}
}

func TestMarkNeedsReauth_Missing(t *testing.T) {
	db := newTestDB(t)
	if err := MarkNeedsReauth(context.Background(), db, "t1", "olx"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateConnectionTokensAndProfile(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c, _ := UpsertConnection(ctx, db, &domain.PortalConnection{
		TenantID: "t1", PortalCode: "olx", AccessToken: "a", RefreshToken: strPtr("r"), Active: true,
	})
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := UpdateConnectionTokens(ctx, db, c.ID, "a2", nil, &exp); err != nil {
		t.Fatalf("UpdateConnectionTokens: %v", err)
	}
	got, _ := GetConnection(ctx, db, "t1", "olx")
	if got.AccessToken != "a2" || got.RefreshToken == nil || *got.RefreshToken != "r" {
		t.Fatalf("tokens not updated correctly: %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("expiry = %v", got.ExpiresAt)
	}

	if err := UpdateConnectionProfile(ctx, db, c.ID, map[string]any{"name": "Dealer"}); err != nil {
		t.Fatalf("UpdateConnectionProfile: %v", err)
	}
	got, _ = GetConnection(ctx, db, "t1", "olx")
	if got.Profile["name"] != "Dealer" {
		t.Fatalf("profile = %v", got.Profile)
	}

	if err := UpdateConnectionTokens(ctx, db, "missing", "x", nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteConnection(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, _ = UpsertConnection(ctx, db, &domain.PortalConnection{TenantID: "t1", PortalCode: "olx", AccessToken: "a", Active: true})

	if err := DeleteConnection(ctx, db, "t1", "olx"); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	if _, err := GetConnection(ctx, db, "t1", "olx"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := DeleteConnection(ctx, db, "t1", "olx"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
