package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/failure"
)

func TestCreateJob_DefaultsAndDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	j := &domain.IntegrationJob{TenantID: "t1", VehicleID: "v1", PortalCode: "demo", JobType: domain.JobPublish,
		IdempotencyKey: "k1", Status: domain.StatusCompleted, Attempts: 7}
	if err := CreateJob(ctx, db, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.ID == "" || j.Status != domain.StatusPending || j.Attempts != 0 || j.MaxAttempts != domain.DefaultMaxAttempts {
		t.Fatalf("defaults not applied: %+v", j)
	}
	if j.NextAttemptAt.IsZero() {
		t.Fatal("NextAttemptAt must be set")
	}

	dup := &domain.IntegrationJob{TenantID: "t1", VehicleID: "v1", PortalCode: "demo", JobType: domain.JobPublish, IdempotencyKey: "k1"}
	if err := CreateJob(ctx, db, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := GetJobByIdempotencyKey(ctx, db, "t1", "k1")
	if err != nil || got.ID != j.ID {
		t.Fatalf("GetJobByIdempotencyKey: %v %+v", err, got)
	}
	if _, err := GetJobByIdempotencyKey(ctx, db, "t2", "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("key lookup must be tenant scoped, got %v", err)
	}
	if _, err := GetJob(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimNextJob_OldestDueFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	seedJob(t, db, "newer", base.Add(2*time.Minute))
	older := seedJob(t, db, "older", base.Add(time.Minute))
	future := seedJob(t, db, "future", base)
	db.Model(&domain.IntegrationJob{}).Where("id = ?", future.ID).Update("next_attempt_at", base.Add(time.Hour))

	now := base.Add(5 * time.Minute)
	got, err := ClaimNextJob(ctx, db, "w1", time.Minute, now)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.ID != older.ID {
		t.Fatalf("expected oldest due job %s, got %+v", older.ID, got)
	}
	if got.Status != domain.StatusProcessing || got.ClaimToken == nil || *got.ClaimedBy != "w1" {
		t.Fatalf("claim fields not set: %+v", got)
	}
	if !got.NextAttemptAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("lease not applied: %v", got.NextAttemptAt)
	}

	stored, _ := GetJob(ctx, db, older.ID)
	if stored.Status != domain.StatusProcessing || stored.ClaimToken == nil || *stored.ClaimToken != *got.ClaimToken {
		t.Fatalf("claim not persisted: %+v", stored)
	}

	// The claimed job is leased; the next claim picks the remaining due job.
	second, err := ClaimNextJob(ctx, db, "w2", time.Minute, now)
	if err != nil || second == nil || second.IdempotencyKey != "newer" {
		t.Fatalf("expected 'newer' job, got %+v err=%v", second, err)
	}
	third, err := ClaimNextJob(ctx, db, "w3", time.Minute, now)
	if err != nil || third != nil {
		t.Fatalf("expected nothing due, got %+v err=%v", third, err)
	}
}

func TestIdempotencyKey_TenantsAndGenerations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mk := func(tenant string, gen int) *domain.IntegrationJob {
		return &domain.IntegrationJob{TenantID: tenant, VehicleID: "v1", PortalCode: "demo",
			JobType: domain.JobSyncStatus, IdempotencyKey: "shared", Generation: gen}
	}

	if err := CreateJob(ctx, db, mk("t1", 0)); err != nil {
		t.Fatalf("t1 gen 0: %v", err)
	}
	if err := CreateJob(ctx, db, mk("t2", 0)); err != nil {
		t.Fatalf("another tenant may use the same key: %v", err)
	}
	next := mk("t1", 1)
	if err := CreateJob(ctx, db, next); err != nil {
		t.Fatalf("t1 gen 1: %v", err)
	}
	if err := CreateJob(ctx, db, mk("t1", 1)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for a taken generation, got %v", err)
	}

	got, err := GetJobByIdempotencyKey(ctx, db, "t1", "shared")
	if err != nil || got.ID != next.ID || got.Generation != 1 {
		t.Fatalf("expected latest generation, got %+v %v", got, err)
	}
}

func TestHasLaterCompletedJob(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	finish := func(j *domain.IntegrationJob, jt domain.JobType, status domain.JobStatus, at time.Time) {
		t.Helper()
		j.JobType, j.Status, j.FinishedAt = jt, status, &at
		if err := db.Save(j).Error; err != nil {
			t.Fatal(err)
		}
	}

	pub := seedJob(t, db, "publish", base)
	finish(pub, domain.JobPublish, domain.StatusCompleted, base)
	if later, err := HasLaterCompletedJob(ctx, db, pub); err != nil || later {
		t.Fatalf("lone job: %v %v", later, err)
	}

	synced := seedJob(t, db, "sync", base)
	finish(synced, domain.JobSyncStatus, domain.StatusCompleted, base.Add(time.Minute))
	failed := seedJob(t, db, "failed-delete", base)
	finish(failed, domain.JobDelete, domain.StatusFailed, base.Add(time.Minute))
	if later, _ := HasLaterCompletedJob(ctx, db, pub); later {
		t.Fatal("status syncs and failed jobs do not supersede a publish")
	}

	del := seedJob(t, db, "delete", base)
	finish(del, domain.JobDelete, domain.StatusCompleted, base.Add(2*time.Minute))
	if later, _ := HasLaterCompletedJob(ctx, db, pub); !later {
		t.Fatal("a later completed delete supersedes the publish")
	}
	if later, _ := HasLaterCompletedJob(ctx, db, del); later {
		t.Fatal("nothing completed after the delete")
	}
	if later, _ := HasLaterCompletedJob(ctx, db, &domain.IntegrationJob{ID: "x", TenantID: "t1"}); later {
		t.Fatal("an unfinished job has nothing after it")
	}
}

func TestClaimNextJob_ConcurrentWorkersClaimOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	j := seedJob(t, db, "only", base)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			<-start
			deadline := time.Now().Add(5 * time.Second)
			for {
				got, err := ClaimNextJob(ctx, db, workerID, time.Hour, base)
				if err == nil {
					if got != nil {
						mu.Lock()
						winners = append(winners, workerID+"/"+got.ID)
						mu.Unlock()
					}
					return
				}
				// shared-cache table locks; the loser retries until it sees the lease
				if time.Now().After(deadline) {
					t.Errorf("%s: %v", workerID, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(fmt.Sprintf("w%d", i))
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one claim, got %v", winners)
	}
	stored, _ := GetJob(ctx, db, j.ID)
	if stored.Status != domain.StatusProcessing || stored.ClaimedBy == nil ||
		winners[0] != *stored.ClaimedBy+"/"+j.ID {
		t.Fatalf("stored claim %+v does not match winner %s", stored, winners[0])
	}
}

func TestClaimNextJob_ReclaimsExpiredLease(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	seedJob(t, db, "k", base)

	first, err := ClaimNextJob(ctx, db, "w1", time.Minute, base)
	if err != nil || first == nil {
		t.Fatalf("first claim: %v %+v", err, first)
	}
	if j, _ := ClaimNextJob(ctx, db, "w2", time.Minute, base.Add(30*time.Second)); j != nil {
		t.Fatal("job must not be reclaimable while leased")
	}
	second, err := ClaimNextJob(ctx, db, "w2", time.Minute, base.Add(2*time.Minute))
	if err != nil || second == nil {
		t.Fatalf("expected reclaim after lease expiry: %v %+v", err, second)
	}
	if *second.ClaimToken == *first.ClaimToken {
		t.Fatal("reclaim must issue a new token")
	}

	// The original holder has lost its claim.
	if err := CompleteJob(ctx, db, first, base.Add(3*time.Minute)); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for stale token, got %v", err)
	}
	if err := CompleteJob(ctx, db, second, base.Add(3*time.Minute)); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}

func TestRetryAndFail_Bookkeeping(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	seedJob(t, db, "k", base)

	j, _ := ClaimNextJob(ctx, db, "w", time.Minute, base)
	next := base.Add(10 * time.Second)
	if err := RetryJob(ctx, db, j, 1, next, "503", base); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	stored, _ := GetJob(ctx, db, j.ID)
	if stored.Status != domain.StatusPending || stored.Attempts != 1 || stored.LastError == nil || *stored.LastError != "503" {
		t.Fatalf("retry not persisted: %+v", stored)
	}
	if stored.ClaimToken != nil {
		t.Fatal("claim token must be cleared on retry")
	}
	if !stored.NextAttemptAt.Equal(next) {
		t.Fatalf("next_attempt_at = %v", stored.NextAttemptAt)
	}

	if j2, _ := ClaimNextJob(ctx, db, "w", time.Minute, base.Add(5*time.Second)); j2 != nil {
		t.Fatal("job must not be due before backoff elapses")
	}
	j2, _ := ClaimNextJob(ctx, db, "w", time.Minute, next)
	if j2 == nil {
		t.Fatal("expected job due after backoff")
	}
	if err := FailJob(ctx, db, j2, 2, "fatal", next); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	stored, _ = GetJob(ctx, db, j.ID)
	if stored.Status != domain.StatusFailed || stored.Attempts != 2 || stored.FinishedAt == nil {
		t.Fatalf("fail not persisted: %+v", stored)
	}
	if j3, _ := ClaimNextJob(ctx, db, "w", time.Minute, next.Add(time.Hour)); j3 != nil {
		t.Fatal("failed jobs must never be claimed")
	}
}

func TestCancelJob(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	j := seedJob(t, db, "k", base)

	if _, err := CancelJob(ctx, db, j.ID, "other-tenant", base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign tenant, got %v", err)
	}

	claimed, _ := ClaimNextJob(ctx, db, "w", time.Minute, base)
	got, err := CancelJob(ctx, db, j.ID, "t1", base)
	if err != nil || got.Status != domain.StatusCancelled {
		t.Fatalf("CancelJob: %v %+v", err, got)
	}

	// Worker bookkeeping must not overwrite the cancellation.
	if err := CompleteJob(ctx, db, claimed, base); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost after cancel, got %v", err)
	}
	status, _, _ := JobStatusOf(ctx, db, j.ID)
	if status != domain.StatusCancelled {
		t.Fatalf("status = %s; want cancelled", status)
	}

	if _, err := CancelJob(ctx, db, j.ID, "t1", base); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestListJobsPage_FilterAndCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, k := range []string{"a", "b", "c"} {
		seedJob(t, db, k, base.Add(time.Duration(i)*time.Minute))
	}
	other := &domain.IntegrationJob{TenantID: "t2", VehicleID: "v9", PortalCode: "olx", JobType: domain.JobPause,
		IdempotencyKey: "z", CreatedAt: base, NextAttemptAt: base}
	if err := db.Create(withDefaults(other)).Error; err != nil {
		t.Fatal(err)
	}

	f := JobFilter{TenantID: "t1"}
	n, err := CountJobs(ctx, db, f)
	if err != nil || n != 3 {
		t.Fatalf("CountJobs = %d, %v", n, err)
	}
	page, err := ListJobsPage(ctx, db, f, 0, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("ListJobsPage: %v len=%d", err, len(page))
	}
	if page[0].IdempotencyKey != "c" || page[1].IdempotencyKey != "b" {
		t.Fatalf("expected newest first, got %s,%s", page[0].IdempotencyKey, page[1].IdempotencyKey)
	}
	if n, _ := CountJobs(ctx, db, JobFilter{Status: domain.StatusPending, PortalCode: "olx"}); n != 1 {
		t.Fatalf("status+portal filter count = %d", n)
	}

	cnt, maxUpdated, err := JobsStats(ctx, db, f)
	if err != nil || cnt != 3 || maxUpdated == nil {
		t.Fatalf("JobsStats: %d %v %v", cnt, maxUpdated, err)
	}
	if !maxUpdated.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("maxUpdated = %v", maxUpdated)
	}
	if cnt, maxUpdated, _ := JobsStats(ctx, db, JobFilter{TenantID: "nobody"}); cnt != 0 || maxUpdated != nil {
		t.Fatalf("expected empty stats, got %d %v", cnt, maxUpdated)
	}
}

func TestClaimNextJob_MissingTableIsSystemic(t *testing.T) {
	db := newTestDB(t)
	if err := db.Migrator().DropTable(&domain.IntegrationJob{}); err != nil {
		t.Fatal(err)
	}
	_, err := ClaimNextJob(context.Background(), db, "w", time.Minute, time.Now())
	if failure.KindOf(err) != failure.KindSystemic {
		t.Fatalf("expected systemic error, got %v (%v)", err, failure.KindOf(err))
	}
}

func TestClassifyStorageError(t *testing.T) {
	if ClassifyStorageError("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
	err := ClassifyStorageError("op", errors.New("ERROR: infinite recursion detected in policy for relation \"integration_jobs\""))
	if failure.KindOf(err) != failure.KindSystemic {
		t.Fatalf("expected systemic, got %v", failure.KindOf(err))
	}
	plain := errors.New("database is locked")
	if got := ClassifyStorageError("op", plain); got != plain {
		t.Fatalf("unrelated errors must pass through, got %v", got)
	}
}
