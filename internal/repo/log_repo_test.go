package repo

import (
	"context"
	"testing"

	"github.com/tbourn/portal-integrator/internal/domain"
)

func TestAppendAndListLogs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := AppendLog(ctx, db, "t1", "olx", domain.AuthFlowJobID, domain.LevelInfo, "connected"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if _, err := AppendLog(ctx, db, "t1", "demo", "job-1", domain.LevelError, "Job failed: boom"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if _, err := AppendLog(ctx, db, "t2", "demo", "job-2", domain.LevelInfo, "ok"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if _, err := AppendLog(ctx, db, "t1", "demo", "job-1", "warn", "x"); err == nil {
		t.Fatal("expected check constraint violation for unknown level")
	}

	n, err := CountLogs(ctx, db, LogFilter{TenantID: "t1"})
	if err != nil || n != 2 {
		t.Fatalf("CountLogs = %d, %v", n, err)
	}
	page, err := ListLogsPage(ctx, db, LogFilter{TenantID: "t1", JobID: "job-1"}, 0, 10)
	if err != nil || len(page) != 1 || page[0].Message != "Job failed: boom" || page[0].Level != domain.LevelError {
		t.Fatalf("ListLogsPage: %v %+v", err, page)
	}

	cnt, newest, err := LogsStats(ctx, db, LogFilter{TenantID: "t1"})
	if err != nil || cnt != 2 || newest == nil {
		t.Fatalf("LogsStats: %d %v %v", cnt, newest, err)
	}
}
