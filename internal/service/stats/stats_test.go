package stats

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"pdfbot/internal/config"
	"pdfbot/internal/models"
	"pdfbot/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func record(t *testing.T, svc *Service, rec models.OperationRecord) {
	t.Helper()
	if err := svc.Record(context.Background(), &rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ID == 0 {
		t.Fatalf("expected record id to be set")
	}
}

func TestSummaryAndUserStats(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	record(t, svc, models.OperationRecord{UserID: 1, Operation: models.OpMerge, Outcome: models.OutcomeSuccess, Inputs: 2, Pages: 5, CreatedAt: now.Add(-time.Minute)})
	record(t, svc, models.OperationRecord{UserID: 1, Operation: models.OpRotate, Outcome: models.OutcomeFailure, ErrorKind: models.KindInvalidParameter, Inputs: 1, Pages: 3, CreatedAt: now})
	record(t, svc, models.OperationRecord{UserID: 2, Operation: models.OpMerge, Outcome: models.OutcomeFailure, ErrorKind: models.KindTransformationFailed, Inputs: 3, Pages: 9, CreatedAt: now})
	record(t, svc, models.OperationRecord{UserID: 3, Operation: models.OpCompress, Outcome: models.OutcomeSuccess, Pages: 1, CreatedAt: now.Add(-48 * time.Hour)})

	sum, err := svc.Summary(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 3 || sum.Successes != 1 || sum.Failures != 2 || sum.Users != 2 || sum.Pages != 17 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if got := sum.ByOperation[models.OpMerge]; got.Success != 1 || got.Failure != 1 {
		t.Fatalf("unexpected merge counts %+v", got)
	}
	if sum.ByError[models.KindInvalidParameter] != 1 || sum.ByError[models.KindTransformationFailed] != 1 {
		t.Fatalf("unexpected error counts %+v", sum.ByError)
	}

	us, err := svc.UserStats(ctx, 1)
	if err != nil {
		t.Fatalf("user stats: %v", err)
	}
	if us.Operations != 2 || us.Failures != 1 || us.Pages != 8 || us.LastSeen == nil {
		t.Fatalf("unexpected user stats %+v", us)
	}
	empty, err := svc.UserStats(ctx, 42)
	if err != nil {
		t.Fatalf("user stats for unknown user: %v", err)
	}
	if empty.Operations != 0 || empty.LastSeen != nil {
		t.Fatalf("expected empty stats, got %+v", empty)
	}
}

func TestRecentFailuresNewestFirst(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	now := time.Now().UTC()

	record(t, svc, models.OperationRecord{UserID: 1, Operation: models.OpSplit, Outcome: models.OutcomeFailure, ErrorKind: models.KindTooManyPages, Detail: "old", CreatedAt: now.Add(-time.Hour)})
	record(t, svc, models.OperationRecord{UserID: 1, Operation: models.OpMerge, Outcome: models.OutcomeSuccess, CreatedAt: now})
	record(t, svc, models.OperationRecord{UserID: 2, Operation: models.OpMerge, Outcome: models.OutcomeFailure, ErrorKind: models.KindCancelled, Detail: "new", Duration: 1500 * time.Millisecond, CreatedAt: now})

	failures, err := svc.RecentFailures(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent failures: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(failures))
	}
	if failures[0].Detail != "new" || failures[0].ErrorKind != models.KindCancelled || failures[0].Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected newest failure %+v", failures[0])
	}
	if failures[1].Detail != "old" {
		t.Fatalf("unexpected order %+v", failures)
	}
}

func TestPruneRemovesOldRecords(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	now := time.Now().UTC()

	record(t, svc, models.OperationRecord{UserID: 1, Operation: models.OpMerge, Outcome: models.OutcomeSuccess, CreatedAt: now.Add(-72 * time.Hour)})
	record(t, svc, models.OperationRecord{UserID: 1, Operation: models.OpMerge, Outcome: models.OutcomeSuccess, CreatedAt: now})

	n, err := svc.Prune(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned record, got %d", n)
	}
}

func TestRecordRejectsIncompleteRecords(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	if err := svc.Record(context.Background(), &models.OperationRecord{Operation: models.OpMerge}); err == nil {
		t.Fatalf("expected missing user to be rejected")
	}
}
