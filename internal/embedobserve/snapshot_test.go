package embedobserve

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/dbx"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := dbx.Open(":memory:")
	if err != nil {
		t.Fatalf("dbx.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertJobMetric(t *testing.T, db *sql.DB, outcome string, durationMs int64, errCode string, recordedAt time.Time) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO memory_embedding_job_metrics (id, job_id, memory_id, model, outcome, attempts, duration_ms, error_code, recorded_at)
		VALUES (lower(hex(randomblob(8))), 'j', 'm', 'model', ?, 1, ?, ?, ?)`,
		outcome, durationMs, nullIfEmpty(errCode), recordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("insert job metric: %v", err)
	}
}

func insertRetrievalMetric(t *testing.T, db *sql.DB, durationMs int64, fellBack bool, reason string, recordedAt time.Time) {
	t.Helper()
	fb := 0
	if fellBack {
		fb = 1
	}
	_, err := db.Exec(`INSERT INTO graph_rollout_metrics (id, duration_ms, fell_back, fallback_reason, recorded_at)
		VALUES (lower(hex(randomblob(8))), ?, ?, ?, ?)`, durationMs, fb, nullIfEmpty(reason), recordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("insert retrieval metric: %v", err)
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func TestSnapshotAggregatesQueueCounts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Now().UTC()

	_, err := db.Exec(`INSERT INTO memory_embedding_jobs (id, memory_id, model, kind, status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES ('j1', 'm1', 'model', 'add', 'queued', 0, 5, ?, ?, ?)`, now.Add(-time.Minute).Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("insert queued job: %v", err)
	}

	agg := New(db, nil)
	snap, err := agg.Snapshot(ctx, SnapshotRequest{Now: now})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Queue.QueuedCount != 1 {
		t.Errorf("QueuedCount = %d, want 1", snap.Queue.QueuedCount)
	}
	if snap.Queue.QueueLagMs <= 0 {
		t.Errorf("QueueLagMs = %d, want > 0", snap.Queue.QueueLagMs)
	}
	if snap.Cost.Available {
		t.Errorf("Cost.Available should be false with no usage loader")
	}
}

func TestSnapshotWorkerSectionComputesRates(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Now().UTC()

	for i := 0; i < 16; i++ {
		insertJobMetric(t, db, "success", 100, "", now.Add(-time.Minute))
	}
	for i := 0; i < 2; i++ {
		insertJobMetric(t, db, "retry", 200, "HTTP_500", now.Add(-time.Minute))
	}
	for i := 0; i < 2; i++ {
		insertJobMetric(t, db, "dead_letter", 300, "HTTP_500", now.Add(-time.Minute))
	}

	agg := New(db, nil)
	snap, err := agg.Snapshot(ctx, SnapshotRequest{Now: now, WindowHours: 24})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Worker.Attempts != 20 {
		t.Fatalf("Attempts = %d, want 20", snap.Worker.Attempts)
	}
	if snap.Worker.FailureRate != 0.1 {
		t.Errorf("FailureRate = %v, want 0.1", snap.Worker.FailureRate)
	}
	if snap.Worker.RetryRate != 0.1 {
		t.Errorf("RetryRate = %v, want 0.1", snap.Worker.RetryRate)
	}
	if len(snap.Worker.TopErrorCodes) != 1 || snap.Worker.TopErrorCodes[0].Code != "HTTP_500" {
		t.Errorf("TopErrorCodes = %+v, want a single HTTP_500 entry", snap.Worker.TopErrorCodes)
	}

	// dead letter rate 0.1 with 20 samples (>= min 20) should be critical (>=0.05).
	var alarm *Alarm
	for i := range snap.Alarms {
		if snap.Alarms[i].Code == "EMBEDDING_DEAD_LETTER_RATE" {
			alarm = &snap.Alarms[i]
		}
	}
	if alarm == nil {
		t.Fatal("missing EMBEDDING_DEAD_LETTER_RATE alarm")
	}
	if alarm.Severity != SeverityCritical {
		t.Errorf("dead letter alarm severity = %q, want critical", alarm.Severity)
	}
	if snap.Health != HealthCritical {
		t.Errorf("overall health = %q, want critical", snap.Health)
	}
}

func TestSnapshotRetrievalSectionTracksFallback(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Now().UTC()

	insertRetrievalMetric(t, db, 50, false, "", now.Add(-time.Minute))
	insertRetrievalMetric(t, db, 80, true, "fts_error", now.Add(-time.Minute))

	agg := New(db, nil)
	snap, err := agg.Snapshot(ctx, SnapshotRequest{Now: now})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Retrieval.HybridRequested != 2 {
		t.Errorf("HybridRequested = %d, want 2", snap.Retrieval.HybridRequested)
	}
	if snap.Retrieval.FallbackCount != 1 {
		t.Errorf("FallbackCount = %d, want 1", snap.Retrieval.FallbackCount)
	}
	if snap.Retrieval.LastFallbackReason != "fts_error" {
		t.Errorf("LastFallbackReason = %q, want fts_error", snap.Retrieval.LastFallbackReason)
	}
}

type fakeUsageLoader struct{ summary string }

func (f *fakeUsageLoader) LoadUsageSummary(ctx context.Context, ownerUserID, usageMonth string) (string, error) {
	return f.summary, nil
}

func TestSnapshotCostSectionDelegatesToUsageLoader(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	agg := New(db, &fakeUsageLoader{summary: "ok"})

	snap, err := agg.Snapshot(ctx, SnapshotRequest{Now: time.Now()})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.Cost.Available || snap.Cost.Summary != "ok" {
		t.Errorf("Cost = %+v, want available with summary 'ok'", snap.Cost)
	}
}
