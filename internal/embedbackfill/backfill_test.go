package embedbackfill

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

func insertMemory(t *testing.T, db *sql.DB, id, content string, createdAt time.Time) {
	t.Helper()
	ts := createdAt.UTC().Format(time.RFC3339Nano)
	_, err := db.Exec(`INSERT INTO memories (id, scope, type, content, tags, paths, metadata, created_at, updated_at)
		VALUES (?, 'global', 'note', ?, '', '', '{}', ?, ?)`, id, content, ts, ts)
	if err != nil {
		t.Fatalf("insert memory: %v", err)
	}
}

type recordingEnqueuer struct {
	calls []string
}

func (r *recordingEnqueuer) EnqueueWithResult(ctx context.Context, memoryID, content, modelID, operation, modelVersion string, maxAttempts int) (string, bool, error) {
	r.calls = append(r.calls, memoryID)
	return "job-" + memoryID, false, nil
}

func TestScopeKeyFormatsWithWildcards(t *testing.T) {
	s := Scope{ModelID: "text-embedding-3-small"}
	if got, want := s.Key(), "text-embedding-3-small|*|*"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
	s2 := Scope{ModelID: "m", ProjectID: "proj1", UserID: "u1"}
	if got, want := s2.Key(), "m|proj1|u1"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestStatusSynthesizesWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	insertMemory(t, db, "m1", "hello", time.Now())
	b := New(db, &recordingEnqueuer{}, nil)
	scope := Scope{ModelID: "text-embedding-3-small"}

	st, err := b.Status(ctx, scope)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != StatusIdle || st.EstimatedTotal != 1 {
		t.Errorf("Status = %+v, want idle/1", st)
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM memory_embedding_backfill_state`).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("Status should not persist a row, found %d", count)
	}
}

func TestRunBatchEnqueuesAndAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		insertMemory(t, db, "m"+string(rune('0'+i)), "content", base.Add(time.Duration(i)*time.Minute))
	}
	enq := &recordingEnqueuer{}
	triggered := false
	b := New(db, enq, func() { triggered = true })
	scope := Scope{ModelID: "text-embedding-3-small"}

	result, err := b.RunBatch(ctx, scope, 2, 0)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if result.Scanned != 2 || result.Enqueued != 2 {
		t.Fatalf("result = %+v, want scanned/enqueued=2", result)
	}
	if result.Status != StatusRunning {
		t.Errorf("status = %q, want running (3 remain)", result.Status)
	}
	if !triggered {
		t.Errorf("expected the worker trigger to fire after enqueuing")
	}
	if len(enq.calls) != 2 {
		t.Fatalf("enqueue calls = %v, want 2", enq.calls)
	}

	// Second batch should pick up strictly after the first checkpoint,
	// never re-enqueuing the same two memories.
	result2, err := b.RunBatch(ctx, scope, 10, 0)
	if err != nil {
		t.Fatalf("RunBatch 2: %v", err)
	}
	if result2.Scanned != 3 {
		t.Fatalf("second batch scanned = %d, want 3", result2.Scanned)
	}
	if result2.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", result2.Status)
	}
	for _, id := range enq.calls[:2] {
		for _, id2 := range enq.calls[2:] {
			if id == id2 {
				t.Errorf("memory %s was enqueued twice across batches", id)
			}
		}
	}
}

func TestRunBatchSkipsWhenPaused(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	insertMemory(t, db, "m1", "content", time.Now())
	enq := &recordingEnqueuer{}
	b := New(db, enq, nil)
	scope := Scope{ModelID: "text-embedding-3-small"}

	if err := b.SetPaused(ctx, scope, true); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}

	result, err := b.RunBatch(ctx, scope, 10, 0)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if result.Status != StatusPaused {
		t.Errorf("status = %q, want paused", result.Status)
	}
	if len(enq.calls) != 0 {
		t.Errorf("expected no enqueue calls while paused, got %v", enq.calls)
	}
}

func TestRunBatchExcludesAlreadyEmbeddedMemories(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	insertMemory(t, db, "m1", "content", time.Now())
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(`INSERT INTO memory_embeddings (memory_id, model, vector, dims, created_at, updated_at)
		VALUES ('m1', 'text-embedding-3-small', x'00000000', 1, ?, ?)`, now, now); err != nil {
		t.Fatalf("insert embedding: %v", err)
	}

	enq := &recordingEnqueuer{}
	b := New(db, enq, nil)
	scope := Scope{ModelID: "text-embedding-3-small"}

	result, err := b.RunBatch(ctx, scope, 10, 0)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if result.Scanned != 0 {
		t.Errorf("Scanned = %d, want 0 (already embedded)", result.Scanned)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", result.Status)
	}
}
