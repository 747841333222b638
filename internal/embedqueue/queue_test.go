package embedqueue

import (
	"context"
	"database/sql"
	"errors"
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

func insertMemory(t *testing.T, db *sql.DB, id, content string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.Exec(`INSERT INTO memories (id, scope, type, content, tags, paths, metadata, created_at, updated_at)
		VALUES (?, 'global', 'note', ?, '', '', '{}', ?, ?)`, id, content, now, now)
	if err != nil {
		t.Fatalf("insert memory: %v", err)
	}
}

type fakeProvider struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeProvider) Embed(ctx context.Context, model, input string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

func TestEnqueueDebouncesOnConflict(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	insertMemory(t, db, "m1", "hello world")
	q := New(db, nil, DefaultConfig())

	id1, skip, err := q.EnqueueWithResult(ctx, "m1", "hello world", "text-embedding-3-small", "add", "", 0)
	if err != nil || skip {
		t.Fatalf("first enqueue: id=%q skip=%v err=%v", id1, skip, err)
	}

	id2, skip, err := q.EnqueueWithResult(ctx, "m1", "hello world v2", "text-embedding-3-small", "edit", "", 0)
	if err != nil || skip {
		t.Fatalf("second enqueue: id=%q skip=%v err=%v", id2, skip, err)
	}
	if id1 != id2 {
		t.Errorf("expected debounce to reuse job id, got %q then %q", id1, id2)
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM memory_embedding_jobs`).Scan(&count); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 1 {
		t.Errorf("job count = %d, want 1", count)
	}
}

func TestEnqueueSkipsEmptyContent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := New(db, nil, DefaultConfig())

	_, skip, err := q.EnqueueWithResult(ctx, "m1", "   ", "text-embedding-3-small", "add", "", 0)
	if err != nil {
		t.Fatalf("EnqueueWithResult: %v", err)
	}
	if !skip {
		t.Errorf("expected skip=true for blank content")
	}
}

func TestProcessDueJobsSucceedsAndStoresEmbedding(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	insertMemory(t, db, "m1", "hello world")
	provider := &fakeProvider{vector: []float32{0.1, 0.2, 0.3}}
	q := New(db, provider, DefaultConfig())

	if _, _, err := q.EnqueueWithResult(ctx, "m1", "hello world", "text-embedding-3-small", "add", "", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := q.ProcessDueJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessDueJobs: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1: %+v", result.Succeeded, result)
	}

	var dims int
	var vector []byte
	row := db.QueryRow(`SELECT dims, vector FROM memory_embeddings WHERE memory_id = ? AND model = ?`, "m1", "text-embedding-3-small")
	if err := row.Scan(&dims, &vector); err != nil {
		t.Fatalf("scan embedding: %v", err)
	}
	if dims != 3 {
		t.Errorf("dims = %d, want 3", dims)
	}
	if len(vector) != 4*dims {
		t.Errorf("vector blob len = %d, want %d", len(vector), 4*dims)
	}
	decoded := DecodeVector(vector)
	if len(decoded) != 3 || decoded[0] != 0.1 {
		t.Errorf("decoded vector = %v, want [0.1 0.2 0.3]", decoded)
	}

	var status string
	if err := db.QueryRow(`SELECT status FROM memory_embedding_jobs WHERE memory_id = ?`, "m1").Scan(&status); err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != string(StatusSucceeded) {
		t.Errorf("status = %q, want succeeded", status)
	}

	var metricCount int
	if err := db.QueryRow(`SELECT count(*) FROM memory_embedding_job_metrics WHERE outcome = 'success'`).Scan(&metricCount); err != nil {
		t.Fatalf("count metrics: %v", err)
	}
	if metricCount != 1 {
		t.Errorf("success metric count = %d, want 1", metricCount)
	}
}

func TestProcessDueJobsSkipsDeletedMemory(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	insertMemory(t, db, "m1", "hello world")
	provider := &fakeProvider{vector: []float32{0.1}}
	q := New(db, provider, DefaultConfig())

	if _, _, err := q.EnqueueWithResult(ctx, "m1", "hello world", "text-embedding-3-small", "add", "", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := db.Exec(`UPDATE memories SET deleted_at = ? WHERE id = 'm1'`, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	result, err := q.ProcessDueJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessDueJobs: %v", err)
	}
	if result.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1: %+v", result.Skipped, result)
	}
	if provider.calls != 0 {
		t.Errorf("provider should not be called for a deleted memory, got %d calls", provider.calls)
	}
}

func TestProcessDueJobsRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	insertMemory(t, db, "m1", "hello world")
	provider := &fakeProvider{err: &retryableErr{code: "HTTP_500", err: errors.New("boom")}}
	cfg := DefaultConfig()
	cfg.DefaultMaxAttempts = 2
	cfg.RetryBase = time.Millisecond
	cfg.RetryMax = time.Millisecond
	q := New(db, provider, cfg)
	q.now = func() time.Time { return time.Now() }

	if _, _, err := q.EnqueueWithResult(ctx, "m1", "hello world", "text-embedding-3-small", "add", "", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := q.ProcessDueJobs(ctx, 1)
	if err != nil {
		t.Fatalf("ProcessDueJobs (attempt 1): %v", err)
	}
	if result.Retried != 1 {
		t.Fatalf("attempt 1: Retried = %d, want 1: %+v", result.Retried, result)
	}

	time.Sleep(5 * time.Millisecond)
	result, err = q.ProcessDueJobs(ctx, 1)
	if err != nil {
		t.Fatalf("ProcessDueJobs (attempt 2): %v", err)
	}
	if result.DeadLetter != 1 {
		t.Fatalf("attempt 2: DeadLetter = %d, want 1: %+v", result.DeadLetter, result)
	}

	var status, reason string
	if err := db.QueryRow(`SELECT status, dead_letter_reason FROM memory_embedding_jobs WHERE memory_id = ?`, "m1").Scan(&status, &reason); err != nil {
		t.Fatalf("scan job: %v", err)
	}
	if status != string(StatusDeadLetter) {
		t.Errorf("status = %q, want dead_letter", status)
	}
	if reason == "" {
		t.Errorf("expected a dead_letter_reason to be recorded")
	}
}

func TestProcessDueJobsRequeuesStaleProcessing(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	insertMemory(t, db, "m1", "hello world")
	q := New(db, &fakeProvider{vector: []float32{1}}, DefaultConfig())

	now := time.Now().UTC()
	staleClaimedAt := now.Add(-10 * time.Minute).Format(time.RFC3339Nano)
	_, err := db.Exec(`INSERT INTO memory_embedding_jobs (
		id, memory_id, model, kind, status, attempts, max_attempts, next_attempt_at,
		claimed_by, claimed_at, created_at, updated_at
	) VALUES ('stale1', 'm1', 'text-embedding-3-small', 'add', 'processing', 1, 5, ?, 'old-token', ?, ?, ?)`,
		now.Format(time.RFC3339Nano), staleClaimedAt, staleClaimedAt, staleClaimedAt)
	if err != nil {
		t.Fatalf("insert stale job: %v", err)
	}

	result, err := q.ProcessDueJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessDueJobs: %v", err)
	}
	if result.Requeued != 1 {
		t.Errorf("Requeued = %d, want 1", result.Requeued)
	}
	if result.Succeeded != 1 {
		t.Errorf("expected the requeued job to be claimed and succeed, got Succeeded=%d: %+v", result.Succeeded, result)
	}
}

func TestBackoffClampsBetweenBaseAndMax(t *testing.T) {
	base := 500 * time.Millisecond
	max := 60 * time.Second

	if got := backoff(1, base, max); got != base {
		t.Errorf("backoff(1) = %v, want %v", got, base)
	}
	if got := backoff(2, base, max); got != 2*base {
		t.Errorf("backoff(2) = %v, want %v", got, 2*base)
	}
	if got := backoff(20, base, max); got != max {
		t.Errorf("backoff(20) = %v, want clamp to %v", got, max)
	}
}
