package embedqueue

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Queue is the Embedding Queue (C4) store, grounded on the teacher's
// reconnect loop (internal/mcp/manager_connect.go tryReconnect) for its
// backoff shape, adapted here from "reconnect a dropped client" to
// "retry a failed embedding job".
type Queue struct {
	db              *sql.DB
	provider        Provider
	cfg             Config
	now             func() time.Time
	outcomeRecorder JobOutcomeRecorder
}

// JobOutcomeRecorder mirrors an embedding job outcome into an external
// instrument (the OTel bridge in internal/metrics). Optional: a nil
// recorder is a no-op, so tests never need to set one up.
type JobOutcomeRecorder interface {
	RecordJobOutcome(ctx context.Context, outcome, model string, durationMs int64)
}

// New builds a Queue. provider may be nil in tests that only exercise
// Enqueue/claim bookkeeping without calling ProcessDueJobs.
func New(db *sql.DB, provider Provider, cfg Config) *Queue {
	return &Queue{db: db, provider: provider, cfg: cfg, now: time.Now}
}

// SetOutcomeRecorder wires an external metrics bridge (internal/metrics)
// into the queue. Fire-and-forget like everything else in this package: a
// recorder is never allowed to affect job processing.
func (q *Queue) SetOutcomeRecorder(r JobOutcomeRecorder) {
	q.outcomeRecorder = r
}

func (q *Queue) nowUTC() time.Time { return q.now().UTC() }

// Enqueue satisfies memory.EmbeddingEnqueuer: the memory store calls this
// fire-and-forget and only logs a failure, never surfaces it.
func (q *Queue) Enqueue(ctx context.Context, memoryID, content, modelID, operation string) error {
	_, _, err := q.EnqueueWithResult(ctx, memoryID, content, modelID, operation, "", 0)
	return err
}

// EnqueueWithResult is the full Enqueue(...) -> {jobId}|skip operation from
// spec.md §4.4, used directly by callers (e.g. the backfill scanner) that
// need the job id or the skip outcome.
func (q *Queue) EnqueueWithResult(ctx context.Context, memoryID, content, modelID, operation, modelVersion string, maxAttempts int) (jobID string, skipped bool, err error) {
	if strings.TrimSpace(content) == "" {
		return "", true, nil
	}
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = DefaultConfig().DefaultMaxAttempts
		}
	}

	id, err := newID()
	if err != nil {
		return "", false, err
	}
	now := q.nowUTC()

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO memory_embedding_jobs (
			id, memory_id, model, kind, status, attempts, max_attempts,
			next_attempt_at, created_at, updated_at
		) VALUES (?,?,?,?,'queued',0,?,?,?,?)
		ON CONFLICT(memory_id, model) DO UPDATE SET
			kind = excluded.kind,
			status = 'queued',
			attempts = 0,
			max_attempts = excluded.max_attempts,
			next_attempt_at = excluded.next_attempt_at,
			last_error = NULL,
			claimed_by = NULL,
			claimed_at = NULL,
			dead_letter_reason = NULL,
			dead_letter_at = NULL,
			updated_at = excluded.updated_at`,
		id, memoryID, modelID, operation, maxAttempts, formatTime(now), formatTime(now), formatTime(now),
	)
	if err != nil {
		return "", false, fmt.Errorf("embedqueue: enqueue: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return "", false, fmt.Errorf("embedqueue: enqueue: %w", err)
	}

	row := q.db.QueryRowContext(ctx, `SELECT id FROM memory_embedding_jobs WHERE memory_id = ? AND model = ?`, memoryID, modelID)
	var existingID string
	if err := row.Scan(&existingID); err != nil {
		return "", false, fmt.Errorf("embedqueue: enqueue readback: %w", err)
	}
	return existingID, false, nil
}

// ProcessDueJobs implements spec.md §4.4's ProcessDueJobs(maxJobs): requeue
// stale processing rows, then claim and process up to maxJobs queued rows
// one at a time via a conditional UPDATE, never aborting the whole run on
// a single item's failure (§6 propagation policy).
func (q *Queue) ProcessDueJobs(ctx context.Context, maxJobs int) (*ProcessResult, error) {
	result := &ProcessResult{}

	requeued, err := q.requeueStaleProcessing(ctx)
	if err != nil {
		return result, err
	}
	result.Requeued = requeued

	for i := 0; i < maxJobs; i++ {
		job, claimed, err := q.claimNext(ctx)
		if err != nil {
			return result, err
		}
		if !claimed {
			break
		}
		result.Claimed++

		outcome, procErr := q.processClaim(ctx, job)
		switch outcome {
		case OutcomeSuccess:
			result.Succeeded++
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeRetry:
			result.Retried++
		case OutcomeDeadLetter:
			result.DeadLetter++
		}
		if procErr != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", job.ID, procErr))
		}
	}

	return result, nil
}

func (q *Queue) requeueStaleProcessing(ctx context.Context) (int, error) {
	timeout := q.cfg.ProcessingTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ProcessingTimeout
	}
	cutoff := formatTime(q.nowUTC().Add(-timeout))
	res, err := q.db.ExecContext(ctx, `
		UPDATE memory_embedding_jobs
		SET status = 'queued', next_attempt_at = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = 'processing' AND claimed_at <= ?`,
		formatTime(q.nowUTC()), formatTime(q.nowUTC()), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("embedqueue: requeue stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// claimNext atomically claims the oldest due queued row via a conditional
// UPDATE keyed on a subselect, per spec.md §8's "atomic via conditional
// UPDATE + immediate read-back by claimed_by token" testable property.
func (q *Queue) claimNext(ctx context.Context) (*Job, bool, error) {
	token, err := newID()
	if err != nil {
		return nil, false, err
	}
	now := q.nowUTC()

	res, err := q.db.ExecContext(ctx, `
		UPDATE memory_embedding_jobs
		SET status = 'processing', claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM memory_embedding_jobs
			WHERE status = 'queued' AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC, created_at ASC
			LIMIT 1
		)`,
		token, formatTime(now), formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("embedqueue: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}

	job, err := q.loadByClaimToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (q *Queue) loadByClaimToken(ctx context.Context, token string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, memory_id, model, kind, status, attempts, max_attempts, next_attempt_at,
			COALESCE(last_error, ''), COALESCE(claimed_by, ''), claimed_at, created_at, updated_at
		FROM memory_embedding_jobs WHERE claimed_by = ?`, token)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var nextAttemptAt, createdAt, updatedAt string
	var claimedAt sql.NullString
	var status string
	if err := row.Scan(&j.ID, &j.MemoryID, &j.Model, &j.Kind, &status, &j.Attempts, &j.MaxAttempts,
		&nextAttemptAt, &j.LastError, &j.ClaimedBy, &claimedAt, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("embedqueue: scan job: %w", err)
	}
	j.Status = Status(status)
	j.NextAttemptAt = mustParseTime(nextAttemptAt)
	j.CreatedAt = mustParseTime(createdAt)
	j.UpdatedAt = mustParseTime(updatedAt)
	if claimedAt.Valid {
		t := mustParseTime(claimedAt.String)
		j.ClaimedAt = &t
	}
	return &j, nil
}

// processClaim executes steps 3-6 of spec.md §4.4 for a single claimed
// job and, once the job's new state is written, records a metrics row for
// it, logging (never failing the job on) a metrics-insert error per the
// resolved open question.
func (q *Queue) processClaim(ctx context.Context, job *Job) (Outcome, error) {
	start := time.Now()
	attempts := job.Attempts + 1

	mem, err := q.loadActiveMemoryContent(ctx, job.MemoryID)
	if err != nil {
		// A DB error here is an infra fault, not a defined job outcome;
		// leave the job claimed and let the stale-processing requeue pick
		// it back up rather than guessing at a terminal state for it.
		return "", err
	}
	if mem == nil {
		if err := q.purgeEmbedding(ctx, job.MemoryID, job.Model); err != nil {
			return "", err
		}
		if err := q.markSucceeded(ctx, job.ID, attempts); err != nil {
			return OutcomeSkipped, err
		}
		q.recordMetric(ctx, job, OutcomeSkipped, attempts, time.Since(start), "", "")
		return OutcomeSkipped, nil
	}

	if q.provider == nil {
		err := errors.New("embedqueue: no provider configured")
		return q.retryOrDeadLetter(ctx, job, attempts, start, "NO_PROVIDER", err, false)
	}

	vector, err := q.provider.Embed(ctx, job.Model, *mem)
	if err != nil {
		return q.retryOrDeadLetter(ctx, job, attempts, start, errorCode(err), err, isRetryable(err))
	}

	if err := q.upsertEmbedding(ctx, job.MemoryID, job.Model, vector); err != nil {
		return q.retryOrDeadLetter(ctx, job, attempts, start, "STORE_ERROR", err, true)
	}
	if err := q.markSucceeded(ctx, job.ID, attempts); err != nil {
		return OutcomeSuccess, err
	}
	q.recordMetric(ctx, job, OutcomeSuccess, attempts, time.Since(start), "", "")
	return OutcomeSuccess, nil
}

func (q *Queue) retryOrDeadLetter(ctx context.Context, job *Job, attempts int, start time.Time, code string, procErr error, retryable bool) (Outcome, error) {
	if retryable && attempts < job.MaxAttempts {
		next := q.nowUTC().Add(backoff(attempts, q.retryBase(), q.retryMax()))
		if err := q.markRetry(ctx, job.ID, attempts, next, procErr.Error()); err != nil {
			return OutcomeRetry, err
		}
		q.recordMetric(ctx, job, OutcomeRetry, attempts, time.Since(start), code, procErr.Error())
		return OutcomeRetry, nil
	}

	if err := q.markDeadLetter(ctx, job.ID, attempts, procErr.Error()); err != nil {
		return OutcomeDeadLetter, err
	}
	q.recordMetric(ctx, job, OutcomeDeadLetter, attempts, time.Since(start), code, procErr.Error())
	return OutcomeDeadLetter, nil
}

func (q *Queue) retryBase() time.Duration {
	if q.cfg.RetryBase > 0 {
		return q.cfg.RetryBase
	}
	return DefaultConfig().RetryBase
}

func (q *Queue) retryMax() time.Duration {
	if q.cfg.RetryMax > 0 {
		return q.cfg.RetryMax
	}
	return DefaultConfig().RetryMax
}

// backoff implements clamp(base*2^(attempt-1), [base, max]), grounded on
// the teacher's tryReconnect formula (initialBackoff * 1<<(attempt-1),
// clamped at maxBackoff).
func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(uint64(1)<<uint(attempt-1))
	if d < base {
		d = base
	}
	if d > max {
		d = max
	}
	return d
}

func (q *Queue) loadActiveMemoryContent(ctx context.Context, memoryID string) (*string, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT content FROM memories
		WHERE id = ? AND deleted_at IS NULL AND (expires_at IS NULL OR expires_at > ?)`,
		memoryID, formatTime(q.nowUTC()))
	var content string
	if err := row.Scan(&content); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("embedqueue: load memory: %w", err)
	}
	return &content, nil
}

func (q *Queue) purgeEmbedding(ctx context.Context, memoryID, model string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = ? AND model = ?`, memoryID, model); err != nil {
		return fmt.Errorf("embedqueue: purge embedding: %w", err)
	}
	return nil
}

func (q *Queue) upsertEmbedding(ctx context.Context, memoryID, model string, vector []float32) error {
	now := formatTime(q.nowUTC())
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO memory_embeddings (memory_id, model, vector, dims, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(memory_id, model) DO UPDATE SET
			vector = excluded.vector, dims = excluded.dims, updated_at = excluded.updated_at`,
		memoryID, model, EncodeVector(vector), len(vector), now, now,
	)
	if err != nil {
		return fmt.Errorf("embedqueue: upsert embedding: %w", err)
	}
	return nil
}

func (q *Queue) markSucceeded(ctx context.Context, jobID string, attempts int) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE memory_embedding_jobs
		SET status = 'succeeded', attempts = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ?`, attempts, formatTime(q.nowUTC()), jobID)
	if err != nil {
		return fmt.Errorf("embedqueue: mark succeeded: %w", err)
	}
	return nil
}

func (q *Queue) markRetry(ctx context.Context, jobID string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE memory_embedding_jobs
		SET status = 'queued', attempts = ?, next_attempt_at = ?, last_error = ?,
			claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ?`, attempts, formatTime(nextAttemptAt), lastError, formatTime(q.nowUTC()), jobID)
	if err != nil {
		return fmt.Errorf("embedqueue: mark retry: %w", err)
	}
	return nil
}

func (q *Queue) markDeadLetter(ctx context.Context, jobID string, attempts int, reason string) error {
	now := formatTime(q.nowUTC())
	_, err := q.db.ExecContext(ctx, `
		UPDATE memory_embedding_jobs
		SET status = 'dead_letter', attempts = ?, last_error = ?, dead_letter_reason = ?,
			dead_letter_at = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ?`, attempts, reason, reason, now, now, jobID)
	if err != nil {
		return fmt.Errorf("embedqueue: mark dead letter: %w", err)
	}
	return nil
}

func (q *Queue) recordMetric(ctx context.Context, job *Job, outcome Outcome, attempts int, duration time.Duration, errorCode, errorMessage string) {
	id, err := newID()
	if err != nil {
		slog.Warn("embedqueue.metrics_insert_failed", "job_id", job.ID, "error", err)
		return
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO memory_embedding_job_metrics (
			id, job_id, memory_id, model, outcome, attempts, duration_ms, error_code, error_message, recorded_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		id, job.ID, job.MemoryID, job.Model, string(outcome), attempts, duration.Milliseconds(),
		nullableStr(errorCode), nullableStr(errorMessage), formatTime(q.nowUTC()),
	)
	if err != nil {
		// Per spec.md §9's resolved open question: a metrics-insert failure
		// is logged and never fails the job it describes.
		slog.Warn("embedqueue.metrics_insert_failed", "job_id", job.ID, "outcome", outcome, "error", err)
	}
	if q.outcomeRecorder != nil {
		q.outcomeRecorder.RecordJobOutcome(ctx, string(outcome), job.Model, duration.Milliseconds())
	}
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

func newID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("embedqueue: generate id: %w", err)
	}
	out := make([]byte, 16)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
