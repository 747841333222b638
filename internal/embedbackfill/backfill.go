package embedbackfill

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"
)

// Backfiller is the Embedding Backfill (C5) store.
type Backfiller struct {
	db       *sql.DB
	enqueuer Enqueuer
	trigger  Trigger
	now      func() time.Time
	progress ProgressRecorder
}

// ProgressRecorder mirrors a completed batch into an external instrument
// (the OTel bridge in internal/metrics). Optional: nil is a no-op.
type ProgressRecorder interface {
	RecordBackfillBatch(ctx context.Context, scopeKey string, scanned, enqueued int)
}

// New builds a Backfiller. trigger may be nil, in which case RunBatch
// simply does not fire the worker wakeup (used in tests that drive
// ProcessDueJobs directly).
func New(db *sql.DB, enqueuer Enqueuer, trigger Trigger) *Backfiller {
	return &Backfiller{db: db, enqueuer: enqueuer, trigger: trigger, now: time.Now}
}

// SetProgressRecorder wires an external metrics bridge into the backfiller.
func (b *Backfiller) SetProgressRecorder(r ProgressRecorder) {
	b.progress = r
}

func (b *Backfiller) nowUTC() time.Time { return b.now().UTC() }

// Status returns the scope's state, lazily synthesizing one (not
// persisting it) with estimatedTotal set to the current count of
// memories still missing an embedding, per spec.md §4.5.
func (b *Backfiller) Status(ctx context.Context, scope Scope) (*State, error) {
	state, err := b.loadState(ctx, scope)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}

	total, err := b.countMissing(ctx, scope, nil)
	if err != nil {
		return nil, err
	}
	return &State{
		ScopeKey:       scope.Key(),
		Scope:          scope,
		Status:         StatusIdle,
		EstimatedTotal: total,
		UpdatedAt:      b.nowUTC(),
	}, nil
}

// SetPaused toggles the scope between paused and idle, clearing last_error
// per spec.md §4.5.
func (b *Backfiller) SetPaused(ctx context.Context, scope Scope, paused bool) error {
	if err := b.ensureRow(ctx, scope); err != nil {
		return err
	}
	status := StatusIdle
	if paused {
		status = StatusPaused
	}
	_, err := b.db.ExecContext(ctx, `
		UPDATE memory_embedding_backfill_state
		SET status = ?, last_error = NULL, updated_at = ?
		WHERE scope_key = ?`, string(status), formatTime(b.nowUTC()), scope.Key())
	if err != nil {
		return fmt.Errorf("embedbackfill: set paused: %w", err)
	}
	return nil
}

// RunBatch implements spec.md §4.5's RunBatch(scope, batchLimit,
// throttleMs, now): ensure row, short-circuit on paused, scan a strictly
// monotonic (created_at, id) window of candidates, enqueue each, advance
// the checkpoint, and recompute remaining/ETA.
func (b *Backfiller) RunBatch(ctx context.Context, scope Scope, batchLimit, throttleMs int) (*BatchResult, error) {
	start := time.Now()

	if err := b.ensureRow(ctx, scope); err != nil {
		return nil, err
	}

	state, err := b.loadState(ctx, scope)
	if err != nil {
		return nil, err
	}
	if state.Status == StatusPaused {
		return &BatchResult{Status: StatusPaused}, nil
	}

	now := b.nowUTC()
	if state.StartedAt == nil {
		state.StartedAt = &now
	}
	state.Status = StatusRunning
	state.BatchLimit = batchLimit
	state.ThrottleMs = throttleMs
	state.LastRunAt = &now

	candidates, err := b.scanCandidates(ctx, scope, state.CursorCreatedAt, state.CursorID, batchLimit)
	if err != nil {
		runErr := b.onBatchFailure(ctx, scope, state, err, start)
		return nil, runErr
	}

	enqueued := 0
	for i, c := range candidates {
		if _, skipped, err := b.enqueuer.EnqueueWithResult(ctx, c.id, c.content, scope.ModelID, "backfill", "", 0); err != nil {
			runErr := b.onBatchFailure(ctx, scope, state, err, start)
			return nil, runErr
		} else if !skipped {
			enqueued++
			state.EnqueuedCount++
		}
		state.ScannedCount++
		cursorAt := c.createdAt
		state.CursorCreatedAt = &cursorAt
		state.CursorID = c.id

		if throttleMs > 0 && i < len(candidates)-1 {
			time.Sleep(time.Duration(throttleMs) * time.Millisecond)
		}
	}

	remaining, err := b.countMissing(ctx, scope, state)
	if err != nil {
		runErr := b.onBatchFailure(ctx, scope, state, err, start)
		return nil, runErr
	}
	state.EstimatedTotal = state.ScannedCount + remaining

	if remaining == 0 {
		state.Status = StatusCompleted
		completedAt := now
		state.CompletedAt = &completedAt
	} else {
		state.Status = StatusRunning
	}
	state.LastError = ""

	if err := b.saveState(ctx, state); err != nil {
		return nil, err
	}

	duration := time.Since(start)
	if err := b.recordMetric(ctx, scope, state.Status, len(candidates), enqueued, duration, ""); err != nil {
		return nil, err
	}
	if b.progress != nil {
		b.progress.RecordBackfillBatch(ctx, scope.Key(), len(candidates), enqueued)
	}

	if enqueued > 0 && b.trigger != nil {
		b.trigger()
	}

	eta := etaSeconds(remaining, state.ScannedCount, state.StartedAt, now)
	return &BatchResult{
		Status:     state.Status,
		Scanned:    len(candidates),
		Enqueued:   enqueued,
		DurationMs: duration.Milliseconds(),
		EtaSeconds: eta,
	}, nil
}

// onBatchFailure implements spec.md §4.5 step 8: on failure the scope is
// left running (not dead-lettered), last_error is recorded truncated, and
// a metrics row notes the error before the original error is returned.
func (b *Backfiller) onBatchFailure(ctx context.Context, scope Scope, state *State, cause error, start time.Time) error {
	state.Status = StatusRunning
	state.LastError = truncate(cause.Error(), 500)
	_ = b.saveState(ctx, state)
	_ = b.recordMetric(ctx, scope, StatusRunning, state.ScannedCount, state.EnqueuedCount, time.Since(start), state.LastError)
	return cause
}

func etaSeconds(remaining, scannedTotal int, startedAt *time.Time, now time.Time) int64 {
	if remaining <= 0 || scannedTotal <= 0 || startedAt == nil {
		return 0
	}
	elapsed := now.Sub(*startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(scannedTotal) / elapsed
	if rate <= 0 {
		return 0
	}
	eta := float64(remaining) / rate
	return int64(eta) + 1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type candidate struct {
	id        string
	content   string
	createdAt time.Time
}

// scanCandidates implements spec.md §4.5 step 4's LEFT JOIN query: rows
// missing an embedding for scope.ModelID (or embedded under a different
// model), scoped, active, non-empty content, strictly past the checkpoint.
func (b *Backfiller) scanCandidates(ctx context.Context, scope Scope, cursorAt *time.Time, cursorID string, limit int) ([]candidate, error) {
	query := `
		SELECT m.id, m.content, m.created_at
		FROM memories m
		LEFT JOIN memory_embeddings e ON e.memory_id = m.id AND e.model = ?
		WHERE (e.memory_id IS NULL OR e.model != ?)
			AND m.deleted_at IS NULL
			AND m.content != ''`
	args := []any{scope.ModelID, scope.ModelID}

	query, args = appendScopeFilter(query, args, scope)

	if cursorAt != nil {
		query += ` AND (m.created_at > ? OR (m.created_at = ? AND m.id > ?))`
		args = append(args, formatTime(*cursorAt), formatTime(*cursorAt), cursorID)
	}
	query += ` ORDER BY m.created_at ASC, m.id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("embedbackfill: scan candidates: %w", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		var createdAt string
		if err := rows.Scan(&c.id, &c.content, &createdAt); err != nil {
			return nil, fmt.Errorf("embedbackfill: scan candidate: %w", err)
		}
		c.createdAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("embedbackfill: parse created_at: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *Backfiller) countMissing(ctx context.Context, scope Scope, afterState *State) (int, error) {
	query := `
		SELECT count(*)
		FROM memories m
		LEFT JOIN memory_embeddings e ON e.memory_id = m.id AND e.model = ?
		WHERE (e.memory_id IS NULL OR e.model != ?)
			AND m.deleted_at IS NULL
			AND m.content != ''`
	args := []any{scope.ModelID, scope.ModelID}
	query, args = appendScopeFilter(query, args, scope)

	if afterState != nil && afterState.CursorCreatedAt != nil {
		query += ` AND (m.created_at > ? OR (m.created_at = ? AND m.id > ?))`
		args = append(args, formatTime(*afterState.CursorCreatedAt), formatTime(*afterState.CursorCreatedAt), afterState.CursorID)
	}

	var n int
	if err := b.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("embedbackfill: count missing: %w", err)
	}
	return n, nil
}

func appendScopeFilter(query string, args []any, scope Scope) (string, []any) {
	if scope.ProjectID != "" {
		query += ` AND m.project_id = ?`
		args = append(args, scope.ProjectID)
	}
	if scope.UserID != "" {
		query += ` AND m.user_id = ?`
		args = append(args, scope.UserID)
	}
	return query, args
}

func (b *Backfiller) ensureRow(ctx context.Context, scope Scope) error {
	now := formatTime(b.nowUTC())
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO memory_embedding_backfill_state (scope_key, model, project_id, user_id, status, updated_at)
		VALUES (?,?,?,?, 'idle', ?)
		ON CONFLICT(scope_key) DO NOTHING`,
		scope.Key(), scope.ModelID, nullableStr(scope.ProjectID), nullableStr(scope.UserID), now,
	)
	if err != nil {
		return fmt.Errorf("embedbackfill: ensure row: %w", err)
	}
	return nil
}

func (b *Backfiller) loadState(ctx context.Context, scope Scope) (*State, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT scope_key, model, COALESCE(project_id,''), COALESCE(user_id,''), status,
			cursor_created_at, COALESCE(cursor_id,''), scanned_count, enqueued_count, estimated_total,
			batch_limit, throttle_ms, started_at, last_run_at, completed_at, COALESCE(last_error,''), updated_at
		FROM memory_embedding_backfill_state WHERE scope_key = ?`, scope.Key())

	var (
		scopeKey, model, projectID, userID, status, cursorID, lastError string
		cursorCreatedAt, startedAt, lastRunAt, completedAt               sql.NullString
		scanned, enqueuedCount, estimatedTotal, batchLimit, throttleMs   int
		updatedAt                                                       string
	)
	err := row.Scan(&scopeKey, &model, &projectID, &userID, &status, &cursorCreatedAt, &cursorID,
		&scanned, &enqueuedCount, &estimatedTotal, &batchLimit, &throttleMs, &startedAt, &lastRunAt,
		&completedAt, &lastError, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("embedbackfill: load state: %w", err)
	}

	s := &State{
		ScopeKey:       scopeKey,
		Scope:          Scope{ModelID: model, ProjectID: projectID, UserID: userID},
		Status:         Status(status),
		CursorID:       cursorID,
		ScannedCount:   scanned,
		EnqueuedCount:  enqueuedCount,
		EstimatedTotal: estimatedTotal,
		BatchLimit:     batchLimit,
		ThrottleMs:     throttleMs,
		LastError:      lastError,
	}
	s.CursorCreatedAt = parseTimePtr(cursorCreatedAt)
	s.StartedAt = parseTimePtr(startedAt)
	s.LastRunAt = parseTimePtr(lastRunAt)
	s.CompletedAt = parseTimePtr(completedAt)
	s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("embedbackfill: parse updated_at: %w", err)
	}
	return s, nil
}

func (b *Backfiller) saveState(ctx context.Context, s *State) error {
	now := formatTime(b.nowUTC())
	_, err := b.db.ExecContext(ctx, `
		UPDATE memory_embedding_backfill_state SET
			status = ?, cursor_created_at = ?, cursor_id = ?, scanned_count = ?, enqueued_count = ?,
			estimated_total = ?, batch_limit = ?, throttle_ms = ?, started_at = ?, last_run_at = ?,
			completed_at = ?, last_error = ?, updated_at = ?
		WHERE scope_key = ?`,
		string(s.Status), formatTimePtr(s.CursorCreatedAt), nullableStr(s.CursorID), s.ScannedCount, s.EnqueuedCount,
		s.EstimatedTotal, s.BatchLimit, s.ThrottleMs, formatTimePtr(s.StartedAt), formatTimePtr(s.LastRunAt),
		formatTimePtr(s.CompletedAt), nullableStr(s.LastError), now, s.ScopeKey,
	)
	if err != nil {
		return fmt.Errorf("embedbackfill: save state: %w", err)
	}
	return nil
}

func (b *Backfiller) recordMetric(ctx context.Context, scope Scope, status Status, scanned, enqueued int, duration time.Duration, errMsg string) error {
	id, err := newID()
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO memory_embedding_backfill_metrics (id, scope_key, status, scanned, enqueued, duration_ms, error_message, recorded_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		id, scope.Key(), string(status), scanned, enqueued, duration.Milliseconds(), nullableStr(errMsg), formatTime(b.nowUTC()),
	)
	if err != nil {
		return fmt.Errorf("embedbackfill: record metric: %w", err)
	}
	return nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

func newID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("embedbackfill: generate id: %w", err)
	}
	out := make([]byte, 16)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}
