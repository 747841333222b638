package embedobserve

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Aggregator builds Snapshots (C6) over the embedding subsystem's tables.
type Aggregator struct {
	db    *sql.DB
	usage UsageLoader
	now   func() time.Time
}

// New builds an Aggregator. usage may be nil, in which case the cost
// section reports Available=false.
func New(db *sql.DB, usage UsageLoader) *Aggregator {
	return &Aggregator{db: db, usage: usage, now: time.Now}
}

// Snapshot assembles the full observability response: five independent
// windowed queries run concurrently (grounded on the teacher's
// errgroup.WithContext fan-out for friends/groups fetches), then the
// fixed-SLO alarm table is evaluated against the results.
func (a *Aggregator) Snapshot(ctx context.Context, req SnapshotRequest) (*Snapshot, error) {
	now := req.Now
	if now.IsZero() {
		now = a.now().UTC()
	}
	windowStart := now.Add(-req.window())

	var (
		queue     QueueSection
		worker    WorkerSection
		backfill  BackfillSection
		retrieval RetrievalSection
		cost      CostSection
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := a.queueSection(gctx, now)
		if err != nil {
			return err
		}
		queue = q
		return nil
	})
	g.Go(func() error {
		w, err := a.workerSection(gctx, req, windowStart)
		if err != nil {
			return err
		}
		worker = w
		return nil
	})
	g.Go(func() error {
		b, err := a.backfillSection(gctx, req, windowStart)
		if err != nil {
			return err
		}
		backfill = b
		return nil
	})
	g.Go(func() error {
		r, err := a.retrievalSection(gctx, req, windowStart)
		if err != nil {
			return err
		}
		retrieval = r
		return nil
	})
	g.Go(func() error {
		cost = a.costSection(gctx, req)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("embedobserve: snapshot: %w", err)
	}

	snap := &Snapshot{Queue: queue, Worker: worker, Backfill: backfill, Retrieval: retrieval, Cost: cost}
	snap.Alarms = evaluateAlarms(snap)
	snap.Health = overallHealth(snap.Alarms)
	return snap, nil
}

func (a *Aggregator) queueSection(ctx context.Context, now time.Time) (QueueSection, error) {
	var q QueueSection

	rows, err := a.db.QueryContext(ctx, `SELECT status, count(*) FROM memory_embedding_jobs GROUP BY status`)
	if err != nil {
		return q, fmt.Errorf("queue counts: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return q, err
		}
		switch status {
		case "queued":
			q.QueuedCount = count
		case "processing":
			q.ProcessingCount = count
		case "succeeded":
			q.SucceededCount = count
		case "dead_letter":
			q.DeadLetterCount = count
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return q, err
	}
	rows.Close()

	// processingTimeout is a fixed 5m default here; the queue itself owns
	// the configurable value used when actually requeuing stale rows.
	staleCutoff := now.Add(-5 * time.Minute).UTC().Format(time.RFC3339Nano)
	if err := a.db.QueryRowContext(ctx, `SELECT count(*) FROM memory_embedding_jobs WHERE status = 'processing' AND claimed_at <= ?`, staleCutoff).Scan(&q.StaleProcessingCount); err != nil {
		return q, fmt.Errorf("stale processing: %w", err)
	}

	var oldestDue sql.NullString
	if err := a.db.QueryRowContext(ctx, `SELECT MIN(next_attempt_at) FROM memory_embedding_jobs WHERE status = 'queued'`).Scan(&oldestDue); err != nil {
		return q, fmt.Errorf("oldest due: %w", err)
	}
	if oldestDue.Valid {
		t, err := time.Parse(time.RFC3339Nano, oldestDue.String)
		if err == nil {
			q.OldestDueAt = &t
			lag := now.Sub(t).Milliseconds()
			if lag < 0 {
				lag = 0
			}
			q.QueueLagMs = lag
		}
	}

	var oldestClaimed sql.NullString
	if err := a.db.QueryRowContext(ctx, `SELECT MIN(claimed_at) FROM memory_embedding_jobs WHERE status = 'processing'`).Scan(&oldestClaimed); err != nil {
		return q, fmt.Errorf("oldest claimed: %w", err)
	}
	if oldestClaimed.Valid {
		t, err := time.Parse(time.RFC3339Nano, oldestClaimed.String)
		if err == nil {
			q.OldestClaimedAt = &t
		}
	}

	return q, nil
}

func (a *Aggregator) workerSection(ctx context.Context, req SnapshotRequest, windowStart time.Time) (WorkerSection, error) {
	var w WorkerSection

	rows, err := a.db.QueryContext(ctx, `
		SELECT outcome, duration_ms, COALESCE(error_code, '')
		FROM memory_embedding_job_metrics
		WHERE recorded_at >= ?`, formatTime(windowStart))
	if err != nil {
		return w, fmt.Errorf("worker metrics: %w", err)
	}
	defer rows.Close()

	var durations []float64
	errorCounts := map[string]int{}
	for rows.Next() {
		var outcome, errCode string
		var durationMs int64
		if err := rows.Scan(&outcome, &durationMs, &errCode); err != nil {
			return w, err
		}
		w.Attempts++
		durations = append(durations, float64(durationMs))
		switch outcome {
		case "success":
			w.Successes++
		case "retry":
			w.Retries++
		case "dead_letter":
			w.DeadLetters++
		case "skipped":
			w.Skipped++
		}
		if errCode != "" {
			errorCounts[errCode]++
		}
	}
	if err := rows.Err(); err != nil {
		return w, err
	}

	if w.Attempts > 0 {
		w.FailureRate = float64(w.DeadLetters) / float64(w.Attempts)
		w.RetryRate = float64(w.Retries) / float64(w.Attempts)
	}
	w.P50DurationMs = p50(durations)
	w.P95DurationMs = p95(durations)
	w.TopErrorCodes = topN(errorCounts, 5)

	return w, nil
}

func (a *Aggregator) backfillSection(ctx context.Context, req SnapshotRequest, windowStart time.Time) (BackfillSection, error) {
	var b BackfillSection

	row := a.db.QueryRowContext(ctx, `
		SELECT count(*), SUM(CASE WHEN error_message IS NOT NULL THEN 1 ELSE 0 END)
		FROM memory_embedding_backfill_metrics WHERE recorded_at >= ?`, formatTime(windowStart))
	var errorRuns sql.NullInt64
	if err := row.Scan(&b.Runs, &errorRuns); err != nil {
		return b, fmt.Errorf("backfill metrics: %w", err)
	}
	b.ErrorRuns = int(errorRuns.Int64)

	rows, err := a.db.QueryContext(ctx, `SELECT status, count(*) FROM memory_embedding_backfill_state GROUP BY status`)
	if err != nil {
		return b, fmt.Errorf("backfill scopes: %w", err)
	}
	defer rows.Close()
	b.ScopesByState = map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return b, err
		}
		b.ScopesByState[status] = count
	}
	return b, rows.Err()
}

func (a *Aggregator) retrievalSection(ctx context.Context, req SnapshotRequest, windowStart time.Time) (RetrievalSection, error) {
	var r RetrievalSection

	query := `SELECT duration_ms, fell_back, COALESCE(fallback_reason, '') FROM graph_rollout_metrics WHERE recorded_at >= ?`
	args := []any{formatTime(windowStart)}
	if req.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, req.ProjectID)
	}
	if req.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, req.UserID)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return r, fmt.Errorf("retrieval metrics: %w", err)
	}
	defer rows.Close()

	var durations []float64
	for rows.Next() {
		var durationMs int64
		var fellBack int
		var reason string
		if err := rows.Scan(&durationMs, &fellBack, &reason); err != nil {
			return r, err
		}
		r.HybridRequested++
		durations = append(durations, float64(durationMs))
		if fellBack != 0 {
			r.FallbackCount++
			r.LastFallbackReason = reason
		}
	}
	if err := rows.Err(); err != nil {
		return r, err
	}

	if r.HybridRequested > 0 {
		r.FallbackRate = float64(r.FallbackCount) / float64(r.HybridRequested)
	}
	r.P50DurationMs = p50(durations)
	r.P95DurationMs = p95(durations)
	return r, nil
}

func (a *Aggregator) costSection(ctx context.Context, req SnapshotRequest) CostSection {
	if a.usage == nil {
		return CostSection{Available: false}
	}
	summary, err := a.usage.LoadUsageSummary(ctx, req.OwnerUserID, req.UsageMonth)
	if err != nil {
		return CostSection{Available: false}
	}
	return CostSection{Available: true, Summary: summary}
}

func topN(counts map[string]int, n int) []ErrorCodeCount {
	out := make([]ErrorCodeCount, 0, len(counts))
	for code, count := range counts {
		out = append(out, ErrorCodeCount{Code: code, Count: count})
	}
	sortErrorCodeCounts(out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func sortErrorCodeCounts(out []ErrorCodeCount) {
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Count > out[j-1].Count; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
