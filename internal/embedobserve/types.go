// Package embedobserve implements Embedding Observability (C6): a
// windowed snapshot aggregator over the queue/worker/backfill/retrieval
// tables plus a fixed-SLO alarm evaluator, grounded on the teacher's
// errgroup-based parallel-fetch idiom (internal/channels/zalo/personal/
// zalomethods/contacts.go fetches friends and groups concurrently) here
// generalized to five independent windowed queries.
package embedobserve

import (
	"context"
	"time"
)

// Health is the overall classification: any critical alarm wins, then
// any warning, else healthy.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// Severity is one alarm's evaluated state.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityNoData   Severity = "no_data"
)

// SnapshotRequest is the input to Snapshot.
type SnapshotRequest struct {
	OwnerUserID string
	TenantID    string
	ProjectID   string
	UserID      string
	ModelID     string
	Now         time.Time
	WindowHours int
	UsageMonth  string
}

func (r SnapshotRequest) window() time.Duration {
	hours := r.WindowHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// QueueSection reports the live state of memory_embedding_jobs.
type QueueSection struct {
	QueuedCount        int
	ProcessingCount     int
	SucceededCount     int
	DeadLetterCount    int
	StaleProcessingCount int
	OldestDueAt        *time.Time
	OldestClaimedAt    *time.Time
	QueueLagMs         int64
}

// WorkerSection reports aggregate outcomes from memory_embedding_job_metrics
// within the window.
type WorkerSection struct {
	Attempts       int
	Successes      int
	Retries        int
	DeadLetters    int
	Skipped        int
	FailureRate    float64
	RetryRate      float64
	P50DurationMs  float64
	P95DurationMs  float64
	TopErrorCodes  []ErrorCodeCount
}

type ErrorCodeCount struct {
	Code  string
	Count int
}

// BackfillSection reports totals from memory_embedding_backfill_metrics
// and the live state of memory_embedding_backfill_state.
type BackfillSection struct {
	Runs          int
	ErrorRuns     int
	ScopesByState map[string]int
}

// RetrievalSection reports totals from graph_rollout_metrics.
type RetrievalSection struct {
	HybridRequested int
	FallbackCount   int
	FallbackRate    float64
	P50DurationMs   float64
	P95DurationMs   float64
	LastFallbackReason string
}

// CostSection delegates to an external usage loader; summary-only per
// spec.md §4.6.
type CostSection struct {
	Available bool
	Summary   string
}

// UsageLoader is the external cost-reporting collaborator; no pack
// example models this, so the interface is the seam and a concrete
// implementation is supplied by the caller (or omitted entirely).
type UsageLoader interface {
	LoadUsageSummary(ctx context.Context, ownerUserID, usageMonth string) (string, error)
}

// Alarm is one evaluated row from the fixed SLO table (spec.md §4.6).
type Alarm struct {
	Code      string
	Metric    string
	Value     float64
	Severity  Severity
	Samples   int
	MinSamples int
}

// Snapshot is the full Snapshot(...) response.
type Snapshot struct {
	Queue     QueueSection
	Worker    WorkerSection
	Backfill  BackfillSection
	Retrieval RetrievalSection
	Cost      CostSection
	Alarms    []Alarm
	Health    Health
}
