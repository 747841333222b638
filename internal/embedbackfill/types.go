// Package embedbackfill implements the Embedding Backfill (C5): a
// checkpointed, pausable batch scan over memories missing an embedding
// for a given scope, grounded on the teacher's PGSessionStore pagination
// shape (internal/store/pg/sessions.go ListPaged) generalized from an
// offset cursor to a strictly-monotonic (created_at, id) checkpoint.
package embedbackfill

import (
	"context"
	"fmt"
	"time"
)

// Status is one of the four states a backfill scope moves through.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Scope identifies one backfill target: a model applied over an optional
// project/user slice of memories. Key formats it per spec.md §4.5:
// "${modelId}|${projectId??'*'}|${userId??'*'}".
type Scope struct {
	ModelID   string
	ProjectID string
	UserID    string
}

func (s Scope) Key() string {
	project := s.ProjectID
	if project == "" {
		project = "*"
	}
	user := s.UserID
	if user == "" {
		user = "*"
	}
	return fmt.Sprintf("%s|%s|%s", s.ModelID, project, user)
}

// State mirrors a memory_embedding_backfill_state row.
type State struct {
	ScopeKey          string
	Scope             Scope
	Status            Status
	CursorCreatedAt    *time.Time
	CursorID          string
	ScannedCount      int
	EnqueuedCount     int
	EstimatedTotal    int
	BatchLimit        int
	ThrottleMs        int
	StartedAt         *time.Time
	LastRunAt         *time.Time
	CompletedAt       *time.Time
	LastError         string
	UpdatedAt         time.Time
}

// EstimatedRemaining mirrors estimatedTotal/remaining from spec.md §3;
// remaining is recomputed on every RunBatch from a live COUNT, so this
// simply reports the last value persisted.
func (s *State) EstimatedRemaining() int {
	remaining := s.EstimatedTotal - s.ScannedCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BatchResult is the {status, batch{scanned,enqueued,durationMs}} shape
// RunBatch returns per spec.md §4.5.
type BatchResult struct {
	Status     Status
	Scanned    int
	Enqueued   int
	DurationMs int64
	EtaSeconds int64
}

// Enqueuer is the subset of embedqueue.Queue the backfill scanner needs.
type Enqueuer interface {
	EnqueueWithResult(ctx context.Context, memoryID, content, modelID, operation, modelVersion string, maxAttempts int) (jobID string, skipped bool, err error)
}

// Trigger is invoked fire-and-forget after a batch enqueues at least one
// job, so a worker drains the queue without the caller waiting on it.
type Trigger func()
