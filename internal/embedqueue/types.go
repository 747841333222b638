// Package embedqueue implements the Embedding Queue (C4): a durable,
// at-least-once job queue over memory_embedding_jobs with conditional-UPDATE
// claiming, exponential backoff, and dead-lettering, grounded on the
// teacher's reconnect loop (internal/mcp/manager_connect.go tryReconnect)
// generalized from "reconnect a client" to "retry a queued job".
package embedqueue

import "time"

// Status is one of the four states a job moves through.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusDeadLetter Status = "dead_letter"
)

// Outcome labels a terminal metrics row.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeadLetter Outcome = "dead_letter"
	OutcomeSkipped    Outcome = "skipped"
)

// Job mirrors a memory_embedding_jobs row.
type Job struct {
	ID             string
	MemoryID       string
	Model          string
	Kind           string
	Status         Status
	Attempts       int
	MaxAttempts    int
	NextAttemptAt  time.Time
	LastError      string
	ClaimedBy      string
	ClaimedAt      *time.Time
	DeadLetterReason string
	DeadLetterAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Config carries the tunables from config.EmbeddingConfig (§6 env/config
// surface); the queue package takes plain values rather than importing
// internal/config, so it stays usable from tests without a config fixture.
type Config struct {
	GatewayBaseURL      string
	GatewayAPIKey       string
	DefaultMaxAttempts  int
	RetryBase           time.Duration
	RetryMax            time.Duration
	ProcessingTimeout   time.Duration
	WorkerBatchSize     int
}

// DefaultConfig mirrors config.Default().Embedding.
func DefaultConfig() Config {
	return Config{
		DefaultMaxAttempts: 5,
		RetryBase:          500 * time.Millisecond,
		RetryMax:           60 * time.Second,
		ProcessingTimeout:  5 * time.Minute,
		WorkerBatchSize:    10,
	}
}

// ProcessResult summarizes one ProcessDueJobs call, per spec.md's
// "background loops absorb per-item failures into an aggregate result"
// propagation policy (§6).
type ProcessResult struct {
	Claimed    int
	Succeeded  int
	Retried    int
	DeadLetter int
	Skipped    int
	Requeued   int // stale processing rows reset to queued
	Failures   []string
}
