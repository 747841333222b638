// Package session implements the Session & Compaction Machine (C7):
// per-agent sessions with an append-only event log, write-ahead
// compaction checkpoints, snapshot artifacts, and an inactivity-driven
// compaction worker. Modeled on the teacher's internal/sessions.Manager
// (internal/sessions/manager.go), adapted from an in-memory map keyed by
// a composite SessionKey to a SQL-backed event log.
package session

import (
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/memory"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompacted Status = "compacted"
	StatusClosed    Status = "closed"
)

// Role is who produced a session event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// EventKind discriminates what a session event represents.
type EventKind string

const (
	EventKindMessage    EventKind = "message"
	EventKindCheckpoint EventKind = "checkpoint"
	EventKindSummary    EventKind = "summary"
	EventKindEvent      EventKind = "event"
)

// SourceTrigger is why a snapshot was captured.
type SourceTrigger string

const (
	TriggerNewSession     SourceTrigger = "new_session"
	TriggerReset          SourceTrigger = "reset"
	TriggerManual         SourceTrigger = "manual"
	TriggerAutoCompaction SourceTrigger = "auto_compaction"
)

// CompactionTrigger is why a write-ahead compaction checkpoint fired.
type CompactionTrigger string

const (
	CompactionCount    CompactionTrigger = "count"
	CompactionTime     CompactionTrigger = "time"
	CompactionSemantic CompactionTrigger = "semantic"
)

// Session is the MemorySession record (spec.md §4.4).
type Session struct {
	ID             string
	Scope          memory.Scope
	ProjectID      *string
	UserID         *string
	Client         *string
	Status         Status
	Title          *string
	StartedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
	Metadata       map[string]any
}

// Event is the MemorySessionEvent record: an append-only log entry.
type Event struct {
	ID           string
	SessionID    string
	Seq          int64
	Role         Role
	Kind         EventKind
	Content      string
	TokenCount   *int
	TurnIndex    *int
	IsMeaningful bool
	CreatedAt    time.Time
}

// Snapshot is the MemorySessionSnapshot record: a durable transcript artifact.
type Snapshot struct {
	ID            string
	SessionID     string
	Slug          string
	SourceTrigger SourceTrigger
	TranscriptMD  string
	MessageCount  int
	CreatedAt     time.Time
}

// CompactionEvent is the MemoryCompactionEvent record.
type CompactionEvent struct {
	ID                 string
	SessionID          string
	TriggerType        CompactionTrigger
	Reason             string
	TokenCountBefore   *int
	TurnCountBefore    *int
	SummaryTokens      *int
	CheckpointMemoryID *string
	CreatedAt          time.Time
}

// StartOptions configures StartSession.
type StartOptions struct {
	Global           bool
	ProjectID        *string
	UserID           *string
	Client           *string
	Title            *string
	Metadata         map[string]any
	BootstrapContent string // optional external OpenClaw bootstrap text
}

// CheckpointOptions configures Checkpoint.
type CheckpointOptions struct {
	Role         Role
	Kind         EventKind
	TokenCount   *int
	TurnIndex    *int
	IsMeaningful *bool
}

// ListEventsOptions configures ListEvents.
type ListEventsOptions struct {
	Limit          int
	MeaningfulOnly bool
}

// SnapshotOptions configures CreateSnapshot.
type SnapshotOptions struct {
	Slug          string
	SourceTrigger SourceTrigger
	TranscriptMD  string
	MessageCount  int
}

// EndOptions configures EndSession.
type EndOptions struct {
	Status Status // defaults to StatusClosed
}

// StatusSummary is the result of Status(sessionID).
type StatusSummary struct {
	EventCount         int
	CheckpointCount    int
	SnapshotCount      int
	LatestEventAt      *time.Time
	LatestCheckpointAt *time.Time
	LatestSnapshotAt   *time.Time
}

// CompactionOptions configures WriteAheadCompactionCheckpoint. Rules and
// Memories seed the checkpoint content and the token estimate via
// retrieval.EstimateContextTokens, capped at 5 rules / 8 memories per
// spec.md §4.7; CheckpointContent, when non-empty, is used verbatim
// instead (the inactivity worker's "synthetic checkpoint_content" path).
type CompactionOptions struct {
	Rules             []*memory.Memory
	Memories          []*memory.Memory
	CheckpointContent string
	TriggerType       CompactionTrigger
	Reason            string
	TurnCountBefore   int
	TokenCountBefore  *int
}

// CompactionResult is the result of WriteAheadCompactionCheckpoint.
type CompactionResult struct {
	CheckpointEvent      *Event
	CompactionEvent      *CompactionEvent
	TokenCountBefore     int
	OpenClawDailyLogPath string
}

// WorkerResult is the result of RunInactivityCompactionWorker.
type WorkerResult struct {
	InactivityMinutes int
	Scanned           int
	Checkpointed      int
	Compacted         int
	Failures          []string
}

// WorkerOptions configures RunInactivityCompactionWorker. Zero values fall
// back to spec.md §4.7's defaults (60 minutes, 25 sessions, 8 events).
type WorkerOptions struct {
	InactivityMinutes int
	Limit             int
	EventWindow       int
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.InactivityMinutes <= 0 {
		o.InactivityMinutes = 60
	}
	if o.Limit <= 0 {
		o.Limit = 25
	}
	if o.EventWindow <= 0 {
		o.EventWindow = 8
	}
	return o
}
