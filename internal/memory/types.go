// Package memory implements the Memory Store Engine (C2) and the
// Consolidation Engine (C8): typed, layered, soft-deleted, scoped
// storage of memories atop a relational+FTS backend.
package memory

import "time"

// Type is the semantic kind of a memory.
type Type string

const (
	TypeRule     Type = "rule"
	TypeDecision Type = "decision"
	TypeFact     Type = "fact"
	TypeNote     Type = "note"
	TypeSkill    Type = "skill"
)

// IsValid reports whether t is one of the five types spec.md §4.1 names.
func (t Type) IsValid() bool {
	switch t {
	case TypeRule, TypeDecision, TypeFact, TypeNote, TypeSkill:
		return true
	}
	return false
}

// Layer controls a memory's eligibility window and TTL.
type Layer string

const (
	LayerRule      Layer = "rule"
	LayerWorking   Layer = "working"
	LayerLongTerm  Layer = "long_term"
)

// IsValid reports whether l is one of the three layers spec.md §4.1 names.
func (l Layer) IsValid() bool {
	switch l {
	case LayerRule, LayerWorking, LayerLongTerm:
		return true
	}
	return false
}

// Scope is either tenant-wide (global) or scoped to a single project.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeProject Scope = "project"
)

// Memory is the central record (spec.md §3).
type Memory struct {
	ID              string         `json:"id"`
	UserID          *string        `json:"user_id,omitempty"`
	Scope           Scope          `json:"scope"`
	ProjectID       *string        `json:"project_id,omitempty"`
	Type            Type           `json:"type"`
	Layer           Layer          `json:"layer"`
	Content         string         `json:"content"`
	Tags            []string       `json:"tags"`
	Paths           []string       `json:"paths"`
	Category        *string        `json:"category,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	SourceSessionID *string        `json:"source_session_id,omitempty"`
	Confidence      *float64       `json:"confidence,omitempty"`
	LastConfirmedAt *time.Time     `json:"last_confirmed_at,omitempty"`
	UpsertKey       *string        `json:"upsert_key,omitempty"`
	SupersededBy    *string        `json:"superseded_by,omitempty"`
	SupersededAt    *time.Time     `json:"superseded_at,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty"`
}

// History is an append-only prior version of a Memory (C2 History invariant).
type History struct {
	ID         string         `json:"id"`
	MemoryID   string         `json:"memory_id"`
	ChangeType string         `json:"change_type"`
	Content    string         `json:"content"`
	Tags       []string       `json:"tags"`
	Paths      []string       `json:"paths"`
	Category   *string        `json:"category,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Layer      Layer          `json:"memory_layer,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Link is a directional relation between two memories (C8).
type Link struct {
	ID           string    `json:"id"`
	FromMemoryID string    `json:"from_memory_id"`
	ToMemoryID   string    `json:"to_memory_id"`
	Relation     string    `json:"relation"` // "supersedes" | "contradicts"
	CreatedAt    time.Time `json:"created_at"`
}

const (
	RelationSupersedes = "supersedes"
	RelationContradicts = "contradicts"
)

// AddOptions carries every optional field Add accepts.
type AddOptions struct {
	UserID          string
	Scope           Scope
	ProjectID       string
	Type            Type
	Layer           Layer
	Tags            []string
	Paths           []string
	Category        string
	Metadata        map[string]any
	UpsertKey       string
	SourceSessionID string
	Confidence      *float64
	LastConfirmedAt *time.Time
	ExpiresAt       *time.Time // override; normally derived from Layer
}

// UpdateRequest models a PATCH-style partial update. Every field is a
// pointer so "absent" (nil) is distinguishable from "set to empty/null"
// (non-nil pointing at a zero value), per spec.md §9's design note on
// preserving that distinction rather than collapsing to one nullable.
type UpdateRequest struct {
	Content         *string
	Tags            *[]string
	Paths           *[]string
	Type            *Type
	Layer           *Layer
	Category        *string
	Metadata        *map[string]any
	UpsertKey       *string
	SourceSessionID *string
	Confidence      *float64
	LastConfirmedAt *time.Time
	ExpiresAt       *time.Time

	// SkipHistory suppresses the pre-mutation History row, for callers
	// that have already recorded one. Consolidation does not go through
	// Update; it records its own history in supersede.
	SkipHistory bool

	// UserID, when non-empty, scopes the update to rows owned by this
	// user (or shared rows); used by the MCP edit_memory tool for
	// per-user isolation (scenario C in spec.md §8).
	UserID string
}

// ListOptions carries the filter stack shared by List/Search/GetRules.
type ListOptions struct {
	UserID     string
	Scope      Scope // "" = no scope restriction
	ProjectID  string
	GlobalOnly bool
	Types      []Type
	Layers     []Layer
	Tags       []string
	Limit      int
}

// SearchOptions extends ListOptions with the free-text query.
type SearchOptions struct {
	ListOptions
}

// ForgetFilter selects memories for FindToForget / bulk forget preview.
type ForgetFilter struct {
	All           bool
	Types         []Type
	Tags          []string
	OlderThanDays int
	Pattern       string
	ProjectID     string
	UserID        string
}

// ForgetPreview is the result of FindToForget: either an exact id list,
// or (when over 1000 candidates matched) a MoreThanLimit flag per
// spec.md §9's "LIMIT 1001" design decision.
type ForgetPreview struct {
	IDs          []string
	MoreThanLimit bool
}

// Limit defaults and ceilings (spec.md §4.2 "Limit clamping").
const (
	DefaultListLimit    = 50
	MaxListLimit        = 100
	DefaultSearchLimit  = 20
	MaxSearchLimit      = 50
	DefaultContextLimit = 10
	MaxContextWorking   = 3
	MaxContextLongTerm  = 50

	BulkForgetBatchSize  = 500
	ForgetPreviewLimit   = 1001
	ForgetPreviewMoreMin = 1001
)

func clampLimit(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}
