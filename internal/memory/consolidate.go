package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/dbx"
)

// ConsolidateOptions selects the candidate set for a consolidation run.
type ConsolidateOptions struct {
	ProjectID    string
	IncludeGlobal bool
	GlobalOnly   bool
	Types        []Type
	DryRun       bool
	Model        string
}

// ConsolidateResult summarizes a consolidation run (C8).
type ConsolidateResult struct {
	RunID         string
	SupersededIDs []string
	WinnerIDs     []string
}

// Consolidate groups active, non-superseded memories by
// (scope, project_id|"global", type, upsert_key) and collapses each
// group of size >=2 to a single winner, superseding the rest. Re-running
// with no new duplicates is a no-op (spec.md §4.8 idempotence).
func (s *Store) Consolidate(ctx context.Context, opts ConsolidateOptions) (*ConsolidateResult, error) {
	now := s.nowUTC()
	candidates, err := s.consolidationCandidates(ctx, opts)
	if err != nil {
		return nil, err
	}

	groups := map[string][]*Memory{}
	for _, m := range candidates {
		key, err := s.ensureUpsertKey(ctx, m, opts.DryRun)
		if err != nil {
			return nil, err
		}
		groupKey := strings.Join([]string{string(m.Scope), groupProjectKey(m.ProjectID), string(m.Type), key}, "\x1f")
		groups[groupKey] = append(groups[groupKey], m)
	}

	var superseded, winners []string
	supersededCount, conflictedCount := 0, 0

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if !group[i].UpdatedAt.Equal(group[j].UpdatedAt) {
				return group[i].UpdatedAt.After(group[j].UpdatedAt)
			}
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})
		winner := group[0]
		winners = append(winners, winner.ID)

		for _, loser := range group[1:] {
			superseded = append(superseded, loser.ID)
			if opts.DryRun {
				continue
			}
			if err := s.supersede(ctx, loser, winner, now); err != nil {
				return nil, err
			}
			supersededCount++
			if normalizeForCompare(loser.Content) != normalizeForCompare(winner.Content) {
				if err := s.writeLink(ctx, loser.ID, winner.ID, RelationContradicts, now); err != nil {
					return nil, err
				}
				conflictedCount++
			}
		}
	}

	runID, err := newID()
	if err != nil {
		return nil, err
	}
	mergedGroups := 0
	for _, group := range groups {
		if len(group) >= 2 {
			mergedGroups++
		}
	}

	if !opts.DryRun {
		if err := s.insertConsolidationRun(ctx, runID, opts, len(candidates), mergedGroups, supersededCount, conflictedCount, now); err != nil {
			return nil, err
		}
	}

	return &ConsolidateResult{RunID: runID, SupersededIDs: superseded, WinnerIDs: winners}, nil
}

func (s *Store) consolidationCandidates(ctx context.Context, opts ConsolidateOptions) ([]*Memory, error) {
	clauses := []dbx.Clause{
		dbx.ActiveFilter(s.nowUTC()),
		{SQL: "superseded_at IS NULL"},
	}
	if len(opts.Types) > 0 {
		placeholders := repeatPlaceholders(len(opts.Types))
		args := make([]any, len(opts.Types))
		for i, t := range opts.Types {
			args[i] = string(t)
		}
		clauses = append(clauses, dbx.Clause{SQL: fmt.Sprintf("type IN (%s)", placeholders), Args: args})
	}
	switch {
	case opts.GlobalOnly:
		clauses = append(clauses, dbx.Clause{SQL: "scope = 'global'"})
	case opts.ProjectID != "" && opts.IncludeGlobal:
		clauses = append(clauses, dbx.Clause{SQL: "(scope = 'global' OR project_id = ?)", Args: []any{opts.ProjectID}})
	case opts.ProjectID != "":
		clauses = append(clauses, dbx.Clause{SQL: "project_id = ?", Args: []any{opts.ProjectID}})
	}

	clauseSQL, args := dbx.Where(clauses...)
	query := fmt.Sprintf("%s FROM memories %s ORDER BY created_at ASC", selectMemoryColumns, clauseSQL)
	return s.queryMemories(ctx, query, args...)
}

func (s *Store) ensureUpsertKey(ctx context.Context, m *Memory, dryRun bool) (string, error) {
	if m.UpsertKey != nil && *m.UpsertKey != "" {
		return *m.UpsertKey, nil
	}
	key := deriveUpsertKey(m.Type, categoryValue(m.Category), m.Content)
	if key == "" {
		// Uncategorizable content still needs a stable group key so it
		// does not spuriously merge with unrelated memories.
		key = "uncategorized:" + m.ID
	}
	if !dryRun {
		_, err := s.db.ExecContext(ctx, `UPDATE memories SET upsert_key = ? WHERE id = ?`, key, m.ID)
		if err != nil {
			return "", fmt.Errorf("memory: persist derived upsert key: %w", err)
		}
	}
	m.UpsertKey = &key
	return key, nil
}

func (s *Store) supersede(ctx context.Context, loser, winner *Memory, now time.Time) error {
	if err := s.recordHistory(ctx, loser, "superseded", now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET superseded_by = ?, superseded_at = ?, upsert_key = ?, updated_at = ?
		WHERE id = ?`,
		winner.ID, formatTime(now), nullable(winner.UpsertKey), formatTime(now), loser.ID,
	)
	if err != nil {
		return fmt.Errorf("memory: supersede: %w", err)
	}
	return s.writeLink(ctx, loser.ID, winner.ID, RelationSupersedes, now)
}

func (s *Store) writeLink(ctx context.Context, fromID, toID, relation string, now time.Time) error {
	id, err := newID()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_links (id, from_memory_id, to_memory_id, relation, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT DO NOTHING`,
		id, fromID, toID, relation, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("memory: write link: %w", err)
	}
	return nil
}

func (s *Store) insertConsolidationRun(ctx context.Context, runID string, opts ConsolidateOptions, candidateCount, groupCount, supersededCount, conflictedCount int, now time.Time) error {
	var projectID any
	if opts.ProjectID != "" {
		projectID = opts.ProjectID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_consolidation_runs
			(id, scope, project_id, candidate_count, group_count, superseded_count, contradicted_count, dry_run, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		runID, scopeLabel(opts), projectID, candidateCount, groupCount, supersededCount, conflictedCount,
		boolToInt(opts.DryRun), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("memory: insert consolidation run: %w", err)
	}
	return nil
}

func scopeLabel(opts ConsolidateOptions) string {
	if opts.GlobalOnly {
		return string(ScopeGlobal)
	}
	if opts.ProjectID != "" {
		return string(ScopeProject)
	}
	return "mixed"
}

func groupProjectKey(projectID *string) string {
	if projectID == nil || *projectID == "" {
		return "global"
	}
	return *projectID
}

func categoryValue(category *string) string {
	if category == nil {
		return ""
	}
	return *category
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
