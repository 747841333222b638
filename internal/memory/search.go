package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/dbx"
)

// List returns Active memories matching the filter stack, newest first
// within (type, scope) grouping (spec.md §4.2 List default order).
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Memory, error) {
	clauses := s.listClauses(opts)
	clauseSQL, args := dbx.Where(clauses...)
	limit := clampLimit(opts.Limit, DefaultListLimit, MaxListLimit)

	query := fmt.Sprintf("%s FROM memories %s ORDER BY type ASC, scope ASC, created_at DESC LIMIT %d",
		selectMemoryColumns, clauseSQL, limit)
	return s.queryMemories(ctx, query, args...)
}

// GetRules returns Active rule-type memories, global scope first, then
// project scope. The layer filter is intentionally ignored.
func (s *Store) GetRules(ctx context.Context, opts ListOptions) ([]*Memory, error) {
	clauses := []dbx.Clause{
		dbx.ActiveFilter(s.nowUTC()),
		dbx.UserScopeFilter(opts.UserID),
		{SQL: "type = ?", Args: []any{string(TypeRule)}},
	}
	if opts.ProjectID != "" && !opts.GlobalOnly {
		clauses = append(clauses, dbx.Clause{SQL: "(scope = 'global' OR project_id = ?)", Args: []any{opts.ProjectID}})
	} else {
		clauses = append(clauses, dbx.Clause{SQL: "scope = 'global'"})
	}
	clauseSQL, args := dbx.Where(clauses...)
	limit := clampLimit(opts.Limit, DefaultListLimit, MaxListLimit)

	query := fmt.Sprintf("%s FROM memories %s ORDER BY scope ASC, created_at DESC LIMIT %d",
		selectMemoryColumns, clauseSQL, limit)
	return s.queryMemories(ctx, query, args...)
}

// Search runs the lexical retrieval path: FTS5 MATCH with bm25 ranking,
// falling back to a LIKE scan on any FTS error (spec.md §9 "FTS fallback"
// design note; query shape grounded on beeper-ai-bridge's BuildFtsQuery).
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]*Memory, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	limit := clampLimit(opts.Limit, DefaultSearchLimit, MaxSearchLimit)
	clauses := s.listClauses(opts.ListOptions)

	start := time.Now()
	results, err := s.searchFTS(ctx, query, clauses, limit)
	if err != nil {
		slog.Warn("memory.fts_fallback", "error", err)
		results, likeErr := s.searchLike(ctx, query, clauses, limit)
		s.retrievalMetrics.Record(ctx, time.Since(start).Milliseconds(), true, err.Error())
		return results, likeErr
	}
	s.retrievalMetrics.Record(ctx, time.Since(start).Milliseconds(), false, "")
	return results, nil
}

func (s *Store) searchFTS(ctx context.Context, query string, clauses []dbx.Clause, limit int) ([]*Memory, error) {
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	allClauses := append([]dbx.Clause{{SQL: "memories_fts MATCH ?", Args: []any{ftsQuery}}}, clauses...)
	clauseSQL, args := dbx.Where(allClauses...)

	sqlQuery := fmt.Sprintf(`%s FROM memories
		JOIN memories_fts ON memories_fts.rowid = memories.rowid
		%s
		ORDER BY bm25(memories_fts) LIMIT %d`,
		qualifiedSelectMemoryColumns, clauseSQL, limit)
	return s.queryMemories(ctx, sqlQuery, args...)
}

func (s *Store) searchLike(ctx context.Context, query string, clauses []dbx.Clause, limit int) ([]*Memory, error) {
	allClauses := append([]dbx.Clause{{SQL: "content LIKE ?", Args: []any{"%" + query + "%"}}}, clauses...)
	clauseSQL, args := dbx.Where(allClauses...)
	sqlQuery := fmt.Sprintf("%s FROM memories %s ORDER BY created_at DESC LIMIT %d", selectMemoryColumns, clauseSQL, limit)
	return s.queryMemories(ctx, sqlQuery, args...)
}

func buildFTSQuery(raw string) string {
	terms := strings.Fields(raw)
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, `"`, "")
		if term == "" {
			continue
		}
		parts = append(parts, `"`+term+`"*`)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " OR ")
}

func (s *Store) listClauses(opts ListOptions) []dbx.Clause {
	clauses := []dbx.Clause{
		dbx.ActiveFilter(s.nowUTC()),
		dbx.UserScopeFilter(opts.UserID),
	}
	if len(opts.Layers) > 0 {
		layers := make([]string, len(opts.Layers))
		for i, l := range opts.Layers {
			layers[i] = string(l)
		}
		clauses = append(clauses, dbx.LayerFilter(layers))
	}
	// Memories (as opposed to rules) never surface rule-type rows
	// through List/Search unless the caller explicitly asked for the
	// rule layer (GetRules bypasses this path entirely).
	if !containsLayer(opts.Layers, LayerRule) {
		clauses = append(clauses, dbx.Clause{SQL: "type != ?", Args: []any{string(TypeRule)}})
	}
	if len(opts.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opts.Types)), ",")
		args := make([]any, len(opts.Types))
		for i, t := range opts.Types {
			args[i] = string(t)
		}
		clauses = append(clauses, dbx.Clause{SQL: fmt.Sprintf("type IN (%s)", placeholders), Args: args})
	}
	if opts.GlobalOnly {
		clauses = append(clauses, dbx.Clause{SQL: "scope = 'global'"})
	} else if opts.ProjectID != "" {
		clauses = append(clauses, dbx.Clause{SQL: "(scope = 'global' OR project_id = ?)", Args: []any{opts.ProjectID}})
	}
	for _, tag := range opts.Tags {
		clauses = append(clauses, dbx.Clause{SQL: "tags LIKE ?", Args: []any{"%" + tag + "%"}})
	}
	return clauses
}

func containsLayer(layers []Layer, target Layer) bool {
	for _, l := range layers {
		if l == target {
			return true
		}
	}
	return false
}

func (s *Store) queryMemories(ctx context.Context, query string, args ...any) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func collectMemories(rows *sql.Rows) ([]*Memory, error) {
	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
