package memory

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/dbx"
)

// FindToForget previews the ids a bulk-forget request would delete,
// without mutating anything. Per spec.md §9's open-question resolution,
// when more than 1000 rows match it reports MoreThanLimit instead of an
// exact count/list (a LIMIT 1001 probe, never an unbounded COUNT(*)).
func (s *Store) FindToForget(ctx context.Context, filter ForgetFilter) (*ForgetPreview, error) {
	hasFilters := len(filter.Types) > 0 || len(filter.Tags) > 0 || filter.OlderThanDays > 0 ||
		filter.Pattern != "" || filter.ProjectID != ""

	if !filter.All && !hasFilters {
		return nil, apierr.BulkForgetNoFilters()
	}
	if filter.All && hasFilters {
		return nil, apierr.BulkForgetInvalidFilters()
	}

	clauses := []dbx.Clause{
		dbx.ActiveFilter(s.nowUTC()),
		dbx.UserScopeFilter(filter.UserID),
	}

	if len(filter.Types) > 0 {
		placeholders := repeatPlaceholders(len(filter.Types))
		args := make([]any, len(filter.Types))
		for i, t := range filter.Types {
			args[i] = string(t)
		}
		clauses = append(clauses, dbx.Clause{SQL: fmt.Sprintf("type IN (%s)", placeholders), Args: args})
	}
	for _, tag := range filter.Tags {
		clauses = append(clauses, dbx.Clause{SQL: "tags LIKE ?", Args: []any{"%" + tag + "%"}})
	}
	if filter.OlderThanDays > 0 {
		clauses = append(clauses, dbx.Clause{SQL: fmt.Sprintf("created_at < datetime('now', '-%d days')", filter.OlderThanDays)})
	}
	if filter.Pattern != "" {
		clauses = append(clauses, dbx.Clause{SQL: "content LIKE ? ESCAPE '\\'", Args: []any{globToLike(filter.Pattern)}})
	}
	if filter.ProjectID != "" {
		clauses = append(clauses, dbx.Clause{SQL: "scope = 'project' AND project_id = ?", Args: []any{filter.ProjectID}})
	}

	clauseSQL, args := dbx.Where(clauses...)
	query := fmt.Sprintf("SELECT id FROM memories %s LIMIT %d", clauseSQL, ForgetPreviewLimit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: find to forget: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("memory: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) >= ForgetPreviewMoreMin {
		return &ForgetPreview{MoreThanLimit: true}, nil
	}
	return &ForgetPreview{IDs: ids}, nil
}

func repeatPlaceholders(n int) string {
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
