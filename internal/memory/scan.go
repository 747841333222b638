package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const selectMemoryColumns = `SELECT
	id, user_id, scope, project_id, type, memory_layer, content, tags, paths,
	category, metadata, upsert_key, source_session_id, confidence,
	last_confirmed_at, superseded_by, superseded_at, expires_at,
	created_at, updated_at, deleted_at`

// qualifiedSelectMemoryColumns prefixes every column with "memories." so
// the select is unambiguous when joined against memories_fts, which also
// has a column named "content".
const qualifiedSelectMemoryColumns = `SELECT
	memories.id, memories.user_id, memories.scope, memories.project_id, memories.type,
	memories.memory_layer, memories.content, memories.tags, memories.paths,
	memories.category, memories.metadata, memories.upsert_key, memories.source_session_id,
	memories.confidence, memories.last_confirmed_at, memories.superseded_by,
	memories.superseded_at, memories.expires_at, memories.created_at, memories.updated_at,
	memories.deleted_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var (
		id, scope, typ, content, tags, paths, metadata                        string
		userID, projectID, layer, category, upsertKey, sourceSessionID        sql.NullString
		supersededBy                                                          sql.NullString
		confidence                                                            sql.NullFloat64
		lastConfirmedAt, supersededAt, expiresAt, deletedAt                   sql.NullString
		createdAt, updatedAt                                                  string
	)

	err := row.Scan(
		&id, &userID, &scope, &projectID, &typ, &layer, &content, &tags, &paths,
		&category, &metadata, &upsertKey, &sourceSessionID, &confidence,
		&lastConfirmedAt, &supersededBy, &supersededAt, &expiresAt,
		&createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	m := &Memory{
		ID:      id,
		Scope:   Scope(scope),
		Type:    Type(typ),
		Layer:   Layer(layer.String),
		Content: content,
		Tags:    splitTags(tags),
		Paths:   splitTags(paths),
	}
	if userID.Valid {
		v := userID.String
		m.UserID = &v
	}
	if projectID.Valid {
		v := projectID.String
		m.ProjectID = &v
	}
	if category.Valid {
		v := category.String
		m.Category = &v
	}
	if upsertKey.Valid {
		v := upsertKey.String
		m.UpsertKey = &v
	}
	if sourceSessionID.Valid {
		v := sourceSessionID.String
		m.SourceSessionID = &v
	}
	if supersededBy.Valid {
		v := supersededBy.String
		m.SupersededBy = &v
	}
	if confidence.Valid {
		v := confidence.Float64
		m.Confidence = &v
	}

	if metadata != "" {
		meta := map[string]any{}
		if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
			return nil, fmt.Errorf("memory: unmarshal metadata: %w", err)
		}
		if len(meta) > 0 {
			m.Metadata = meta
		}
	}

	m.LastConfirmedAt, err = parseTimePtr(lastConfirmedAt)
	if err != nil {
		return nil, err
	}
	m.SupersededAt, err = parseTimePtr(supersededAt)
	if err != nil {
		return nil, err
	}
	m.ExpiresAt, err = parseTimePtr(expiresAt)
	if err != nil {
		return nil, err
	}
	m.DeletedAt, err = parseTimePtr(deletedAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	m.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
