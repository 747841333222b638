package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/dbx"
)

// EmbeddingEnqueuer is the fire-and-forget hook the embedding queue (C4)
// implements; Store never waits on it and never surfaces its errors
// (spec.md §4.2 "Embedding enqueue is fire-and-forget").
type EmbeddingEnqueuer interface {
	Enqueue(ctx context.Context, memoryID, content, modelID, operation string) error
}

// noopEnqueuer is used when a Store is constructed without a queue
// (e.g. in tests exercising only the store itself).
type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(context.Context, string, string, string, string) error { return nil }

// RetrievalMetricsRecorder is the observability hook (C6) Search reports
// every call to: duration, whether it fell back from FTS to LIKE, and
// why. Like EmbeddingEnqueuer this is fire-and-forget; a recorder failure
// is logged, never surfaced to the caller.
type RetrievalMetricsRecorder interface {
	Record(ctx context.Context, durationMs int64, fellBack bool, fallbackReason string)
}

type noopRetrievalMetrics struct{}

func (noopRetrievalMetrics) Record(context.Context, int64, bool, string) {}

// Store implements the Memory Store Engine (C2), grounded on the
// teacher's PGSessionStore CRUD shape (internal/store/pg/sessions.go)
// generalized from a single hot-cache table to the full memories
// surface, and on beeper-ai-bridge's FTS/bm25 query construction
// (pkg/memory/hybrid.go BuildFtsQuery) for the Search method.
type Store struct {
	db               *sql.DB
	embedder         EmbeddingEnqueuer
	retrievalMetrics RetrievalMetricsRecorder
	defaultModelID   string
	workingTTL       time.Duration
	now              func() time.Time
}

// NewStore opens/ensures the schema guard on db and returns a Store.
// embedder may be nil, in which case embedding enqueue is a no-op.
func NewStore(db *sql.DB, embedder EmbeddingEnqueuer, defaultModelID string, workingTTL time.Duration) (*Store, error) {
	if err := dbx.EnsureSchema(db); err != nil {
		return nil, err
	}
	if embedder == nil {
		embedder = noopEnqueuer{}
	}
	return &Store{
		db:               db,
		embedder:         embedder,
		retrievalMetrics: noopRetrievalMetrics{},
		defaultModelID:   defaultModelID,
		workingTTL:       workingTTL,
		now:              time.Now,
	}, nil
}

// SetRetrievalMetrics wires an observability recorder (C6) into Search.
// Left unset, Search simply doesn't record anything.
func (s *Store) SetRetrievalMetrics(r RetrievalMetricsRecorder) {
	if r == nil {
		r = noopRetrievalMetrics{}
	}
	s.retrievalMetrics = r
}

func (s *Store) nowUTC() time.Time { return s.now().UTC() }

// Add validates, normalizes, and inserts or upsert-hits a memory.
func (s *Store) Add(ctx context.Context, content string, opts AddOptions) (*Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apierr.MemoryContentRequired()
	}

	typ := opts.Type
	if typ == "" {
		typ = TypeNote
	}
	layer := opts.Layer
	if layer == "" {
		if typ == TypeRule {
			layer = LayerRule
		} else {
			layer = LayerLongTerm
		}
	}

	now := s.nowUTC()
	var expiresAt *time.Time
	if layer == LayerWorking {
		exp := now.Add(s.workingTTL)
		if opts.ExpiresAt != nil {
			exp = *opts.ExpiresAt
		}
		expiresAt = &exp
	}

	tags := normalizeTokens(opts.Tags)
	paths := normalizeTokens(opts.Paths)

	upsertKey := strings.TrimSpace(opts.UpsertKey)
	if upsertKey == "" {
		upsertKey = deriveUpsertKey(typ, opts.Category, content)
	}

	scope := opts.Scope
	if scope == "" {
		scope = ScopeGlobal
	}
	if opts.ProjectID != "" {
		scope = ScopeProject
	}

	if upsertKey != "" {
		existing, err := s.findByUpsertKey(ctx, scope, opts.ProjectID, typ, upsertKey, opts.UserID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.applyUpsertHit(ctx, existing, content, tags, paths, opts, layer, expiresAt, upsertKey, now)
		}
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	metadataJSON, err := marshalMetadata(opts.Metadata)
	if err != nil {
		return nil, err
	}

	m := &Memory{
		ID:              id,
		Scope:           scope,
		Type:            typ,
		Layer:           layer,
		Content:         content,
		Tags:            tags,
		Paths:           paths,
		Metadata:        opts.Metadata,
		SourceSessionID: ptrOrNil(opts.SourceSessionID),
		Confidence:      opts.Confidence,
		LastConfirmedAt: opts.LastConfirmedAt,
		UpsertKey:       ptrOrNil(upsertKey),
		ExpiresAt:       expiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if opts.UserID != "" {
		m.UserID = &opts.UserID
	}
	if opts.ProjectID != "" {
		m.ProjectID = &opts.ProjectID
	}
	if opts.Category != "" {
		m.Category = &opts.Category
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (
			id, user_id, scope, project_id, type, memory_layer, content, tags, paths,
			category, metadata, upsert_key, source_session_id, confidence,
			last_confirmed_at, expires_at, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, nullable(m.UserID), string(m.Scope), nullable(m.ProjectID), string(m.Type), string(m.Layer),
		m.Content, joinTags(m.Tags), joinTags(m.Paths), nullable(m.Category), metadataJSON,
		nullable(m.UpsertKey), nullable(m.SourceSessionID), m.Confidence, formatTimePtr(m.LastConfirmedAt),
		formatTimePtr(m.ExpiresAt), formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("memory: insert: %w", err)
	}

	s.enqueueEmbedding(ctx, m.ID, m.Content, "add")
	return m, nil
}

func (s *Store) applyUpsertHit(ctx context.Context, existing *Memory, content string, tags, paths []string, opts AddOptions, layer Layer, expiresAt *time.Time, upsertKey string, now time.Time) (*Memory, error) {
	if err := s.recordHistory(ctx, existing, "updated", now); err != nil {
		return nil, err
	}

	metadata := opts.Metadata
	if metadata == nil {
		metadata = existing.Metadata
	}
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	category := existing.Category
	if opts.Category != "" {
		category = &opts.Category
	}
	sourceSessionID := existing.SourceSessionID
	if opts.SourceSessionID != "" {
		sourceSessionID = &opts.SourceSessionID
	}
	confidence := existing.Confidence
	if opts.Confidence != nil {
		confidence = opts.Confidence
	}
	lastConfirmedAt := existing.LastConfirmedAt
	if opts.LastConfirmedAt != nil {
		lastConfirmedAt = opts.LastConfirmedAt
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE memories SET
			content = ?, tags = ?, paths = ?, memory_layer = ?, expires_at = ?,
			upsert_key = ?, category = ?, metadata = ?, source_session_id = ?,
			confidence = ?, last_confirmed_at = ?, updated_at = ?
		WHERE id = ?`,
		content, joinTags(tags), joinTags(paths), string(layer), formatTimePtr(expiresAt),
		upsertKey, nullable(category), metadataJSON, nullable(sourceSessionID),
		confidence, formatTimePtr(lastConfirmedAt), formatTime(now), existing.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: upsert update: %w", err)
	}

	existing.Content = content
	existing.Tags = tags
	existing.Paths = paths
	existing.Layer = layer
	existing.ExpiresAt = expiresAt
	existing.UpsertKey = &upsertKey
	existing.Category = category
	existing.Metadata = metadata
	existing.SourceSessionID = sourceSessionID
	existing.Confidence = confidence
	existing.LastConfirmedAt = lastConfirmedAt
	existing.UpdatedAt = now

	s.enqueueEmbedding(ctx, existing.ID, content, "edit")
	return existing, nil
}

func (s *Store) enqueueEmbedding(ctx context.Context, memoryID, content, operation string) {
	if err := s.embedder.Enqueue(ctx, memoryID, content, s.defaultModelID, operation); err != nil {
		slog.Warn("memory.embedding_enqueue_failed", "memory_id", memoryID, "operation", operation, "error", err)
	}
}

// GetById returns the memory only if Active.
func (s *Store) GetById(ctx context.Context, id string) (*Memory, error) {
	clauseSQL, args := dbx.Where(dbx.Clause{SQL: "id = ?", Args: []any{id}}, dbx.ActiveFilter(s.nowUTC()))
	row := s.db.QueryRowContext(ctx, selectMemoryColumns+" FROM memories "+clauseSQL, args...)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get: %w", err)
	}
	return m, nil
}

// Forget soft-deletes an Active row by id, optionally scoped to userID.
func (s *Store) Forget(ctx context.Context, id, userID string) (bool, error) {
	query := `UPDATE memories SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`
	args := []any{formatTime(s.nowUTC()), id}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("memory: forget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BulkForgetByIds soft-deletes by id list, batched at BulkForgetBatchSize
// ids per statement (sqlite variable-count safety).
func (s *Store) BulkForgetByIds(ctx context.Context, ids []string) (int, error) {
	total := 0
	now := formatTime(s.nowUTC())
	for start := 0; start < len(ids); start += BulkForgetBatchSize {
		end := start + BulkForgetBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, 0, len(batch)+1)
		args = append(args, now)
		for _, id := range batch {
			args = append(args, id)
		}
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE memories SET deleted_at = ? WHERE id IN (%s) AND deleted_at IS NULL`, placeholders), args...)
		if err != nil {
			return total, fmt.Errorf("memory: bulk forget batch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

// Vacuum permanently deletes every soft-deleted row, scoped by userID
// (empty = global-only), and reports the exact affected-row count from
// the same statement (spec.md §4.2 Vacuum / §5 ordering guarantee).
func (s *Store) Vacuum(ctx context.Context, userID string) (int, error) {
	query := `DELETE FROM memories WHERE deleted_at IS NOT NULL`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	} else {
		query += ` AND user_id IS NULL`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("memory: vacuum: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Update applies a partial UpdateRequest to an Active memory, recording
// History first unless SkipHistory is set.
func (s *Store) Update(ctx context.Context, id string, req UpdateRequest) (*Memory, error) {
	clauseSQL, args := dbx.Where(dbx.Clause{SQL: "id = ?", Args: []any{id}}, dbx.ActiveFilter(s.nowUTC()), dbx.UserScopeFilter(req.UserID))
	row := s.db.QueryRowContext(ctx, selectMemoryColumns+" FROM memories "+clauseSQL, args...)
	existing, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: update lookup: %w", err)
	}

	now := s.nowUTC()
	if !req.SkipHistory {
		if err := s.recordHistory(ctx, existing, "updated", now); err != nil {
			return nil, err
		}
	}

	sets := []string{"updated_at = ?"}
	setArgs := []any{formatTime(now)}

	if req.Content != nil {
		existing.Content = strings.TrimSpace(*req.Content)
		sets = append(sets, "content = ?")
		setArgs = append(setArgs, existing.Content)
	}
	if req.Tags != nil {
		existing.Tags = normalizeTokens(*req.Tags)
		sets = append(sets, "tags = ?")
		setArgs = append(setArgs, joinTags(existing.Tags))
	}
	if req.Paths != nil {
		existing.Paths = normalizeTokens(*req.Paths)
		sets = append(sets, "paths = ?")
		setArgs = append(setArgs, joinTags(existing.Paths))
	}
	if req.Type != nil {
		existing.Type = *req.Type
		sets = append(sets, "type = ?")
		setArgs = append(setArgs, string(existing.Type))
	}
	if req.Layer != nil {
		existing.Layer = *req.Layer
		sets = append(sets, "memory_layer = ?")
		setArgs = append(setArgs, string(existing.Layer))
	}
	if req.Category != nil {
		existing.Category = req.Category
		sets = append(sets, "category = ?")
		setArgs = append(setArgs, nullable(req.Category))
	}
	if req.Metadata != nil {
		existing.Metadata = *req.Metadata
		metadataJSON, err := marshalMetadata(existing.Metadata)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "metadata = ?")
		setArgs = append(setArgs, metadataJSON)
	}
	if req.UpsertKey != nil {
		existing.UpsertKey = req.UpsertKey
		sets = append(sets, "upsert_key = ?")
		setArgs = append(setArgs, nullable(req.UpsertKey))
	}
	if req.SourceSessionID != nil {
		existing.SourceSessionID = req.SourceSessionID
		sets = append(sets, "source_session_id = ?")
		setArgs = append(setArgs, nullable(req.SourceSessionID))
	}
	if req.Confidence != nil {
		existing.Confidence = req.Confidence
		sets = append(sets, "confidence = ?")
		setArgs = append(setArgs, *req.Confidence)
	}
	if req.LastConfirmedAt != nil {
		existing.LastConfirmedAt = req.LastConfirmedAt
		sets = append(sets, "last_confirmed_at = ?")
		setArgs = append(setArgs, formatTimePtr(req.LastConfirmedAt))
	}
	if req.ExpiresAt != nil {
		existing.ExpiresAt = req.ExpiresAt
		sets = append(sets, "expires_at = ?")
		setArgs = append(setArgs, formatTimePtr(req.ExpiresAt))
	}

	existing.UpdatedAt = now
	setArgs = append(setArgs, id)

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE memories SET %s WHERE id = ?`, strings.Join(sets, ", ")), setArgs...)
	if err != nil {
		return nil, fmt.Errorf("memory: update: %w", err)
	}

	if req.Content != nil {
		s.enqueueEmbedding(ctx, existing.ID, existing.Content, "edit")
	}
	return existing, nil
}

func (s *Store) recordHistory(ctx context.Context, m *Memory, changeType string, now time.Time) error {
	id, err := newID()
	if err != nil {
		return err
	}
	metadataJSON, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_history (id, memory_id, content, tags, paths, category, metadata, memory_layer, expires_at, recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		id, m.ID, m.Content, joinTags(m.Tags), joinTags(m.Paths), nullable(m.Category), metadataJSON,
		string(m.Layer), formatTimePtr(m.ExpiresAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("memory: record history: %w", err)
	}
	return nil
}

func (s *Store) findByUpsertKey(ctx context.Context, scope Scope, projectID string, typ Type, upsertKey, userID string) (*Memory, error) {
	clauses := []dbx.Clause{
		dbx.ActiveFilter(s.nowUTC()),
		{SQL: "scope = ?", Args: []any{string(scope)}},
		{SQL: "type = ?", Args: []any{string(typ)}},
		{SQL: "upsert_key = ?", Args: []any{upsertKey}},
		dbx.UserScopeFilter(userID),
	}
	if projectID != "" {
		clauses = append(clauses, dbx.Clause{SQL: "project_id = ?", Args: []any{projectID}})
	} else {
		clauses = append(clauses, dbx.Clause{SQL: "project_id IS NULL"})
	}
	clauseSQL, args := dbx.Where(clauses...)
	row := s.db.QueryRowContext(ctx, selectMemoryColumns+" FROM memories "+clauseSQL+" LIMIT 1", args...)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: find by upsert key: %w", err)
	}
	return m, nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("memory: marshal metadata: %w", err)
	}
	return string(b), nil
}

func joinTags(tags []string) string { return strings.Join(tags, ",") }

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func ptrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
