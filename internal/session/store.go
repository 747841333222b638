package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/memory"
	"github.com/nextlevelbuilder/agentmemory/internal/retrieval"
)

// Manager is the Session & Compaction Machine (C7) store, grounded on the
// teacher's sessions.Manager (GetOrCreate, composite SessionKey) but
// backed by a SQL event log instead of an in-process map.
type Manager struct {
	db       *sql.DB
	dailyLog DailyLogWriter
	now      func() time.Time
}

// DailyLogWriter is the optional OpenClaw daily-log collaborator
// (config.OpenClawConfig.FileModeEnabled). Best-effort: a write failure
// is returned to the caller, which discards it, and never blocks a checkpoint.
type DailyLogWriter interface {
	Append(ctx context.Context, sessionID, content string) (path string, err error)
}

// New builds a Manager. dailyLog may be nil when the OpenClaw file-mode
// collaborator is disabled.
func New(db *sql.DB, dailyLog DailyLogWriter) *Manager {
	return &Manager{db: db, dailyLog: dailyLog, now: time.Now}
}

func (m *Manager) nowUTC() time.Time { return m.now().UTC() }

func newSessionID() string { return uuid.NewString() }

// StartSession implements spec.md §4.7 StartSession.
func (m *Manager) StartSession(ctx context.Context, opts StartOptions) (*Session, error) {
	scope := memory.ScopeGlobal
	var projectID *string
	if !opts.Global && opts.ProjectID != nil && *opts.ProjectID != "" {
		scope = memory.ScopeProject
		projectID = opts.ProjectID
	}

	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("session: marshal metadata: %w", err)
	}

	now := m.nowUTC()
	s := &Session{
		ID:             newSessionID(),
		Scope:          scope,
		ProjectID:      projectID,
		UserID:         opts.UserID,
		Client:         opts.Client,
		Status:         StatusActive,
		Title:          opts.Title,
		StartedAt:      now,
		LastActivityAt: now,
		Metadata:       metadata,
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO memory_sessions (id, scope, project_id, user_id, client, status, title, started_at, last_activity_at, metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, string(s.Scope), nullableStrPtr(s.ProjectID), nullableStrPtr(s.UserID), nullableStrPtr(s.Client),
		string(s.Status), nullableStrPtr(s.Title), formatTime(now), formatTime(now), string(metadataJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("session: start session: %w", err)
	}

	if opts.BootstrapContent != "" {
		isMeaningful := true
		if _, err := m.appendEvent(ctx, s.ID, RoleAssistant, EventKindSummary, opts.BootstrapContent, nil, nil, isMeaningful, now); err != nil {
			return nil, fmt.Errorf("session: write bootstrap checkpoint: %w", err)
		}
	}

	return s, nil
}

// Checkpoint implements spec.md §4.7 Checkpoint.
func (m *Manager) Checkpoint(ctx context.Context, sessionID, content string, opts CheckpointOptions) (*Event, error) {
	s, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, apierr.Validation("SESSION_NOT_ACTIVE", fmt.Sprintf("cannot checkpoint session %s because it is %s", sessionID, s.Status))
	}

	role := opts.Role
	if role == "" {
		role = RoleAssistant
	}
	kind := opts.Kind
	if kind == "" {
		kind = EventKindCheckpoint
	}
	isMeaningful := true
	if opts.IsMeaningful != nil {
		isMeaningful = *opts.IsMeaningful
	}

	now := m.nowUTC()
	ev, err := m.appendEvent(ctx, sessionID, role, kind, content, opts.TokenCount, opts.TurnIndex, isMeaningful, now)
	if err != nil {
		return nil, err
	}
	if err := m.touchLastActivity(ctx, sessionID, now); err != nil {
		return nil, err
	}
	return ev, nil
}

func (m *Manager) appendEvent(ctx context.Context, sessionID string, role Role, kind EventKind, content string, tokenCount, turnIndex *int, isMeaningful bool, now time.Time) (*Event, error) {
	seq, err := m.nextSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ev := &Event{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Seq:          seq,
		Role:         role,
		Kind:         kind,
		Content:      content,
		TokenCount:   tokenCount,
		TurnIndex:    turnIndex,
		IsMeaningful: isMeaningful,
		CreatedAt:    now,
	}
	meaningfulInt := 0
	if isMeaningful {
		meaningfulInt = 1
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO memory_session_events (id, session_id, seq, role, kind, content, token_count, turn_index, is_meaningful, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.SessionID, ev.Seq, string(ev.Role), string(ev.Kind), ev.Content,
		nullableIntPtr(tokenCount), nullableIntPtr(turnIndex), meaningfulInt, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("session: append event: %w", err)
	}
	return ev, nil
}

func (m *Manager) nextSeq(ctx context.Context, sessionID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := m.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM memory_session_events WHERE session_id = ?`, sessionID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("session: next seq: %w", err)
	}
	return maxSeq.Int64 + 1, nil
}

// ListEvents implements spec.md §4.7 ListEvents: internally select the
// last N then present ascending by created_at.
func (m *Manager) ListEvents(ctx context.Context, sessionID string, opts ListEventsOptions) ([]*Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, session_id, seq, role, kind, content, token_count, turn_index, is_meaningful, created_at
		FROM memory_session_events WHERE session_id = ?`
	args := []any{sessionID}
	if opts.MeaningfulOnly {
		query += ` AND is_meaningful = 1`
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("session: list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("session: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		id, sessionID, role, kind, content, createdAt string
		seq                                           int64
		tokenCount, turnIndex                          sql.NullInt64
		isMeaningful                                   int
	)
	if err := row.Scan(&id, &sessionID, &seq, &role, &kind, &content, &tokenCount, &turnIndex, &isMeaningful, &createdAt); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	ev := &Event{
		ID:           id,
		SessionID:    sessionID,
		Seq:          seq,
		Role:         Role(role),
		Kind:         EventKind(kind),
		Content:      content,
		IsMeaningful: isMeaningful != 0,
		CreatedAt:    ts,
	}
	if tokenCount.Valid {
		v := int(tokenCount.Int64)
		ev.TokenCount = &v
	}
	if turnIndex.Valid {
		v := int(turnIndex.Int64)
		ev.TurnIndex = &v
	}
	return ev, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// CreateSnapshot implements spec.md §4.7 CreateSnapshot.
func (m *Manager) CreateSnapshot(ctx context.Context, sessionID string, opts SnapshotOptions) (*Snapshot, error) {
	if _, err := m.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	now := m.nowUTC()

	slug := normalizeSlug(opts.Slug, now)
	snap := &Snapshot{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Slug:          slug,
		SourceTrigger: opts.SourceTrigger,
		TranscriptMD:  opts.TranscriptMD,
		MessageCount:  opts.MessageCount,
		CreatedAt:     now,
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO memory_session_snapshots (id, session_id, slug, source_trigger, transcript_md, message_count, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		snap.ID, snap.SessionID, snap.Slug, string(snap.SourceTrigger), snap.TranscriptMD, snap.MessageCount, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("session: create snapshot: %w", err)
	}
	if err := m.touchLastActivity(ctx, sessionID, now); err != nil {
		return nil, err
	}
	return snap, nil
}

// EndSession implements spec.md §4.7 EndSession.
func (m *Manager) EndSession(ctx context.Context, sessionID string, opts EndOptions) (*Session, error) {
	s, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	status := opts.Status
	if status == "" {
		status = StatusClosed
	}
	now := m.nowUTC()
	_, err = m.db.ExecContext(ctx, `UPDATE memory_sessions SET status = ?, ended_at = ? WHERE id = ?`,
		string(status), formatTime(now), sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: end session: %w", err)
	}
	s.Status = status
	s.EndedAt = &now
	return s, nil
}

// Status implements spec.md §4.7 Status.
func (m *Manager) Status(ctx context.Context, sessionID string) (*StatusSummary, error) {
	if _, err := m.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	sum := &StatusSummary{}

	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_session_events WHERE session_id = ?`, sessionID).Scan(&sum.EventCount); err != nil {
		return nil, fmt.Errorf("session: count events: %w", err)
	}
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_session_events WHERE session_id = ? AND kind = ?`, sessionID, string(EventKindCheckpoint)).Scan(&sum.CheckpointCount); err != nil {
		return nil, fmt.Errorf("session: count checkpoints: %w", err)
	}
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_session_snapshots WHERE session_id = ?`, sessionID).Scan(&sum.SnapshotCount); err != nil {
		return nil, fmt.Errorf("session: count snapshots: %w", err)
	}

	var err error
	if sum.LatestEventAt, err = m.latestTime(ctx, `SELECT MAX(created_at) FROM memory_session_events WHERE session_id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("session: latest event time: %w", err)
	}
	if sum.LatestCheckpointAt, err = m.latestTime(ctx, `SELECT MAX(created_at) FROM memory_session_events WHERE session_id = ? AND kind = ?`, sessionID, string(EventKindCheckpoint)); err != nil {
		return nil, fmt.Errorf("session: latest checkpoint time: %w", err)
	}
	if sum.LatestSnapshotAt, err = m.latestTime(ctx, `SELECT MAX(created_at) FROM memory_session_snapshots WHERE session_id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("session: latest snapshot time: %w", err)
	}

	return sum, nil
}

func (m *Manager) latestTime(ctx context.Context, query string, args ...any) (*time.Time, error) {
	var s sql.NullString
	if err := m.db.QueryRowContext(ctx, query, args...).Scan(&s); err != nil {
		return nil, err
	}
	if !s.Valid {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func (m *Manager) loadSession(ctx context.Context, sessionID string) (*Session, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, scope, project_id, user_id, client, status, title, started_at, last_activity_at, ended_at, metadata
		FROM memory_sessions WHERE id = ?`, sessionID)

	var (
		id, scope, status, startedAt, lastActivityAt, metadataJSON string
		projectID, userID, client, title, endedAt                  sql.NullString
	)
	err := row.Scan(&id, &scope, &projectID, &userID, &client, &status, &title, &startedAt, &lastActivityAt, &endedAt, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("SESSION_NOT_FOUND", fmt.Sprintf("session %s not found", sessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("session: load session: %w", err)
	}

	s := &Session{
		ID:     id,
		Scope:  memory.Scope(scope),
		Status: Status(status),
	}
	if projectID.Valid {
		v := projectID.String
		s.ProjectID = &v
	}
	if userID.Valid {
		v := userID.String
		s.UserID = &v
	}
	if client.Valid {
		v := client.String
		s.Client = &v
	}
	if title.Valid {
		v := title.String
		s.Title = &v
	}
	if s.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, err
	}
	if s.LastActivityAt, err = time.Parse(time.RFC3339Nano, lastActivityAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		v, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, err
		}
		s.EndedAt = &v
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &s.Metadata); err != nil {
			return nil, fmt.Errorf("session: unmarshal metadata: %w", err)
		}
	}
	return s, nil
}

func (m *Manager) touchLastActivity(ctx context.Context, sessionID string, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `UPDATE memory_sessions SET last_activity_at = ? WHERE id = ?`, formatTime(now), sessionID)
	if err != nil {
		return fmt.Errorf("session: touch last activity: %w", err)
	}
	return nil
}

func nullableStrPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullableIntPtr(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// normalizeSlug implements spec.md §4.7's slug normalization: lowercase,
// non-alnum runs collapse to a single "-", leading/trailing "-" trimmed,
// truncated to 80 chars, falling back to "snapshot-<ts>" if empty.
func normalizeSlug(raw string, now time.Time) string {
	slug := normalizeSlugRunes(raw)
	if slug == "" {
		return fmt.Sprintf("snapshot-%d", now.UnixMilli())
	}
	return slug
}

func normalizeSlugRunes(raw string) string {
	b := make([]byte, 0, len(raw))
	lastDash := false
	for _, r := range raw {
		lower := r
		if lower >= 'A' && lower <= 'Z' {
			lower = lower - 'A' + 'a'
		}
		isAlnum := (lower >= 'a' && lower <= 'z') || (lower >= '0' && lower <= '9')
		if isAlnum {
			b = append(b, byte(lower))
			lastDash = false
			continue
		}
		if !lastDash && len(b) > 0 {
			b = append(b, '-')
			lastDash = true
		}
	}
	for len(b) > 0 && b[len(b)-1] == '-' {
		b = b[:len(b)-1]
	}
	if len(b) > 80 {
		b = b[:80]
		for len(b) > 0 && b[len(b)-1] == '-' {
			b = b[:len(b)-1]
		}
	}
	return string(b)
}

// seedRetrievalEstimate is a tiny indirection so compaction.go can call
// the shared token estimator without importing retrieval directly in
// every file.
func seedRetrievalEstimate(rules, memories []*memory.Memory) int {
	return retrieval.EstimateContextTokens(rules, memories)
}
