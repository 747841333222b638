package dbx

import (
	"database/sql"
	"fmt"
)

// ensureTables creates every table and index this service needs if they
// do not already exist, and backfills any column the original `memories`
// table definition may be missing. All statements are idempotent.
func ensureTables(db *sql.DB) error {
	for _, stmt := range baseTableStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("dbx: ensure schema: %w", err)
		}
	}

	if err := ensureMemoriesColumns(db); err != nil {
		return err
	}

	for _, stmt := range indexAndFtsStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("dbx: ensure schema: %w", err)
		}
	}

	return nil
}

var baseTableStatements = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		scope TEXT NOT NULL DEFAULT 'global',
		project_id TEXT,
		type TEXT NOT NULL DEFAULT 'note',
		memory_layer TEXT,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '',
		paths TEXT NOT NULL DEFAULT '',
		category TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		upsert_key TEXT,
		source_session_id TEXT,
		confidence REAL,
		last_confirmed_at TEXT,
		superseded_by TEXT,
		superseded_at TEXT,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS memory_history (
		id TEXT PRIMARY KEY,
		memory_id TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '',
		paths TEXT NOT NULL DEFAULT '',
		category TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		memory_layer TEXT,
		expires_at TEXT,
		recorded_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_links (
		id TEXT PRIMARY KEY,
		from_memory_id TEXT NOT NULL,
		to_memory_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (from_memory_id, to_memory_id, relation)
	)`,
	`CREATE TABLE IF NOT EXISTS memory_consolidation_runs (
		id TEXT PRIMARY KEY,
		scope TEXT,
		project_id TEXT,
		candidate_count INTEGER NOT NULL,
		group_count INTEGER NOT NULL,
		superseded_count INTEGER NOT NULL,
		contradicted_count INTEGER NOT NULL,
		dry_run INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_embeddings (
		memory_id TEXT NOT NULL,
		model TEXT NOT NULL,
		model_version TEXT,
		vector BLOB NOT NULL,
		dims INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (memory_id, model)
	)`,
	`CREATE TABLE IF NOT EXISTS memory_embedding_jobs (
		id TEXT PRIMARY KEY,
		memory_id TEXT NOT NULL,
		model TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		next_attempt_at TEXT NOT NULL,
		last_error TEXT,
		claimed_by TEXT,
		claimed_at TEXT,
		dead_letter_reason TEXT,
		dead_letter_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (memory_id, model)
	)`,
	`CREATE TABLE IF NOT EXISTS memory_embedding_job_metrics (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		memory_id TEXT NOT NULL,
		model TEXT NOT NULL,
		outcome TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error_code TEXT,
		error_message TEXT,
		recorded_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_embedding_backfill_state (
		scope_key TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		project_id TEXT,
		user_id TEXT,
		status TEXT NOT NULL DEFAULT 'idle',
		cursor_created_at TEXT,
		cursor_id TEXT,
		scanned_count INTEGER NOT NULL DEFAULT 0,
		enqueued_count INTEGER NOT NULL DEFAULT 0,
		estimated_total INTEGER NOT NULL DEFAULT 0,
		batch_limit INTEGER NOT NULL DEFAULT 0,
		throttle_ms INTEGER NOT NULL DEFAULT 0,
		started_at TEXT,
		last_run_at TEXT,
		completed_at TEXT,
		last_error TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_embedding_backfill_metrics (
		id TEXT PRIMARY KEY,
		scope_key TEXT NOT NULL,
		status TEXT NOT NULL,
		scanned INTEGER NOT NULL,
		enqueued INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error_message TEXT,
		recorded_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_sessions (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL DEFAULT 'global',
		project_id TEXT,
		user_id TEXT,
		client TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		title TEXT,
		started_at TEXT NOT NULL,
		last_activity_at TEXT NOT NULL,
		ended_at TEXT,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS memory_session_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		token_count INTEGER,
		turn_index INTEGER,
		is_meaningful INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_session_snapshots (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		slug TEXT NOT NULL,
		source_trigger TEXT NOT NULL,
		transcript_md TEXT NOT NULL,
		message_count INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS graph_rollout_metrics (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		project_id TEXT,
		duration_ms INTEGER NOT NULL,
		fell_back INTEGER NOT NULL DEFAULT 0,
		fallback_reason TEXT,
		recorded_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_compaction_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		reason TEXT,
		token_count_before INTEGER,
		turn_count_before INTEGER,
		summary_tokens INTEGER,
		checkpoint_memory_id TEXT,
		created_at TEXT NOT NULL
	)`,
}

// ensureMemoriesColumns adds any column the base CREATE TABLE above may
// have been missing from an earlier schema revision, so existing tenant
// databases evolve without a destructive migration.
func ensureMemoriesColumns(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(memories)`)
	if err != nil {
		return fmt.Errorf("dbx: inspect memories schema: %w", err)
	}
	existing := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &primaryKey); err != nil {
			rows.Close()
			return fmt.Errorf("dbx: scan table_info: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, col := range requiredMemoriesColumns {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE memories ADD COLUMN %s %s`, col.name, col.ddlType)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("dbx: add column %s: %w", col.name, err)
		}
	}
	return nil
}

type memoriesColumn struct {
	name    string
	ddlType string
}

var requiredMemoriesColumns = []memoriesColumn{
	{"user_id", "TEXT"},
	{"memory_layer", "TEXT"},
	{"expires_at", "TEXT"},
	{"upsert_key", "TEXT"},
	{"source_session_id", "TEXT"},
	{"superseded_by", "TEXT"},
	{"superseded_at", "TEXT"},
	{"confidence", "REAL"},
	{"last_confirmed_at", "TEXT"},
}

var indexAndFtsStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories (user_id, scope, project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_upsert_key ON memories (upsert_key)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_active ON memories (deleted_at, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_embedding_jobs_status ON memory_embedding_jobs (status, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_session_events_session ON memory_session_events (session_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_sessions_status_activity ON memory_sessions (status, last_activity_at)`,
	`CREATE INDEX IF NOT EXISTS idx_graph_rollout_metrics_recorded_at ON graph_rollout_metrics (recorded_at)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content,
		content='memories',
		content_rowid='rowid',
		tokenize='porter unicode61'
	)`,
	`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END`,
}
