package dbx

import (
	"database/sql"
	"fmt"
)

// EnsureControlPlaneSchema creates the tables the Tenancy Router (C11)
// looks up API keys and tenant database records in. This is a distinct
// schema from EnsureSchema's per-tenant memory tables: a control-plane
// handle holds one row per API key / tenant-database mapping, while a
// tenant handle (opened separately, by the resolved DSN) holds the
// actual memories. Idempotent, same discipline as EnsureSchema.
func EnsureControlPlaneSchema(db *sql.DB) error {
	for _, stmt := range controlPlaneStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("dbx: ensure control-plane schema: %w", err)
		}
	}
	return nil
}

var controlPlaneStatements = []string{
	`CREATE TABLE IF NOT EXISTS mcp_api_keys (
		api_key_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		owner_scope_key TEXT NOT NULL,
		mcp_api_key_expires_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sdk_tenant_databases (
		api_key_hash TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		owner_scope_key TEXT NOT NULL,
		turso_url TEXT,
		turso_token TEXT,
		status TEXT NOT NULL DEFAULT 'ready',
		is_default INTEGER NOT NULL DEFAULT 0,
		project_id TEXT,
		default_model_id TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (api_key_hash, tenant_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sdk_tenant_databases_scope ON sdk_tenant_databases (owner_scope_key)`,
	`CREATE TABLE IF NOT EXISTS workspace_model_settings (
		owner_scope_key TEXT PRIMARY KEY,
		default_model_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_project_model_settings (
		owner_scope_key TEXT NOT NULL,
		project_id TEXT NOT NULL,
		default_model_id TEXT NOT NULL,
		PRIMARY KEY (owner_scope_key, project_id)
	)`,
}
