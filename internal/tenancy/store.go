package tenancy

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ControlPlaneStore is the lookup surface Authenticate/ResolveTenant need.
// Supabase/Turso client plumbing is explicitly out of scope (spec.md §1);
// this interface is the seam a production deployment would implement
// against Supabase, while ControlPlaneSQLStore below is the concrete
// sqlite-backed stand-in the core and its tests run against, per
// SPEC_FULL.md §3's "the core only needs a *sql.DB/*sql.Tx handle"
// framing.
type ControlPlaneStore interface {
	LookupUserByKeyHash(ctx context.Context, apiKeyHash string) (*userRecord, error)
	LookupDefaultTenant(ctx context.Context, apiKeyHash string, projectID *string) (*TenantDatabase, error)
	LookupTenant(ctx context.Context, apiKeyHash, tenantID string) (*TenantDatabase, error)
	LookupWorkspaceDefaultModel(ctx context.Context, ownerScopeKey string) (string, error)
	LookupProjectDefaultModel(ctx context.Context, ownerScopeKey, projectID string) (string, error)
}

// ControlPlaneSQLStore implements ControlPlaneStore against the
// mcp_api_keys / sdk_tenant_databases / workspace_*_model_settings tables
// (internal/dbx.EnsureControlPlaneSchema).
type ControlPlaneSQLStore struct {
	db *sql.DB
}

// NewControlPlaneSQLStore wraps db, which must already have had
// dbx.EnsureControlPlaneSchema run against it.
func NewControlPlaneSQLStore(db *sql.DB) *ControlPlaneSQLStore {
	return &ControlPlaneSQLStore{db: db}
}

func (s *ControlPlaneSQLStore) LookupUserByKeyHash(ctx context.Context, apiKeyHash string) (*userRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, owner_scope_key, mcp_api_key_expires_at
		FROM mcp_api_keys WHERE api_key_hash = ?`, apiKeyHash)

	var u userRecord
	var expiresAt sql.NullString
	if err := row.Scan(&u.UserID, &u.OwnerScopeKey, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("tenancy: lookup user by key hash: %w", err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("tenancy: parse mcp_api_key_expires_at: %w", err)
		}
		u.ExpiresAt = &t
	}
	return &u, nil
}

func (s *ControlPlaneSQLStore) scanTenant(row *sql.Row) (*TenantDatabase, error) {
	var t TenantDatabase
	var tursoURL, tursoToken, projectID, defaultModelID sql.NullString
	var isDefault int
	if err := row.Scan(&t.APIKeyHash, &t.TenantID, &t.OwnerScopeKey, &tursoURL, &tursoToken,
		&t.Status, &isDefault, &projectID, &defaultModelID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("tenancy: scan tenant database: %w", err)
	}
	t.TursoURL = tursoURL.String
	t.TursoToken = tursoToken.String
	t.IsDefault = isDefault != 0
	t.DefaultModelID = defaultModelID.String
	if projectID.Valid {
		t.ProjectID = &projectID.String
	}
	return &t, nil
}

const tenantSelectColumns = `api_key_hash, tenant_id, owner_scope_key, turso_url, turso_token, status, is_default, project_id, default_model_id`

func (s *ControlPlaneSQLStore) LookupTenant(ctx context.Context, apiKeyHash, tenantID string) (*TenantDatabase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tenantSelectColumns+`
		FROM sdk_tenant_databases WHERE api_key_hash = ? AND tenant_id = ?`, apiKeyHash, tenantID)
	return s.scanTenant(row)
}

// LookupDefaultTenant resolves the user's active context: when projectID
// is set it prefers a row scoped to that project, falling back to the
// key's default row (org->user fallback per spec.md §4.11).
func (s *ControlPlaneSQLStore) LookupDefaultTenant(ctx context.Context, apiKeyHash string, projectID *string) (*TenantDatabase, error) {
	if projectID != nil && *projectID != "" {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+tenantSelectColumns+`
			FROM sdk_tenant_databases WHERE api_key_hash = ? AND project_id = ?
			ORDER BY is_default DESC LIMIT 1`, apiKeyHash, *projectID)
		if t, err := s.scanTenant(row); err != nil {
			return nil, err
		} else if t != nil {
			return t, nil
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+tenantSelectColumns+`
		FROM sdk_tenant_databases WHERE api_key_hash = ? AND is_default = 1
		LIMIT 1`, apiKeyHash)
	return s.scanTenant(row)
}

func (s *ControlPlaneSQLStore) LookupWorkspaceDefaultModel(ctx context.Context, ownerScopeKey string) (string, error) {
	var model string
	err := s.db.QueryRowContext(ctx, `
		SELECT default_model_id FROM workspace_model_settings WHERE owner_scope_key = ?`, ownerScopeKey).Scan(&model)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tenancy: lookup workspace default model: %w", err)
	}
	return model, nil
}

func (s *ControlPlaneSQLStore) LookupProjectDefaultModel(ctx context.Context, ownerScopeKey, projectID string) (string, error) {
	var model string
	err := s.db.QueryRowContext(ctx, `
		SELECT default_model_id FROM workspace_project_model_settings
		WHERE owner_scope_key = ? AND project_id = ?`, ownerScopeKey, projectID).Scan(&model)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tenancy: lookup project default model: %w", err)
	}
	return model, nil
}
