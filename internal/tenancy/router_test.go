package tenancy

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/dbx"
)

func newControlPlaneDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := dbx.Open(":memory:")
	if err != nil {
		t.Fatalf("dbx.Open: %v", err)
	}
	if err := dbx.EnsureControlPlaneSchema(db); err != nil {
		t.Fatalf("EnsureControlPlaneSchema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedAPIKey(t *testing.T, db *sql.DB, apiKey, userID, ownerScopeKey string, expiresAt *time.Time) {
	t.Helper()
	var exp any
	if expiresAt != nil {
		exp = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := db.Exec(`INSERT INTO mcp_api_keys (api_key_hash, user_id, owner_scope_key, mcp_api_key_expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`, HashAPIKey(apiKey), userID, ownerScopeKey, exp, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("seed api key: %v", err)
	}
}

func seedTenant(t *testing.T, db *sql.DB, apiKey, tenantID, ownerScopeKey, status string, isDefault bool) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO sdk_tenant_databases
		(api_key_hash, tenant_id, owner_scope_key, turso_url, turso_token, status, is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		HashAPIKey(apiKey), tenantID, ownerScopeKey, "", "token", status, boolToInt(isDefault),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestAuthenticateRejectsMissingAndMalformedKeys(t *testing.T) {
	r := NewRouter(NewControlPlaneSQLStore(newControlPlaneDB(t)), t.TempDir())

	if _, err := r.Authenticate(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := r.Authenticate(context.Background(), "not-a-key", nil); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	r := NewRouter(NewControlPlaneSQLStore(newControlPlaneDB(t)), t.TempDir())
	_, err := r.Authenticate(context.Background(), "mk_doesnotexist12345", nil)
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "INVALID_API_KEY" {
		t.Errorf("err = %v, want INVALID_API_KEY", err)
	}
}

func TestAuthenticateRejectsExpiredKey(t *testing.T) {
	db := newControlPlaneDB(t)
	past := time.Now().Add(-time.Hour)
	seedAPIKey(t, db, "mk_expired1234567890", "user-1", "scope-1", &past)

	r := NewRouter(NewControlPlaneSQLStore(db), t.TempDir())
	_, err := r.Authenticate(context.Background(), "mk_expired1234567890", nil)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "API_KEY_EXPIRED" {
		t.Errorf("err = %v, want API_KEY_EXPIRED", err)
	}
}

func TestAuthenticateRejectsMissingDatabase(t *testing.T) {
	db := newControlPlaneDB(t)
	seedAPIKey(t, db, "mk_nodatabase1234567", "user-1", "scope-1", nil)

	r := NewRouter(NewControlPlaneSQLStore(db), t.TempDir())
	_, err := r.Authenticate(context.Background(), "mk_nodatabase1234567", nil)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "DATABASE_NOT_CONFIGURED" {
		t.Errorf("err = %v, want DATABASE_NOT_CONFIGURED", err)
	}
}

func TestAuthenticateResolvesDefaultTenant(t *testing.T) {
	db := newControlPlaneDB(t)
	seedAPIKey(t, db, "mk_validkey1234567890", "user-1", "scope-1", nil)
	seedTenant(t, db, "mk_validkey1234567890", "tenant-a", "scope-1", StatusReady, true)

	r := NewRouter(NewControlPlaneSQLStore(db), t.TempDir())
	auth, err := r.Authenticate(context.Background(), "mk_validkey1234567890", nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if auth.UserID != "user-1" || auth.Active.TenantID != "tenant-a" {
		t.Errorf("auth = %+v", auth)
	}
}

func TestResolveTenantMapsErrorTaxonomy(t *testing.T) {
	db := newControlPlaneDB(t)
	seedAPIKey(t, db, "mk_key1234567890abcd", "user-1", "scope-1", nil)
	seedTenant(t, db, "mk_key1234567890abcd", "tenant-provisioning", "scope-1", StatusProvisioning, false)
	hash := HashAPIKey("mk_key1234567890abcd")

	r := NewRouter(NewControlPlaneSQLStore(db), t.TempDir())

	if _, err := r.ResolveTenant(context.Background(), hash, "tenant-missing"); err == nil {
		t.Fatal("expected TENANT_DATABASE_NOT_CONFIGURED")
	} else if apiErr, ok := apierr.As(err); !ok || apiErr.Code != "TENANT_DATABASE_NOT_CONFIGURED" {
		t.Errorf("err = %v", err)
	}

	if _, err := r.ResolveTenant(context.Background(), hash, "tenant-provisioning"); err == nil {
		t.Fatal("expected TENANT_DATABASE_NOT_READY")
	} else if apiErr, ok := apierr.As(err); !ok || apiErr.Code != "TENANT_DATABASE_NOT_READY" {
		t.Errorf("err = %v", err)
	}
}

func TestRouteRequestPrefersExplicitTenantID(t *testing.T) {
	db := newControlPlaneDB(t)
	seedAPIKey(t, db, "mk_routing1234567890", "user-1", "scope-1", nil)
	seedTenant(t, db, "mk_routing1234567890", "tenant-default", "scope-1", StatusReady, true)
	seedTenant(t, db, "mk_routing1234567890", "tenant-other", "scope-1", StatusReady, false)

	r := NewRouter(NewControlPlaneSQLStore(db), t.TempDir())
	auth, err := r.Authenticate(context.Background(), "mk_routing1234567890", nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	other := "tenant-other"
	_, target, err := r.RouteRequest(context.Background(), auth, &other, nil)
	if err != nil {
		t.Fatalf("RouteRequest: %v", err)
	}
	if target.TenantID != "tenant-other" {
		t.Errorf("target = %+v, want tenant-other", target)
	}
}

func TestHandleReusesCachedConnectionPerDSN(t *testing.T) {
	db := newControlPlaneDB(t)
	seedAPIKey(t, db, "mk_cache1234567890ab", "user-1", "scope-1", nil)
	seedTenant(t, db, "mk_cache1234567890ab", "tenant-a", "scope-1", StatusReady, true)

	r := NewRouter(NewControlPlaneSQLStore(db), t.TempDir())
	auth, err := r.Authenticate(context.Background(), "mk_cache1234567890ab", nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	h1, err := r.Handle(auth.Active)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	h2, err := r.Handle(auth.Active)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if h1 != h2 {
		t.Error("expected Handle to return the same *sql.DB for the same DSN")
	}
}
