package tenancy

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/dbx"
)

// Router authenticates API keys and routes a request to the right
// tenant-scoped *sql.DB handle, opening (and caching) one handle per
// resolved DSN the way the teacher's NewPGStores opens one *sql.DB per
// managed-mode Postgres DSN. Handles are process-wide and keyed by DSN,
// per SPEC_FULL.md §5's "process-wide, concurrent map" shared-resource
// discipline.
type Router struct {
	store        ControlPlaneStore
	localDBDir   string
	now          func() time.Time

	mu      sync.Mutex
	handles map[string]*sql.DB
}

// NewRouter builds a Router. localDBDir is where a tenant database is
// opened when no turso_url is configured for it (the local-sqlite
// stand-in for a remote libsql connection described in SPEC_FULL.md §3).
func NewRouter(store ControlPlaneStore, localDBDir string) *Router {
	return &Router{
		store:      store,
		localDBDir: localDBDir,
		now:        time.Now,
		handles:    make(map[string]*sql.DB),
	}
}

// HashAPIKey computes the SHA-256 hash an API key is looked up by.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// validAPIKeyFormat is deliberately permissive (this service mints and
// validates its own keys, unlike an external provider's key format): a
// well-formed key has the "mk_" prefix and is long enough to carry real
// entropy.
func validAPIKeyFormat(apiKey string) bool {
	return strings.HasPrefix(apiKey, "mk_") && len(apiKey) >= 16
}

// Authenticate validates apiKey's format, looks up its owning user, and
// resolves that user's active memory context (optionally scoped to
// projectID), per spec.md §4.11.
func (r *Router) Authenticate(ctx context.Context, apiKey string, projectID *string) (*AuthContext, error) {
	if apiKey == "" {
		return nil, apierr.MissingAPIKey()
	}
	if !validAPIKeyFormat(apiKey) {
		return nil, apierr.InvalidAPIKeyFormat()
	}

	hash := HashAPIKey(apiKey)
	user, err := r.store.LookupUserByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apierr.InvalidAPIKey()
	}
	if user.ExpiresAt != nil && !user.ExpiresAt.After(r.now()) {
		return nil, apierr.APIKeyExpired()
	}

	active, err := r.store.LookupDefaultTenant(ctx, hash, projectID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, apierr.DatabaseNotConfigured()
	}

	return &AuthContext{
		UserID:        user.UserID,
		APIKeyHash:    hash,
		OwnerScopeKey: user.OwnerScopeKey,
		Active:        active,
	}, nil
}

// ResolveTenant looks up a specific (apiKeyHash, tenantID) pair, mapping
// absence/status into the taxonomy spec.md §4.11 names.
func (r *Router) ResolveTenant(ctx context.Context, apiKeyHash, tenantID string) (*TenantDatabase, error) {
	t, err := r.store.LookupTenant(ctx, apiKeyHash, tenantID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apierr.TenantDatabaseNotConfigured()
	}
	if t.Status != StatusReady {
		return nil, apierr.TenantDatabaseNotReady()
	}
	if t.TursoURL == "" && t.TursoToken == "" {
		return nil, apierr.TenantDatabaseCredentialsMissing()
	}
	return t, nil
}

// RouteRequest implements PerRequestRouting (spec.md §4.11): if tenantID
// is set, route to that tenant database; else if projectID is set,
// re-resolve the active context scoped to it; else use auth's already
// active context. It always ensures the resolved handle's schema before
// returning.
func (r *Router) RouteRequest(ctx context.Context, auth *AuthContext, tenantID, projectID *string) (*sql.DB, *TenantDatabase, error) {
	var target *TenantDatabase
	var err error

	switch {
	case tenantID != nil && *tenantID != "":
		target, err = r.ResolveTenant(ctx, auth.APIKeyHash, *tenantID)
	case projectID != nil && *projectID != "":
		target, err = r.store.LookupDefaultTenant(ctx, auth.APIKeyHash, projectID)
		if err == nil && target == nil {
			err = apierr.DatabaseNotConfigured()
		}
	default:
		target = auth.Active
	}
	if err != nil {
		return nil, nil, err
	}

	db, err := r.Handle(target)
	if err != nil {
		return nil, nil, err
	}
	return db, target, nil
}

// Handle opens (or reuses) the *sql.DB for t's resolved DSN and ensures
// its schema, memoizing by DSN so repeated requests for the same tenant
// reuse one connection pool.
func (r *Router) Handle(t *TenantDatabase) (*sql.DB, error) {
	dsn := r.dsn(t)

	r.mu.Lock()
	if db, ok := r.handles[dsn]; ok {
		r.mu.Unlock()
		return db, nil
	}
	r.mu.Unlock()

	db, err := dbx.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("tenancy: open tenant handle: %w", err)
	}

	r.mu.Lock()
	if existing, ok := r.handles[dsn]; ok {
		r.mu.Unlock()
		db.Close()
		return existing, nil
	}
	r.handles[dsn] = db
	r.mu.Unlock()
	return db, nil
}

// dsn resolves t to the local path dbx.Open should open. A configured
// turso_url stands in for what would be a remote libsql DSN in
// production (SPEC_FULL.md §3); absent one, tenants fall back to a
// deterministic per-tenant file under localDBDir.
func (r *Router) dsn(t *TenantDatabase) string {
	if t.TursoURL != "" {
		return t.TursoURL
	}
	return fmt.Sprintf("%s/%s.db", r.localDBDir, scopeFileKey(t.OwnerScopeKey))
}

func scopeFileKey(ownerScopeKey string) string {
	sum := sha256.Sum256([]byte(ownerScopeKey))
	return hex.EncodeToString(sum[:])[:24]
}
