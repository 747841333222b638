// Package tenancy implements the Tenancy Router & Model Selection (C11):
// API-key authentication, per-request routing to a tenant-scoped database,
// and the priority chain that picks an embedding model. Modeled on the
// teacher's internal/store/pg/factory.go "resolve config -> construct
// handle" shape (NewPGStores), generalized from a single managed Postgres
// handle to a per-(api-key, tenant) lookup that opens a distinct handle
// for each resolved tenant database.
package tenancy

import "time"

// AuthContext is the result of Authenticate: the identity and active
// memory context resolved for a raw API key.
type AuthContext struct {
	UserID        string
	APIKeyHash    string
	OwnerScopeKey string
	Active        *TenantDatabase
}

// TenantDatabase is a resolved `sdk_tenant_databases` row: the backing
// store for one (api key, tenant) pair, or the user's default context.
type TenantDatabase struct {
	APIKeyHash      string
	TenantID        string
	OwnerScopeKey   string
	TursoURL        string
	TursoToken      string
	Status          string // "ready" | "provisioning" | ...
	ProjectID       *string
	DefaultModelID  string // "workspace tenant default" tier
	IsDefault       bool
}

const (
	StatusReady        = "ready"
	StatusProvisioning = "provisioning"
)

// userRecord is an `mcp_api_keys` row.
type userRecord struct {
	UserID        string
	OwnerScopeKey string
	ExpiresAt     *time.Time
}

// SelectModelOptions carries every tier of the model-selection priority
// chain from spec.md §4.11: request override -> project override ->
// workspace default -> workspace tenant default -> system default.
type SelectModelOptions struct {
	RequestOverride string
	OwnerScopeKey   string
	ProjectID       string
	Tenant          *TenantDatabase // supplies the "workspace tenant default" tier
	SystemDefault   string
}
