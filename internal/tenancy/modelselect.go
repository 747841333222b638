package tenancy

import (
	"context"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
)

// SelectModel resolves the embedding model to use for one request,
// following spec.md §4.11's priority chain: request override -> project
// override -> workspace default -> workspace tenant default -> system
// default. The chosen model is validated against catalog's allowlist
// (when catalog is non-nil); an empty allowlist or nil catalog means
// "no allowlist configured", per this package's ledger decision that an
// absent catalog should not block every request.
func (r *Router) SelectModel(ctx context.Context, opts SelectModelOptions, catalog *ModelCatalog) (string, error) {
	model := opts.RequestOverride

	if model == "" && opts.ProjectID != "" {
		m, err := r.store.LookupProjectDefaultModel(ctx, opts.OwnerScopeKey, opts.ProjectID)
		if err != nil {
			return "", err
		}
		model = m
	}

	if model == "" {
		m, err := r.store.LookupWorkspaceDefaultModel(ctx, opts.OwnerScopeKey)
		if err != nil {
			return "", err
		}
		model = m
	}

	if model == "" && opts.Tenant != nil {
		model = opts.Tenant.DefaultModelID
	}

	if model == "" {
		model = opts.SystemDefault
	}

	if model == "" {
		return "", apierr.Validation("EMBEDDING_MODEL_NOT_CONFIGURED", "no embedding model resolved at any priority tier")
	}

	if catalog != nil {
		ids, err := catalog.fetch(ctx)
		if err != nil {
			return "", err
		}
		if len(ids) > 0 && !containsModel(ids, model) {
			return "", apierr.EmbeddingModelNotAllowed(model)
		}
	}

	return model, nil
}

func containsModel(ids []string, model string) bool {
	for _, id := range ids {
		if id == model {
			return true
		}
	}
	return false
}
