// Package toolapi bridges MCP tool calls to the Memory Store Engine (C2),
// Retrieval Pipeline (C3), and Consolidation Engine (C8), implementing
// mcptransport.ToolDispatcher. Grounded on the teacher's handler-per-
// resource shape (internal/http/agents.go's thin per-route functions that
// validate, call a store method, and return an envelope), generalized
// from one resource type to the nine MCP tools spec.md §6 names.
package toolapi

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/memory"
	"github.com/nextlevelbuilder/agentmemory/internal/retrieval"
	"github.com/nextlevelbuilder/agentmemory/internal/tenancy"
)

// MCP-specific limit defaults (spec.md §4.2's clamping table: these
// differ from the internal Store/retrieval defaults of 50/20/10).
const (
	mcpListDefaultLimit    = 20
	mcpSearchDefaultLimit  = 10
	mcpContextDefaultLimit = 5
)

// Dispatcher owns one memory.Store per distinct *sql.DB handle the
// tenancy router hands it, caching them the way internal/tenancy.Router
// itself caches *sql.DB handles per DSN, so a hot tenant doesn't pay the
// schema-guard cost on every call.
type Dispatcher struct {
	embedder       memory.EmbeddingEnqueuer
	defaultModelID string
	workingTTL     time.Duration
	now            func() time.Time

	mu     sync.Mutex
	stores map[*sql.DB]*memory.Store
}

func New(embedder memory.EmbeddingEnqueuer, defaultModelID string, workingTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		embedder:       embedder,
		defaultModelID: defaultModelID,
		workingTTL:     workingTTL,
		now:            time.Now,
		stores:         make(map[*sql.DB]*memory.Store),
	}
}

func (d *Dispatcher) storeFor(db *sql.DB) (*memory.Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.stores[db]; ok {
		return s, nil
	}
	s, err := memory.NewStore(db, d.embedder, d.defaultModelID, d.workingTTL)
	if err != nil {
		return nil, err
	}
	d.stores[db] = s
	return s, nil
}

// Dispatch implements mcptransport.ToolDispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, db *sql.DB, route *tenancy.TenantDatabase, toolName string, args map[string]any) (map[string]any, error) {
	store, err := d.storeFor(db)
	if err != nil {
		return nil, apierr.Internal("STORE_INIT_FAILED", err.Error())
	}

	if v, present := args["user_id"]; present {
		if _, isStr := v.(string); !isStr {
			return nil, apierr.UserIDInvalid()
		}
	}

	switch toolName {
	case "get_context":
		return d.getContext(ctx, store, args)
	case "get_rules":
		return d.getRules(ctx, store, args)
	case "add_memory":
		return d.addMemory(ctx, store, args)
	case "edit_memory":
		return d.editMemory(ctx, store, args)
	case "forget_memory":
		return d.forgetMemory(ctx, store, args)
	case "search_memories":
		return d.searchMemories(ctx, store, args)
	case "list_memories":
		return d.listMemories(ctx, store, args)
	case "bulk_forget_memories":
		return d.bulkForgetMemories(ctx, store, args)
	case "vacuum_memories":
		return d.vacuumMemories(ctx, store, args)
	default:
		return nil, apierr.ToolNotFound(toolName)
	}
}

func (d *Dispatcher) getContext(ctx context.Context, store *memory.Store, args map[string]any) (map[string]any, error) {
	limit := intArg(args, "limit")
	if limit <= 0 {
		limit = mcpContextDefaultLimit
	}
	result, err := retrieval.GetContext(ctx, store, retrieval.ContextRequest{
		Query:     stringArg(args, "query"),
		ProjectID: stringArg(args, "project_id"),
		UserID:    stringArg(args, "user_id"),
		Limit:     limit,
		Mode:      retrieval.Mode(stringArg(args, "mode")),
	})
	if err != nil {
		return nil, err
	}
	return apierr.Success("get_context", result, map[string]any{
		"rules":       result.Rules,
		"memories":    result.Memories,
		"token_count": result.TokenCount,
	}, d.now()), nil
}

func (d *Dispatcher) getRules(ctx context.Context, store *memory.Store, args map[string]any) (map[string]any, error) {
	rules, err := store.GetRules(ctx, memory.ListOptions{
		UserID:    stringArg(args, "user_id"),
		ProjectID: stringArg(args, "project_id"),
	})
	if err != nil {
		return nil, err
	}
	return apierr.Success("get_rules", rules, map[string]any{"rules": rules}, d.now()), nil
}

func (d *Dispatcher) addMemory(ctx context.Context, store *memory.Store, args map[string]any) (map[string]any, error) {
	content := stringArg(args, "content")
	if content == "" {
		return nil, apierr.MemoryContentRequired()
	}

	scope := memory.ScopeGlobal
	if stringArg(args, "project_id") != "" {
		scope = memory.ScopeProject
	}

	t := typeArg(args, "type")
	if t != "" && !t.IsValid() {
		return nil, apierr.MemoryTypeInvalid()
	}
	layer := layerArg(args, "layer")
	if layer != "" && !layer.IsValid() {
		return nil, apierr.MemoryLayerInvalid()
	}

	m, err := store.Add(ctx, content, memory.AddOptions{
		UserID:    stringArg(args, "user_id"),
		Scope:     scope,
		ProjectID: stringArg(args, "project_id"),
		Type:      t,
		Layer:     layer,
		Tags:      stringSliceArg(args, "tags"),
		Paths:     stringSliceArg(args, "paths"),
		Category:  stringArg(args, "category"),
		Metadata:  mapArg(args, "metadata"),
	})
	if err != nil {
		return nil, err
	}
	return apierr.Success("add_memory", m, map[string]any{"memory": m}, d.now()), nil
}

func (d *Dispatcher) editMemory(ctx context.Context, store *memory.Store, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, apierr.MemoryIDRequired()
	}

	typ := optionalType(args, "type")
	if typ != nil && *typ != "" && !typ.IsValid() {
		return nil, apierr.MemoryTypeInvalid()
	}
	layer := optionalLayer(args, "layer")
	if layer != nil && *layer != "" && !layer.IsValid() {
		return nil, apierr.MemoryLayerInvalid()
	}

	m, err := store.Update(ctx, id, memory.UpdateRequest{
		Content:  optionalString(args, "content"),
		Tags:     optionalStringSlice(args, "tags"),
		Paths:    optionalStringSlice(args, "paths"),
		Type:     typ,
		Layer:    layer,
		Category: optionalString(args, "category"),
		Metadata: optionalMap(args, "metadata"),
		UserID:   stringArg(args, "user_id"),
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, apierr.MemoryNotFound()
	}
	return apierr.Success("edit_memory", m, map[string]any{"memory": m}, d.now()), nil
}

func (d *Dispatcher) forgetMemory(ctx context.Context, store *memory.Store, args map[string]any) (map[string]any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, apierr.MemoryIDRequired()
	}
	ok, err := store.Forget(ctx, id, stringArg(args, "user_id"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierr.MemoryNotFound()
	}
	return apierr.Success("forget_memory", map[string]any{"id": id}, map[string]any{"id": id, "forgotten": true}, d.now()), nil
}

func (d *Dispatcher) searchMemories(ctx context.Context, store *memory.Store, args map[string]any) (map[string]any, error) {
	query := stringArg(args, "query")
	if query == "" {
		return nil, apierr.QueryRequired()
	}
	limit := intArg(args, "limit")
	if limit <= 0 {
		limit = mcpSearchDefaultLimit
	}

	results, err := store.Search(ctx, query, memory.SearchOptions{
		ListOptions: memory.ListOptions{
			UserID:    stringArg(args, "user_id"),
			ProjectID: stringArg(args, "project_id"),
			Types:     typeSliceArg(args, "type"),
			Layers:    layerSliceArg(args, "layer"),
			Limit:     limit,
		},
	})
	if err != nil {
		return nil, err
	}
	return apierr.Success("search_memories", results, map[string]any{"memories": results}, d.now()), nil
}

func (d *Dispatcher) listMemories(ctx context.Context, store *memory.Store, args map[string]any) (map[string]any, error) {
	limit := intArg(args, "limit")
	if limit <= 0 {
		limit = mcpListDefaultLimit
	}

	results, err := store.List(ctx, memory.ListOptions{
		UserID:    stringArg(args, "user_id"),
		ProjectID: stringArg(args, "project_id"),
		Types:     typeSliceArg(args, "type"),
		Layers:    layerSliceArg(args, "layer"),
		Tags:      stringSliceArg(args, "tags"),
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	return apierr.Success("list_memories", results, map[string]any{"memories": results}, d.now()), nil
}

func (d *Dispatcher) bulkForgetMemories(ctx context.Context, store *memory.Store, args map[string]any) (map[string]any, error) {
	all := boolArg(args, "all")
	filter := memory.ForgetFilter{
		All:           all,
		Types:         typeSliceArg(args, "types"),
		Tags:          stringSliceArg(args, "tags"),
		OlderThanDays: intArg(args, "older_than_days"),
		Pattern:       stringArg(args, "pattern"),
		ProjectID:     stringArg(args, "project_id"),
		UserID:        stringArg(args, "user_id"),
	}
	hasOtherFilters := len(filter.Types) > 0 || len(filter.Tags) > 0 || filter.OlderThanDays > 0 || filter.Pattern != ""
	if !all && !hasOtherFilters {
		return nil, apierr.BulkForgetNoFilters()
	}
	if all && hasOtherFilters {
		return nil, apierr.BulkForgetInvalidFilters()
	}

	preview, err := store.FindToForget(ctx, filter)
	if err != nil {
		return nil, err
	}

	dryRun := boolArg(args, "dry_run")
	if dryRun || preview.MoreThanLimit {
		return apierr.Success("bulk_forget_memories", preview, map[string]any{
			"ids":             preview.IDs,
			"count":           len(preview.IDs),
			"more_than_limit": preview.MoreThanLimit,
			"dry_run":         true,
		}, d.now()), nil
	}

	n, err := store.BulkForgetByIds(ctx, preview.IDs)
	if err != nil {
		return nil, err
	}
	return apierr.Success("bulk_forget_memories", map[string]any{"count": n}, map[string]any{
		"count":   n,
		"dry_run": false,
	}, d.now()), nil
}

func (d *Dispatcher) vacuumMemories(ctx context.Context, store *memory.Store, args map[string]any) (map[string]any, error) {
	n, err := store.Vacuum(ctx, stringArg(args, "user_id"))
	if err != nil {
		return nil, err
	}
	return apierr.Success("vacuum_memories", map[string]any{"count": n}, map[string]any{"count": n}, d.now()), nil
}
