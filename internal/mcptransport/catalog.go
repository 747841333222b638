package mcptransport

import "github.com/mark3labs/mcp-go/mcp"

// toolCatalog is the MCP tool list (spec.md §6), returned verbatim by
// tools/list and consulted by tools/call to reject unknown tool names
// before reaching the dispatcher.
var toolCatalog = []mcp.Tool{
	objectTool("get_context", "Assemble a token-budgeted working-memory context for an agent session.",
		nil, []string{"query", "project_id", "user_id", "tenant_id", "limit", "mode"}),
	objectTool("get_rules", "Fetch the standing rules layer for a project or user.",
		nil, []string{"project_id", "user_id", "tenant_id"}),
	objectTool("add_memory", "Store a new memory, upserting by key when one already matches.",
		[]string{"content"}, []string{"type", "project_id", "user_id", "tenant_id", "layer", "tags", "paths", "category", "metadata"}),
	objectTool("edit_memory", "Update an existing memory's content or metadata.",
		[]string{"id"}, []string{"content", "type", "tags", "paths", "category", "metadata", "user_id", "tenant_id"}),
	objectTool("forget_memory", "Soft-delete a single memory by id.",
		[]string{"id"}, []string{"user_id", "tenant_id"}),
	objectTool("search_memories", "Run the lexical retrieval pipeline against stored memories.",
		[]string{"query"}, []string{"project_id", "user_id", "tenant_id", "type", "layer", "limit"}),
	objectTool("list_memories", "List memories matching a set of filters without ranking.",
		nil, []string{"type", "tags", "project_id", "user_id", "tenant_id", "layer", "limit"}),
	objectTool("bulk_forget_memories", "Soft-delete every memory matching a filter set, or all=true.",
		nil, []string{"types", "tags", "older_than_days", "pattern", "project_id", "user_id", "tenant_id", "all", "dry_run"}),
	objectTool("vacuum_memories", "Hard-delete every memory that has already been soft-deleted.",
		nil, []string{"user_id", "tenant_id"}),
}

// objectTool builds an mcp.Tool whose input schema is a JSON-schema object
// with the given required fields and an open set of optional properties.
// Every optional/required property is declared with an empty schema
// (accepts any JSON value) since spec.md §6 only constrains presence, not
// per-field type, at the transport layer; per-tool argument validation
// happens in the dispatcher.
func objectTool(name, description string, required, optional []string) mcp.Tool {
	props := make(map[string]any, len(required)+len(optional))
	for _, f := range required {
		props[f] = map[string]any{}
	}
	for _, f := range optional {
		props[f] = map[string]any{}
	}
	return mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}
}

func findTool(name string) (mcp.Tool, bool) {
	for _, t := range toolCatalog {
		if t.Name == name {
			return t, true
		}
	}
	return mcp.Tool{}, false
}
