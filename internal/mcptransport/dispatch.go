package mcptransport

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/tenancy"
)

// ToolDispatcher executes one resolved tool call against a tenant's
// database handle. internal/toolapi implements this interface; the
// transport only depends on the interface so it never imports the
// concrete tool implementations, the same narrow-interface discipline
// used by embedqueue.JobOutcomeRecorder and streamcapture.Adder.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, db *sql.DB, route *tenancy.TenantDatabase, toolName string, args map[string]any) (map[string]any, error)
}

// RequestContext carries the per-call identity the dispatcher needs to
// route a tools/call to the right tenant database, set by the HTTP
// handler after authentication.
type RequestContext struct {
	Auth    *tenancy.AuthContext
	Router  *tenancy.Router
	Tools   ToolDispatcher
}

// handle dispatches one parsed RPCRequest and returns the RPCResponse to
// send. notifications (id == nil) return a nil response; the caller must
// recognize that case and emit no body, per spec.md §4.10's
// notifications/initialized -> 204 behavior.
func handle(ctx context.Context, rc *RequestContext, req RPCRequest) *RPCResponse {
	if req.Method == "notifications/initialized" {
		return nil
	}

	switch req.Method {
	case "initialize":
		return ok(req.ID, serverInfo)
	case "ping":
		return ok(req.ID, map[string]any{})
	case "tools/list":
		return ok(req.ID, map[string]any{"tools": toolCatalog})
	case "tools/call":
		return handleToolCall(ctx, rc, req)
	default:
		return fail(req.ID, apierr.MethodNotFound(req.Method))
	}
}

func handleToolCall(ctx context.Context, rc *RequestContext, req RPCRequest) *RPCResponse {
	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(req.ID, apierr.InvalidRequest("params must be a tools/call object"))
		}
	}
	if _, known := findTool(params.Name); !known {
		return fail(req.ID, apierr.ToolNotFound(params.Name))
	}

	if _, present := params.Arguments["tenant_id"]; present {
		if _, isStr := params.Arguments["tenant_id"].(string); !isStr {
			return fail(req.ID, apierr.TenantIDInvalid())
		}
	}

	tenantID, _ := stringArg(params.Arguments, "tenant_id")
	projectID, _ := stringArg(params.Arguments, "project_id")
	var tenantPtr, projectPtr *string
	if tenantID != "" {
		tenantPtr = &tenantID
	}
	if projectID != "" {
		projectPtr = &projectID
	}

	db, route, err := rc.Router.RouteRequest(ctx, rc.Auth, tenantPtr, projectPtr)
	if err != nil {
		return fail(req.ID, err)
	}

	result, err := rc.Tools.Dispatch(ctx, db, route, params.Name, params.Arguments)
	if err != nil {
		if apiErr, ok := apierr.As(err); ok {
			return fail(req.ID, apiErr)
		}
		return fail(req.ID, apierr.ToolExecutionFailed(err))
	}

	return ok(req.ID, toolCallResult(result))
}

// toolCallResult wraps a tool's result map into the
// content:[{type:"text",text:...}] + structuredContent envelope of
// spec.md §4.12.
func toolCallResult(result map[string]any) map[string]any {
	text, err := json.Marshal(result)
	if err != nil {
		text = []byte("{}")
	}
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text)},
		},
		"structuredContent": result,
	}
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func ok(id json.RawMessage, result any) *RPCResponse {
	return &RPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// fail builds the JSON-RPC error response. The numeric RPCCode alone is
// many-to-one (e.g. −32602 covers every validation_error code), so per
// spec.md §4.12/§7 the stable string code travels in Data, matching the
// REST envelope's apierr.Detail shape.
func fail(id json.RawMessage, err error) *RPCResponse {
	apiErr, isAPIErr := apierr.As(err)
	if !isAPIErr {
		apiErr = apierr.Internal("INTERNAL_ERROR", err.Error())
	}
	rpcErr := apierr.ToRPCError(apiErr)
	return &RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcErrorBody{
			Code:    rpcErr.Code,
			Message: rpcErr.Message,
			Data:    rpcErr.Data,
		},
	}
}
