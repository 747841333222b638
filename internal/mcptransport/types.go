// Package mcptransport implements the MCP Transport (C10): a JSON-RPC 2.0
// surface over HTTP POST with an optional SSE channel opened by GET.
// Routing follows the teacher's internal/http handlers (http.ServeMux with
// Go 1.22 method+path patterns, an auth-wrapping middleware, a writeJSON
// helper); the SSE loop is grounded on the everydev1618-govega pack repo's
// serve/handlers_sse.go (flusher + heartbeat ticker + per-subscriber
// channel), adapted from a broadcast topic to one channel per MCP session.
package mcptransport

import (
	"encoding/json"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
)

// RPCRequest is a JSON-RPC 2.0 request object.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response object. Exactly one of Result/Error
// is set, except for notifications, which produce no response at all.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    apierr.Detail `json:"data"`
}

// toolCallParams is the `params` shape for a tools/call request.
type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// serverInfo is the fixed `initialize` response payload (spec.md §4.10).
var serverInfo = map[string]any{
	"protocolVersion": "2024-11-05",
	"serverInfo": map[string]any{
		"name":    "agentmemory",
		"version": "1",
	},
	"capabilities": map[string]any{
		"tools": map[string]any{},
	},
}

// descriptor is served from GET /api/mcp with no Authorization header.
var descriptor = map[string]any{
	"status":    "ok",
	"name":      "agentmemory",
	"version":   "1",
	"transport": "sse",
}
