// Package apierr implements the error taxonomy (C12): a single concrete
// error type carrying a stable code, a transport-agnostic kind, and the
// HTTP/JSON-RPC codes it maps to, modeled on the teacher's
// bridgev2.RespError{ErrCode, Err, StatusCode} shape from the AI bridge
// (pkg/aierrors), generalized with an explicit Kind discriminator and a
// JSON-RPC code since this service speaks JSON-RPC, not just REST.
package apierr

import "fmt"

// Kind is the transport-agnostic error category.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindAuth       Kind = "auth_error"
	KindRateLimit  Kind = "rate_limit_error"
	KindNotFound   Kind = "not_found_error"
	KindTool       Kind = "tool_error"
	KindMethod     Kind = "method_error"
	KindInternal   Kind = "internal_error"
)

// JSON-RPC 2.0 reserved/application error codes used by this service.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
	RPCNotFound       = -32004
	RPCToolNotReady   = -32009
)

// Error is the concrete error type every component returns for a
// well-known failure. It is never compared by Go type, only by Code.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	HTTPStatus int
	RPCCode    int
	Retryable  bool
	RetryAfter int // seconds; only meaningful for rate_limit_error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// As reports whether err is an *Error, for use with errors.As.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}

func newErr(kind Kind, code, message string, httpStatus, rpcCode int, retryable bool) *Error {
	return &Error{
		Kind:       kind,
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		RPCCode:    rpcCode,
		Retryable:  retryable,
	}
}

// Validation builds a validation_error (RPC -32602 / HTTP 400, not retryable).
func Validation(code, message string) *Error {
	return newErr(KindValidation, code, message, 400, RPCInvalidParams, false)
}

// Auth builds an auth_error (HTTP 401, not retryable).
func Auth(code, message string) *Error {
	return newErr(KindAuth, code, message, 401, RPCInvalidRequest, false)
}

// RateLimit builds a rate_limit_error (HTTP 429 + Retry-After, retryable).
func RateLimit(code, message string, retryAfterSeconds int) *Error {
	e := newErr(KindRateLimit, code, message, 429, RPCInvalidRequest, true)
	e.RetryAfter = retryAfterSeconds
	return e
}

// NotFound builds a not_found_error (RPC -32004, not retryable).
func NotFound(code, message string) *Error {
	return newErr(KindNotFound, code, message, 404, RPCNotFound, false)
}

// Tool builds a tool_error. rpcCode lets callers pick -32601 (TOOL_NOT_FOUND)
// or -32009 (TENANT_DATABASE_NOT_READY) as the spec's taxonomy requires.
func Tool(code, message string, rpcCode int, retryable bool) *Error {
	return newErr(KindTool, code, message, 500, rpcCode, retryable)
}

// Method builds a method_error (RPC -32601, not retryable): unknown JSON-RPC method.
func Method(code, message string) *Error {
	return newErr(KindMethod, code, message, 404, RPCMethodNotFound, false)
}

// Internal builds an internal_error (RPC -32603 / HTTP 500, retryable).
func Internal(code, message string) *Error {
	return newErr(KindInternal, code, message, 500, RPCInternalError, true)
}

// Well-known codes named directly in spec.md §7, exposed as constructors
// so call sites read as `apierr.MemoryContentRequired()` rather than
// repeating string literals.
func MemoryContentRequired() *Error { return Validation("MEMORY_CONTENT_REQUIRED", "content is required") }
func MemoryIDRequired() *Error      { return Validation("MEMORY_ID_REQUIRED", "id is required") }
func QueryRequired() *Error         { return Validation("QUERY_REQUIRED", "query is required") }
func TenantIDInvalid() *Error       { return Validation("TENANT_ID_INVALID", "tenant_id is invalid") }
func UserIDInvalid() *Error         { return Validation("USER_ID_INVALID", "user_id is invalid") }
func MemoryLayerInvalid() *Error    { return Validation("MEMORY_LAYER_INVALID", "layer is invalid") }
func MemoryTypeInvalid() *Error     { return Validation("MEMORY_TYPE_INVALID", "type is invalid") }
func BulkForgetNoFilters() *Error {
	return Validation("BULK_FORGET_NO_FILTERS", "at least one filter or all=true is required")
}
func BulkForgetInvalidFilters() *Error {
	return Validation("BULK_FORGET_INVALID_FILTERS", "all=true cannot be combined with other filters")
}
func UnsupportedEmbeddingModel(model string) *Error {
	return Validation("UNSUPPORTED_EMBEDDING_MODEL", fmt.Sprintf("unsupported embedding model %q", model))
}
func EmbeddingModelNotAllowed(model string) *Error {
	return Validation("EMBEDDING_MODEL_NOT_ALLOWED", fmt.Sprintf("embedding model %q is not in the allowlist", model))
}

func MissingAPIKey() *Error       { return Auth("MISSING_API_KEY", "missing API key") }
func InvalidAPIKeyFormat() *Error { return Auth("INVALID_API_KEY_FORMAT", "API key is malformed") }
func InvalidAPIKey() *Error       { return Auth("INVALID_API_KEY", "API key is invalid") }
func APIKeyExpired() *Error       { return Auth("API_KEY_EXPIRED", "API key has expired") }

func TooManyKeySessions() *Error { return RateLimit("TOO_MANY_KEY_SESSIONS", "too many sessions for this API key", 60) }
func TooManyIPSessions() *Error  { return RateLimit("TOO_MANY_IP_SESSIONS", "too many sessions from this address", 60) }

func MemoryNotFound() *Error { return NotFound("MEMORY_NOT_FOUND", "memory not found") }
func TenantDatabaseNotConfigured() *Error {
	return NotFound("TENANT_DATABASE_NOT_CONFIGURED", "no tenant database is configured")
}
func TenantDatabaseCredentialsMissing() *Error {
	return NotFound("TENANT_DATABASE_CREDENTIALS_MISSING", "tenant database credentials are missing")
}
func DatabaseNotConfigured() *Error {
	return NotFound("DATABASE_NOT_CONFIGURED", "no database is configured for this account")
}

func ToolNotFound(name string) *Error {
	return Tool("TOOL_NOT_FOUND", fmt.Sprintf("unknown tool %q", name), RPCMethodNotFound, false)
}
func TenantDatabaseNotReady() *Error {
	return Tool("TENANT_DATABASE_NOT_READY", "tenant database is not ready", RPCToolNotReady, true)
}

func MethodNotFound(method string) *Error {
	return Method("METHOD_NOT_FOUND", fmt.Sprintf("unknown method %q", method))
}

func ToolExecutionFailed(err error) *Error {
	return Internal("TOOL_EXECUTION_FAILED", fmt.Sprintf("tool execution failed: %v", err))
}
func TenantRoutingContextMissing() *Error {
	return Internal("TENANT_ROUTING_CONTEXT_MISSING", "tenant routing context is missing")
}
func UserContextMissing() *Error {
	return Internal("USER_CONTEXT_MISSING", "user context is missing")
}
func EmbeddingModelCatalogFetchFailed(err error) *Error {
	return Internal("EMBEDDING_MODEL_CATALOG_FETCH_FAILED", fmt.Sprintf("failed to fetch embedding model catalog: %v", err))
}

// ParseError and InvalidRequest are JSON-RPC transport-level errors that
// occur before a tool or method is even identified.
func ParseError(err error) *Error {
	return &Error{Kind: KindMethod, Code: "PARSE_ERROR", Message: err.Error(), HTTPStatus: 400, RPCCode: RPCParseError}
}
func InvalidRequest(message string) *Error {
	return &Error{Kind: KindMethod, Code: "INVALID_REQUEST", Message: message, HTTPStatus: 400, RPCCode: RPCInvalidRequest}
}
