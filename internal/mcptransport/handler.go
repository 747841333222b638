package mcptransport

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/tenancy"
)

// requestLimit is the per-address token-bucket rate applied before
// authentication even runs, a flood gate ahead of the per-key/per-IP
// session caps enforced after a key is known. It generalizes the
// teacher's WebhookRateLimiter counting idiom (internal/channels/
// ratelimit.go) to a per-address token bucket via golang.org/x/time/rate
// instead of a hand-rolled sliding window.
const (
	requestLimitRate  = 10 // requests/sec
	requestLimitBurst = 30
)

// Handler serves the MCP JSON-RPC/SSE surface at /api/mcp, following the
// teacher's ServeMux + auth-wrapper + writeJSON idiom
// (internal/http/mcp.go, internal/gateway/server.go).
type Handler struct {
	router   *tenancy.Router
	tools    ToolDispatcher
	sessions *SessionManager
	mux      *http.ServeMux

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

func NewHandler(router *tenancy.Router, tools ToolDispatcher, maxConnsPerKey, maxConnsPerIP, sessionIdleMs int) *Handler {
	h := &Handler{
		router:   router,
		tools:    tools,
		sessions: NewSessionManager(maxConnsPerKey, maxConnsPerIP, sessionIdleMs),
		limiters: make(map[string]*rate.Limiter),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/mcp", h.handleGet)
	mux.HandleFunc("POST /api/mcp", h.handlePost)
	mux.HandleFunc("OPTIONS /api/mcp", h.handleOptions)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w)
	if r.Method != http.MethodOptions && !h.limiterFor(remoteIP(r)).Allow() {
		writeAPIError(w, apierr.RateLimit("MCP_REQUEST_RATE_LIMITED", "too many requests from this address", 1))
		return
	}
	h.mux.ServeHTTP(w, r)
}

// limiterFor returns the per-address token bucket for addr, creating one
// lazily on first use.
func (h *Handler) limiterFor(addr string) *rate.Limiter {
	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()
	l, ok := h.limiters[addr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(requestLimitRate), requestLimitBurst)
		h.limiters[addr] = l
	}
	return l
}

// handleGet serves the bare descriptor when unauthenticated, else opens an
// SSE session for the authenticated key, per spec.md §4.10.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	apiKey := extractBearerToken(r)
	if apiKey == "" {
		writeJSON(w, http.StatusOK, descriptor)
		return
	}

	auth, err := h.router.Authenticate(r.Context(), apiKey, nil)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	broker := newSSEBroker()
	s, err := h.sessions.Open(auth.APIKeyHash, remoteIP(r), auth, broker)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	defer h.sessions.Close(s.id)

	broker.ServeHTTP(w, r, "/api/mcp?session="+s.id)
}

// handlePost accepts a single JSON-RPC request. If ?session=<id> names an
// open session, the request is authenticated by that session's context
// and the response is also pushed over its SSE channel; otherwise the
// request must carry its own Bearer key.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	var auth *tenancy.AuthContext
	var sess *session

	if id := r.URL.Query().Get("session"); id != "" {
		s, ok := h.sessions.Lookup(id)
		if !ok {
			writeAPIError(w, apierr.NotFound("MCP_SESSION_NOT_FOUND", "mcp session is not open"))
			return
		}
		h.sessions.Touch(id)
		sess = s
		auth = s.auth
	} else {
		apiKey := extractBearerToken(r)
		a, err := h.router.Authenticate(r.Context(), apiKey, nil)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		auth = a
	}

	body := http.MaxBytesReader(w, r.Body, 1<<20)
	var req RPCRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeAPIError(w, apierr.ParseError(err))
		return
	}

	rc := &RequestContext{Auth: auth, Router: h.router, Tools: h.tools}
	resp := handle(r.Context(), rc, req)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if sess != nil {
		sess.broker.Emit("message", resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func writeCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// extractBearerToken reads the raw key from an `Authorization: Bearer
// <key>` header; the teacher's handlers call a helper of this name
// (internal/http/agents.go, mcp.go, builtin_tools.go) but its body isn't
// among the retrieved files, so only the Bearer-prefix-stripping shape is
// grounded, not its exact implementation.
func extractBearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if v == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(v, prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeAPIError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal("INTERNAL_ERROR", err.Error())
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	writeJSON(w, apiErr.HTTPStatus, map[string]any{
		"error": map[string]any{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		},
	})
}
