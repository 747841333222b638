package mcptransport

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/tenancy"
)

// session is one open MCP connection's state, matching the
// open -> touched* -> (idle_timeout|client_cancel) -> closed machine of
// spec.md §4.10.
type session struct {
	id          string
	apiKeyHash  string
	remoteIP    string
	auth        *tenancy.AuthContext
	broker      *sseBroker
	lastTouchAt time.Time
	closeOnce   sync.Once
	timer       *time.Timer
}

// SessionManager owns the process-wide table of active MCP connections
// (spec.md §5), enforcing per-key/per-IP caps and the idle-timeout close,
// generalizing the teacher's WebhookRateLimiter bounded-counter idiom
// (internal/channels/ratelimit.go) from a rate window to a connection table.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
	byKey    *connTracker
	byIP     *connTracker
	idleTTL  time.Duration
	now      func() time.Time
}

func NewSessionManager(maxPerKey, maxPerIP int, idleMs int) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*session),
		byKey:    newConnTracker(maxPerKey),
		byIP:     newConnTracker(maxPerIP),
		idleTTL:  time.Duration(idleMs) * time.Millisecond,
		now:      time.Now,
	}
}

// Open registers a new session for apiKeyHash/remoteIP, rejecting it with
// apierr.TooManyKeySessions/TooManyIPSessions if either cap is already at
// its limit. The caller owns broker and must call Close when the
// connection ends.
func (m *SessionManager) Open(apiKeyHash, remoteIP string, auth *tenancy.AuthContext, broker *sseBroker) (*session, error) {
	if !m.byKey.Acquire(apiKeyHash) {
		return nil, apierr.TooManyKeySessions()
	}
	if !m.byIP.Acquire(remoteIP) {
		m.byKey.Release(apiKeyHash)
		return nil, apierr.TooManyIPSessions()
	}

	s := &session{
		id:          uuid.NewString(),
		apiKeyHash:  apiKeyHash,
		remoteIP:    remoteIP,
		auth:        auth,
		broker:      broker,
		lastTouchAt: m.now(),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.timer = time.AfterFunc(m.idleTTL, func() { m.expire(s.id) })
	return s, nil
}

// Touch resets a session's idle timer; returns false if the session is
// unknown (already closed).
func (m *SessionManager) Touch(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.lastTouchAt = m.now()
	s.timer.Reset(m.idleTTL)
	return true
}

// Lookup returns the session for id, if open.
func (m *SessionManager) Lookup(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *SessionManager) expire(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.broker.Emit("session_closed", map[string]any{"reason": "idle_timeout"})
	m.Close(id)
}

// Close ends a session exactly once: stops the idle timer, releases its
// key/IP slots, closes the SSE broker, and removes it from the table.
func (m *SessionManager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.closeOnce.Do(func() {
		s.timer.Stop()
		m.byKey.Release(s.apiKeyHash)
		m.byIP.Release(s.remoteIP)
		s.broker.Close()
	})
}

// Count reports the number of currently open sessions, for diagnostics.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
