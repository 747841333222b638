package mcptransport

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/tenancy"
)

func newTestSessionManager(maxPerKey, maxPerIP int) *SessionManager {
	return NewSessionManager(maxPerKey, maxPerIP, 24*60*60*1000)
}

func TestSessionManagerOpenRejectsAtKeyCap(t *testing.T) {
	m := newTestSessionManager(1, 10)
	if _, err := m.Open("key-1", "10.0.0.1", nil, newSSEBroker()); err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err := m.Open("key-1", "10.0.0.2", nil, newSSEBroker())
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "TOO_MANY_KEY_SESSIONS" {
		t.Errorf("err = %v, want TOO_MANY_KEY_SESSIONS", err)
	}
}

func TestSessionManagerOpenRejectsAtIPCap(t *testing.T) {
	m := newTestSessionManager(10, 1)
	if _, err := m.Open("key-1", "10.0.0.1", nil, newSSEBroker()); err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err := m.Open("key-2", "10.0.0.1", nil, newSSEBroker())
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "TOO_MANY_IP_SESSIONS" {
		t.Errorf("err = %v, want TOO_MANY_IP_SESSIONS", err)
	}
}

func TestSessionManagerOpenFailureOnIPCapReleasesKeySlot(t *testing.T) {
	m := newTestSessionManager(10, 1)
	m.Open("key-1", "10.0.0.1", nil, newSSEBroker())
	m.Open("key-2", "10.0.0.1", nil, newSSEBroker())

	if m.byKey.Count("key-2") != 0 {
		t.Error("key-2's slot should have been released when the IP cap rejected the open")
	}
}

func TestSessionManagerTouchResetsIdleTimerAndRejectsUnknown(t *testing.T) {
	m := newTestSessionManager(10, 10)
	s, err := m.Open("key-1", "10.0.0.1", nil, newSSEBroker())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !m.Touch(s.id) {
		t.Error("touch of open session should succeed")
	}
	if m.Touch("unknown-session") {
		t.Error("touch of unknown session should fail")
	}
}

func TestSessionManagerCloseReleasesSlotsAndIsIdempotent(t *testing.T) {
	m := newTestSessionManager(1, 1)
	s, err := m.Open("key-1", "10.0.0.1", nil, newSSEBroker())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	m.Close(s.id)
	m.Close(s.id) // must not panic or double-release

	if m.byKey.Count("key-1") != 0 {
		t.Errorf("byKey count after close = %d, want 0", m.byKey.Count("key-1"))
	}
	if _, ok := m.Lookup(s.id); ok {
		t.Error("session should be removed from the table after close")
	}

	// the slot should be available again for a new session
	if _, err := m.Open("key-1", "10.0.0.1", nil, newSSEBroker()); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

func TestSessionManagerExpireEmitsSessionClosedAndRemovesEntry(t *testing.T) {
	m := newTestSessionManager(10, 10)
	broker := newSSEBroker()
	s, err := m.Open("key-1", "10.0.0.1", &tenancy.AuthContext{UserID: "u1"}, broker)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	m.expire(s.id)

	select {
	case frame := <-broker.ch:
		if frame.event != "session_closed" {
			t.Errorf("event = %q, want session_closed", frame.event)
		}
		if string(frame.data) != `{"reason":"idle_timeout"}` {
			t.Errorf("data = %s", frame.data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a session_closed frame")
	}

	if _, ok := m.Lookup(s.id); ok {
		t.Error("session should be removed after expiry")
	}
}

func TestSessionManagerExpireOfAlreadyClosedSessionIsNoop(t *testing.T) {
	m := newTestSessionManager(10, 10)
	s, err := m.Open("key-1", "10.0.0.1", nil, newSSEBroker())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m.Close(s.id)
	m.expire(s.id) // must not panic
}
