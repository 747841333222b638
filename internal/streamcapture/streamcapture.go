// Package streamcapture implements the Streaming Capture module (C9): a
// process-local buffer that an agent appends chunks to over the life of
// a long-running turn, finalized into a single Memory once the stream
// ends. Modeled on the teacher's WebhookRateLimiter
// (internal/channels/ratelimit.go): a mutex-guarded map with a hard cap
// on tracked entries and a background prune, adapted here from a sliding
// rate-limit window to a per-entry idle TTL.
package streamcapture

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/memory"
)

// bufferTTL is how long a buffer may sit idle before the cleanup loop
// evicts it, per spec.md §4.9.
const bufferTTL = time.Hour

// cleanupInterval is how often the background loop scans for idle buffers.
const cleanupInterval = 5 * time.Minute

// maxTrackedBuffers caps the number of concurrently open buffers, mirroring
// the teacher's maxTrackedKeys guard against unbounded memory growth from a
// caller that opens streams without ever finalizing or canceling them.
const maxTrackedBuffers = 4096

// StartOptions carries the Memory fields a finalized buffer is added with.
type StartOptions struct {
	UserID    string
	Scope     memory.Scope
	ProjectID string
	Type      memory.Type
	Layer     memory.Layer
	Tags      []string
	Paths     []string
	Category  string
	Metadata  map[string]any
}

type buffer struct {
	opts        StartOptions
	chunks      []string
	createdAt   time.Time
	lastChunkAt time.Time
}

// Adder is the subset of memory.Store that Finalize delegates to.
type Adder interface {
	Add(ctx context.Context, content string, opts memory.AddOptions) (*memory.Memory, error)
}

// Manager holds process-local stream buffers. Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*buffer
	store   Adder
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Manager backed by store for Finalize and starts its
// background cleanup loop. Callers should call Close when done.
func New(store Adder) *Manager {
	m := &Manager{
		entries: make(map[string]*buffer),
		store:   store,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go m.runCleanupLoop()
	return m
}

// Close stops the background cleanup loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) runCleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, b := range m.entries {
		if now.Sub(b.lastChunkAt) >= bufferTTL {
			delete(m.entries, id)
		}
	}
}

// Start opens a new stream buffer and returns its id. If the tracked-buffer
// cap has been reached it prunes idle entries first (and, failing that,
// evicts an arbitrary entry) so one misbehaving caller cannot exhaust
// memory by opening streams it never finalizes or cancels.
func (m *Manager) Start(opts StartOptions) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if len(m.entries) >= maxTrackedBuffers {
		for id, b := range m.entries {
			if now.Sub(b.lastChunkAt) >= bufferTTL {
				delete(m.entries, id)
			}
		}
		for len(m.entries) >= maxTrackedBuffers {
			for id := range m.entries {
				delete(m.entries, id)
				break
			}
		}
	}

	id := uuid.NewString()
	m.entries[id] = &buffer{
		opts:        opts,
		createdAt:   now,
		lastChunkAt: now,
	}
	return id
}

// Append adds a chunk to an open buffer. It fails if id is unknown or
// the buffer has already expired.
func (m *Manager) Append(id, chunk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.entries[id]
	if !ok {
		return apierr.NotFound("STREAM_NOT_FOUND", "stream buffer not found")
	}
	now := m.now()
	if now.Sub(b.lastChunkAt) >= bufferTTL {
		delete(m.entries, id)
		return apierr.NotFound("STREAM_EXPIRED", "stream buffer has expired")
	}
	b.chunks = append(b.chunks, chunk)
	b.lastChunkAt = now
	return nil
}

// Cancel discards a buffer without finalizing it. Canceling an unknown
// or already-finalized id is a no-op.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// Finalize joins the buffer's chunks, trims the result, and delegates to
// Adder.Add. It returns (nil, nil) if the joined content is empty after
// trimming, per spec.md §4.9. Finalize always removes the buffer, even
// on error, since a failed finalize should not be retried against the
// same accumulated chunks.
func (m *Manager) Finalize(ctx context.Context, id string) (*memory.Memory, error) {
	m.mu.Lock()
	b, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil, apierr.NotFound("STREAM_NOT_FOUND", "stream buffer not found")
	}

	content := strings.TrimSpace(strings.Join(b.chunks, ""))
	if content == "" {
		return nil, nil
	}

	return m.store.Add(ctx, content, memory.AddOptions{
		UserID:    b.opts.UserID,
		Scope:     b.opts.Scope,
		ProjectID: b.opts.ProjectID,
		Type:      b.opts.Type,
		Layer:     b.opts.Layer,
		Tags:      b.opts.Tags,
		Paths:     b.opts.Paths,
		Category:  b.opts.Category,
		Metadata:  b.opts.Metadata,
	})
}
