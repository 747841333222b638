package streamcapture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/memory"
)

type fakeAdder struct {
	lastContent string
	lastOpts    memory.AddOptions
	err         error
}

func (f *fakeAdder) Add(ctx context.Context, content string, opts memory.AddOptions) (*memory.Memory, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastContent = content
	f.lastOpts = opts
	return &memory.Memory{ID: "mem-1", Content: content}, nil
}

func newTestManager(store Adder) *Manager {
	m := &Manager{
		entries: make(map[string]*buffer),
		store:   store,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	return m
}

func TestStartAppendFinalizeJoinsChunks(t *testing.T) {
	adder := &fakeAdder{}
	m := newTestManager(adder)

	id := m.Start(StartOptions{UserID: "u1", Scope: memory.ScopeGlobal, Type: memory.TypeNote})
	if err := m.Append(id, "hello "); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.Append(id, "world"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mem, err := m.Finalize(context.Background(), id)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if mem == nil || mem.Content != "hello world" {
		t.Errorf("mem = %+v, want content %q", mem, "hello world")
	}
	if adder.lastContent != "hello world" {
		t.Errorf("lastContent = %q", adder.lastContent)
	}
	if adder.lastOpts.UserID != "u1" || adder.lastOpts.Type != memory.TypeNote {
		t.Errorf("lastOpts = %+v", adder.lastOpts)
	}
}

func TestFinalizeReturnsNilForEmptyContent(t *testing.T) {
	adder := &fakeAdder{}
	m := newTestManager(adder)

	id := m.Start(StartOptions{})
	if err := m.Append(id, "   "); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mem, err := m.Finalize(context.Background(), id)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if mem != nil {
		t.Errorf("mem = %+v, want nil for empty content", mem)
	}
}

func TestFinalizeRemovesBufferEvenAfterEmptyResult(t *testing.T) {
	m := newTestManager(&fakeAdder{})

	id := m.Start(StartOptions{})
	if _, err := m.Finalize(context.Background(), id); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := m.Append(id, "late"); err == nil {
		t.Error("expected Append to fail against a finalized buffer")
	}
}

func TestAppendFailsForUnknownBuffer(t *testing.T) {
	m := newTestManager(&fakeAdder{})
	if err := m.Append("nope", "chunk"); err == nil {
		t.Error("expected error for unknown buffer id")
	}
}

func TestAppendFailsForExpiredBuffer(t *testing.T) {
	m := newTestManager(&fakeAdder{})
	base := time.Now()
	m.now = func() time.Time { return base }

	id := m.Start(StartOptions{})

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	if err := m.Append(id, "chunk"); err == nil {
		t.Error("expected error appending to an expired buffer")
	}
}

func TestCancelDiscardsBuffer(t *testing.T) {
	m := newTestManager(&fakeAdder{})

	id := m.Start(StartOptions{})
	if err := m.Append(id, "chunk"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	m.Cancel(id)

	if _, err := m.Finalize(context.Background(), id); err == nil {
		t.Error("expected Finalize to fail after Cancel")
	}
}

func TestEvictIdleRemovesOnlyExpiredBuffers(t *testing.T) {
	m := newTestManager(&fakeAdder{})
	base := time.Now()
	m.now = func() time.Time { return base }

	stale := m.Start(StartOptions{})
	fresh := m.Start(StartOptions{})

	m.now = func() time.Time { return base.Add(90 * time.Minute) }
	if err := m.Append(fresh, "still here"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	m.evictIdle()

	m.mu.Lock()
	_, staleOK := m.entries[stale]
	_, freshOK := m.entries[fresh]
	m.mu.Unlock()

	if staleOK {
		t.Error("expected stale buffer to be evicted")
	}
	if !freshOK {
		t.Error("expected fresh buffer to survive eviction")
	}
}

func TestFinalizePropagatesStoreError(t *testing.T) {
	wantErr := errors.New("store unavailable")
	m := newTestManager(&fakeAdder{err: wantErr})

	id := m.Start(StartOptions{})
	if err := m.Append(id, "content"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_, err := m.Finalize(context.Background(), id)
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}
