package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/memory"
)

func newMemory(id, content string) *memory.Memory {
	return &memory.Memory{ID: id, Content: content, Tags: nil}
}

func TestWriteAheadCompactionCheckpointCapsRulesAndMemories(t *testing.T) {
	ctx := context.Background()
	m := New(newTestDB(t), nil)

	s, err := m.StartSession(ctx, StartOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	var rules, memories []*memory.Memory
	for i := 0; i < 7; i++ {
		rules = append(rules, newMemory("rule", strings.Repeat("r", 10)))
	}
	for i := 0; i < 10; i++ {
		memories = append(memories, newMemory("mem", strings.Repeat("m", 10)))
	}

	result, err := m.WriteAheadCompactionCheckpoint(ctx, s.ID, CompactionOptions{
		Rules:       rules,
		Memories:    memories,
		TriggerType: CompactionCount,
		Reason:      "turn limit reached",
	})
	if err != nil {
		t.Fatalf("WriteAheadCompactionCheckpoint: %v", err)
	}

	if strings.Count(result.CheckpointEvent.Content, "rrrrrrrrrr") != maxCompactionRules {
		t.Errorf("checkpoint content has wrong rule count:\n%s", result.CheckpointEvent.Content)
	}
	if strings.Count(result.CheckpointEvent.Content, "mmmmmmmmmm") != maxCompactionMemories {
		t.Errorf("checkpoint content has wrong memory count:\n%s", result.CheckpointEvent.Content)
	}
	if result.CompactionEvent.TriggerType != CompactionCount {
		t.Errorf("TriggerType = %q, want count", result.CompactionEvent.TriggerType)
	}
	if result.TokenCountBefore <= 0 {
		t.Error("expected a positive TokenCountBefore")
	}
}

func TestWriteAheadCompactionCheckpointUsesSyntheticContentVerbatim(t *testing.T) {
	ctx := context.Background()
	m := New(newTestDB(t), nil)

	s, err := m.StartSession(ctx, StartOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	result, err := m.WriteAheadCompactionCheckpoint(ctx, s.ID, CompactionOptions{
		CheckpointContent: "synthetic summary text",
		TriggerType:       CompactionTime,
		Reason:            "inactivity timeout",
	})
	if err != nil {
		t.Fatalf("WriteAheadCompactionCheckpoint: %v", err)
	}
	if result.CheckpointEvent.Content != "synthetic summary text" {
		t.Errorf("Content = %q, want verbatim synthetic content", result.CheckpointEvent.Content)
	}
}

func TestWriteAheadCompactionCheckpointBestEffortDailyLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writer, err := NewFileDailyLog(dir)
	if err != nil {
		t.Fatalf("NewFileDailyLog: %v", err)
	}
	m := New(newTestDB(t), writer)

	s, err := m.StartSession(ctx, StartOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	result, err := m.WriteAheadCompactionCheckpoint(ctx, s.ID, CompactionOptions{
		CheckpointContent: "daily log content",
		TriggerType:       CompactionSemantic,
	})
	if err != nil {
		t.Fatalf("WriteAheadCompactionCheckpoint: %v", err)
	}
	if result.OpenClawDailyLogPath == "" {
		t.Error("expected a non-empty daily log path")
	}
}

func TestRunInactivityCompactionWorkerCompactsIdleSessions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db, nil)

	active, err := m.StartSession(ctx, StartOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := m.Checkpoint(ctx, active.ID, "hello", CheckpointOptions{}); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	stale := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := db.ExecContext(ctx, `UPDATE memory_sessions SET last_activity_at = ? WHERE id = ?`, formatTime(stale), active.ID); err != nil {
		t.Fatalf("backdate last_activity_at: %v", err)
	}

	result, err := m.RunInactivityCompactionWorker(ctx, WorkerOptions{InactivityMinutes: 60})
	if err != nil {
		t.Fatalf("RunInactivityCompactionWorker: %v", err)
	}
	if result.Scanned != 1 || result.Checkpointed != 1 || result.Compacted != 1 {
		t.Errorf("result = %+v, want scanned=checkpointed=compacted=1", result)
	}
	if len(result.Failures) != 0 {
		t.Errorf("Failures = %v, want none", result.Failures)
	}

	status, err := m.Status(ctx, active.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.CheckpointCount < 2 {
		t.Errorf("CheckpointCount = %d, want at least 2 (original + inactivity)", status.CheckpointCount)
	}
}

func TestRunInactivityCompactionWorkerIgnoresRecentSessions(t *testing.T) {
	ctx := context.Background()
	m := New(newTestDB(t), nil)

	if _, err := m.StartSession(ctx, StartOptions{}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	result, err := m.RunInactivityCompactionWorker(ctx, WorkerOptions{InactivityMinutes: 60})
	if err != nil {
		t.Fatalf("RunInactivityCompactionWorker: %v", err)
	}
	if result.Scanned != 0 {
		t.Errorf("Scanned = %d, want 0 for a freshly-active session", result.Scanned)
	}
}
