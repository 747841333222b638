package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmemory/internal/memory"
)

const (
	maxCompactionRules    = 5
	maxCompactionMemories = 8
	maxCompactionEntryLen = 140
)

// WriteAheadCompactionCheckpoint implements spec.md §4.7
// WriteAheadCompactionCheckpoint: it writes a checkpoint event summarizing
// the rules/memories about to be trimmed from context, then a compaction
// log row recording why, before the caller discards that context.
func (m *Manager) WriteAheadCompactionCheckpoint(ctx context.Context, sessionID string, opts CompactionOptions) (*CompactionResult, error) {
	tokenCountBefore := 0
	if opts.TokenCountBefore != nil {
		tokenCountBefore = *opts.TokenCountBefore
	} else {
		tokenCountBefore = seedRetrievalEstimate(opts.Rules, opts.Memories)
	}

	content := opts.CheckpointContent
	if content == "" {
		content = buildCheckpointContent(opts.Rules, opts.Memories)
	}
	checkpointTokens := estimateTokens(content)

	checkpointEvent, err := m.Checkpoint(ctx, sessionID, content, CheckpointOptions{
		Role:       RoleAssistant,
		Kind:       EventKindCheckpoint,
		TokenCount: &checkpointTokens,
	})
	if err != nil {
		return nil, err
	}

	compactionEvent, err := m.logCompactionEvent(ctx, sessionID, opts, tokenCountBefore, checkpointEvent.ID)
	if err != nil {
		return nil, err
	}

	result := &CompactionResult{
		CheckpointEvent:  checkpointEvent,
		CompactionEvent:  compactionEvent,
		TokenCountBefore: tokenCountBefore,
	}

	if m.dailyLog != nil {
		path, logErr := m.dailyLog.Append(ctx, sessionID, content)
		if logErr != nil {
			// Best-effort per spec.md §6: OpenClaw file persistence never
			// blocks a compaction checkpoint.
			path = ""
		}
		result.OpenClawDailyLogPath = path
	}

	return result, nil
}

func (m *Manager) logCompactionEvent(ctx context.Context, sessionID string, opts CompactionOptions, tokenCountBefore int, checkpointEventID string) (*CompactionEvent, error) {
	now := m.nowUTC()
	ce := &CompactionEvent{
		ID:                 uuid.NewString(),
		SessionID:          sessionID,
		TriggerType:        opts.TriggerType,
		Reason:             opts.Reason,
		TokenCountBefore:   &tokenCountBefore,
		CheckpointMemoryID: &checkpointEventID,
		CreatedAt:          now,
	}
	turnCountBefore := opts.TurnCountBefore
	ce.TurnCountBefore = &turnCountBefore
	summaryTokens := len(buildCheckpointContent(opts.Rules, opts.Memories)) / 4
	ce.SummaryTokens = &summaryTokens

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO memory_compaction_events (id, session_id, trigger_type, reason, token_count_before, turn_count_before, summary_tokens, checkpoint_memory_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		ce.ID, ce.SessionID, string(ce.TriggerType), nullableStr(ce.Reason),
		nullableIntPtr(ce.TokenCountBefore), nullableIntPtr(ce.TurnCountBefore), nullableIntPtr(ce.SummaryTokens),
		nullableStrPtr(ce.CheckpointMemoryID), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("session: log compaction event: %w", err)
	}
	return ce, nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// buildCheckpointContent caps rules at 5 and memories at 8, each truncated
// to 140 characters, per spec.md §4.7.
func buildCheckpointContent(rules, memories []*memory.Memory) string {
	var b strings.Builder
	b.WriteString("Checkpoint before compaction.\n")

	if len(rules) > 0 {
		b.WriteString("Rules:\n")
		for i, r := range rules {
			if i >= maxCompactionRules {
				break
			}
			b.WriteString("- ")
			b.WriteString(truncate(r.Content, maxCompactionEntryLen))
			b.WriteString("\n")
		}
	}
	if len(memories) > 0 {
		b.WriteString("Memories:\n")
		for i, mem := range memories {
			if i >= maxCompactionMemories {
				break
			}
			b.WriteString("- ")
			b.WriteString(truncate(mem.Content, maxCompactionEntryLen))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// estimateTokens applies the same "24 base + ceil(len/4)" shape
// retrieval.EstimateContextTokens uses per entry, directly to a single
// block of text (the checkpoint_content itself, not a memory record).
func estimateTokens(content string) int {
	n := len(content)
	return 24 + (n+3)/4
}

// RunInactivityCompactionWorker implements spec.md §4.7
// RunInactivityCompactionWorker: it scans active sessions idle past the
// threshold, checkpoints each with its recent event window, then closes
// it as compacted. Per-session failures are collected, not fatal to the
// run, matching the embedding worker's aggregate-result shape.
func (m *Manager) RunInactivityCompactionWorker(ctx context.Context, opts WorkerOptions) (*WorkerResult, error) {
	opts = opts.withDefaults()
	result := &WorkerResult{InactivityMinutes: opts.InactivityMinutes}

	cutoff := m.nowUTC().Add(-time.Duration(opts.InactivityMinutes) * time.Minute)
	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM memory_sessions
		WHERE status = ? AND last_activity_at <= ?
		ORDER BY last_activity_at ASC LIMIT ?`,
		string(StatusActive), formatTime(cutoff), opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("session: scan inactive sessions: %w", err)
	}
	var sessionIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("session: scan session id: %w", err)
		}
		sessionIDs = append(sessionIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	result.Scanned = len(sessionIDs)
	for _, sessionID := range sessionIDs {
		if err := m.compactOneInactiveSession(ctx, sessionID, opts, result); err != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", sessionID, err))
		}
	}
	return result, nil
}

func (m *Manager) compactOneInactiveSession(ctx context.Context, sessionID string, opts WorkerOptions, result *WorkerResult) error {
	events, err := m.ListEvents(ctx, sessionID, ListEventsOptions{Limit: opts.EventWindow, MeaningfulOnly: true})
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	content := buildInactivityCheckpointContent(events)
	_, err = m.WriteAheadCompactionCheckpoint(ctx, sessionID, CompactionOptions{
		CheckpointContent: content,
		TriggerType:       CompactionTime,
		Reason:            "inactivity timeout",
		TurnCountBefore:   len(events),
	})
	if err != nil {
		return fmt.Errorf("write-ahead checkpoint: %w", err)
	}
	result.Checkpointed++

	if _, err := m.EndSession(ctx, sessionID, EndOptions{Status: StatusCompacted}); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	result.Compacted++
	return nil
}

func buildInactivityCheckpointContent(events []*Event) string {
	var b strings.Builder
	b.WriteString("Inactivity compaction checkpoint.\n")
	for _, ev := range events {
		b.WriteString("- [")
		b.WriteString(string(ev.Role))
		b.WriteString("] ")
		b.WriteString(truncate(ev.Content, maxCompactionEntryLen))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
