package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/dbx"
	"github.com/nextlevelbuilder/agentmemory/internal/memory"
)

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	db, err := dbx.Open(":memory:")
	if err != nil {
		t.Fatalf("dbx.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := memory.NewStore(db, nil, "text-embedding-3-small", 24*time.Hour)
	if err != nil {
		t.Fatalf("memory.NewStore: %v", err)
	}
	return store
}

func TestGetContextRulesOnlyShortCircuits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Add(ctx, "Always write tests", memory.AddOptions{Type: memory.TypeRule}); err != nil {
		t.Fatalf("Add rule: %v", err)
	}
	if _, err := store.Add(ctx, "We decided to ship weekly", memory.AddOptions{Type: memory.TypeDecision}); err != nil {
		t.Fatalf("Add decision: %v", err)
	}

	got, err := GetContext(ctx, store, ContextRequest{Query: "ship", Mode: ModeRulesOnly})
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(got.Rules) != 1 {
		t.Errorf("Rules = %d, want 1", len(got.Rules))
	}
	if len(got.Memories) != 0 {
		t.Errorf("Memories = %d, want 0 in rules_only mode", len(got.Memories))
	}
}

func TestGetContextNeverReturnsRuleTypeInMemories(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	store.Add(ctx, "Use Zod everywhere", memory.AddOptions{Type: memory.TypeRule})
	store.Add(ctx, "Use Zod in the API layer", memory.AddOptions{Type: memory.TypeDecision})

	got, err := GetContext(ctx, store, ContextRequest{Query: "Zod", Mode: ModeAll})
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	for _, m := range got.Memories {
		if m.Type == memory.TypeRule {
			t.Errorf("Memories contains a rule-type row: %+v", m)
		}
	}
	if len(got.Rules) != 1 {
		t.Errorf("Rules = %d, want 1", len(got.Rules))
	}
}

func TestGetContextWorkingTierCapsAtThree(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := store.Add(ctx, "working note about deployment "+string(rune('a'+i)), memory.AddOptions{Layer: memory.LayerWorking, Type: memory.TypeNote}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := GetContext(ctx, store, ContextRequest{Query: "deployment", Mode: ModeAll, Limit: 10})
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}

	workingCount := 0
	for _, m := range got.Memories {
		if m.Layer == memory.LayerWorking {
			workingCount++
		}
	}
	if workingCount > memory.MaxContextWorking {
		t.Errorf("working tier returned %d, want <= %d", workingCount, memory.MaxContextWorking)
	}
}

func TestEstimateContextTokensIsMonotonic(t *testing.T) {
	short := &memory.Memory{Content: "hi"}
	long := &memory.Memory{Content: "this is a considerably longer piece of memory content than the other one"}

	base := EstimateContextTokens(nil, nil)
	withShort := EstimateContextTokens(nil, []*memory.Memory{short})
	withLong := EstimateContextTokens(nil, []*memory.Memory{long})

	if withShort <= base {
		t.Errorf("adding a memory should increase token estimate: base=%d withShort=%d", base, withShort)
	}
	if withLong <= withShort {
		t.Errorf("a longer memory should cost more tokens: withShort=%d withLong=%d", withShort, withLong)
	}
}
