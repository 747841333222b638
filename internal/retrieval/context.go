// Package retrieval implements the Retrieval Pipeline (C3): scope/layer
// filtered lexical search plus a token-budgeted context assembler that
// merges rule/working/long-term tiers, grounded on beeper-ai-bridge's
// pkg/memory/hybrid.go MergeHybridResults (weighted multi-source merge,
// here adapted from vector+keyword scoring to a tiered
// working-then-long-term concatenation with no scoring, since this
// service's retrieval is lexical-only).
package retrieval

import (
	"context"

	"github.com/nextlevelbuilder/agentmemory/internal/memory"
)

// Mode selects which layer(s) GetContext draws long-term memories from.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeRulesOnly Mode = "rules_only"
	ModeWorking   Mode = "working"
	ModeLongTerm  Mode = "long_term"
)

// ContextRequest is the input to GetContext.
type ContextRequest struct {
	Query     string
	ProjectID string
	UserID    string
	Limit     int
	Mode      Mode
}

// Context is the assembled result: rules resolved separately from
// memories, per spec.md §4.3 ("never include rule-type rows in memories").
type Context struct {
	Rules      []*memory.Memory
	Memories   []*memory.Memory
	TokenCount int
}

// memoryTypesForContext excludes rule (rules are returned separately)
// and is shared by both the working and long-term tiers.
var memoryTypesForContext = []memory.Type{memory.TypeDecision, memory.TypeFact, memory.TypeNote}

// GetContext assembles the rules + memories context for a request.
func GetContext(ctx context.Context, store *memory.Store, req ContextRequest) (*Context, error) {
	rules, err := store.GetRules(ctx, memory.ListOptions{
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
	})
	if err != nil {
		return nil, err
	}

	result := &Context{Rules: rules}
	if req.Mode == ModeRulesOnly {
		result.TokenCount = EstimateContextTokens(rules, nil)
		return result, nil
	}

	if req.Query == "" {
		result.TokenCount = EstimateContextTokens(rules, nil)
		return result, nil
	}

	requested := req.Limit
	if requested <= 0 {
		requested = memory.DefaultContextLimit
	}

	workingLimit := requested
	if workingLimit > memory.MaxContextWorking {
		workingLimit = memory.MaxContextWorking
	}

	working, err := store.Search(ctx, req.Query, memory.SearchOptions{
		ListOptions: memory.ListOptions{
			UserID:    req.UserID,
			ProjectID: req.ProjectID,
			Layers:    []memory.Layer{memory.LayerWorking},
			Types:     memoryTypesForContext,
			Limit:     workingLimit,
		},
	})
	if err != nil {
		return nil, err
	}

	remaining := requested - len(working)
	if remaining < 0 {
		remaining = 0
	}
	longTermLimit := remaining
	if longTermLimit > memory.MaxContextLongTerm {
		longTermLimit = memory.MaxContextLongTerm
	}

	longTermLayers := longTermLayerSet(req.Mode)

	var longTerm []*memory.Memory
	if longTermLimit > 0 {
		longTerm, err = store.Search(ctx, req.Query, memory.SearchOptions{
			ListOptions: memory.ListOptions{
				UserID:    req.UserID,
				ProjectID: req.ProjectID,
				Layers:    longTermLayers,
				Types:     memoryTypesForContext,
				Limit:     longTermLimit,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	result.Memories = append(working, longTerm...)
	result.TokenCount = EstimateContextTokens(rules, result.Memories)
	return result, nil
}

func longTermLayerSet(mode Mode) []memory.Layer {
	if mode == ModeAll || mode == "" {
		return []memory.Layer{memory.LayerLongTerm}
	}
	switch mode {
	case ModeWorking:
		return []memory.Layer{memory.LayerWorking}
	case ModeLongTerm:
		return []memory.Layer{memory.LayerLongTerm}
	default:
		return []memory.Layer{memory.LayerLongTerm}
	}
}
