package retrieval

import (
	"strings"

	"github.com/nextlevelbuilder/agentmemory/internal/memory"
)

// EstimateContextTokens implements the shared token estimator from
// spec.md §4.3: start at 24, each rule adds 8 + ceil(len/4) for content
// and + ceil(len/4) for tags, each memory adds 12 + the same sums plus
// a category contribution when present. The session package's
// write-ahead compaction checkpoint (C7) seeds its own budget from this
// same function.
func EstimateContextTokens(rules, memories []*memory.Memory) int {
	total := 24
	for _, r := range rules {
		total += entryTokens(r, 8)
	}
	for _, m := range memories {
		total += entryTokens(m, 12)
	}
	return total
}

func entryTokens(m *memory.Memory, base int) int {
	total := base + ceilDiv4(len(m.Content)) + ceilDiv4(len(strings.Join(m.Tags, ",")))
	if m.Category != nil && *m.Category != "" {
		total += ceilDiv4(len(*m.Category))
	}
	return total
}

func ceilDiv4(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
