package memory

import (
	"regexp"
	"strings"
)

// normalizeTokens trims, drops blanks, and dedupes a token list while
// preserving first-occurrence order (spec.md §4.2 Add).
func normalizeTokens(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases s, replaces runs of non-alphanumeric characters
// with a single hyphen, and trims leading/trailing hyphens.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugNonAlnum.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// deriveUpsertKey computes a normalized "type:slug" upsert key when one
// was not supplied: from an explicit category, else from the first line
// of content, truncated to a reasonable slug length.
func deriveUpsertKey(typ Type, category, content string) string {
	basis := category
	if basis == "" {
		basis = firstLine(content)
	}
	slug := slugify(basis)
	if slug == "" {
		return ""
	}
	if len(slug) > 60 {
		slug = strings.Trim(slug[:60], "-")
	}
	return string(typ) + ":" + slug
}

func firstLine(content string) string {
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		return content[:idx]
	}
	return content
}

// normalizeForCompare lowercases and collapses internal whitespace, used
// by Consolidate to decide whether two contents "contradict" (differ)
// rather than being simple duplicates.
func normalizeForCompare(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}

// globToLike translates a shell-style glob (`*`, `?`) into a SQL LIKE
// pattern, escaping existing `%`, `_`, and `\` with the ESCAPE '\' clause
// convention (spec.md §4.2 FindToForget pattern filter).
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
