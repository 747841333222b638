package toolapi

import (
	"github.com/nextlevelbuilder/agentmemory/internal/memory"
)

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func intArg(args map[string]any, key string) int {
	v, ok := args[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func stringSliceArg(args map[string]any, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	switch vs := v.(type) {
	case []string:
		return vs
	case []interface{}:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mapArg(args map[string]any, key string) map[string]any {
	v, ok := args[key]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func typeArg(args map[string]any, key string) memory.Type {
	s := stringArg(args, key)
	if s == "" {
		return ""
	}
	return memory.Type(s)
}

func typeSliceArg(args map[string]any, key string) []memory.Type {
	ss := stringSliceArg(args, key)
	if len(ss) == 0 {
		return nil
	}
	out := make([]memory.Type, len(ss))
	for i, s := range ss {
		out[i] = memory.Type(s)
	}
	return out
}

func layerArg(args map[string]any, key string) memory.Layer {
	s := stringArg(args, key)
	if s == "" {
		return ""
	}
	return memory.Layer(s)
}

func layerSliceArg(args map[string]any, key string) []memory.Layer {
	s := layerArg(args, key)
	if s == "" {
		return nil
	}
	return []memory.Layer{s}
}

// optionalString returns nil for an absent key, else a pointer to the
// value (an empty string included), for fields UpdateRequest models as *string (present vs.
// absent matters, per spec.md §9's design note).
func optionalString(args map[string]any, key string) *string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	s, _ := v.(string)
	return &s
}

func optionalStringSlice(args map[string]any, key string) *[]string {
	if _, ok := args[key]; !ok {
		return nil
	}
	s := stringSliceArg(args, key)
	return &s
}

func optionalType(args map[string]any, key string) *memory.Type {
	if _, ok := args[key]; !ok {
		return nil
	}
	t := typeArg(args, key)
	return &t
}

func optionalLayer(args map[string]any, key string) *memory.Layer {
	if _, ok := args[key]; !ok {
		return nil
	}
	l := layerArg(args, key)
	return &l
}

func optionalMap(args map[string]any, key string) *map[string]any {
	if _, ok := args[key]; !ok {
		return nil
	}
	m := mapArg(args, key)
	return &m
}
