package dbx

import (
	"strings"
	"testing"
	"time"
)

func TestActiveFilter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := ActiveFilter(now)

	if !strings.Contains(c.SQL, "deleted_at IS NULL") {
		t.Errorf("ActiveFilter SQL missing deleted_at check: %q", c.SQL)
	}
	if len(c.Args) != 1 {
		t.Fatalf("ActiveFilter args = %d, want 1", len(c.Args))
	}
	if c.Args[0] != "2026-01-02T03:04:05Z" {
		t.Errorf("ActiveFilter arg = %v, want RFC3339Nano UTC", c.Args[0])
	}
}

func TestUserScopeFilter(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		wantSQL  string
		wantArgs int
	}{
		{"empty user is global-only", "", "user_id IS NULL", 0},
		{"user id includes shared global rows", "u-1", "user_id IS NULL OR user_id = ?", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := UserScopeFilter(tt.userID)
			if !strings.Contains(c.SQL, tt.wantSQL) {
				t.Errorf("SQL = %q, want contains %q", c.SQL, tt.wantSQL)
			}
			if len(c.Args) != tt.wantArgs {
				t.Errorf("args = %d, want %d", len(c.Args), tt.wantArgs)
			}
		})
	}
}

func TestLayerFilter(t *testing.T) {
	tests := []struct {
		name   string
		layers []string
		want   []string
	}{
		{"empty matches everything", nil, []string{"1=1"}},
		{"rule layer", []string{"rule"}, []string{"memory_layer = 'rule' OR type = 'rule'"}},
		{"working layer", []string{"working"}, []string{"memory_layer = 'working'"}},
		{"long_term layer", []string{"long_term"}, []string{"memory_layer IS NULL AND type != 'rule'"}},
		{"rule and working combine with OR", []string{"rule", "working"}, []string{"memory_layer = 'rule'", " OR ", "memory_layer = 'working'"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := LayerFilter(tt.layers)
			for _, want := range tt.want {
				if !strings.Contains(c.SQL, want) {
					t.Errorf("SQL = %q, want contains %q", c.SQL, want)
				}
			}
		})
	}
}

func TestWhereJoinsWithAnd(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	sql, args := Where(ActiveFilter(now), UserScopeFilter("u-1"), LayerFilter([]string{"rule"}))

	if !strings.HasPrefix(sql, "WHERE ") {
		t.Fatalf("Where() = %q, want WHERE prefix", sql)
	}
	if strings.Count(sql, ") AND (") != 2 {
		t.Errorf("Where() = %q, want two AND joins", sql)
	}
	if len(args) != 2 {
		t.Errorf("args = %d, want 2 (active now + user id)", len(args))
	}
}
