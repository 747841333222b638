package dbx

import (
	"fmt"
	"strings"
	"time"
)

// Clause is a SQL boolean expression paired with its positional bind
// arguments, meant to be spliced into a WHERE clause with AND/OR.
type Clause struct {
	SQL  string
	Args []any
}

// And joins clauses with AND, each individually parenthesized.
func And(clauses ...Clause) Clause {
	return join("AND", clauses)
}

// Or joins clauses with OR, each individually parenthesized.
func Or(clauses ...Clause) Clause {
	return join("OR", clauses)
}

func join(op string, clauses []Clause) Clause {
	var parts []string
	var args []any
	for _, c := range clauses {
		if c.SQL == "" {
			continue
		}
		parts = append(parts, "("+c.SQL+")")
		args = append(args, c.Args...)
	}
	if len(parts) == 0 {
		return Clause{SQL: "1=1"}
	}
	return Clause{SQL: strings.Join(parts, " "+op+" "), Args: args}
}

// ActiveFilter returns the Active invariant clause: a row is active iff
// it is not soft-deleted and either has no expiry or has not yet expired
// as of now.
func ActiveFilter(now time.Time) Clause {
	return Clause{
		SQL:  "deleted_at IS NULL AND (expires_at IS NULL OR expires_at > ?)",
		Args: []any{formatTime(now)},
	}
}

// UserScopeFilter returns the user-scope clause. A nil/empty userID
// restricts to global (user_id IS NULL) rows; a non-empty userID allows
// both the user's own rows and global rows shared with every user.
func UserScopeFilter(userID string) Clause {
	if userID == "" {
		return Clause{SQL: "user_id IS NULL"}
	}
	return Clause{
		SQL:  "(user_id IS NULL OR user_id = ?)",
		Args: []any{userID},
	}
}

// LayerFilter returns the OR-combined layer clause for the requested set
// of layers (a subset of "rule", "working", "long_term"). An empty set
// matches every layer.
func LayerFilter(layers []string) Clause {
	if len(layers) == 0 {
		return Clause{SQL: "1=1"}
	}

	var parts []Clause
	for _, layer := range layers {
		switch layer {
		case "rule":
			parts = append(parts, Clause{SQL: "(memory_layer = 'rule' OR type = 'rule')"})
		case "working":
			parts = append(parts, Clause{SQL: "memory_layer = 'working'"})
		case "long_term":
			parts = append(parts, Clause{SQL: "(memory_layer = 'long_term' OR (memory_layer IS NULL AND type != 'rule'))"})
		}
	}
	if len(parts) == 0 {
		return Clause{SQL: "1=1"}
	}
	return Or(parts...)
}

// Where renders clauses joined with AND into a "WHERE ..." string plus
// its flattened bind args, ready to append to a query.
func Where(clauses ...Clause) (string, []any) {
	c := And(clauses...)
	return fmt.Sprintf("WHERE %s", c.SQL), c.Args
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
