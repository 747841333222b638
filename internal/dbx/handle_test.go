package dbx

import (
	"testing"
)

func TestOpenEnsuresSchema(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tables := []string{
		"memories",
		"memory_history",
		"memory_links",
		"memory_consolidation_runs",
		"memory_embeddings",
		"memory_embedding_jobs",
		"memory_embedding_job_metrics",
		"memory_embedding_backfill_state",
		"memory_sessions",
		"memory_session_events",
		"memory_session_snapshots",
		"memory_compaction_events",
		"graph_rollout_metrics",
		"memory_embedding_backfill_metrics",
		"memories_fts",
	}

	for _, table := range tables {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after Open: %v", table, err)
		}
	}
}

func TestEnsureSchemaIsMemoized(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if !ensured[db] {
		t.Fatal("expected db to be marked ensured after Open")
	}

	// A second EnsureSchema call must be a no-op, not re-run DDL against
	// the live handle (which would be harmless here but should still
	// short-circuit via the cache).
	forgettenBefore := ensured[db]
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema (cached): %v", err)
	}
	if ensured[db] != forgettenBefore {
		t.Fatal("EnsureSchema should not change ensured state on a cache hit")
	}
}

func TestEnsureMemoriesColumnsIsIdempotent(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	forgetEnsured(db)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema (second pass): %v", err)
	}

	rows, err := db.Query(`PRAGMA table_info(memories)`)
	if err != nil {
		t.Fatalf("table_info: %v", err)
	}
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dflt       any
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &primaryKey); err != nil {
			t.Fatalf("scan: %v", err)
		}
		found[name] = true
	}

	for _, col := range requiredMemoriesColumns {
		if !found[col.name] {
			t.Errorf("expected column %s on memories table", col.name)
		}
	}
}
