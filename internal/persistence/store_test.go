package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/goadapt/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "goadapt.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

// fakeClock is a settable clock for backoff and window tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func withClock(store *persistence.Store) *fakeClock {
	c := &fakeClock{now: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(c.Now)
	return c
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{
		"schema_migrations", "stream_events", "dead_letters", "processed_events", "bandit_arms",
		"attempt_threads", "run_memory", "runs", "audit_log",
	}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)
	var (
		version  int
		checksum string
	)
	if err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if version != 2 || checksum == "" {
		t.Fatalf("ledger = (%d, %q), want version 2 with checksum", version, checksum)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	if _, err := store.AppendEvent(ctx, "e1", "u1", "USER_MESSAGE", []byte(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	ev, err := reopened.GetStreamEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if ev.Status != persistence.EventStatusPending {
		t.Fatalf("status = %s, want PENDING", ev.Status)
	}
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 2;`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(path, nil); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestStore_MigratesV1Database(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v1.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	stmts := []string{
		`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, checksum TEXT NOT NULL, applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP);`,
		`INSERT INTO schema_migrations (version, checksum) VALUES (1, 'ga-v1-2026-09-02-learning-loop');`,
		`CREATE TABLE runs (run_id TEXT PRIMARY KEY, user_id TEXT NOT NULL, tab_id TEXT NOT NULL DEFAULT '', goal TEXT NOT NULL DEFAULT '',
			query TEXT NOT NULL DEFAULT '', domain TEXT NOT NULL DEFAULT '', strategy_id TEXT NOT NULL DEFAULT '', state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '', policy_json TEXT NOT NULL DEFAULT '{}', prompt_delta TEXT NOT NULL DEFAULT '{}',
			started_at_ms INTEGER NOT NULL, updated_at_ms INTEGER NOT NULL);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed v1: %v", err)
		}
	}
	_ = db.Close()

	store, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("open v1 db: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.CreateRun(ctx, persistence.RunRecord{RunID: "r1", UserID: "u1", State: "planning"}); err != nil {
		t.Fatalf("create run after migration: %v", err)
	}
	if err := store.AppendRunTrace(ctx, "r1", map[string]string{"node": "planner"}); err != nil {
		t.Fatalf("append trace after migration: %v", err)
	}
}
