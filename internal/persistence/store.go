package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/goadapt/internal/audit"
	"github.com/basket/goadapt/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ga-v1-2026-09-02-learning-loop"

	// v2: adds runs.trace_json and dead_letters.reason_code.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ga-v2-2026-09-20-run-trace"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goadapt", "goadapt.db")
}

// Open opens (creating if needed) the SQLite database at path, applies the
// durability pragmas and migrates the schema.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, now: time.Now}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the store clock. Tests use it to make backoff and
// inactivity windows deterministic.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	// Phase 1: tables. All *_ms columns hold unix milliseconds so backoff and
	// window comparisons stay exact in SQL.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS stream_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			partition_key TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_json TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'ACKED', 'DEAD_LETTERED')),
			attempt INTEGER NOT NULL DEFAULT 0,
			available_at_ms INTEGER NOT NULL,
			last_error TEXT,
			last_reason_code TEXT,
			first_failed_at_ms INTEGER,
			enqueued_at_ms INTEGER NOT NULL,
			acked_at_ms INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			partition_key TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_json TEXT NOT NULL,
			failure_reason TEXT NOT NULL,
			reason_code TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL,
			first_failed_at_ms INTEGER NOT NULL,
			dead_lettered_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			handler TEXT NOT NULL,
			event_id TEXT NOT NULL,
			processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (handler, event_id)
		);`,
		`CREATE TABLE IF NOT EXISTS bandit_arms (
			user_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			shown INTEGER NOT NULL DEFAULT 0 CHECK(shown >= 0),
			wins INTEGER NOT NULL DEFAULT 0 CHECK(wins >= 0 AND wins <= shown),
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, domain, strategy_id)
		);`,
		`CREATE TABLE IF NOT EXISTS attempt_threads (
			thread_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			strategy_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('open', 'closed')),
			outcome TEXT NOT NULL CHECK(outcome IN ('pending', 'success', 'fail')),
			reward REAL NOT NULL DEFAULT 0 CHECK(reward >= -1 AND reward <= 1),
			reason TEXT NOT NULL DEFAULT '',
			fingerprint_chain TEXT NOT NULL DEFAULT '[]',
			last_event_type TEXT NOT NULL DEFAULT '',
			last_event_id TEXT NOT NULL DEFAULT '',
			last_event_at_ms INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			closed_at_ms INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS run_memory (
			run_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			tab_id TEXT NOT NULL DEFAULT '',
			goal TEXT NOT NULL DEFAULT '',
			query TEXT NOT NULL DEFAULT '',
			policy_snapshot TEXT NOT NULL DEFAULT '{}',
			prompt_delta TEXT NOT NULL DEFAULT '{}',
			patch TEXT NOT NULL DEFAULT '{}',
			has_patch INTEGER NOT NULL DEFAULT 0,
			metrics TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tab_id TEXT NOT NULL DEFAULT '',
			goal TEXT NOT NULL DEFAULT '',
			query TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			strategy_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			policy_json TEXT NOT NULL DEFAULT '{}',
			prompt_delta TEXT NOT NULL DEFAULT '{}',
			trace_json TEXT NOT NULL DEFAULT '[]',
			started_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration table: %w", err)
		}
	}

	// Phase 2: columns added after v1. CREATE above already carries them for
	// fresh databases, so this only changes v1 files.
	if err := addColumnIfMissing(ctx, tx, "runs", "trace_json", `TEXT NOT NULL DEFAULT '[]'`); err != nil {
		return err
	}
	if err := addColumnIfMissing(ctx, tx, "dead_letters", "reason_code", `TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}

	// Phase 3: indexes.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_stream_partition_pending ON stream_events(partition_key, status, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_status ON stream_events(status, enqueued_at_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_partition ON dead_letters(partition_key, id);`,
		`CREATE INDEX IF NOT EXISTS idx_threads_user_open ON attempt_threads(user_id, status, last_event_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_run_memory_patch ON run_memory(has_patch, updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state, updated_at_ms DESC);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record(audit.DecisionAllow, "data.migration",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest), "schema")
	return nil
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan table info %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

func fromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMs(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMs(ms.Int64)
	return &t
}
