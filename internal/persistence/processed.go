package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// IsProcessed reports whether handler already applied the side effects of
// eventID.
func (s *Store) IsProcessed(ctx context.Context, handler, eventID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM processed_events WHERE handler = ? AND event_id = ?;
	`, handler, eventID).Scan(&n); err != nil {
		return false, fmt.Errorf("check processed marker: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records the marker on its own. Handlers whose side effects
// live outside this database use it after those effects succeed.
func (s *Store) MarkProcessed(ctx context.Context, handler, eventID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin mark processed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	fresh, err := markProcessedTx(ctx, tx, handler, eventID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark processed tx: %w", err)
	}
	return fresh, nil
}

// markProcessedTx inserts the idempotence marker inside a caller's
// transaction. It returns false when the marker already existed, in which
// case the caller must not repeat its side effects.
func markProcessedTx(ctx context.Context, tx *sql.Tx, handler, eventID string) (bool, error) {
	if handler == "" || eventID == "" {
		return false, fmt.Errorf("processed marker requires handler and event id")
	}
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (handler, event_id) VALUES (?, ?);
	`, handler, eventID)
	if err != nil {
		return false, fmt.Errorf("insert processed marker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("processed marker rows affected: %w", err)
	}
	return n == 1, nil
}
