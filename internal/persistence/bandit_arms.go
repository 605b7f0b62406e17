package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ArmStat holds the counters for one (user, domain, strategy) arm.
type ArmStat struct {
	UserID     string `json:"user_id"`
	Domain     string `json:"domain"`
	StrategyID string `json:"strategy_id"`
	Shown      int    `json:"shown"`
	Wins       int    `json:"wins"`
}

// ArmStats returns every recorded arm for a user and domain. Strategies never
// shown have no row.
func (s *Store) ArmStats(ctx context.Context, userID, domain string) ([]ArmStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, domain, strategy_id, shown, wins
		FROM bandit_arms
		WHERE user_id = ? AND domain = ?
		ORDER BY strategy_id;
	`, userID, domain)
	if err != nil {
		return nil, fmt.Errorf("list bandit arms: %w", err)
	}
	defer rows.Close()
	var out []ArmStat
	for rows.Next() {
		var a ArmStat
		if err := rows.Scan(&a.UserID, &a.Domain, &a.StrategyID, &a.Shown, &a.Wins); err != nil {
			return nil, fmt.Errorf("scan bandit arm: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AllArmStats lists every arm for a user across domains.
func (s *Store) AllArmStats(ctx context.Context, userID string) ([]ArmStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, domain, strategy_id, shown, wins
		FROM bandit_arms
		WHERE (? = '' OR user_id = ?)
		ORDER BY user_id, domain, strategy_id;
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list all bandit arms: %w", err)
	}
	defer rows.Close()
	var out []ArmStat
	for rows.Next() {
		var a ArmStat
		if err := rows.Scan(&a.UserID, &a.Domain, &a.StrategyID, &a.Shown, &a.Wins); err != nil {
			return nil, fmt.Errorf("scan bandit arm: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func armTx(ctx context.Context, tx *sql.Tx, userID, domain, strategyID string) (ArmStat, error) {
	a := ArmStat{UserID: userID, Domain: domain, StrategyID: strategyID}
	err := tx.QueryRowContext(ctx, `
		SELECT shown, wins FROM bandit_arms WHERE user_id = ? AND domain = ? AND strategy_id = ?;
	`, userID, domain, strategyID).Scan(&a.Shown, &a.Wins)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ArmStat{}, fmt.Errorf("select bandit arm: %w", err)
	}
	return a, nil
}

// IncrementShown counts one exposure of a strategy. When eventID is set the
// increment is idempotent per event.
func (s *Store) IncrementShown(ctx context.Context, userID, domain, strategyID, eventID string) (bool, ArmStat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, ArmStat{}, fmt.Errorf("begin increment shown tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if eventID != "" {
		fresh, err := markProcessedTx(ctx, tx, "bandit.shown", eventID)
		if err != nil {
			return false, ArmStat{}, err
		}
		if !fresh {
			a, err := armTx(ctx, tx, userID, domain, strategyID)
			return false, a, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bandit_arms (user_id, domain, strategy_id, shown, wins)
		VALUES (?, ?, ?, 1, 0)
		ON CONFLICT(user_id, domain, strategy_id)
		DO UPDATE SET shown = shown + 1, updated_at = CURRENT_TIMESTAMP;
	`, userID, domain, strategyID); err != nil {
		return false, ArmStat{}, fmt.Errorf("increment shown: %w", err)
	}
	a, err := armTx(ctx, tx, userID, domain, strategyID)
	if err != nil {
		return false, ArmStat{}, err
	}
	if err := tx.Commit(); err != nil {
		return false, ArmStat{}, fmt.Errorf("commit increment shown tx: %w", err)
	}
	return true, a, nil
}

// RecordWin applies a reward observation to an arm exactly once per event.
// A win only increments while wins < shown, so counters never violate
// wins <= shown even for rewards that arrive for unshown arms.
func (s *Store) RecordWin(ctx context.Context, userID, domain, strategyID, eventID string, win bool) (bool, ArmStat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, ArmStat{}, fmt.Errorf("begin record win tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fresh, err := markProcessedTx(ctx, tx, "bandit.reward", eventID)
	if err != nil {
		return false, ArmStat{}, err
	}
	if fresh && win {
		if _, err := tx.ExecContext(ctx, `
			UPDATE bandit_arms
			SET wins = wins + 1, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND domain = ? AND strategy_id = ? AND wins < shown;
		`, userID, domain, strategyID); err != nil {
			return false, ArmStat{}, fmt.Errorf("record win: %w", err)
		}
	}
	a, err := armTx(ctx, tx, userID, domain, strategyID)
	if err != nil {
		return false, ArmStat{}, err
	}
	if err := tx.Commit(); err != nil {
		return false, ArmStat{}, fmt.Errorf("commit record win tx: %w", err)
	}
	return fresh, a, nil
}
