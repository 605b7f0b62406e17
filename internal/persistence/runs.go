package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunRecord is the stored state of one run.
type RunRecord struct {
	RunID       string    `json:"run_id"`
	UserID      string    `json:"user_id"`
	TabID       string    `json:"tab_id"`
	Goal        string    `json:"goal"`
	Query       string    `json:"query"`
	Domain      string    `json:"domain"`
	StrategyID  string    `json:"strategy_id"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	PolicyJSON  string    `json:"policy"`
	PromptDelta string    `json:"prompt_delta"`
	TraceJSON   string    `json:"trace"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const runColumns = `run_id, user_id, tab_id, goal, query, domain, strategy_id, state, reason, policy_json,
	prompt_delta, trace_json, started_at_ms, updated_at_ms`

func scanRun(scanFn func(dest ...any) error) (RunRecord, error) {
	var (
		r         RunRecord
		startedAt int64
		updatedAt int64
	)
	if err := scanFn(&r.RunID, &r.UserID, &r.TabID, &r.Goal, &r.Query, &r.Domain, &r.StrategyID, &r.State,
		&r.Reason, &r.PolicyJSON, &r.PromptDelta, &r.TraceJSON, &startedAt, &updatedAt); err != nil {
		return RunRecord{}, err
	}
	r.StartedAt = fromMs(startedAt)
	r.UpdatedAt = fromMs(updatedAt)
	return r, nil
}

// CreateRun persists a new run. Run ids are unique.
func (s *Store) CreateRun(ctx context.Context, r RunRecord) error {
	if r.RunID == "" || r.UserID == "" || r.State == "" {
		return fmt.Errorf("create run: run id, user id and state are required")
	}
	now := s.nowMs()
	startedAt := now
	if !r.StartedAt.IsZero() {
		startedAt = r.StartedAt.UnixMilli()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, r.RunID, r.UserID, r.TabID, r.Goal, r.Query, r.Domain, r.StrategyID, r.State, r.Reason,
		orJSON(r.PolicyJSON, "{}"), orJSON(r.PromptDelta, "{}"), orJSON(r.TraceJSON, "[]"), startedAt, now); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun looks a run up by id.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?;`, runID)
	r, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, ErrNotFound
		}
		return RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// TransitionRun moves a run to state `to` only if its current state is one of
// from. It reports whether the transition happened.
func (s *Store) TransitionRun(ctx context.Context, runID string, from []string, to, reason string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition run: from states are required")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, reason, s.nowMs(), runID}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET state = ?, reason = ?, updated_at_ms = ?
		WHERE run_id = ? AND state IN (`+placeholders+`);
	`, args...)
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition run rows affected: %w", err)
	}
	return n == 1, nil
}

// AppendRunTrace appends one JSON-encodable step to the run's trace.
func (s *Store) AppendRunTrace(ctx context.Context, runID string, step any) error {
	raw, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode trace step: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET trace_json = json_insert(trace_json, '$[#]', json(?)), updated_at_ms = ?
		WHERE run_id = ?;
	`, string(raw), s.nowMs(), runID)
	if err != nil {
		return fmt.Errorf("append run trace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append run trace rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns runs newest first, optionally filtered by user and state.
func (s *Store) ListRuns(ctx context.Context, userID, state string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE (? = '' OR user_id = ?) AND (? = '' OR state = ?)
		ORDER BY updated_at_ms DESC
		LIMIT ?;
	`, userID, userID, state, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
