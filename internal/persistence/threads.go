package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	ThreadStatusOpen   = "open"
	ThreadStatusClosed = "closed"

	OutcomePending = "pending"
	OutcomeSuccess = "success"
	OutcomeFail    = "fail"
)

// FingerprintMark is one message fingerprint in a thread's chain.
type FingerprintMark struct {
	Fingerprint string    `json:"fingerprint"`
	At          time.Time `json:"at"`
}

// AttemptThread groups one user's repeated attempts at one goal.
type AttemptThread struct {
	ThreadID         string            `json:"thread_id"`
	UserID           string            `json:"user_id"`
	Domain           string            `json:"domain"`
	StrategyID       string            `json:"strategy_id,omitempty"`
	Status           string            `json:"status"`
	Outcome          string            `json:"outcome"`
	Reward           float64           `json:"reward"`
	Reason           string            `json:"reason,omitempty"`
	FingerprintChain []FingerprintMark `json:"fingerprint_chain"`
	LastEventType    string            `json:"last_event_type"`
	LastEventID      string            `json:"last_event_id"`
	LastEventAt      time.Time         `json:"last_event_at"`
	CreatedAt        time.Time         `json:"created_at"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty"`
}

const threadColumns = `thread_id, user_id, domain, strategy_id, status, outcome, reward, reason,
	fingerprint_chain, last_event_type, last_event_id, last_event_at_ms, created_at_ms, closed_at_ms`

func scanThread(scanFn func(dest ...any) error) (AttemptThread, error) {
	var (
		th        AttemptThread
		chainJSON string
		lastAt    int64
		createdAt int64
		closedAt  sql.NullInt64
	)
	if err := scanFn(&th.ThreadID, &th.UserID, &th.Domain, &th.StrategyID, &th.Status, &th.Outcome, &th.Reward,
		&th.Reason, &chainJSON, &th.LastEventType, &th.LastEventID, &lastAt, &createdAt, &closedAt); err != nil {
		return AttemptThread{}, err
	}
	if chainJSON != "" {
		if err := json.Unmarshal([]byte(chainJSON), &th.FingerprintChain); err != nil {
			return AttemptThread{}, fmt.Errorf("decode fingerprint chain: %w", err)
		}
	}
	th.LastEventAt = fromMs(lastAt)
	th.CreatedAt = fromMs(createdAt)
	th.ClosedAt = fromNullMs(closedAt)
	return th, nil
}

// LatestOpenThread returns the user's most recently active open thread, or
// nil if there is none.
func (s *Store) LatestOpenThread(ctx context.Context, userID string) (*AttemptThread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM attempt_threads
		WHERE user_id = ? AND status = ?
		ORDER BY last_event_at_ms DESC, created_at_ms DESC
		LIMIT 1;
	`, userID, ThreadStatusOpen)
	th, err := scanThread(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select latest open thread: %w", err)
	}
	return &th, nil
}

// OpenThreads lists every open thread of a user, newest activity first.
func (s *Store) OpenThreads(ctx context.Context, userID string) ([]AttemptThread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM attempt_threads
		WHERE user_id = ? AND status = ?
		ORDER BY last_event_at_ms DESC;
	`, userID, ThreadStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("list open threads: %w", err)
	}
	defer rows.Close()
	var out []AttemptThread
	for rows.Next() {
		th, err := scanThread(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// GetThread looks a thread up by id.
func (s *Store) GetThread(ctx context.Context, threadID string) (AttemptThread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM attempt_threads WHERE thread_id = ?;`, threadID)
	th, err := scanThread(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AttemptThread{}, ErrNotFound
		}
		return AttemptThread{}, fmt.Errorf("select thread: %w", err)
	}
	return th, nil
}

func upsertThreadTx(ctx context.Context, tx *sql.Tx, th AttemptThread) error {
	chain := th.FingerprintChain
	if chain == nil {
		chain = []FingerprintMark{}
	}
	chainJSON, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("encode fingerprint chain: %w", err)
	}
	var closedAt any
	if th.ClosedAt != nil {
		closedAt = th.ClosedAt.UnixMilli()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attempt_threads (`+threadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			domain = excluded.domain,
			strategy_id = excluded.strategy_id,
			status = excluded.status,
			outcome = excluded.outcome,
			reward = excluded.reward,
			reason = excluded.reason,
			fingerprint_chain = excluded.fingerprint_chain,
			last_event_type = excluded.last_event_type,
			last_event_id = excluded.last_event_id,
			last_event_at_ms = excluded.last_event_at_ms,
			closed_at_ms = excluded.closed_at_ms
		WHERE attempt_threads.status = 'open';
	`, th.ThreadID, th.UserID, th.Domain, th.StrategyID, th.Status, th.Outcome, th.Reward, th.Reason,
		string(chainJSON), th.LastEventType, th.LastEventID, th.LastEventAt.UnixMilli(), th.CreatedAt.UnixMilli(), closedAt); err != nil {
		return fmt.Errorf("upsert thread %s: %w", th.ThreadID, err)
	}
	return nil
}

// ApplyThreadUpdate writes thread mutations together with the processed
// marker for (handler, eventID). When the marker already exists nothing is
// written and applied is false. Closed threads are never reopened.
func (s *Store) ApplyThreadUpdate(ctx context.Context, handler, eventID string, threads ...AttemptThread) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin thread update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fresh, err := markProcessedTx(ctx, tx, handler, eventID)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}
	for _, th := range threads {
		if err := upsertThreadTx(ctx, tx, th); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit thread update tx: %w", err)
	}
	return true, nil
}

// ExpireIdleThreads force-closes open threads whose last activity is before
// cutoff with outcome pending and zero reward, returning the closed threads.
func (s *Store) ExpireIdleThreads(ctx context.Context, cutoff time.Time, reason string) ([]AttemptThread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire threads tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM attempt_threads
		WHERE status = ? AND last_event_at_ms < ?
		ORDER BY last_event_at_ms ASC;
	`, ThreadStatusOpen, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("select idle threads: %w", err)
	}
	var idle []AttemptThread
	for rows.Next() {
		th, err := scanThread(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan idle thread: %w", err)
		}
		idle = append(idle, th)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := s.now()
	for i := range idle {
		if _, err := tx.ExecContext(ctx, `
			UPDATE attempt_threads
			SET status = ?, outcome = ?, reward = 0, reason = ?, closed_at_ms = ?
			WHERE thread_id = ? AND status = ?;
		`, ThreadStatusClosed, OutcomePending, reason, now.UnixMilli(), idle[i].ThreadID, ThreadStatusOpen); err != nil {
			return nil, fmt.Errorf("expire thread %s: %w", idle[i].ThreadID, err)
		}
		closedAt := now.UTC().Truncate(time.Millisecond)
		idle[i].Status = ThreadStatusClosed
		idle[i].Outcome = OutcomePending
		idle[i].Reward = 0
		idle[i].Reason = reason
		idle[i].ClosedAt = &closedAt
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire threads tx: %w", err)
	}
	return idle, nil
}
