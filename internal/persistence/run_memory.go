package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/goadapt/internal/events"
)

// RunMemoryRecord is the durable long-term memory of one run. JSON columns are
// carried as encoded strings; the policy package owns their shape.
type RunMemoryRecord struct {
	RunID          string    `json:"run_id"`
	UserID         string    `json:"user_id"`
	TabID          string    `json:"tab_id"`
	Goal           string    `json:"goal"`
	Query          string    `json:"query"`
	PolicySnapshot string    `json:"policy_snapshot"`
	PromptDelta    string    `json:"prompt_delta"`
	Patch          string    `json:"patch"`
	HasPatch       bool      `json:"has_patch"`
	Metrics        string    `json:"metrics"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const runMemoryColumns = `run_id, user_id, tab_id, goal, query, policy_snapshot, prompt_delta, patch, has_patch,
	metrics, created_at_ms, updated_at_ms`

func scanRunMemory(scanFn func(dest ...any) error) (RunMemoryRecord, error) {
	var (
		rec       RunMemoryRecord
		hasPatch  int
		createdAt int64
		updatedAt int64
	)
	if err := scanFn(&rec.RunID, &rec.UserID, &rec.TabID, &rec.Goal, &rec.Query, &rec.PolicySnapshot,
		&rec.PromptDelta, &rec.Patch, &hasPatch, &rec.Metrics, &createdAt, &updatedAt); err != nil {
		return RunMemoryRecord{}, err
	}
	rec.HasPatch = hasPatch != 0
	rec.CreatedAt = fromMs(createdAt)
	rec.UpdatedAt = fromMs(updatedAt)
	return rec, nil
}

func orJSON(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// InsertRunMemory writes a run memory unless the stored record already
// carries a patch. The existence check and the write are one conditional
// statement, so a baseline write can never replace a learned patch however
// the two race. written is false when the write was skipped.
//
// Descriptive fields left empty by the caller keep their stored values.
func (s *Store) InsertRunMemory(ctx context.Context, rec RunMemoryRecord) (bool, error) {
	if rec.RunID == "" {
		return false, fmt.Errorf("insert run memory: run id is required")
	}
	now := s.nowMs()
	createdAt := now
	if !rec.CreatedAt.IsZero() {
		createdAt = rec.CreatedAt.UnixMilli()
	}
	hasPatch := 0
	if rec.HasPatch {
		hasPatch = 1
	}
	var written bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO run_memory (`+runMemoryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				user_id = COALESCE(NULLIF(excluded.user_id, ''), run_memory.user_id),
				tab_id = COALESCE(NULLIF(excluded.tab_id, ''), run_memory.tab_id),
				goal = COALESCE(NULLIF(excluded.goal, ''), run_memory.goal),
				query = COALESCE(NULLIF(excluded.query, ''), run_memory.query),
				policy_snapshot = CASE WHEN excluded.policy_snapshot = '{}' THEN run_memory.policy_snapshot ELSE excluded.policy_snapshot END,
				prompt_delta = excluded.prompt_delta,
				patch = excluded.patch,
				has_patch = excluded.has_patch,
				metrics = CASE WHEN excluded.metrics = '{}' THEN run_memory.metrics ELSE excluded.metrics END,
				updated_at_ms = excluded.updated_at_ms
			WHERE run_memory.has_patch = 0;
		`, rec.RunID, rec.UserID, rec.TabID, rec.Goal, rec.Query, orJSON(rec.PolicySnapshot, "{}"),
			orJSON(rec.PromptDelta, "{}"), orJSON(rec.Patch, "{}"), hasPatch, orJSON(rec.Metrics, "{}"), createdAt, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		written = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert run memory: %w", err)
	}
	return written, nil
}

// FetchRunMemory returns the record for runID; ok is false when absent.
func (s *Store) FetchRunMemory(ctx context.Context, runID string) (RunMemoryRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runMemoryColumns+` FROM run_memory WHERE run_id = ?;`, runID)
	rec, err := scanRunMemory(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunMemoryRecord{}, false, nil
		}
		return RunMemoryRecord{}, false, fmt.Errorf("fetch run memory: %w", err)
	}
	return rec, true, nil
}

const searchCandidateLimit = 200

// ScoredRunMemory is a search hit with its term-overlap score.
type ScoredRunMemory struct {
	RunMemoryRecord
	Score int `json:"score"`
}

func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

// SearchRunMemory ranks patched run memories by how many of terms appear in
// their goal and query. Ties go to the most recently updated record. A LIKE
// prefilter bounds the candidate set before scoring.
func (s *Store) SearchRunMemory(ctx context.Context, terms []string, limit int) ([]ScoredRunMemory, error) {
	if limit <= 0 {
		limit = 1
	}
	uniq := make([]string, 0, len(terms))
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		uniq = append(uniq, t)
	}
	if len(uniq) == 0 {
		return nil, nil
	}

	var (
		clauses []string
		args    []any
	)
	for _, t := range uniq {
		pattern := "%" + escapeLike(t) + "%"
		clauses = append(clauses, `lower(goal) LIKE ? ESCAPE '\' OR lower(query) LIKE ? ESCAPE '\'`)
		args = append(args, pattern, pattern)
	}
	args = append(args, searchCandidateLimit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runMemoryColumns+`
		FROM run_memory
		WHERE has_patch = 1 AND (`+strings.Join(clauses, " OR ")+`)
		ORDER BY updated_at_ms DESC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search run memory: %w", err)
	}
	defer rows.Close()

	var hits []ScoredRunMemory
	for rows.Next() {
		rec, err := scanRunMemory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run memory: %w", err)
		}
		tokens := make(map[string]bool)
		for _, tok := range strings.Fields(events.NormalizeText(rec.Goal + " " + rec.Query)) {
			tokens[tok] = true
		}
		score := 0
		for _, t := range uniq {
			if tokens[t] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, ScoredRunMemory{RunMemoryRecord: rec, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
