package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/basket/goadapt/internal/audit"
	"github.com/basket/goadapt/internal/bus"
	"github.com/basket/goadapt/internal/shared"
)

// Deterministic reason codes for retry and terminal states.
const (
	ReasonRetryHandlerError      = "RETRY_HANDLER_ERROR"
	ReasonDeadLetterMaxRetries   = "DEAD_LETTER_MAX_RETRIES"
	ReasonDeadLetterPermanent    = "DEAD_LETTER_PERMANENT"
	defaultMaxRetries            = 5
	defaultRetryBaseDelay        = 500 * time.Millisecond
	defaultRetryMaxDelay         = 30 * time.Second
	maxStoredErrorLen            = 2048
	maxStoredFingerprintInputLen = 512
)

type EventStatus string

const (
	EventStatusPending      EventStatus = "PENDING"
	EventStatusAcked        EventStatus = "ACKED"
	EventStatusDeadLettered EventStatus = "DEAD_LETTERED"
)

// StreamEvent is one row of the durable per-partition event log.
type StreamEvent struct {
	Seq            int64       `json:"seq"`
	EventID        string      `json:"event_id"`
	PartitionKey   string      `json:"partition_key"`
	EventType      string      `json:"event_type"`
	Payload        []byte      `json:"-"`
	Status         EventStatus `json:"status"`
	Attempt        int         `json:"attempt"`
	AvailableAt    time.Time   `json:"available_at"`
	LastError      string      `json:"last_error,omitempty"`
	LastReasonCode string      `json:"last_reason_code,omitempty"`
	FirstFailedAt  *time.Time  `json:"first_failed_at,omitempty"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	AckedAt        *time.Time  `json:"acked_at,omitempty"`
}

// DeadLetter is an append-only record of an event that exhausted delivery.
type DeadLetter struct {
	ID             int64     `json:"id"`
	EventID        string    `json:"event_id"`
	PartitionKey   string    `json:"partition_key"`
	EventType      string    `json:"event_type"`
	Payload        []byte    `json:"-"`
	FailureReason  string    `json:"failure_reason"`
	ReasonCode     string    `json:"reason_code"`
	RetryCount     int       `json:"retry_count"`
	FirstFailedAt  time.Time `json:"first_failed_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// RetryPolicy bounds redelivery of a failing event.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultRetryMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "RETRIED"
	FailureOutcomeDeadLetter FailureOutcome = "DEAD_LETTER"
)

// FailureDecision reports what HandleEventFailure did with a failed delivery.
type FailureDecision struct {
	Outcome          FailureOutcome `json:"outcome"`
	Attempt          int            `json:"attempt"`
	MaxRetries       int            `json:"max_retries"`
	BackoffUntil     *time.Time     `json:"backoff_until,omitempty"`
	ReasonCode       string         `json:"reason_code"`
	ErrorFingerprint string         `json:"error_fingerprint"`
}

// AppendEvent durably appends an event to its partition. A duplicate event id
// is a no-op and reports inserted=false.
func (s *Store) AppendEvent(ctx context.Context, eventID, partitionKey, eventType string, payload []byte) (bool, error) {
	if eventID == "" || partitionKey == "" {
		return false, fmt.Errorf("append event: event id and partition key are required")
	}
	now := s.nowMs()
	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO stream_events
				(event_id, partition_key, event_type, event_json, status, attempt, available_at_ms, enqueued_at_ms)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?);
		`, eventID, partitionKey, eventType, string(payload), EventStatusPending, now, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	return inserted, nil
}

const streamEventColumns = `seq, event_id, partition_key, event_type, event_json, status, attempt, available_at_ms,
	COALESCE(last_error, ''), COALESCE(last_reason_code, ''), first_failed_at_ms, enqueued_at_ms, acked_at_ms`

func scanStreamEvent(scanFn func(dest ...any) error) (StreamEvent, error) {
	var (
		ev          StreamEvent
		payload     string
		availableAt int64
		enqueuedAt  int64
		firstFailed sql.NullInt64
		ackedAt     sql.NullInt64
	)
	if err := scanFn(&ev.Seq, &ev.EventID, &ev.PartitionKey, &ev.EventType, &payload, &ev.Status, &ev.Attempt,
		&availableAt, &ev.LastError, &ev.LastReasonCode, &firstFailed, &enqueuedAt, &ackedAt); err != nil {
		return StreamEvent{}, err
	}
	ev.Payload = []byte(payload)
	ev.AvailableAt = fromMs(availableAt)
	ev.EnqueuedAt = fromMs(enqueuedAt)
	ev.FirstFailedAt = fromNullMs(firstFailed)
	ev.AckedAt = fromNullMs(ackedAt)
	return ev, nil
}

// HeadOfPartition returns the oldest unacknowledged event of a partition, or
// nil when the partition is drained. The head may not yet be available if it
// is waiting out a retry backoff; callers must honour AvailableAt.
func (s *Store) HeadOfPartition(ctx context.Context, partitionKey string) (*StreamEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+streamEventColumns+`
		FROM stream_events
		WHERE partition_key = ? AND status = ?
		ORDER BY seq ASC
		LIMIT 1;
	`, partitionKey, EventStatusPending)
	ev, err := scanStreamEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select partition head: %w", err)
	}
	return &ev, nil
}

// GetStreamEvent looks an event up by id.
func (s *Store) GetStreamEvent(ctx context.Context, eventID string) (StreamEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+streamEventColumns+`
		FROM stream_events
		WHERE event_id = ?;
	`, eventID)
	ev, err := scanStreamEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StreamEvent{}, ErrNotFound
		}
		return StreamEvent{}, fmt.Errorf("select stream event: %w", err)
	}
	return ev, nil
}

// PendingPartitions lists partitions that still hold unacknowledged events.
// Startup recovery uses it to resume dispatch after a crash.
func (s *Store) PendingPartitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT partition_key
		FROM stream_events
		WHERE status = ?
		GROUP BY partition_key
		ORDER BY MIN(seq);
	`, EventStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending partitions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan pending partition: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// AckEvent removes an event from the redelivery set.
func (s *Store) AckEvent(ctx context.Context, seq int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stream_events
		SET status = ?, acked_at_ms = ?
		WHERE seq = ? AND status = ?;
	`, EventStatusAcked, s.nowMs(), seq, EventStatusPending)
	if err != nil {
		return false, fmt.Errorf("ack event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ack rows affected: %w", err)
	}
	return n == 1, nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > maxStoredFingerprintInputLen {
		normalized = normalized[:maxStoredFingerprintInputLen]
	}
	return hashString(normalized)
}

// retryDelay doubles from the base per attempt, adds a jitter derived from the
// event id so replays compute the same schedule, and caps at MaxDelay.
func retryDelay(eventID string, attempt int, policy RetryPolicy) time.Duration {
	policy = policy.normalized()
	if attempt < 1 {
		attempt = 1
	}
	base := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= policy.MaxDelay {
			base = policy.MaxDelay
			break
		}
	}
	jitterMax := base / 4
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(eventID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	delay := base + time.Duration(int64(jitterSource%uint64(jitterMax)))
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

func truncateError(msg string) string {
	msg = shared.Redact(msg)
	if len(msg) > maxStoredErrorLen {
		msg = msg[:maxStoredErrorLen]
	}
	return msg
}

// HandleEventFailure records a failed delivery and decides between retry and
// dead-lettering in one transaction. The event is dead-lettered when the
// failure is permanent or when this is the MaxRetries-th failure; a
// dead-lettered event is acknowledged on the main log so it never blocks its
// partition.
func (s *Store) HandleEventFailure(ctx context.Context, seq int64, errMsg string, permanent bool, policy RetryPolicy) (FailureDecision, error) {
	policy = policy.normalized()
	errMsg = truncateError(errMsg)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("begin handle failure tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		eventID     string
		partition   string
		eventType   string
		payload     string
		status      EventStatus
		attempt     int
		firstFailed sql.NullInt64
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT event_id, partition_key, event_type, event_json, status, attempt, first_failed_at_ms
		FROM stream_events
		WHERE seq = ?;
	`, seq).Scan(&eventID, &partition, &eventType, &payload, &status, &attempt, &firstFailed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailureDecision{}, ErrNotFound
		}
		return FailureDecision{}, fmt.Errorf("select event for failure handling: %w", err)
	}
	if status != EventStatusPending {
		return FailureDecision{}, fmt.Errorf("event %s is %s, not pending", eventID, status)
	}

	now := s.nowMs()
	firstFailedMs := now
	if firstFailed.Valid {
		firstFailedMs = firstFailed.Int64
	}
	nextAttempt := attempt + 1
	decision := FailureDecision{
		Attempt:          nextAttempt,
		MaxRetries:       policy.MaxRetries,
		ErrorFingerprint: errorFingerprint(errMsg),
	}

	switch {
	case permanent:
		decision.Outcome = FailureOutcomeDeadLetter
		decision.ReasonCode = ReasonDeadLetterPermanent
	case nextAttempt >= policy.MaxRetries:
		decision.Outcome = FailureOutcomeDeadLetter
		decision.ReasonCode = ReasonDeadLetterMaxRetries
	default:
		decision.Outcome = FailureOutcomeRetried
		decision.ReasonCode = ReasonRetryHandlerError
	}

	if decision.Outcome == FailureOutcomeRetried {
		backoff := retryDelay(eventID, nextAttempt, policy)
		until := fromMs(now).Add(backoff)
		decision.BackoffUntil = &until
		if _, err := tx.ExecContext(ctx, `
			UPDATE stream_events
			SET attempt = ?, available_at_ms = ?, last_error = ?, last_reason_code = ?, first_failed_at_ms = ?
			WHERE seq = ? AND status = ?;
		`, nextAttempt, until.UnixMilli(), errMsg, decision.ReasonCode, firstFailedMs, seq, EventStatusPending); err != nil {
			return FailureDecision{}, fmt.Errorf("schedule retry: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return FailureDecision{}, fmt.Errorf("commit handle failure tx: %w", err)
		}
		return decision, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO dead_letters
			(event_id, partition_key, event_type, event_json, failure_reason, reason_code, retry_count, first_failed_at_ms, dead_lettered_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, eventID, partition, eventType, payload, errMsg, decision.ReasonCode, nextAttempt, firstFailedMs, now); err != nil {
		return FailureDecision{}, fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE stream_events
		SET status = ?, attempt = ?, last_error = ?, last_reason_code = ?, first_failed_at_ms = ?, acked_at_ms = ?
		WHERE seq = ? AND status = ?;
	`, EventStatusDeadLettered, nextAttempt, errMsg, decision.ReasonCode, firstFailedMs, now, seq, EventStatusPending); err != nil {
		return FailureDecision{}, fmt.Errorf("mark dead lettered: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return FailureDecision{}, fmt.Errorf("commit handle failure tx: %w", err)
	}

	audit.RecordContext(ctx, audit.DecisionDeny, "stream.dead_letter", decision.ReasonCode+": "+errMsg, eventID)
	s.bus.Publish(bus.TopicEventDeadLetter, bus.DeadLettered{
		EventID:    eventID,
		UserID:     partition,
		RetryCount: nextAttempt,
		ReasonCode: decision.ReasonCode,
		Reason:     errMsg,
	})
	return decision, nil
}

const deadLetterColumns = `id, event_id, partition_key, event_type, event_json, failure_reason, reason_code,
	retry_count, first_failed_at_ms, dead_lettered_at_ms`

func scanDeadLetter(scanFn func(dest ...any) error) (DeadLetter, error) {
	var (
		dl           DeadLetter
		payload      string
		firstFailed  int64
		deadLettered int64
	)
	if err := scanFn(&dl.ID, &dl.EventID, &dl.PartitionKey, &dl.EventType, &payload, &dl.FailureReason, &dl.ReasonCode,
		&dl.RetryCount, &firstFailed, &deadLettered); err != nil {
		return DeadLetter{}, err
	}
	dl.Payload = []byte(payload)
	dl.FirstFailedAt = fromMs(firstFailed)
	dl.DeadLetteredAt = fromMs(deadLettered)
	return dl, nil
}

// ListDeadLetters returns dead letters newest first. An empty partitionKey
// lists all partitions.
func (s *Store) ListDeadLetters(ctx context.Context, partitionKey string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE (? = '' OR partition_key = ?)
		ORDER BY id DESC
		LIMIT ?;
	`, partitionKey, partitionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// PartitionLag describes how far behind one partition's consumer is.
type PartitionLag struct {
	PartitionKey string `json:"partition_key"`
	Pending      int    `json:"pending"`
	LagMs        int64  `json:"lag_ms"`
}

// StreamHealth is a read-only snapshot of the event log.
type StreamHealth struct {
	PendingDepth    int            `json:"pending_depth"`
	DeadLetterDepth int            `json:"dead_letter_depth"`
	Partitions      []PartitionLag `json:"partitions"`
}

// StreamHealth reports pending depth, dead-letter depth and per-partition lag,
// where lag is the age of the oldest unacknowledged event.
func (s *Store) StreamHealth(ctx context.Context) (StreamHealth, error) {
	var h StreamHealth
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM stream_events WHERE status = ?;`, EventStatusPending).Scan(&h.PendingDepth); err != nil {
		return StreamHealth{}, fmt.Errorf("count pending: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM dead_letters;`).Scan(&h.DeadLetterDepth); err != nil {
		return StreamHealth{}, fmt.Errorf("count dead letters: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT partition_key, COUNT(1), MIN(enqueued_at_ms)
		FROM stream_events
		WHERE status = ?
		GROUP BY partition_key
		ORDER BY MIN(enqueued_at_ms) ASC;
	`, EventStatusPending)
	if err != nil {
		return StreamHealth{}, fmt.Errorf("partition lag: %w", err)
	}
	defer rows.Close()
	now := s.nowMs()
	for rows.Next() {
		var (
			lag    PartitionLag
			oldest int64
		)
		if err := rows.Scan(&lag.PartitionKey, &lag.Pending, &oldest); err != nil {
			return StreamHealth{}, fmt.Errorf("scan partition lag: %w", err)
		}
		lag.LagMs = max(now-oldest, 0)
		h.Partitions = append(h.Partitions, lag)
	}
	return h, rows.Err()
}
