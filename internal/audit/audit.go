package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/goadapt/internal/shared"
)

// Decisions recorded by the learning loop.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionSkip  = "skip"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens <home>/logs/audit.jsonl for appending. Records made before Init
// only reach the database, if one is set.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors records into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. subject identifies the affected entity (an
// event id, run id or thread id).
func Record(decision, action, reason, subject string) {
	RecordContext(context.Background(), decision, action, reason, subject)
}

// RecordContext is Record with the trace id taken from ctx.
func RecordContext(ctx context.Context, decision, action, reason, subject string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason)
	}
}
