package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/goadapt/internal/shared"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := DenyCount()
	Record(DecisionDeny, "stream.dead_letter", "DEAD_LETTER_MAX_RETRIES", "evt-1")
	ctx := shared.WithTraceID(context.Background(), "trace-9")
	RecordContext(ctx, DecisionSkip, "policy.patch", "already_learned", "run-1")

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0]["decision"] != "deny" || entries[0]["action"] != "stream.dead_letter" {
		t.Fatalf("unexpected first entry: %#v", entries[0])
	}
	if _, ok := entries[0]["trace_id"]; ok {
		t.Fatalf("expected no trace_id without context trace: %#v", entries[0])
	}
	if entries[1]["trace_id"] != "trace-9" || entries[1]["subject"] != "run-1" {
		t.Fatalf("unexpected second entry: %#v", entries[1])
	}
	if got := DenyCount() - before; got != 1 {
		t.Fatalf("deny count delta = %d, want 1", got)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(DecisionDeny, "stream.dead_letter", "upstream said api_key=abc123secret", "evt-2")
	entries := readEntries(t, home)
	if reason, _ := entries[0]["reason"].(string); strings.Contains(reason, "abc123secret") {
		t.Fatalf("secret leaked into audit log: %q", reason)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(DecisionAllow, "test.op1", "test", "subject1")
	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	Record(DecisionAllow, "test.op2", "test", "subject2")
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, size before=%d after=%d", info1.Size(), info2.Size())
	}
	if got := len(readEntries(t, home)); got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}
}
