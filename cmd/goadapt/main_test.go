package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// execute runs the root command against an isolated home directory.
func execute(t *testing.T, home, stdin string, args ...string) (string, error) {
	t.Helper()
	homeDir, logLevel, jsonOut = "", "", false
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--home", home}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

const sampleEvents = `{"userId":"u1","eventType":"user_message","tabId":"tab-1","text":"write a sort function","ts_ms":1767225600000}
{"user_id":"u1","type":"AI_RESPONSE","tab_id":"tab-1","payload":{"text":"here you go"},"ts_ms":1767225601000}
not json at all
{"type":"USER_MESSAGE","text":"no user"}

{"user_id":"u1","type":"USER_MESSAGE","tab_id":"tab-1","text":"thanks, that works","ts_ms":1767225602000}
`

func TestIngest_ReportsAndDrains(t *testing.T) {
	home := t.TempDir()
	out, err := execute(t, home, sampleEvents, "ingest", "-")
	require.NoError(t, err)

	var rep ingestReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep), out)
	if rep.Read != 5 || rep.Enqueued != 3 || rep.Malformed != 2 {
		t.Fatalf("report = %+v, want read 5, enqueued 3, malformed 2", rep)
	}
	if rep.Pending != 0 {
		t.Fatalf("pending = %d, want 0", rep.Pending)
	}
	_, err = os.Stat(filepath.Join(home, "goadapt.db"))
	require.NoError(t, err)
}

func TestIngest_FromFile(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"user_id":"u2","type":"NAVIGATE","event_id":"n1"}`+"\n"), 0o644))

	out, err := execute(t, home, "", "ingest", path)
	require.NoError(t, err)
	var rep ingestReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep), out)
	if rep.Enqueued != 1 || rep.Malformed != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestDLQList_EmptyIsJSONArray(t *testing.T) {
	out, err := execute(t, t.TempDir(), "", "dlq", "list", "--user", "u1")
	require.NoError(t, err)
	require.JSONEq(t, "[]", out)
}

func TestBanditStats_WithDomainListsEveryStrategy(t *testing.T) {
	out, err := execute(t, t.TempDir(), "", "bandit", "stats", "u1", "--domain", "coding")
	require.NoError(t, err)
	var arms []struct {
		Strategy string `json:"strategy"`
		Shown    int    `json:"shown"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &arms), out)
	require.Len(t, arms, 4)
	for _, a := range arms {
		if a.Shown != 0 {
			t.Fatalf("arm %s shown = %d, want 0", a.Strategy, a.Shown)
		}
	}
}

func TestRunStatus_UnknownRun(t *testing.T) {
	_, err := execute(t, t.TempDir(), "", "run", "status", "missing")
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestRunList_Empty(t *testing.T) {
	out, err := execute(t, t.TempDir(), "", "run", "list")
	require.NoError(t, err)
	require.JSONEq(t, "[]", out)
}

func TestHealth_Local(t *testing.T) {
	out, err := execute(t, t.TempDir(), "", "health", "--local")
	require.NoError(t, err)
	var h map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &h), out)
	require.EqualValues(t, 0, h["pending_depth"])
}

func TestHealth_Gateway(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()
	t.Setenv("GOADAPT_GATEWAY_ADDR", ts.Listener.Addr().String())

	out, err := execute(t, t.TempDir(), "", "health")
	require.NoError(t, err)
	require.Contains(t, out, `"status":"ok"`)
}

func TestHealth_GatewayUnhealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer ts.Close()
	t.Setenv("GOADAPT_GATEWAY_ADDR", ts.Listener.Addr().String())

	_, err := execute(t, t.TempDir(), "", "health")
	if err == nil {
		t.Fatal("expected error for unhealthy gateway")
	}
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "http://127.0.0.1:18790/healthz"},
		{"127.0.0.1:9000", "http://127.0.0.1:9000/healthz"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000/healthz"},
		{":9000", "http://127.0.0.1:9000/healthz"},
		{"http://example.test/", "http://example.test/healthz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.in); got != tt.want {
			t.Fatalf("healthURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
