package events

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func fixedCanonicalizer() Canonicalizer {
	return Canonicalizer{
		Now:   func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string { return "generated" },
	}
}

func TestCanonicalize_AliasesAndHoisting(t *testing.T) {
	c := fixedCanonicalizer()
	ev, err := c.Canonicalize(map[string]any{
		"userId":    "u1",
		"eventType": "user_message",
		"tabId":     "tab-7",
		"text":      "Write a sort function",
		"ts_ms":     float64(1767225600000),
		"provider":  "claude",
	})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := Event{
		ID:        "generated",
		UserID:    "u1",
		TabID:     "tab-7",
		TraceID:   "generated",
		Provider:  "claude",
		Type:      TypeUserMessage,
		Body:      map[string]any{"text": "Write a sort function"},
		Timestamp: time.UnixMilli(1767225600000).UTC(),
	}
	want.Fingerprint = Fingerprint("u1", TypeUserMessage, "Write a sort function")
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestCanonicalize_ReusesIngressID(t *testing.T) {
	raw := map[string]any{"user_id": "u1", "type": "FEEDBACK", "event_id": "evt-42"}
	a, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	b, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if a.ID != "evt-42" || b.ID != "evt-42" {
		t.Fatalf("expected reused id, got %q and %q", a.ID, b.ID)
	}
	if a.Fingerprint != b.Fingerprint {
		t.Fatalf("duplicate deliveries must fingerprint identically")
	}
}

func TestCanonicalize_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		raw   map[string]any
		field string
	}{
		{"nil", nil, "event"},
		{"missing user", map[string]any{"type": "USER_MESSAGE", "text": "hi"}, "user_id"},
		{"blank user", map[string]any{"user_id": "  ", "type": "USER_MESSAGE", "text": "hi"}, "user_id"},
		{"missing type", map[string]any{"user_id": "u1", "text": "hi"}, "type"},
		{"unknown type", map[string]any{"user_id": "u1", "type": "TELEPORT"}, "type"},
		{"message without text", map[string]any{"user_id": "u1", "type": "USER_MESSAGE"}, "payload.text"},
		{"payload not object", map[string]any{"user_id": "u1", "type": "NAVIGATE", "payload": "x"}, "payload"},
		{"bad timestamp", map[string]any{"user_id": "u1", "type": "NAVIGATE", "timestamp": "yesterday"}, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonicalize(tt.raw)
			var malformed *MalformedEventError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedEventError, got %v", err)
			}
			if malformed.Field != tt.field {
				t.Fatalf("field = %q, want %q", malformed.Field, tt.field)
			}
		})
	}
}

func TestCanonicalize_TypeAliases(t *testing.T) {
	ev, err := Canonicalize(map[string]any{"user_id": "u1", "type": "user_feedback"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if ev.Type != TypeFeedback {
		t.Fatalf("type = %q, want FEEDBACK", ev.Type)
	}
}

func TestCanonicalize_Timestamps(t *testing.T) {
	c := fixedCanonicalizer()
	tests := []struct {
		in   any
		want time.Time
	}{
		{float64(1767225600), time.Unix(1767225600, 0).UTC()},
		{float64(1767225600123), time.UnixMilli(1767225600123).UTC()},
		{"2026-01-01T00:00:00Z", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"1767225600", time.Unix(1767225600, 0).UTC()},
	}
	for _, tt := range tests {
		ev, err := c.Canonicalize(map[string]any{"user_id": "u1", "type": "NAVIGATE", "timestamp": tt.in})
		if err != nil {
			t.Fatalf("canonicalize(%v): %v", tt.in, err)
		}
		if !ev.Timestamp.Equal(tt.want) {
			t.Errorf("timestamp(%v) = %v, want %v", tt.in, ev.Timestamp, tt.want)
		}
	}
	ev, err := c.Canonicalize(map[string]any{"user_id": "u1", "type": "NAVIGATE"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if !ev.Timestamp.Equal(c.Now()) {
		t.Fatalf("missing timestamp should default to now, got %v", ev.Timestamp)
	}
}

func TestCanonicalize_DoesNotAliasRawPayload(t *testing.T) {
	payload := map[string]any{"url": "https://example.com"}
	ev, err := Canonicalize(map[string]any{"user_id": "u1", "type": "NAVIGATE", "payload": payload})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	payload["url"] = "mutated"
	if ev.String("url") != "https://example.com" {
		t.Fatalf("event payload changed with raw input: %q", ev.String("url"))
	}
	cp := ev.Payload()
	cp["url"] = "also mutated"
	if ev.String("url") != "https://example.com" {
		t.Fatal("Payload() must return a copy")
	}
}

func TestEvent_EncodeDecode(t *testing.T) {
	ev := New("e1", "u1", "t1", "r1", TypeRunStateChanged, map[string]any{"from_state": "planning"}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	raw, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(ev, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
