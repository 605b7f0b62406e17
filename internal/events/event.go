// Package events defines the canonical event shape every inbound interaction
// is normalized into before it enters the stream.
package events

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

type Type string

const (
	TypeUserMessage     Type = "USER_MESSAGE"
	TypeAIResponse      Type = "AI_RESPONSE"
	TypeFeedback        Type = "FEEDBACK"
	TypeRunStarted      Type = "RUN_STARTED"
	TypeRunStateChanged Type = "RUN_STATE_CHANGED"
	TypeRunPaused       Type = "RUN_PAUSED"
	TypeRunFailed       Type = "RUN_FAILED"
	TypeRunCompleted    Type = "RUN_COMPLETED"
	TypeNavigate        Type = "NAVIGATE"
	TypePageExtract     Type = "PAGE_EXTRACT"
)

var knownTypes = map[Type]struct{}{
	TypeUserMessage:     {},
	TypeAIResponse:      {},
	TypeFeedback:        {},
	TypeRunStarted:      {},
	TypeRunStateChanged: {},
	TypeRunPaused:       {},
	TypeRunFailed:       {},
	TypeRunCompleted:    {},
	TypeNavigate:        {},
	TypePageExtract:     {},
}

// typeAliases maps legacy producer spellings onto canonical types.
var typeAliases = map[string]Type{
	"USER_FEEDBACK": TypeFeedback,
	"RESPONSE":      TypeAIResponse,
	"MESSAGE":       TypeUserMessage,
}

// Valid reports whether t is one of the canonical event types.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is the immutable canonical form of an interaction. Fields are
// exported for encoding only; callers must treat values as read-only and use
// Payload() to obtain a private copy of the payload map.
type Event struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	TabID       string         `json:"tab_id,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Type        Type           `json:"type"`
	Body        map[string]any `json:"payload"`
	Timestamp   time.Time      `json:"timestamp"`
	Fingerprint string         `json:"fingerprint"`
}

// Payload returns a shallow copy of the event payload.
func (e Event) Payload() map[string]any {
	return maps.Clone(e.Body)
}

// Text returns payload.text, or "" when absent or not a string.
func (e Event) Text() string {
	return e.String("text")
}

// String returns a payload field rendered as a string.
func (e Event) String(key string) string {
	v, ok := e.Body[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Float returns a numeric payload field.
func (e Event) Float(key string) (float64, bool) {
	switch v := e.Body[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Encode serializes the event for the durable log.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode reverses Encode.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Body == nil {
		e.Body = map[string]any{}
	}
	return e, nil
}

// New builds an event emitted by the process itself (run transitions,
// completion records). It applies the same fingerprinting as Canonicalize.
func New(id, userID, tabID, runID string, typ Type, payload map[string]any, ts time.Time) Event {
	body := maps.Clone(payload)
	if body == nil {
		body = map[string]any{}
	}
	ev := Event{
		ID:        id,
		UserID:    userID,
		TabID:     tabID,
		RunID:     runID,
		Type:      typ,
		Body:      body,
		Timestamp: ts.UTC(),
	}
	ev.Fingerprint = Fingerprint(userID, typ, payloadText(body))
	return ev
}
