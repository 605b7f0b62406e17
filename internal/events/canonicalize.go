package events

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MalformedEventError rejects a raw event at the ingress boundary. Such
// events never reach the stream.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s %s", e.Field, e.Reason)
}

// Canonicalizer turns loosely-typed ingress maps into Events. Now and NewID
// are injectable so the transformation stays deterministic under test.
type Canonicalizer struct {
	Now   func() time.Time
	NewID func() string
}

var defaultCanonicalizer = Canonicalizer{}

// Canonicalize normalizes raw with the process clock and uuid ids.
func Canonicalize(raw map[string]any) (Event, error) {
	return defaultCanonicalizer.Canonicalize(raw)
}

var (
	userIDKeys    = []string{"user_id", "userId", "user"}
	typeKeys      = []string{"type", "event_type", "eventType"}
	tabIDKeys     = []string{"tab_id", "tabId"}
	runIDKeys     = []string{"run_id", "runId"}
	eventIDKeys   = []string{"id", "event_id", "eventId"}
	traceIDKeys   = []string{"trace_id", "traceId"}
	timestampKeys = []string{"timestamp", "ts_ms", "ts"}
)

func (c Canonicalizer) Canonicalize(raw map[string]any) (Event, error) {
	if raw == nil {
		return Event{}, &MalformedEventError{Field: "event", Reason: "is empty"}
	}
	userID := firstString(raw, userIDKeys)
	if userID == "" {
		return Event{}, &MalformedEventError{Field: "user_id", Reason: "is required"}
	}
	rawType := firstString(raw, typeKeys)
	if rawType == "" {
		return Event{}, &MalformedEventError{Field: "type", Reason: "is required"}
	}
	typ, err := parseType(rawType)
	if err != nil {
		return Event{}, err
	}

	payload := map[string]any{}
	switch p := raw["payload"].(type) {
	case map[string]any:
		payload = maps.Clone(p)
	case nil:
	default:
		return Event{}, &MalformedEventError{Field: "payload", Reason: "must be an object"}
	}
	if text, ok := raw["text"].(string); ok {
		if _, has := payload["text"]; !has {
			payload["text"] = text
		}
	}
	if typ == TypeUserMessage || typ == TypeAIResponse {
		if s, _ := payload["text"].(string); strings.TrimSpace(s) == "" {
			return Event{}, &MalformedEventError{Field: "payload.text", Reason: fmt.Sprintf("is required for %s", typ)}
		}
	}

	ts, err := c.timestamp(raw)
	if err != nil {
		return Event{}, err
	}

	id := firstString(raw, eventIDKeys)
	if id == "" {
		id = c.newID()
	}
	traceID := firstString(raw, traceIDKeys)
	if traceID == "" {
		traceID = c.newID()
	}

	ev := New(id, userID, firstString(raw, tabIDKeys), firstString(raw, runIDKeys), typ, payload, ts)
	ev.TraceID = traceID
	ev.Provider = firstString(raw, []string{"provider"})
	return ev, nil
}

func (c Canonicalizer) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

func (c Canonicalizer) timestamp(raw map[string]any) (time.Time, error) {
	for _, key := range timestampKeys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		ts, err := parseTimestamp(v)
		if err != nil {
			return time.Time{}, &MalformedEventError{Field: key, Reason: err.Error()}
		}
		return ts, nil
	}
	if c.Now != nil {
		return c.Now().UTC(), nil
	}
	return time.Now().UTC(), nil
}

func parseType(raw string) (Type, error) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	if alias, ok := typeAliases[upper]; ok {
		return alias, nil
	}
	t := Type(upper)
	if !t.Valid() {
		return "", &MalformedEventError{Field: "type", Reason: fmt.Sprintf("%q is not a known event type", raw)}
	}
	return t, nil
}

// parseTimestamp accepts epoch milliseconds, epoch seconds, or RFC3339.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case float64:
		return fromEpoch(t), nil
	case int:
		return fromEpoch(float64(t)), nil
	case int64:
		return fromEpoch(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("is not numeric")
		}
		return fromEpoch(f), nil
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return fromEpoch(f), nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("is not a timestamp")
	case time.Time:
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("has unsupported type %T", v)
}

// fromEpoch treats values above 1e11 as milliseconds.
func fromEpoch(v float64) time.Time {
	if math.Abs(v) >= 1e11 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func firstString(raw map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		case json.Number:
			return v.String()
		}
	}
	return ""
}
