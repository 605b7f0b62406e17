package schema

import (
	"errors"
	"testing"
)

const pairSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string"},
		"count": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

func TestValidateJSON(t *testing.T) {
	v := MustCompile("pair", pairSchema)
	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"valid", `{"name": "a", "count": 2}`, true},
		{"missing required", `{"count": 2}`, false},
		{"negative", `{"name": "a", "count": -1}`, false},
		{"extra field", `{"name": "a", "x": 1}`, false},
		{"not json", `{name`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateJSON([]byte(tt.doc))
			if (err == nil) != tt.valid {
				t.Fatalf("ValidateJSON(%s) = %v, want valid=%v", tt.doc, err, tt.valid)
			}
			var verr *ValidationError
			if err != nil && !errors.As(err, &verr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
		})
	}
}

func TestValidateText_ExtractsFencedJSON(t *testing.T) {
	v := MustCompile("pair", pairSchema)
	doc, err := v.ValidateText("Here is the plan:\n```json\n{\"name\": \"a\"}\n```\nDone.")
	if err != nil {
		t.Fatalf("ValidateText: %v", err)
	}
	if doc != `{"name": "a"}` {
		t.Fatalf("doc = %q", doc)
	}
	if _, err := v.ValidateText("no json here"); err == nil {
		t.Fatal("expected error for text without JSON")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := map[string]string{
		"prefix {\"a\": \"}\"} suffix": `{"a": "}"}`,
		"```\n[1, 2]\n```":             `[1, 2]`,
		"nothing":                      "",
		"{broken":                      "",
	}
	for in, want := range tests {
		if got := ExtractJSON(in); got != want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompile_RejectsBadSchema(t *testing.T) {
	if _, err := Compile("bad", `{"type": 12}`); err == nil {
		t.Fatal("expected compile error")
	}
}
