// Package schema validates JSON documents, including JSON embedded in model
// output, against compiled JSON Schemas.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator holds one compiled schema.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Compile compiles schemaJSON under name.
func Compile(name string, schemaJSON string) (*Validator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}
	compiled, err := c.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &Validator{name: name, schema: compiled}, nil
}

// MustCompile is Compile for package-level schemas.
func MustCompile(name string, schemaJSON string) *Validator {
	v, err := Compile(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// ValidationError describes a document that does not match its schema.
type ValidationError struct {
	Schema  string
	Message string
	Raw     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Schema, e.Message)
}

// ValidateJSON checks a raw JSON document.
func (v *Validator) ValidateJSON(raw []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return &ValidationError{Schema: v.name, Message: fmt.Sprintf("invalid JSON: %s", err), Raw: string(raw)}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return &ValidationError{Schema: v.name, Message: fmt.Sprintf("schema validation failed: %s", err), Raw: string(raw)}
	}
	return nil
}

// ValidateValue marshals value and validates the result.
func (v *Validator) ValidateValue(value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return &ValidationError{Schema: v.name, Message: fmt.Sprintf("marshal: %s", err)}
	}
	return v.ValidateJSON(raw)
}

// ValidateText extracts the first JSON object or array from free text, such
// as a fenced model reply, validates it and returns the extracted JSON.
func (v *Validator) ValidateText(text string) (string, error) {
	doc := ExtractJSON(text)
	if doc == "" {
		return "", &ValidationError{Schema: v.name, Message: "response does not contain valid JSON", Raw: text}
	}
	if err := v.ValidateJSON([]byte(doc)); err != nil {
		return "", err
	}
	return doc, nil
}

// ExtractJSON finds a JSON object or array in text: a ```json fence first,
// then a bare fence, then the first balanced value.
func ExtractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			if candidate := balanced(text[i:]); candidate != "" && json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	return ""
}

func balanced(s string) string {
	open := s[0]
	var closing byte
	switch open {
	case '{':
		closing = '}'
	case '[':
		closing = ']'
	default:
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
