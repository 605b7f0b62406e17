// Package policy owns run policies, learned patches and the run memory that
// carries them across sessions.
package policy

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/basket/goadapt/internal/config"
	"github.com/basket/goadapt/internal/schema"
)

// Policy field names as they appear in a patch's policy_delta.
const (
	FieldMaxTabs       = "max_tabs"
	FieldMinScore      = "min_score"
	FieldUniqueDomains = "unique_domains"
	FieldMaxTimeMs     = "max_time_ms"
	FieldResultLimit   = "result_limit"
)

// Valid ranges. Clamp enforces them after every merge.
const (
	MinMaxTabs     = 1
	MaxMaxTabs     = 50
	MinMaxTimeMs   = 1_000
	MaxMaxTimeMs   = 3_600_000
	MinResultLimit = 1
	MaxResultLimit = 25
)

// Policy is the bounded set of tunables a run executes under.
type Policy struct {
	MaxTabs       int     `json:"max_tabs" yaml:"max_tabs"`
	MinScore      float64 `json:"min_score" yaml:"min_score"`
	UniqueDomains bool    `json:"unique_domains" yaml:"unique_domains"`
	MaxTimeMs     int     `json:"max_time_ms" yaml:"max_time_ms"`
	ResultLimit   int     `json:"result_limit" yaml:"result_limit"`
}

// Default is the built-in process-wide policy.
func Default() Policy {
	return Policy{
		MaxTabs:       11,
		MinScore:      0.55,
		UniqueDomains: true,
		MaxTimeMs:     120_000,
		ResultLimit:   5,
	}
}

// FromConfig applies the non-zero config overrides to Default and clamps.
func FromConfig(c config.PolicyConfig) Policy {
	p := Default()
	if c.MaxTabs != 0 {
		p.MaxTabs = c.MaxTabs
	}
	if c.MinScore != 0 {
		p.MinScore = c.MinScore
	}
	if c.UniqueDomains != nil {
		p.UniqueDomains = *c.UniqueDomains
	}
	if c.MaxTimeMs != 0 {
		p.MaxTimeMs = c.MaxTimeMs
	}
	if c.ResultLimit != 0 {
		p.ResultLimit = c.ResultLimit
	}
	return Clamp(p)
}

// Clamp forces every field into its valid range.
func Clamp(p Policy) Policy {
	p.MaxTabs = clampInt(p.MaxTabs, MinMaxTabs, MaxMaxTabs)
	p.MaxTimeMs = clampInt(p.MaxTimeMs, MinMaxTimeMs, MaxMaxTimeMs)
	p.ResultLimit = clampInt(p.ResultLimit, MinResultLimit, MaxResultLimit)
	if math.IsNaN(p.MinScore) || p.MinScore < 0 {
		p.MinScore = 0
	}
	if p.MinScore > 1 {
		p.MinScore = 1
	}
	return p
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Merge overrides only the fields present in delta. Values may be numbers,
// numeric strings or, for unique_domains, booleans. The result is not
// clamped; use Apply for an effective policy.
func Merge(base Policy, delta map[string]any) (Policy, error) {
	out := base
	for _, k := range sortedKeys(delta) {
		v := delta[k]
		var err error
		switch k {
		case FieldMaxTabs:
			out.MaxTabs, err = toInt(v)
		case FieldMinScore:
			out.MinScore, err = toFloat(v)
		case FieldUniqueDomains:
			out.UniqueDomains, err = toBool(v)
		case FieldMaxTimeMs:
			out.MaxTimeMs, err = toInt(v)
		case FieldResultLimit:
			out.ResultLimit, err = toInt(v)
		default:
			err = fmt.Errorf("unknown field")
		}
		if err != nil {
			return base, fmt.Errorf("merge policy field %q: %w", k, err)
		}
	}
	return out, nil
}

// Apply is Clamp(Merge(base, delta)).
func Apply(base Policy, delta map[string]any) (Policy, error) {
	p, err := Merge(base, delta)
	if err != nil {
		return base, err
	}
	return Clamp(p), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

func toInt(v any) (int, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite")
	}
	return int(math.Round(f)), nil
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off", "":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", t)
	}
	f, err := toFloat(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

// Patch is a learned adjustment. PromptDelta maps a prompt slot to free-form
// text fragments.
type Patch struct {
	PolicyDelta map[string]any    `json:"policy_delta,omitempty"`
	PromptDelta map[string]string `json:"prompt_delta,omitempty"`
	Rationale   string            `json:"rationale,omitempty"`
}

// IsEmpty reports whether the patch changes nothing. Rationale alone does
// not count.
func (p Patch) IsEmpty() bool {
	if len(p.PolicyDelta) > 0 {
		return false
	}
	for _, v := range p.PromptDelta {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

const fragmentSep = "\n"

// appendFragments adds each line of frag to existing unless an identical
// fragment is already present.
func appendFragments(existing, frag string) string {
	have := make(map[string]bool)
	var parts []string
	for _, p := range strings.Split(existing, fragmentSep) {
		if p = strings.TrimSpace(p); p != "" && !have[p] {
			have[p] = true
			parts = append(parts, p)
		}
	}
	for _, p := range strings.Split(frag, fragmentSep) {
		if p = strings.TrimSpace(p); p != "" && !have[p] {
			have[p] = true
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, fragmentSep)
}

// MergePrompt concatenates delta's fragments onto base per slot.
func MergePrompt(base, delta map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(delta))
	for k, v := range base {
		if merged := appendFragments("", v); merged != "" {
			out[k] = merged
		}
	}
	for k, v := range delta {
		if merged := appendFragments(out[k], v); merged != "" {
			out[k] = merged
		}
	}
	return out
}

// Compose layers b over a: b's policy fields win, prompt fragments
// accumulate. The empty patch is the identity.
func Compose(a, b Patch) Patch {
	out := Patch{
		PolicyDelta: maps.Clone(a.PolicyDelta),
		PromptDelta: MergePrompt(a.PromptDelta, b.PromptDelta),
		Rationale:   a.Rationale,
	}
	if len(b.PolicyDelta) > 0 && out.PolicyDelta == nil {
		out.PolicyDelta = make(map[string]any, len(b.PolicyDelta))
	}
	maps.Copy(out.PolicyDelta, b.PolicyDelta)
	if len(out.PromptDelta) == 0 {
		out.PromptDelta = nil
	}
	switch {
	case b.Rationale == "" || b.Rationale == a.Rationale:
	case out.Rationale == "":
		out.Rationale = b.Rationale
	default:
		out.Rationale = out.Rationale + "; " + b.Rationale
	}
	return out
}

// PromptText renders a prompt delta as one block with slots in key order.
func PromptText(delta map[string]string) string {
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		if strings.TrimSpace(delta[k]) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(delta[k])
	}
	return b.String()
}

const patchSchemaJSON = `{
	"type": "object",
	"properties": {
		"policy_delta": {
			"type": "object",
			"properties": {
				"max_tabs": {"type": ["integer", "string"]},
				"min_score": {"type": ["number", "string"]},
				"unique_domains": {"type": ["boolean", "integer", "string"]},
				"max_time_ms": {"type": ["integer", "string"]},
				"result_limit": {"type": ["integer", "string"]}
			},
			"additionalProperties": false
		},
		"prompt_delta": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"rationale": {"type": "string"}
	},
	"additionalProperties": false
}`

var patchSchema = schema.MustCompile("patch", patchSchemaJSON)

// Validate checks the patch shape and that every policy value converts.
func (p Patch) Validate() error {
	if err := patchSchema.ValidateValue(p); err != nil {
		return err
	}
	_, err := Merge(Default(), p.PolicyDelta)
	return err
}

// ParsePatch decodes and validates a patch carried as untyped JSON, such as
// a feedback payload field. Strings are parsed as JSON documents.
func ParsePatch(raw any) (Patch, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return Patch{}, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return Patch{}, nil
		}
		data = []byte(v)
	case []byte:
		data = v
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return Patch{}, fmt.Errorf("encode patch: %w", err)
		}
	}
	if err := patchSchema.ValidateJSON(data); err != nil {
		return Patch{}, err
	}
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return Patch{}, fmt.Errorf("decode patch: %w", err)
	}
	if _, err := Merge(Default(), p.PolicyDelta); err != nil {
		return Patch{}, err
	}
	return p, nil
}
