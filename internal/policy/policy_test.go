package policy

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/goadapt/internal/config"
	"github.com/basket/goadapt/internal/schema"
)

func TestMerge_OnlyOverridesPresentFields(t *testing.T) {
	got, err := Merge(Default(), map[string]any{"max_tabs": 5.0, "unique_domains": "0"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := Default()
	want.MaxTabs = 5
	want.UniqueDomains = false
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Merge mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_RejectsUnknownAndMalformed(t *testing.T) {
	for _, delta := range []map[string]any{
		{"max_pages": 3},
		{"max_tabs": "many"},
		{"unique_domains": "maybe"},
		{"min_score": []any{1}},
	} {
		if _, err := Merge(Default(), delta); err == nil {
			t.Errorf("Merge(%v) succeeded, want error", delta)
		}
	}
}

func TestApply_Clamps(t *testing.T) {
	got, err := Apply(Default(), map[string]any{
		"max_tabs":     500,
		"min_score":    -2,
		"max_time_ms":  "10",
		"result_limit": 0,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.MaxTabs != MaxMaxTabs || got.MinScore != 0 || got.MaxTimeMs != MinMaxTimeMs || got.ResultLimit != MinResultLimit {
		t.Fatalf("Apply = %+v, want clamped", got)
	}
}

func TestFromConfig(t *testing.T) {
	off := false
	got := FromConfig(config.PolicyConfig{MaxTabs: 80, MinScore: 0.3, UniqueDomains: &off})
	if got.MaxTabs != MaxMaxTabs || got.MinScore != 0.3 || got.UniqueDomains {
		t.Fatalf("FromConfig = %+v", got)
	}
	if got.MaxTimeMs != Default().MaxTimeMs {
		t.Fatalf("unset field changed: %+v", got)
	}
}

func TestCompose(t *testing.T) {
	a := Patch{
		PolicyDelta: map[string]any{"max_tabs": 5, "min_score": 0.4},
		PromptDelta: map[string]string{"system": "Prefer remote roles."},
		Rationale:   "user wants fewer tabs",
	}
	b := Patch{
		PolicyDelta: map[string]any{"max_tabs": 7},
		PromptDelta: map[string]string{"system": "Prefer remote roles.\nSkip agencies.", "planner": "Use site filters."},
		Rationale:   "agencies are noise",
	}
	got := Compose(a, b)
	want := Patch{
		PolicyDelta: map[string]any{"max_tabs": 7, "min_score": 0.4},
		PromptDelta: map[string]string{"system": "Prefer remote roles.\nSkip agencies.", "planner": "Use site filters."},
		Rationale:   "user wants fewer tabs; agencies are noise",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Compose mismatch (-want +got):\n%s", diff)
	}
	if a.PolicyDelta["max_tabs"] != 5 {
		t.Fatal("Compose mutated its input")
	}
}

func TestCompose_EmptyIsIdentity(t *testing.T) {
	p := Patch{PolicyDelta: map[string]any{"max_tabs": 3}, PromptDelta: map[string]string{"system": "x"}, Rationale: "r"}
	if diff := cmp.Diff(p, Compose(p, Patch{})); diff != "" {
		t.Fatalf("right identity (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(p, Compose(Patch{}, p)); diff != "" {
		t.Fatalf("left identity (-want +got):\n%s", diff)
	}
}

func TestPatchIsEmpty(t *testing.T) {
	tests := []struct {
		patch Patch
		empty bool
	}{
		{Patch{}, true},
		{Patch{Rationale: "no changes"}, true},
		{Patch{PromptDelta: map[string]string{"system": "  "}}, true},
		{Patch{PromptDelta: map[string]string{"system": "be brief"}}, false},
		{Patch{PolicyDelta: map[string]any{"max_tabs": 5}}, false},
	}
	for _, tt := range tests {
		if got := tt.patch.IsEmpty(); got != tt.empty {
			t.Errorf("IsEmpty(%+v) = %v, want %v", tt.patch, got, tt.empty)
		}
	}
}

func TestParsePatch(t *testing.T) {
	p, err := ParsePatch(map[string]any{"policy_delta": map[string]any{"max_tabs": 5}})
	if err != nil {
		t.Fatalf("ParsePatch: %v", err)
	}
	if p.PolicyDelta["max_tabs"] != 5.0 {
		t.Fatalf("policy_delta = %v", p.PolicyDelta)
	}
	p, err = ParsePatch(`{"prompt_delta": {"system": "Skip agencies."}, "rationale": "noise"}`)
	if err != nil || p.PromptDelta["system"] != "Skip agencies." {
		t.Fatalf("ParsePatch string = %+v, %v", p, err)
	}
	if p, err := ParsePatch(nil); err != nil || !p.IsEmpty() {
		t.Fatalf("ParsePatch(nil) = %+v, %v", p, err)
	}

	for _, bad := range []any{
		map[string]any{"policy_delta": map[string]any{"max_pages": 3}},
		map[string]any{"surprise": true},
		map[string]any{"prompt_delta": map[string]any{"system": 3}},
		`{"policy_delta": {"max_tabs": "lots"}}`,
		"{not json",
	} {
		if _, err := ParsePatch(bad); err == nil {
			t.Errorf("ParsePatch(%v) succeeded, want error", bad)
		}
	}
	var verr *schema.ValidationError
	if _, err := ParsePatch(map[string]any{"surprise": true}); !errors.As(err, &verr) {
		t.Fatalf("error = %T, want *schema.ValidationError", err)
	}
}

func TestPromptText(t *testing.T) {
	got := PromptText(map[string]string{"planner": "Use filters.", "answer": "Be brief.", "empty": " "})
	if got != "Be brief.\nUse filters." {
		t.Fatalf("PromptText = %q", got)
	}
}
