package events

import (
	"strings"
	"testing"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Perfect,   THANKS! ", "perfect thanks"},
		{"Doesn't work.", "doesnt work"},
		{"tabs\tand\nnewlines", "tabs and newlines"},
		{"(a) [b] {c} <d>", "a b c d"},
		{"hello ! world", "hello world"},
		{"works ... thanks !", "works thanks"},
		{"! leading and trailing ?", "leading and trailing"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeText_Truncates(t *testing.T) {
	got := NormalizeText(strings.Repeat("é", 700))
	if n := len([]rune(got)); n != 600 {
		t.Fatalf("expected 600 runes, got %d", n)
	}
}

func TestFingerprint_StableAcrossFormatting(t *testing.T) {
	a := Fingerprint("u1", TypeUserMessage, "Write a sort function")
	b := Fingerprint("u1", TypeUserMessage, "  write a SORT function!  ")
	if a != b {
		t.Fatalf("expected equal fingerprints for restated text")
	}
	if a == Fingerprint("u2", TypeUserMessage, "Write a sort function") {
		t.Fatal("fingerprint must depend on user")
	}
	if a == Fingerprint("u1", TypeAIResponse, "Write a sort function") {
		t.Fatal("fingerprint must depend on type")
	}
	if len(a) != 64 {
		t.Fatalf("expected sha256 hex, got %d chars", len(a))
	}
}

func TestTextFingerprint_IgnoresPunctuation(t *testing.T) {
	if TextFingerprint("still broken!") != TextFingerprint("Still broken") {
		t.Fatal("expected punctuation-insensitive text fingerprint")
	}
	if TextFingerprint("still ! broken") != TextFingerprint("still broken") {
		t.Fatal("a standalone punctuation token must not change the fingerprint")
	}
}

func TestFingerprint_NonTextPayloadUsesCanonicalJSON(t *testing.T) {
	a := New("e1", "u1", "", "", TypeNavigate, map[string]any{"b": 1.0, "a": "x"}, fixedCanonicalizer().Now())
	b := New("e2", "u1", "", "", TypeNavigate, map[string]any{"a": "x", "b": 1.0}, fixedCanonicalizer().Now())
	if a.Fingerprint != b.Fingerprint {
		t.Fatal("map ordering must not change the fingerprint")
	}
}
