package persistence

import (
	"testing"
	"time"
)

func TestRetryDelay_DoublesAndCaps(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	tests := []struct {
		attempt int
		minimum time.Duration
		maximum time.Duration
	}{
		{1, 100 * time.Millisecond, 125 * time.Millisecond},
		{2, 200 * time.Millisecond, 250 * time.Millisecond},
		{3, 400 * time.Millisecond, 500 * time.Millisecond},
		{4, 800 * time.Millisecond, time.Second},
		{9, time.Second, time.Second},
	}
	for _, tt := range tests {
		got := retryDelay("evt-1", tt.attempt, policy)
		if got < tt.minimum || got > tt.maximum {
			t.Errorf("retryDelay(attempt=%d) = %v, want within [%v, %v]", tt.attempt, got, tt.minimum, tt.maximum)
		}
	}
}

func TestRetryDelay_Deterministic(t *testing.T) {
	policy := RetryPolicy{}
	a := retryDelay("evt-42", 2, policy)
	b := retryDelay("evt-42", 2, policy)
	if a != b {
		t.Fatalf("retryDelay not deterministic: %v vs %v", a, b)
	}
}

func TestRetryPolicy_NormalizedDefaults(t *testing.T) {
	p := RetryPolicy{}.normalized()
	if p.MaxRetries != 5 || p.BaseDelay != 500*time.Millisecond || p.MaxDelay != 30*time.Second {
		t.Fatalf("normalized = %+v", p)
	}
	p = RetryPolicy{BaseDelay: 2 * time.Second, MaxDelay: time.Second}.normalized()
	if p.MaxDelay != 2*time.Second {
		t.Fatalf("max delay should be raised to base, got %v", p.MaxDelay)
	}
}

func TestErrorFingerprint_CaseInsensitive(t *testing.T) {
	if errorFingerprint("Boom ") != errorFingerprint("boom") {
		t.Fatal("fingerprint should ignore case and surrounding space")
	}
}
