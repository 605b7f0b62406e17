package otel

import (
	"context"
	"testing"

	"github.com/basket/goadapt/internal/config"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	checks := map[string]bool{
		"EventsEnqueued":     m.EventsEnqueued != nil,
		"EventsAcked":        m.EventsAcked != nil,
		"EventsRetried":      m.EventsRetried != nil,
		"EventsDeadLettered": m.EventsDeadLettered != nil,
		"HandlerDuration":    m.HandlerDuration != nil,
		"ActivePartitions":   m.ActivePartitions != nil,
		"BanditSelections":   m.BanditSelections != nil,
		"BanditRewards":      m.BanditRewards != nil,
		"AttemptsClosed":     m.AttemptsClosed != nil,
		"PatchesApplied":     m.PatchesApplied != nil,
		"PatchesSkipped":     m.PatchesSkipped != nil,
		"PolicyCacheHits":    m.PolicyCacheHits != nil,
		"RunTransitions":     m.RunTransitions != nil,
		"RunDuration":        m.RunDuration != nil,
	}
	for name, ok := range checks {
		if !ok {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNoopMetrics_Usable(t *testing.T) {
	m := NoopMetrics()
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	// Recording on no-op instruments must not panic.
	m.EventsAcked.Add(context.Background(), 1)
	m.HandlerDuration.Record(context.Background(), 0.25)
}

func TestStartSpan_NilTracer(t *testing.T) {
	ctx, span := StartSpan(context.Background(), nil, "stream.dispatch", AttrEventID.String("e1"))
	defer span.End()
	if ctx == nil {
		t.Fatal("expected context")
	}
}
