package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the learning loop's instruments.
type Metrics struct {
	EventsEnqueued     metric.Int64Counter
	EventsAcked        metric.Int64Counter
	EventsRetried      metric.Int64Counter
	EventsDeadLettered metric.Int64Counter
	HandlerDuration    metric.Float64Histogram
	ActivePartitions   metric.Int64UpDownCounter

	BanditSelections metric.Int64Counter
	BanditRewards    metric.Int64Counter
	AttemptsClosed   metric.Int64Counter

	PatchesApplied  metric.Int64Counter
	PatchesSkipped  metric.Int64Counter
	PolicyCacheHits metric.Int64Counter

	RunTransitions metric.Int64Counter
	RunDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.EventsEnqueued, "goadapt.stream.enqueued", "Events durably appended to the stream"},
		{&m.EventsAcked, "goadapt.stream.acked", "Events acknowledged by all handlers"},
		{&m.EventsRetried, "goadapt.stream.retried", "Handler failures scheduled for retry"},
		{&m.EventsDeadLettered, "goadapt.stream.dead_lettered", "Events moved to the dead-letter log"},
		{&m.BanditSelections, "goadapt.bandit.selections", "Strategy selections"},
		{&m.BanditRewards, "goadapt.bandit.rewards", "Reward updates applied to strategy arms"},
		{&m.AttemptsClosed, "goadapt.attempt.closed", "Attempt threads closed"},
		{&m.PatchesApplied, "goadapt.policy.patches_applied", "Learned patches merged"},
		{&m.PatchesSkipped, "goadapt.policy.patches_skipped", "Run memory writes skipped as already learned"},
		{&m.PolicyCacheHits, "goadapt.policy.cache_hits", "Effective policy resolutions served from the tab cache"},
		{&m.RunTransitions, "goadapt.run.transitions", "Run state transitions"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.HandlerDuration, err = meter.Float64Histogram("goadapt.stream.handler.duration",
		metric.WithDescription("Per-event handler dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("goadapt.run.duration",
		metric.WithDescription("Run wall-clock duration until a terminal or paused state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActivePartitions, err = meter.Int64UpDownCounter("goadapt.stream.partitions.active",
		metric.WithDescription("Partitions with a running dispatch worker"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by the no-op meter. Components use
// it when no provider is wired.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
