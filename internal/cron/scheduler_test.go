package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/goadapt/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func countingJob(name string, n *atomic.Int64) cron.Job {
	return cron.Job{Name: name, Run: func(context.Context, time.Time) (int, error) {
		n.Add(1)
		return 1, nil
	}}
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	clk := &clock{now: time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC)}
	var runs atomic.Int64
	sched, err := cron.NewScheduler(cron.Config{
		Schedule: "*/5 * * * *",
		Jobs:     []cron.Job{countingJob("expire", &runs)},
		Logger:   slog.Default(),
		Interval: 20 * time.Millisecond,
		Now:      clk.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	if got, want := sched.NextRun(), time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next run = %v, want %v", got, want)
	}

	// Not due yet: several ticks pass without a run.
	time.Sleep(100 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("runs before due = %d, want 0", runs.Load())
	}

	clk.Advance(4 * time.Minute)
	waitFor(t, 3*time.Second, func() bool { return runs.Load() == 1 })
	if got, want := sched.NextRun(), time.Date(2026, 1, 1, 10, 10, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next run after firing = %v, want %v", got, want)
	}

	// Same window: no second run.
	time.Sleep(100 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestScheduler_RunOnceContinuesPastFailure(t *testing.T) {
	var runs atomic.Int64
	sched, err := cron.NewScheduler(cron.Config{
		Schedule: "* * * * *",
		Jobs: []cron.Job{
			{Name: "broken", Run: func(context.Context, time.Time) (int, error) { return 0, errors.New("boom") }},
			countingJob("purge", &runs),
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	counts := sched.RunOnce(context.Background(), time.Now())
	if _, ok := counts["broken"]; ok {
		t.Fatalf("failed job reported a count: %v", counts)
	}
	if counts["purge"] != 1 || runs.Load() != 1 {
		t.Fatalf("counts = %v, runs = %d", counts, runs.Load())
	}
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	for _, expr := range []string{"every five minutes", "@every 1m", ""} {
		if _, err := cron.NewScheduler(cron.Config{Schedule: expr}); err == nil {
			t.Fatalf("NewScheduler(%q): expected parse error", expr)
		}
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 1, 1, 9, 3, 0, 0, time.UTC)
	got, err := cron.NextRunTime("*/10 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if want := time.Date(2026, 1, 1, 9, 10, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NextRunTime = %v, want %v", got, want)
	}
	if _, err := cron.NextRunTime("61 * * * *", after); err == nil {
		t.Fatal("expected error for out-of-range minute")
	}
}
