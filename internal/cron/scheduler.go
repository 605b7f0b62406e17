// Package cron runs the periodic maintenance sweeps of the learning loop on a
// cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/goadapt/internal/telemetry"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one sweep. Run reports how many items it touched.
type Job struct {
	Name string
	Run  func(ctx context.Context, now time.Time) (int, error)
}

// Config holds the dependencies for the sweeper.
type Config struct {
	Schedule string
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler fires every job whenever the schedule comes due. A failing job
// is logged and does not stop the others.
type Scheduler struct {
	sched    cronlib.Schedule
	expr     string
	jobs     []Job
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and returns a stopped scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		sched:    sched,
		expr:     cfg.Schedule,
		jobs:     cfg.Jobs,
		logger:   telemetry.Component(logger, "cron"),
		interval: interval,
		now:      now,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.nextRun = s.sched.Next(s.now())
	s.mu.Unlock()
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "schedule", s.expr, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

// NextRun reports when the schedule next comes due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the jobs once if the schedule is due and advances it.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.sched.Next(now)
	}
	s.mu.Unlock()
	if due {
		s.RunOnce(ctx, now)
	}
}

// RunOnce runs every job immediately and returns the per-job counts of the
// jobs that succeeded.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) map[string]int {
	counts := make(map[string]int, len(s.jobs))
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			break
		}
		n, err := job.Run(ctx, now)
		if err != nil {
			s.logger.Error("sweep job failed", "job", job.Name, "error", err)
			continue
		}
		counts[job.Name] = n
		if n > 0 {
			s.logger.Info("sweep job done", "job", job.Name, "count", n)
		}
	}
	return counts
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
