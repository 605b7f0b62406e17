package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/goadapt/internal/attempt"
	"github.com/basket/goadapt/internal/audit"
	"github.com/basket/goadapt/internal/bandit"
	"github.com/basket/goadapt/internal/bus"
	"github.com/basket/goadapt/internal/cache"
	"github.com/basket/goadapt/internal/config"
	"github.com/basket/goadapt/internal/cron"
	"github.com/basket/goadapt/internal/learner"
	gaotel "github.com/basket/goadapt/internal/otel"
	"github.com/basket/goadapt/internal/persistence"
	"github.com/basket/goadapt/internal/policy"
	"github.com/basket/goadapt/internal/reward"
	"github.com/basket/goadapt/internal/run"
	"github.com/basket/goadapt/internal/stream"
)

// app is the wired learning loop.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	bus      *bus.Bus
	otel     *gaotel.Provider
	metrics  *gaotel.Metrics
	store    *persistence.Store
	selector *bandit.Selector
	resolver *reward.Resolver
	tracker  *attempt.Tracker
	policies *policy.Store
	learner  *learner.Learner
	consumer *stream.Consumer
	runs     *run.Machine
}

func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: bus.New()}

	provider, err := gaotel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("otel init: %w", err)
	}
	a.otel = provider
	a.metrics, err = gaotel.NewMetrics(provider.Meter)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("audit init: %w", err)
	}
	a.store, err = persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		_ = audit.Close()
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("store open: %w", err)
	}
	audit.SetDB(a.store.DB())

	a.selector = bandit.New(bandit.Config{
		Store:      a.store,
		Strategies: cfg.Bandit.Strategies,
		Bus:        a.bus,
		Logger:     logger,
		Metrics:    a.metrics,
	})
	a.resolver = reward.NewResolver(reward.Config{
		Lexicon:      reward.NewLexicon(cfg.Reward.PositiveLexicon, cfg.Reward.NegativeLexicon),
		RepeatWindow: cfg.RepeatWindow(),
	})
	a.tracker = attempt.New(attempt.Config{
		Store:             a.store,
		Resolver:          a.resolver,
		Rewards:           a.selector,
		InactivityTimeout: cfg.InactivityTimeout(),
		Bus:               a.bus,
		Logger:            logger,
		Metrics:           a.metrics,
	})
	a.policies = policy.NewStore(policy.Config{
		Memory:  a.store,
		Runs:    a.store,
		Cache:   cache.New[policy.Patch](cfg.Policy.CacheShardCount),
		TabTTL:  cfg.TabCacheTTL(),
		Default: policy.FromConfig(cfg.Policy),
		Bus:     a.bus,
		Logger:  logger,
		Metrics: a.metrics,
	})
	a.learner = learner.New(learner.Config{
		Store:    a.store,
		Policies: a.policies,
		Rewards:  a.selector,
		Logger:   logger,
	})
	a.consumer = stream.New(a.store, stream.Config{
		WorkerCount: cfg.Stream.WorkerCount,
		Retry: persistence.RetryPolicy{
			MaxRetries: cfg.Stream.MaxRetries,
			BaseDelay:  cfg.RetryBase(),
			MaxDelay:   cfg.RetryMax(),
		},
		HandlerTimeout: cfg.HandlerTimeout(),
		DrainTimeout:   cfg.DrainTimeout(),
		Bus:            a.bus,
		Logger:         logger,
		Metrics:        a.metrics,
		Tracer:         provider.Tracer,
	})
	a.consumer.Register(a.tracker)
	a.consumer.Register(a.learner)

	// Runs are driven by an embedding host that supplies the LLM and browser;
	// the CLI only inspects, abandons and traces them.
	a.runs = run.New(run.Config{
		Store:      a.store,
		Policies:   a.policies,
		Strategies: a.selector,
		Appender:   a.consumer,
		Bus:        a.bus,
		Logger:     logger,
		Metrics:    a.metrics,
		Tracer:     provider.Tracer,
	})
	return a, nil
}

func (a *app) Close(ctx context.Context) {
	audit.SetDB(nil)
	_ = audit.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
	if err := a.otel.Shutdown(ctx); err != nil {
		a.logger.Warn("otel shutdown failed", "error", err)
	}
}

// sweepJobs are the periodic maintenance jobs run by the sweeper.
func (a *app) sweepJobs() []cron.Job {
	return []cron.Job{
		{Name: "expire_attempts", Run: func(ctx context.Context, now time.Time) (int, error) {
			closed, err := a.tracker.ExpireStale(ctx, now)
			return len(closed), err
		}},
		{Name: "purge_tab_cache", Run: func(context.Context, time.Time) (int, error) {
			return a.policies.PurgeTabs(), nil
		}},
	}
}

// reloadLexicon re-reads config.yaml and swaps the reward lexicon. A bad
// file keeps the current lexicon.
func (a *app) reloadLexicon() {
	cfg, err := config.LoadFrom(a.cfg.HomeDir)
	if err != nil {
		a.logger.Warn("config reload failed; keeping current lexicon", "error", err)
		return
	}
	a.resolver.SetLexicon(reward.NewLexicon(cfg.Reward.PositiveLexicon, cfg.Reward.NegativeLexicon))
	a.logger.Info("reward lexicon reloaded",
		"positive", len(cfg.Reward.PositiveLexicon),
		"negative", len(cfg.Reward.NegativeLexicon),
		"config_fingerprint", cfg.Fingerprint())
}

// waitDrained blocks until no event is pending or ctx ends.
func (a *app) waitDrained(ctx context.Context, poll time.Duration) (stream.Health, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		h, err := a.consumer.Health(ctx)
		if err != nil {
			return h, err
		}
		if h.PendingDepth == 0 {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return h, ctx.Err()
		case <-ticker.C:
		}
	}
}
