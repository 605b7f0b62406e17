// Package bandit selects a response strategy per (user, domain) with UCB1 and
// learns from resolved rewards.
package bandit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/goadapt/internal/bus"
	gaotel "github.com/basket/goadapt/internal/otel"
	"github.com/basket/goadapt/internal/persistence"
	"github.com/basket/goadapt/internal/shared"
	"github.com/basket/goadapt/internal/telemetry"
)

// scoreEpsilon absorbs float noise when comparing UCB scores for ties.
const scoreEpsilon = 1e-9

// Arm is one strategy's counters for a key.
type Arm struct {
	Strategy string  `json:"strategy"`
	Shown    int     `json:"shown"`
	Wins     int     `json:"wins"`
	Score    float64 `json:"score"`
}

// MarshalJSON renders an unshown arm's infinite score as null.
func (a Arm) MarshalJSON() ([]byte, error) {
	type plain Arm
	out := struct {
		plain
		Score *float64 `json:"score"`
	}{plain: plain(a)}
	if !math.IsInf(a.Score, 0) && !math.IsNaN(a.Score) {
		out.Score = &a.Score
	}
	return json.Marshal(out)
}

type Config struct {
	Store      *persistence.Store
	Strategies []string

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *gaotel.Metrics
}

type Selector struct {
	store      *persistence.Store
	strategies []string
	locks      shared.KeyedMutex
	bus        *bus.Bus
	logger     *slog.Logger
	metrics    *gaotel.Metrics
}

func New(cfg Config) *Selector {
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = DefaultStrategies
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = gaotel.NoopMetrics()
	}
	return &Selector{
		store:      cfg.Store,
		strategies: append([]string(nil), cfg.Strategies...),
		bus:        cfg.Bus,
		logger:     telemetry.Component(cfg.Logger, "bandit"),
		metrics:    cfg.Metrics,
	}
}

// Strategies returns the fixed strategy order.
func (s *Selector) Strategies() []string {
	return append([]string(nil), s.strategies...)
}

func lockKey(userID, domain string) string {
	return userID + "\x1f" + domain
}

func (s *Selector) known(strategy string) bool {
	for _, st := range s.strategies {
		if st == strategy {
			return true
		}
	}
	return false
}

// Stats returns every configured strategy's counters and current UCB score
// for a key, in fixed order. Unshown arms score +Inf.
func (s *Selector) Stats(ctx context.Context, userID, domain string) ([]Arm, error) {
	stored, err := s.store.ArmStats(ctx, userID, domain)
	if err != nil {
		return nil, err
	}
	byStrategy := make(map[string]persistence.ArmStat, len(stored))
	total := 0
	for _, a := range stored {
		byStrategy[a.StrategyID] = a
	}
	arms := make([]Arm, 0, len(s.strategies))
	for _, st := range s.strategies {
		a := byStrategy[st]
		total += a.Shown
		arms = append(arms, Arm{Strategy: st, Shown: a.Shown, Wins: a.Wins})
	}
	for i := range arms {
		arms[i].Score = ucb1(arms[i].Wins, arms[i].Shown, total)
	}
	return arms, nil
}

// ucb1 is w/n + sqrt(2 ln N / n), +Inf for an unshown arm.
func ucb1(wins, shown, total int) float64 {
	if shown == 0 {
		return math.Inf(1)
	}
	mean := float64(wins) / float64(shown)
	return mean + math.Sqrt(2*math.Log(float64(total))/float64(shown))
}

// choose applies cold start then UCB1. Ties go to the lower shown count,
// then to the fixed strategy order.
func choose(arms []Arm) (Arm, bool) {
	for _, a := range arms {
		if a.Shown == 0 {
			return a, true
		}
	}
	best := arms[0]
	for _, a := range arms[1:] {
		switch {
		case a.Score > best.Score+scoreEpsilon:
			best = a
		case math.Abs(a.Score-best.Score) <= scoreEpsilon && a.Shown < best.Shown:
			best = a
		}
	}
	return best, false
}

// Select picks the strategy to show without recording it.
func (s *Selector) Select(ctx context.Context, userID, domain string) (string, error) {
	arms, err := s.Stats(ctx, userID, domain)
	if err != nil {
		return "", err
	}
	best, _ := choose(arms)
	return best.Strategy, nil
}

// RecordShown counts one exposure of strategy for the key.
func (s *Selector) RecordShown(ctx context.Context, userID, domain, strategy string) error {
	if !s.known(strategy) {
		return fmt.Errorf("record shown: unknown strategy %q", strategy)
	}
	unlock := s.locks.Lock(lockKey(userID, domain))
	defer unlock()
	_, _, err := s.store.IncrementShown(ctx, userID, domain, strategy, "")
	return err
}

// SelectAndRecord selects and records the exposure under the key's lock, so
// two concurrent runs for one key see each other's exposure.
func (s *Selector) SelectAndRecord(ctx context.Context, userID, domain string) (string, error) {
	unlock := s.locks.Lock(lockKey(userID, domain))
	defer unlock()

	arms, err := s.Stats(ctx, userID, domain)
	if err != nil {
		return "", err
	}
	best, cold := choose(arms)
	_, arm, err := s.store.IncrementShown(ctx, userID, domain, best.Strategy, "")
	if err != nil {
		return "", err
	}
	s.metrics.BanditSelections.Add(ctx, 1, metric.WithAttributes(
		gaotel.AttrStrategy.String(best.Strategy), gaotel.AttrDomain.String(domain)))
	s.bus.Publish(bus.TopicBanditSelected, bus.BanditSelection{
		UserID:   userID,
		Domain:   domain,
		Strategy: best.Strategy,
		Shown:    arm.Shown,
		Score:    finiteScore(best.Score),
		Cold:     cold,
	})
	telemetry.WithTrace(ctx, s.logger).Info("strategy selected",
		"domain", domain, "strategy", best.Strategy, "cold_start", cold, "shown", arm.Shown)
	return best.Strategy, nil
}

func finiteScore(v float64) float64 {
	if math.IsInf(v, 0) {
		return math.MaxFloat64
	}
	return v
}

// RecordReward applies a resolved reward. A positive reward counts as a win
// while wins < shown; zero and negative rewards change nothing but are still
// marked so a replay of eventID is a no-op.
func (s *Selector) RecordReward(ctx context.Context, userID, domain, strategy string, reward float64, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("record reward: event id is required")
	}
	if !s.known(strategy) {
		s.logger.Warn("reward for unknown strategy ignored", "strategy", strategy, "event_id", eventID)
		return nil
	}
	unlock := s.locks.Lock(lockKey(userID, domain))
	defer unlock()

	applied, arm, err := s.store.RecordWin(ctx, userID, domain, strategy, eventID, reward > 0)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	s.metrics.BanditRewards.Add(ctx, 1, metric.WithAttributes(
		gaotel.AttrStrategy.String(strategy), gaotel.AttrDomain.String(domain)))
	s.bus.Publish(bus.TopicBanditReward, bus.BanditReward{
		UserID:   userID,
		Domain:   domain,
		Strategy: strategy,
		Reward:   reward,
		Wins:     arm.Wins,
		Shown:    arm.Shown,
		EventID:  eventID,
	})
	return nil
}
