// Package attempt groups a user's messages into attempt threads and closes
// them when the reward resolver sees an outcome.
package attempt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/goadapt/internal/bus"
	"github.com/basket/goadapt/internal/events"
	gaotel "github.com/basket/goadapt/internal/otel"
	"github.com/basket/goadapt/internal/persistence"
	"github.com/basket/goadapt/internal/reward"
	"github.com/basket/goadapt/internal/telemetry"
)

// HandlerName keys the tracker's processed markers.
const HandlerName = "attempt"

// Close reasons that carry no reward signal.
const (
	ReasonInactive   = "inactive"
	ReasonSuperseded = "superseded"
)

// RewardSink receives resolved rewards for the strategy shown in a thread.
// Implementations must be idempotent per eventID.
type RewardSink interface {
	RecordReward(ctx context.Context, userID, domain, strategyID string, reward float64, eventID string) error
}

type Config struct {
	Store             *persistence.Store
	Resolver          *reward.Resolver
	Rewards           RewardSink
	InactivityTimeout time.Duration

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *gaotel.Metrics
	NewID   func() string
}

type Tracker struct {
	store    *persistence.Store
	resolver *reward.Resolver
	rewards  RewardSink
	timeout  time.Duration
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *gaotel.Metrics
	newID    func() string
}

func New(cfg Config) *Tracker {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 30 * time.Minute
	}
	if cfg.Resolver == nil {
		cfg.Resolver = reward.NewResolver(reward.Config{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = gaotel.NoopMetrics()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Tracker{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		rewards:  cfg.Rewards,
		timeout:  cfg.InactivityTimeout,
		bus:      cfg.Bus,
		logger:   telemetry.Component(cfg.Logger, "attempt"),
		metrics:  cfg.Metrics,
		newID:    cfg.NewID,
	}
}

// Name implements stream.Handler.
func (t *Tracker) Name() string { return HandlerName }

// Handle implements stream.Handler.
func (t *Tracker) Handle(ctx context.Context, ev events.Event) error {
	_, err := t.Observe(ctx, ev)
	return err
}

// Observation describes what one event did to the user's threads.
type Observation struct {
	Thread   persistence.AttemptThread
	Result   reward.Result
	Resolved *persistence.AttemptThread
	Closed   []persistence.AttemptThread
	Skipped  bool
}

// Observe applies a USER_MESSAGE or AI_RESPONSE to the user's threads. Other
// event types are ignored. Replays of an already applied event are skipped.
//
// The bandit update for a resolved thread happens before the thread write so
// a crash in between is repaired by redelivery; the reward sink's own marker
// keeps the update single.
func (t *Tracker) Observe(ctx context.Context, ev events.Event) (Observation, error) {
	if ev.Type != events.TypeUserMessage && ev.Type != events.TypeAIResponse {
		return Observation{Skipped: true}, nil
	}
	done, err := t.store.IsProcessed(ctx, HandlerName, ev.ID)
	if err != nil {
		return Observation{}, err
	}
	if done {
		return Observation{Skipped: true}, nil
	}

	latest, err := t.store.LatestOpenThread(ctx, ev.UserID)
	if err != nil {
		return Observation{}, err
	}
	var obs Observation
	if latest != nil && ev.Timestamp.Sub(latest.LastEventAt) > t.timeout {
		stale := closeThread(*latest, reward.OutcomePending, 0, ReasonInactive, ev.Timestamp)
		obs.Closed = append(obs.Closed, stale)
		latest = nil
	}

	if ev.Type == events.TypeAIResponse {
		t.observeResponse(ev, latest, &obs)
	} else {
		t.observeMessage(ev, latest, &obs)
	}

	if obs.Resolved != nil && obs.Resolved.StrategyID != "" && t.rewards != nil {
		th := obs.Resolved
		if err := t.rewards.RecordReward(ctx, th.UserID, th.Domain, th.StrategyID, th.Reward, ev.ID); err != nil {
			return Observation{}, fmt.Errorf("record reward for thread %s: %w", th.ThreadID, err)
		}
	}

	writes := append([]persistence.AttemptThread{}, obs.Closed...)
	if obs.Resolved != nil {
		writes = append(writes, *obs.Resolved)
	}
	writes = append(writes, obs.Thread)
	applied, err := t.store.ApplyThreadUpdate(ctx, HandlerName, ev.ID, writes...)
	if err != nil {
		return Observation{}, err
	}
	if !applied {
		return Observation{Skipped: true}, nil
	}

	logger := telemetry.WithTrace(ctx, t.logger)
	for _, th := range obs.Closed {
		t.publishClosed(ctx, th)
	}
	if obs.Resolved != nil {
		t.publishClosed(ctx, *obs.Resolved)
		logger.Info("attempt resolved",
			"thread_id", obs.Resolved.ThreadID, "outcome", obs.Resolved.Outcome,
			"reward", obs.Resolved.Reward, "reason", obs.Resolved.Reason, "strategy", obs.Resolved.StrategyID)
	}
	return obs, nil
}

func (t *Tracker) observeResponse(ev events.Event, latest *persistence.AttemptThread, obs *Observation) {
	var th persistence.AttemptThread
	if latest != nil {
		th = *latest
	} else {
		domain := ev.String("domain")
		if domain == "" {
			domain = t.resolver.Classifier().Classify(ev.Text())
		}
		th = t.openThread(ev, domain)
	}
	if strategy := ev.String("strategy_id"); strategy != "" {
		th.StrategyID = strategy
	}
	th.LastEventType = string(ev.Type)
	th.LastEventID = ev.ID
	th.LastEventAt = ev.Timestamp
	obs.Thread = th
}

func (t *Tracker) observeMessage(ev events.Event, latest *persistence.AttemptThread, obs *Observation) {
	text := ev.Text()
	domain := t.resolver.Classifier().Classify(text)
	mark := persistence.FingerprintMark{Fingerprint: events.TextFingerprint(text), At: ev.Timestamp}

	if latest == nil {
		th := t.openThread(ev, domain)
		th.FingerprintChain = []persistence.FingerprintMark{mark}
		obs.Thread = th
		return
	}

	res := t.resolver.Resolve(ev, latest, domain)
	obs.Result = res
	if res.Resolved() {
		resolved := closeThread(*latest, res.Outcome, res.Reward, res.Reason, ev.Timestamp)
		obs.Resolved = &resolved
		// The resolving message starts the next attempt. A reply without a
		// clear domain of its own stays with the goal it was replying to.
		next := domain
		if domain == reward.DomainOther {
			next = latest.Domain
		}
		th := t.openThread(ev, next)
		th.FingerprintChain = []persistence.FingerprintMark{mark}
		obs.Thread = th
		return
	}

	if domain == latest.Domain || domain == reward.DomainOther {
		th := *latest
		th.FingerprintChain = append(append([]persistence.FingerprintMark{}, latest.FingerprintChain...), mark)
		th.LastEventType = string(ev.Type)
		th.LastEventID = ev.ID
		th.LastEventAt = ev.Timestamp
		obs.Thread = th
		return
	}

	obs.Closed = append(obs.Closed, closeThread(*latest, reward.OutcomePending, 0, ReasonSuperseded, ev.Timestamp))
	th := t.openThread(ev, domain)
	th.FingerprintChain = []persistence.FingerprintMark{mark}
	obs.Thread = th
}

func (t *Tracker) openThread(ev events.Event, domain string) persistence.AttemptThread {
	return persistence.AttemptThread{
		ThreadID:      t.newID(),
		UserID:        ev.UserID,
		Domain:        domain,
		Status:        persistence.ThreadStatusOpen,
		Outcome:       persistence.OutcomePending,
		LastEventType: string(ev.Type),
		LastEventID:   ev.ID,
		LastEventAt:   ev.Timestamp,
		CreatedAt:     ev.Timestamp,
	}
}

func closeThread(th persistence.AttemptThread, outcome reward.Outcome, value float64, reason string, at time.Time) persistence.AttemptThread {
	closedAt := at
	th.Status = persistence.ThreadStatusClosed
	th.Outcome = string(outcome)
	th.Reward = value
	th.Reason = reason
	th.ClosedAt = &closedAt
	return th
}

// ExpireStale force-closes threads idle longer than the inactivity timeout as
// of now. Expiry never touches the bandit: no signal is not a negative signal.
func (t *Tracker) ExpireStale(ctx context.Context, now time.Time) ([]persistence.AttemptThread, error) {
	closed, err := t.store.ExpireIdleThreads(ctx, now.Add(-t.timeout), ReasonInactive)
	if err != nil {
		return nil, err
	}
	for _, th := range closed {
		t.publishClosed(ctx, th)
	}
	if len(closed) > 0 {
		t.logger.Info("expired idle attempt threads", "count", len(closed))
	}
	return closed, nil
}

func (t *Tracker) publishClosed(ctx context.Context, th persistence.AttemptThread) {
	t.metrics.AttemptsClosed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", th.Outcome),
		gaotel.AttrDomain.String(th.Domain),
	))
	t.bus.Publish(bus.TopicAttemptClosed, bus.AttemptClosed{
		ThreadID: th.ThreadID,
		UserID:   th.UserID,
		Domain:   th.Domain,
		Outcome:  th.Outcome,
		Reward:   th.Reward,
		Reason:   th.Reason,
	})
}
