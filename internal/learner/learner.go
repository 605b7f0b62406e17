// Package learner turns run feedback and run completions into policy
// patches, run memories and strategy rewards.
package learner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/basket/goadapt/internal/attempt"
	"github.com/basket/goadapt/internal/events"
	"github.com/basket/goadapt/internal/persistence"
	"github.com/basket/goadapt/internal/policy"
	"github.com/basket/goadapt/internal/shared"
	"github.com/basket/goadapt/internal/stream"
	"github.com/basket/goadapt/internal/telemetry"
)

// HandlerName keys the learner's processed markers.
const HandlerName = "learner"

// Feedback is the user's verdict on a run as carried by a FEEDBACK event.
type Feedback struct {
	RunID  string   `json:"run_id"`
	TabID  string   `json:"tab_id,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Notes  string   `json:"notes,omitempty"`
	Rating string   `json:"rating,omitempty"`
}

// Patcher proposes a patch from a run trace and the feedback on it.
type Patcher interface {
	GeneratePatch(ctx context.Context, trace []json.RawMessage, feedback Feedback) (policy.Patch, error)
}

type Config struct {
	Store    *persistence.Store
	Policies *policy.Store
	Rewards  attempt.RewardSink
	Patcher  Patcher
	Logger   *slog.Logger
}

type Learner struct {
	store    *persistence.Store
	policies *policy.Store
	rewards  attempt.RewardSink
	patcher  Patcher
	logger   *slog.Logger
}

func New(cfg Config) *Learner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Learner{
		store:    cfg.Store,
		policies: cfg.Policies,
		rewards:  cfg.Rewards,
		patcher:  cfg.Patcher,
		logger:   telemetry.Component(cfg.Logger, "learner"),
	}
}

// Name implements stream.Handler.
func (l *Learner) Name() string { return HandlerName }

// Handle implements stream.Handler. FEEDBACK and RUN_COMPLETED are applied;
// every other type is ignored.
func (l *Learner) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.TypeFeedback, events.TypeRunCompleted:
	default:
		return nil
	}
	done, err := l.store.IsProcessed(ctx, HandlerName, ev.ID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	ctx = shared.WithEventID(ctx, ev.ID)
	if ev.Type == events.TypeFeedback {
		err = l.feedback(ctx, ev)
	} else {
		err = l.completed(ctx, ev)
	}
	if err != nil {
		return err
	}
	_, err = l.store.MarkProcessed(ctx, HandlerName, ev.ID)
	return err
}

func parseFeedback(ev events.Event) Feedback {
	fb := Feedback{
		RunID:  ev.RunID,
		TabID:  ev.TabID,
		Notes:  ev.String("notes"),
		Rating: strings.TrimSpace(ev.String("rating")),
	}
	if fb.RunID == "" {
		fb.RunID = ev.String("run_id")
	}
	if fb.TabID == "" {
		fb.TabID = ev.String("tab_id")
	}
	switch tags := ev.Body["tags"].(type) {
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok && s != "" {
				fb.Tags = append(fb.Tags, s)
			}
		}
	case []string:
		fb.Tags = append(fb.Tags, tags...)
	case string:
		for _, s := range strings.Split(tags, ",") {
			if s = strings.TrimSpace(s); s != "" {
				fb.Tags = append(fb.Tags, s)
			}
		}
	}
	return fb
}

// ParseRating maps "up"/"down" or a number onto a reward in [-1, 1]. The
// second result is false when no usable rating was given.
func ParseRating(rating string) (float64, bool) {
	switch strings.ToLower(strings.TrimSpace(rating)) {
	case "":
		return 0, false
	case "up", "good", "+1", "thumbs_up":
		return 1, true
	case "down", "bad", "-1", "thumbs_down":
		return -1, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(rating), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return math.Max(-1, math.Min(1, f)), true
}

func (l *Learner) feedback(ctx context.Context, ev events.Event) error {
	fb := parseFeedback(ev)
	if fb.RunID == "" {
		return stream.Permanentf("feedback %s: run id is required", ev.ID)
	}
	ctx = shared.WithRunID(ctx, fb.RunID)
	logger := telemetry.WithTrace(ctx, l.logger)

	patch, err := policy.ParsePatch(ev.Body["patch"])
	if err != nil {
		return stream.Permanent(fmt.Errorf("feedback %s: %w", ev.ID, err))
	}
	if patch.IsEmpty() && l.patcher != nil && (fb.Notes != "" || len(fb.Tags) > 0) {
		trace, err := l.trace(ctx, fb.RunID)
		if err != nil {
			return err
		}
		generated, err := l.patcher.GeneratePatch(ctx, trace, fb)
		if err != nil {
			return fmt.Errorf("generate patch for run %s: %w", fb.RunID, err)
		}
		if err := generated.Validate(); err != nil {
			logger.Warn("discarding invalid generated patch", "run_id", fb.RunID, "error", err)
		} else {
			patch = generated
		}
	}

	if !patch.IsEmpty() {
		_, res, err := l.policies.ApplyPatch(ctx, fb.RunID, patch)
		if err != nil {
			return err
		}
		logger.Info("feedback patch handled", "run_id", fb.RunID, "result", string(res))
	}

	if r, ok := ParseRating(fb.Rating); ok {
		if err := l.rate(ctx, ev.ID, fb.RunID, r); err != nil {
			return err
		}
	}
	return nil
}

// rate credits the strategy the run was bound to.
func (l *Learner) rate(ctx context.Context, eventID, runID string, r float64) error {
	if l.rewards == nil {
		return nil
	}
	run, err := l.store.GetRun(ctx, runID)
	if errors.Is(err, persistence.ErrNotFound) {
		telemetry.WithTrace(ctx, l.logger).Info("rating for unknown run ignored", "run_id", runID)
		return nil
	}
	if err != nil {
		return err
	}
	if run.StrategyID == "" {
		return nil
	}
	return l.rewards.RecordReward(ctx, run.UserID, run.Domain, run.StrategyID, r, eventID)
}

func (l *Learner) trace(ctx context.Context, runID string) ([]json.RawMessage, error) {
	run, err := l.store.GetRun(ctx, runID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var steps []json.RawMessage
	if run.TraceJSON != "" {
		if err := json.Unmarshal([]byte(run.TraceJSON), &steps); err != nil {
			return nil, fmt.Errorf("decode trace for run %s: %w", runID, err)
		}
	}
	return steps, nil
}

// completed writes the baseline memory of a finished run. A run that already
// learned a patch keeps it.
func (l *Learner) completed(ctx context.Context, ev events.Event) error {
	runID := ev.RunID
	if runID == "" {
		runID = ev.String("run_id")
	}
	if runID == "" {
		return stream.Permanentf("run completion %s: run id is required", ev.ID)
	}
	ctx = shared.WithRunID(ctx, runID)

	mem := policy.RunMemory{
		RunID:     runID,
		UserID:    ev.UserID,
		TabID:     ev.TabID,
		Goal:      ev.String("goal"),
		Query:     ev.String("query"),
		CreatedAt: ev.Timestamp,
	}
	if mem.TabID == "" {
		mem.TabID = ev.String("tab_id")
	}
	if err := decodeField(ev, "policy_snapshot", &mem.PolicySnapshot); err != nil {
		return stream.Permanent(fmt.Errorf("run completion %s: %w", ev.ID, err))
	}
	if err := decodeField(ev, "prompt_delta", &mem.PromptDelta); err != nil {
		return stream.Permanent(fmt.Errorf("run completion %s: %w", ev.ID, err))
	}
	if err := decodeField(ev, "metrics", &mem.Metrics); err != nil {
		return stream.Permanent(fmt.Errorf("run completion %s: %w", ev.ID, err))
	}

	res, err := l.policies.WriteRunMemory(ctx, mem)
	if err != nil {
		return err
	}
	telemetry.WithTrace(ctx, l.logger).Info("run memory baseline handled", "run_id", runID, "result", string(res))
	return nil
}

func decodeField(ev events.Event, key string, dst any) error {
	v, ok := ev.Body[key]
	if !ok || v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
