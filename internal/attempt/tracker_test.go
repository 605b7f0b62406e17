package attempt

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/goadapt/internal/config"
	"github.com/basket/goadapt/internal/events"
	"github.com/basket/goadapt/internal/persistence"
	"github.com/basket/goadapt/internal/reward"
)

type recordedReward struct {
	userID, domain, strategy, eventID string
	value                             float64
}

type fakeSink struct {
	mu    sync.Mutex
	calls []recordedReward
}

func (f *fakeSink) RecordReward(_ context.Context, userID, domain, strategyID string, value float64, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedReward{userID, domain, strategyID, eventID, value})
	return nil
}

var t0 = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func newTracker(t *testing.T) (*Tracker, *persistence.Store, *fakeSink) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "attempt.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sink := &fakeSink{}
	n := 0
	tr := New(Config{
		Store: store,
		Resolver: reward.NewResolver(reward.Config{
			Lexicon: reward.NewLexicon(config.DefaultPositiveLexicon, config.DefaultNegativeLexicon),
		}),
		Rewards:           sink,
		InactivityTimeout: 30 * time.Minute,
		NewID: func() string {
			n++
			return fmt.Sprintf("th-%d", n)
		},
	})
	return tr, store, sink
}

func userMsg(id, text string, at time.Time) events.Event {
	return events.New(id, "u1", "", "", events.TypeUserMessage, map[string]any{"text": text}, at)
}

func aiResp(id, strategy string, at time.Time) events.Event {
	return events.New(id, "u1", "", "", events.TypeAIResponse, map[string]any{"text": "here you go", "strategy_id": strategy}, at)
}

func observeAll(t *testing.T, tr *Tracker, evs ...events.Event) Observation {
	t.Helper()
	var last Observation
	for _, ev := range evs {
		obs, err := tr.Observe(context.Background(), ev)
		if err != nil {
			t.Fatalf("observe %s: %v", ev.ID, err)
		}
		last = obs
	}
	return last
}

func TestObserve_PositiveReplyResolvesAndRewards(t *testing.T) {
	tr, store, sink := newTracker(t)
	obs := observeAll(t, tr,
		userMsg("m1", "write a sort function", t0),
		aiResp("a1", "S2_THREE_VARIANTS", t0.Add(time.Second)),
		userMsg("m2", "perfect, thanks!", t0.Add(time.Minute)),
	)
	if obs.Resolved == nil || obs.Resolved.Outcome != persistence.OutcomeSuccess || obs.Resolved.Reward != 0.7 {
		t.Fatalf("resolution = %+v", obs.Resolved)
	}
	if len(sink.calls) != 1 {
		t.Fatalf("reward calls = %+v", sink.calls)
	}
	want := recordedReward{"u1", reward.DomainCoding, "S2_THREE_VARIANTS", "m2", 0.7}
	if sink.calls[0] != want {
		t.Fatalf("reward = %+v, want %+v", sink.calls[0], want)
	}
	th, err := store.GetThread(context.Background(), "th-1")
	if err != nil || th.Status != persistence.ThreadStatusClosed || th.Outcome != persistence.OutcomeSuccess {
		t.Fatalf("stored thread = %+v, %v", th, err)
	}
	next, _ := store.LatestOpenThread(context.Background(), "u1")
	if next == nil || next.Domain != reward.DomainCoding {
		t.Fatalf("follow-up thread = %+v, want coding", next)
	}
}

func TestObserve_RepeatedRequestFails(t *testing.T) {
	tr, _, sink := newTracker(t)
	obs := observeAll(t, tr,
		userMsg("m1", "write a sort function", t0),
		aiResp("a1", "S1_CLARIFY_FIRST", t0.Add(time.Second)),
		userMsg("m2", "Write a sort function.", t0.Add(3*time.Minute)),
	)
	if obs.Result.Outcome != reward.OutcomeFail || obs.Result.Reward != -0.5 {
		t.Fatalf("result = %+v, want repeat failure", obs.Result)
	}
	if len(sink.calls) != 1 || sink.calls[0].value != -0.5 {
		t.Fatalf("reward calls = %+v", sink.calls)
	}
}

func TestObserve_UnresolvedMessageContinuesThread(t *testing.T) {
	tr, store, sink := newTracker(t)
	observeAll(t, tr,
		userMsg("m1", "write a sort function", t0),
		userMsg("m2", "in python please", t0.Add(time.Minute)),
	)
	th, err := store.GetThread(context.Background(), "th-1")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.Status != persistence.ThreadStatusOpen || len(th.FingerprintChain) != 2 {
		t.Fatalf("thread = %+v, want open with two fingerprints", th)
	}
	if len(sink.calls) != 0 {
		t.Fatalf("unexpected reward calls %+v", sink.calls)
	}
}

func TestObserve_NeutralFollowUpStaysOpen(t *testing.T) {
	tr, store, sink := newTracker(t)
	obs := observeAll(t, tr,
		userMsg("m1", "write a sort function", t0),
		aiResp("a1", "S1_CLARIFY_FIRST", t0.Add(time.Second)),
		userMsg("m2", "hmm, what about descending order?", t0.Add(time.Minute)),
	)
	if obs.Resolved != nil || obs.Result.Resolved() {
		t.Fatalf("neutral follow-up resolved the thread: result = %+v", obs.Result)
	}
	if len(sink.calls) != 0 {
		t.Fatalf("unexpected reward calls %+v", sink.calls)
	}
	th, err := store.GetThread(context.Background(), "th-1")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.Status != persistence.ThreadStatusOpen || th.Domain != reward.DomainCoding || len(th.FingerprintChain) != 2 {
		t.Fatalf("thread = %+v, want open coding thread with two fingerprints", th)
	}
}

func TestObserve_DomainShiftBeforeResponseSupersedes(t *testing.T) {
	tr, store, sink := newTracker(t)
	obs := observeAll(t, tr,
		userMsg("m1", "write a sort function", t0),
		userMsg("m2", "review my resume", t0.Add(time.Minute)),
	)
	if len(obs.Closed) != 1 || obs.Closed[0].Reason != ReasonSuperseded || obs.Closed[0].Outcome != persistence.OutcomePending {
		t.Fatalf("closed = %+v", obs.Closed)
	}
	if len(sink.calls) != 0 {
		t.Fatal("superseded thread must not reward")
	}
	latest, _ := store.LatestOpenThread(context.Background(), "u1")
	if latest == nil || latest.Domain != reward.DomainResume {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestObserve_StaleThreadClosedWithoutReward(t *testing.T) {
	tr, _, sink := newTracker(t)
	obs := observeAll(t, tr,
		userMsg("m1", "write a sort function", t0),
		aiResp("a1", "S1_CLARIFY_FIRST", t0.Add(time.Second)),
		userMsg("m2", "perfect, thanks!", t0.Add(45*time.Minute)),
	)
	if obs.Resolved != nil {
		t.Fatalf("stale thread must not resolve: %+v", obs.Resolved)
	}
	if len(obs.Closed) != 1 || obs.Closed[0].Reason != ReasonInactive {
		t.Fatalf("closed = %+v", obs.Closed)
	}
	if len(sink.calls) != 0 {
		t.Fatalf("reward calls = %+v", sink.calls)
	}
}

func TestObserve_ReplayIsSkipped(t *testing.T) {
	tr, _, sink := newTracker(t)
	evs := []events.Event{
		userMsg("m1", "write a sort function", t0),
		aiResp("a1", "S1_CLARIFY_FIRST", t0.Add(time.Second)),
		userMsg("m2", "still broken", t0.Add(time.Minute)),
	}
	observeAll(t, tr, evs...)
	obs := observeAll(t, tr, evs[2])
	if !obs.Skipped {
		t.Fatalf("replay not skipped: %+v", obs)
	}
	if len(sink.calls) != 1 {
		t.Fatalf("reward calls after replay = %d, want 1", len(sink.calls))
	}
}

func TestObserve_IgnoresOtherTypes(t *testing.T) {
	tr, _, _ := newTracker(t)
	ev := events.New("f1", "u1", "", "r1", events.TypeFeedback, nil, t0)
	obs := observeAll(t, tr, ev)
	if !obs.Skipped {
		t.Fatalf("feedback should be ignored: %+v", obs)
	}
}

func TestExpireStale(t *testing.T) {
	tr, store, sink := newTracker(t)
	store.SetClock(func() time.Time { return t0.Add(time.Hour) })
	observeAll(t, tr, userMsg("m1", "write a sort function", t0))
	closed, err := tr.ExpireStale(context.Background(), t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(closed) != 1 || closed[0].Outcome != persistence.OutcomePending || closed[0].Reward != 0 {
		t.Fatalf("closed = %+v", closed)
	}
	if len(sink.calls) != 0 {
		t.Fatal("expiry must not reward")
	}
	closed, err = tr.ExpireStale(context.Background(), t0.Add(2*time.Hour))
	if err != nil || len(closed) != 0 {
		t.Fatalf("second expiry = %+v, %v", closed, err)
	}
}
