package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/goadapt/internal/bus"
	"github.com/basket/goadapt/internal/cache"
	"github.com/basket/goadapt/internal/persistence"
)

func newTestStore(t *testing.T) (*Store, *persistence.Store, *cache.Sharded[Patch]) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "policy.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	tabs := cache.New[Patch](4)
	s := NewStore(Config{Memory: db, Runs: db, Cache: tabs, Bus: bus.New()})
	return s, db, tabs
}

func createRun(t *testing.T, db *persistence.Store, runID, tabID, goal, query string) {
	t.Helper()
	err := db.CreateRun(context.Background(), persistence.RunRecord{
		RunID: runID, UserID: "u1", TabID: tabID, Goal: goal, Query: query, State: "planning",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
}

func TestEffectivePolicy_DefaultWhenNothingLearned(t *testing.T) {
	s, _, _ := newTestStore(t)
	res, err := s.EffectivePolicy(context.Background(), "u1", "tab-1", "find jobs", "golang remote")
	if err != nil {
		t.Fatalf("EffectivePolicy: %v", err)
	}
	if res.Source != SourceDefault || res.Policy != Default() || len(res.PromptDelta) != 0 {
		t.Fatalf("resolution = %+v, want default", res)
	}
}

func TestCompletionDoesNotOverwriteFeedbackPatch(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	patch, err := ParsePatch(map[string]any{"policy_delta": map[string]any{"max_tabs": 5}})
	if err != nil {
		t.Fatalf("parse patch: %v", err)
	}
	pol, res, err := s.ApplyPatch(ctx, "R1", patch)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if res != WriteStored || pol.MaxTabs != 5 {
		t.Fatalf("ApplyPatch = %+v, %s", pol, res)
	}

	res, err = s.WriteRunMemory(ctx, RunMemory{
		RunID:          "R1",
		UserID:         "u1",
		Goal:           "find jobs",
		PolicySnapshot: Default(),
		Metrics:        map[string]any{"items": 3},
	})
	if err != nil {
		t.Fatalf("WriteRunMemory: %v", err)
	}
	if res != WriteSkippedAlreadyLearned {
		t.Fatalf("completion write = %s, want %s", res, WriteSkippedAlreadyLearned)
	}

	mem, ok, err := s.FetchRunMemory(ctx, "R1")
	if err != nil || !ok {
		t.Fatalf("fetch: %v, ok=%v", err, ok)
	}
	if mem.Patch.PolicyDelta["max_tabs"] != 5.0 {
		t.Fatalf("stored patch = %+v, want max_tabs 5", mem.Patch)
	}
}

func TestApplyPatch_UpgradesBaselineAndKeepsRunDetails(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.WriteRunMemory(ctx, RunMemory{
		RunID: "R2", UserID: "u1", TabID: "tab-2", Goal: "find golang jobs", Query: "remote",
		PolicySnapshot: Default(), Metrics: map[string]any{"items": 4},
	})
	if err != nil || res != WriteStored {
		t.Fatalf("baseline write = %s, %v", res, err)
	}
	_, res, err = s.ApplyPatch(ctx, "R2", Patch{PromptDelta: map[string]string{"system": "Skip agencies."}})
	if err != nil || res != WriteStored {
		t.Fatalf("patch write = %s, %v", res, err)
	}
	mem, _, err := s.FetchRunMemory(ctx, "R2")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if mem.Goal != "find golang jobs" || mem.TabID != "tab-2" || mem.Metrics["items"] != 4.0 {
		t.Fatalf("run details lost: %+v", mem)
	}
	if mem.PromptDelta["system"] != "Skip agencies." {
		t.Fatalf("prompt delta = %v", mem.PromptDelta)
	}
}

func TestApplyPatch_RejectsInvalid(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, _, err := s.ApplyPatch(context.Background(), "R1", Patch{PolicyDelta: map[string]any{"max_pages": 2}})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if _, ok, _ := s.FetchRunMemory(context.Background(), "R1"); ok {
		t.Fatal("invalid patch was stored")
	}
}

func TestEffectivePolicy_TabCacheWins(t *testing.T) {
	s, db, tabs := newTestStore(t)
	ctx := context.Background()
	clk := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	tabs.SetClock(func() time.Time { return clk })

	createRun(t, db, "R1", "tab-1", "find golang jobs", "remote")
	if _, _, err := s.ApplyPatch(ctx, "R1", Patch{PolicyDelta: map[string]any{"max_tabs": 4}}); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if _, _, err := s.ApplyPatch(ctx, "R1", Patch{PromptDelta: map[string]string{"system": "Skip agencies."}}); err != nil {
		t.Fatalf("second ApplyPatch: %v", err)
	}

	res, err := s.EffectivePolicy(ctx, "u1", "tab-1", "anything", "else")
	if err != nil {
		t.Fatalf("EffectivePolicy: %v", err)
	}
	if res.Source != SourceTab || res.Policy.MaxTabs != 4 || res.PromptDelta["system"] != "Skip agencies." {
		t.Fatalf("resolution = %+v, want composed tab patch", res)
	}

	clk = clk.Add(25 * time.Hour)
	res, err = s.EffectivePolicy(ctx, "u1", "tab-1", "anything", "else")
	if err != nil {
		t.Fatalf("EffectivePolicy: %v", err)
	}
	if res.Source != SourceDefault {
		t.Fatalf("expired tab patch still used: %+v", res)
	}
}

func TestEffectivePolicy_FallsBackToBestMemory(t *testing.T) {
	s, db, _ := newTestStore(t)
	ctx := context.Background()

	createRun(t, db, "R1", "tab-1", "find golang jobs", "remote berlin")
	createRun(t, db, "R2", "tab-2", "compare laptops", "under 1000")
	if _, _, err := s.ApplyPatch(ctx, "R1", Patch{PolicyDelta: map[string]any{"max_tabs": 6}}); err != nil {
		t.Fatalf("ApplyPatch R1: %v", err)
	}
	if _, _, err := s.ApplyPatch(ctx, "R2", Patch{PolicyDelta: map[string]any{"max_tabs": 20}}); err != nil {
		t.Fatalf("ApplyPatch R2: %v", err)
	}

	res, err := s.EffectivePolicy(ctx, "u2", "tab-9", "find remote golang jobs", "")
	if err != nil {
		t.Fatalf("EffectivePolicy: %v", err)
	}
	if res.Source != SourceMemory || res.MatchedRunID != "R1" || res.Policy.MaxTabs != 6 {
		t.Fatalf("resolution = %+v, want memory match R1", res)
	}
}

func TestWriteRunMemory_ConcurrentFeedbackAndCompletion(t *testing.T) {
	for i := 0; i < 10; i++ {
		s, _, _ := newTestStore(t)
		ctx := context.Background()
		runID := fmt.Sprintf("R%d", i)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = s.ApplyPatch(ctx, runID, Patch{PolicyDelta: map[string]any{"max_tabs": 5}})
		}()
		go func() {
			defer wg.Done()
			_, _ = s.WriteRunMemory(ctx, RunMemory{RunID: runID, UserID: "u1", PolicySnapshot: Default()})
		}()
		wg.Wait()

		mem, ok, err := s.FetchRunMemory(ctx, runID)
		if err != nil || !ok {
			t.Fatalf("fetch %s: %v ok=%v", runID, err, ok)
		}
		if mem.Patch.PolicyDelta["max_tabs"] != 5.0 {
			t.Fatalf("%s lost its patch: %+v", runID, mem.Patch)
		}
	}
}

func TestSearchTerms(t *testing.T) {
	got := SearchTerms("Find me the best Go jobs", "in Berlin")
	want := []string{"best", "go", "jobs", "berlin"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("SearchTerms = %v, want %v", got, want)
	}
}
