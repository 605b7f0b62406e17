package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/goadapt/internal/audit"
	"github.com/basket/goadapt/internal/bus"
	"github.com/basket/goadapt/internal/cache"
	"github.com/basket/goadapt/internal/events"
	gaotel "github.com/basket/goadapt/internal/otel"
	"github.com/basket/goadapt/internal/persistence"
	"github.com/basket/goadapt/internal/shared"
	"github.com/basket/goadapt/internal/telemetry"
)

// Resolution sources.
const (
	SourceTab     = "tab_cache"
	SourceMemory  = "memory"
	SourceDefault = "default"
)

// WriteResult reports what a run memory write did.
type WriteResult string

const (
	WriteStored                WriteResult = "stored"
	WriteSkippedAlreadyLearned WriteResult = "skipped_already_learned"
)

// MemoryStore is the durable long-term memory. Inserts must be conditional:
// a record that already carries a patch is never replaced.
type MemoryStore interface {
	SearchRunMemory(ctx context.Context, terms []string, limit int) ([]persistence.ScoredRunMemory, error)
	InsertRunMemory(ctx context.Context, rec persistence.RunMemoryRecord) (bool, error)
	FetchRunMemory(ctx context.Context, runID string) (persistence.RunMemoryRecord, bool, error)
}

// RunLookup resolves a run's identity for patches that arrive before the
// run's memory exists.
type RunLookup interface {
	GetRun(ctx context.Context, runID string) (persistence.RunRecord, error)
}

// RunMemory is one run's learned record.
type RunMemory struct {
	RunID          string            `json:"run_id"`
	UserID         string            `json:"user_id"`
	TabID          string            `json:"tab_id"`
	Goal           string            `json:"goal"`
	Query          string            `json:"query"`
	PolicySnapshot Policy            `json:"policy_snapshot"`
	PromptDelta    map[string]string `json:"prompt_delta,omitempty"`
	Patch          Patch             `json:"patch"`
	Metrics        map[string]any    `json:"metrics,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Resolution is the policy a new run binds to.
type Resolution struct {
	Policy       Policy            `json:"policy"`
	PromptDelta  map[string]string `json:"prompt_delta,omitempty"`
	Source       string            `json:"source"`
	MatchedRunID string            `json:"matched_run_id,omitempty"`
}

// Match is a ranked run memory search hit.
type Match struct {
	Memory RunMemory `json:"memory"`
	Score  int       `json:"score"`
}

type Config struct {
	Memory  MemoryStore
	Runs    RunLookup
	Cache   cache.TTL[Patch]
	TabTTL  time.Duration
	Default Policy

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *gaotel.Metrics
}

type Store struct {
	memory   MemoryStore
	runs     RunLookup
	tabs     cache.TTL[Patch]
	tabTTL   time.Duration
	def      Policy
	runLocks shared.KeyedMutex
	tabLocks shared.KeyedMutex
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *gaotel.Metrics
}

func NewStore(cfg Config) *Store {
	if cfg.Cache == nil {
		cfg.Cache = cache.New[Patch](0)
	}
	if cfg.TabTTL <= 0 {
		cfg.TabTTL = 24 * time.Hour
	}
	if cfg.Default == (Policy{}) {
		cfg.Default = Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = gaotel.NoopMetrics()
	}
	return &Store{
		memory:  cfg.Memory,
		runs:    cfg.Runs,
		tabs:    cfg.Cache,
		tabTTL:  cfg.TabTTL,
		def:     Clamp(cfg.Default),
		bus:     cfg.Bus,
		logger:  telemetry.Component(cfg.Logger, "policy"),
		metrics: cfg.Metrics,
	}
}

// DefaultPolicy returns the process-wide default.
func (s *Store) DefaultPolicy() Policy { return s.def }

// EffectivePolicy resolves the policy for a new run: the tab's cached patch,
// else the best matching learned run memory, else the default.
func (s *Store) EffectivePolicy(ctx context.Context, userID, tabID, goal, query string) (Resolution, error) {
	logger := telemetry.WithTrace(ctx, s.logger)
	if tabID != "" {
		if p, ok := s.tabs.Get(tabID); ok {
			pol, err := Apply(s.def, p.PolicyDelta)
			if err == nil {
				s.metrics.PolicyCacheHits.Add(ctx, 1)
				return Resolution{Policy: pol, PromptDelta: MergePrompt(nil, p.PromptDelta), Source: SourceTab}, nil
			}
			logger.Warn("ignoring unusable tab patch", "tab_id", tabID, "error", err)
		}
	}

	matches, err := s.Search(ctx, goal, query, 1)
	if err != nil {
		return Resolution{}, err
	}
	if len(matches) > 0 {
		m := matches[0]
		pol, err := Apply(s.def, m.Memory.Patch.PolicyDelta)
		if err == nil {
			logger.Debug("policy from run memory", "user_id", userID, "matched_run_id", m.Memory.RunID, "score", m.Score)
			return Resolution{
				Policy:       pol,
				PromptDelta:  MergePrompt(nil, m.Memory.Patch.PromptDelta),
				Source:       SourceMemory,
				MatchedRunID: m.Memory.RunID,
			}, nil
		}
		logger.Warn("ignoring unusable stored patch", "run_id", m.Memory.RunID, "error", err)
	}
	return Resolution{Policy: s.def, Source: SourceDefault}, nil
}

// ApplyPatch validates patch, layers it onto the run's tab patch in the
// cache and writes it to the run's durable memory. The returned policy is
// the default with this patch applied. A run that already learned a patch
// keeps it; the result then reports WriteSkippedAlreadyLearned while the tab
// cache still takes the new patch.
func (s *Store) ApplyPatch(ctx context.Context, runID string, patch Patch) (Policy, WriteResult, error) {
	if runID == "" {
		return Policy{}, "", fmt.Errorf("apply patch: run id is required")
	}
	if err := patch.Validate(); err != nil {
		return Policy{}, "", fmt.Errorf("apply patch to run %s: %w", runID, err)
	}
	pol, err := Apply(s.def, patch.PolicyDelta)
	if err != nil {
		return Policy{}, "", fmt.Errorf("apply patch to run %s: %w", runID, err)
	}

	mem, err := s.describeRun(ctx, runID)
	if err != nil {
		return Policy{}, "", err
	}
	mem.PolicySnapshot = pol
	mem.PromptDelta = MergePrompt(mem.PromptDelta, patch.PromptDelta)
	mem.Patch = patch

	if mem.TabID != "" && !patch.IsEmpty() {
		unlock := s.tabLocks.Lock(mem.TabID)
		current, _ := s.tabs.Get(mem.TabID)
		s.tabs.Set(mem.TabID, Compose(current, patch), s.tabTTL)
		unlock()
	}

	res, err := s.WriteRunMemory(ctx, mem)
	if err != nil {
		return Policy{}, "", err
	}
	if res == WriteStored && !patch.IsEmpty() {
		s.metrics.PatchesApplied.Add(ctx, 1)
		audit.RecordContext(ctx, audit.DecisionAllow, "policy.patch_applied", patch.Rationale, runID)
		s.bus.Publish(bus.TopicPolicyPatched, bus.PolicyPatched{
			RunID:     runID,
			UserID:    mem.UserID,
			TabID:     mem.TabID,
			Rationale: patch.Rationale,
		})
		telemetry.WithTrace(ctx, s.logger).Info("patch applied",
			"run_id", runID, "tab_id", mem.TabID, "policy_fields", len(patch.PolicyDelta), "prompt_slots", len(patch.PromptDelta))
	}
	return pol, res, nil
}

// describeRun seeds a memory record with what is already known about the
// run, from its stored memory or its run record.
func (s *Store) describeRun(ctx context.Context, runID string) (RunMemory, error) {
	mem := RunMemory{RunID: runID}
	rec, ok, err := s.memory.FetchRunMemory(ctx, runID)
	if err != nil {
		return mem, err
	}
	if ok {
		existing, err := fromRecord(rec)
		if err != nil {
			return mem, err
		}
		mem.UserID, mem.TabID, mem.Goal, mem.Query = existing.UserID, existing.TabID, existing.Goal, existing.Query
		mem.PromptDelta = existing.PromptDelta
		mem.Metrics = existing.Metrics
		mem.CreatedAt = existing.CreatedAt
		return mem, nil
	}
	if s.runs == nil {
		return mem, nil
	}
	run, err := s.runs.GetRun(ctx, runID)
	if errors.Is(err, persistence.ErrNotFound) {
		return mem, nil
	}
	if err != nil {
		return mem, fmt.Errorf("look up run %s: %w", runID, err)
	}
	mem.UserID, mem.TabID, mem.Goal, mem.Query = run.UserID, run.TabID, run.Goal, run.Query
	if run.PromptDelta != "" {
		_ = json.Unmarshal([]byte(run.PromptDelta), &mem.PromptDelta)
	}
	return mem, nil
}

// WriteRunMemory stores mem unless the run already carries a learned patch.
// The check runs under a per-run lock and the store's insert is itself
// conditional, so a concurrent baseline write cannot replace a patch.
func (s *Store) WriteRunMemory(ctx context.Context, mem RunMemory) (WriteResult, error) {
	if mem.RunID == "" {
		return "", fmt.Errorf("write run memory: run id is required")
	}
	unlock := s.runLocks.Lock(mem.RunID)
	defer unlock()

	existing, ok, err := s.memory.FetchRunMemory(ctx, mem.RunID)
	if err != nil {
		return "", err
	}
	if ok && existing.HasPatch {
		s.skipped(ctx, mem)
		return WriteSkippedAlreadyLearned, nil
	}
	rec, err := toRecord(mem)
	if err != nil {
		return "", err
	}
	written, err := s.memory.InsertRunMemory(ctx, rec)
	if err != nil {
		return "", err
	}
	if !written {
		s.skipped(ctx, mem)
		return WriteSkippedAlreadyLearned, nil
	}
	return WriteStored, nil
}

func (s *Store) skipped(ctx context.Context, mem RunMemory) {
	source := "baseline"
	if !mem.Patch.IsEmpty() {
		source = "patch"
	}
	s.metrics.PatchesSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	audit.RecordContext(ctx, audit.DecisionSkip, "policy.memory_skipped", "already learned, not overwritten", mem.RunID)
	s.bus.Publish(bus.TopicPolicySkipped, bus.PolicySkipped{
		RunID:  mem.RunID,
		Source: source,
		Reason: string(WriteSkippedAlreadyLearned),
	})
	telemetry.WithTrace(ctx, s.logger).Info("run memory already learned, not overwritten",
		"run_id", mem.RunID, "source", source)
}

// FetchRunMemory returns the stored memory for runID.
func (s *Store) FetchRunMemory(ctx context.Context, runID string) (RunMemory, bool, error) {
	rec, ok, err := s.memory.FetchRunMemory(ctx, runID)
	if err != nil || !ok {
		return RunMemory{}, ok, err
	}
	mem, err := fromRecord(rec)
	return mem, err == nil, err
}

// stopwords never count toward a search match.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "for": true, "of": true, "to": true,
	"in": true, "on": true, "me": true, "my": true, "with": true, "is": true, "at": true,
	"find": true, "show": true, "get": true, "some": true,
}

// SearchTerms tokenizes goal and query the way run memories are scored.
func SearchTerms(goal, query string) []string {
	var terms []string
	for _, tok := range strings.Fields(events.NormalizeText(goal + " " + query)) {
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		terms = append(terms, tok)
	}
	return terms
}

// Search ranks learned run memories by token overlap with goal and query,
// most recent first on ties.
func (s *Store) Search(ctx context.Context, goal, query string, limit int) ([]Match, error) {
	terms := SearchTerms(goal, query)
	if len(terms) == 0 {
		return nil, nil
	}
	hits, err := s.memory.SearchRunMemory(ctx, terms, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		mem, err := fromRecord(h.RunMemoryRecord)
		if err != nil {
			s.logger.Warn("skipping undecodable run memory", "run_id", h.RunID, "error", err)
			continue
		}
		out = append(out, Match{Memory: mem, Score: h.Score})
	}
	return out, nil
}

// PurgeTabs drops expired tab patches when the cache supports it.
func (s *Store) PurgeTabs() int {
	if p, ok := s.tabs.(interface{ Purge() int }); ok {
		return p.Purge()
	}
	return 0
}

func toRecord(mem RunMemory) (persistence.RunMemoryRecord, error) {
	snapshot := "{}"
	if mem.PolicySnapshot != (Policy{}) {
		b, err := json.Marshal(mem.PolicySnapshot)
		if err != nil {
			return persistence.RunMemoryRecord{}, fmt.Errorf("encode policy snapshot: %w", err)
		}
		snapshot = string(b)
	}
	prompt, err := encodeJSON(mem.PromptDelta)
	if err != nil {
		return persistence.RunMemoryRecord{}, fmt.Errorf("encode prompt delta: %w", err)
	}
	patch, err := json.Marshal(mem.Patch)
	if err != nil {
		return persistence.RunMemoryRecord{}, fmt.Errorf("encode patch: %w", err)
	}
	metrics, err := encodeJSON(mem.Metrics)
	if err != nil {
		return persistence.RunMemoryRecord{}, fmt.Errorf("encode metrics: %w", err)
	}
	return persistence.RunMemoryRecord{
		RunID:          mem.RunID,
		UserID:         mem.UserID,
		TabID:          mem.TabID,
		Goal:           mem.Goal,
		Query:          mem.Query,
		PolicySnapshot: snapshot,
		PromptDelta:    prompt,
		Patch:          string(patch),
		HasPatch:       !mem.Patch.IsEmpty(),
		Metrics:        metrics,
		CreatedAt:      mem.CreatedAt,
	}, nil
}

func encodeJSON[M ~map[string]V, V any](m M) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func fromRecord(rec persistence.RunMemoryRecord) (RunMemory, error) {
	mem := RunMemory{
		RunID:     rec.RunID,
		UserID:    rec.UserID,
		TabID:     rec.TabID,
		Goal:      rec.Goal,
		Query:     rec.Query,
		CreatedAt: rec.CreatedAt,
	}
	if err := decodeJSON(rec.PolicySnapshot, &mem.PolicySnapshot); err != nil {
		return mem, fmt.Errorf("decode policy snapshot for %s: %w", rec.RunID, err)
	}
	if err := decodeJSON(rec.PromptDelta, &mem.PromptDelta); err != nil {
		return mem, fmt.Errorf("decode prompt delta for %s: %w", rec.RunID, err)
	}
	if err := decodeJSON(rec.Patch, &mem.Patch); err != nil {
		return mem, fmt.Errorf("decode patch for %s: %w", rec.RunID, err)
	}
	if err := decodeJSON(rec.Metrics, &mem.Metrics); err != nil {
		return mem, fmt.Errorf("decode metrics for %s: %w", rec.RunID, err)
	}
	return mem, nil
}

func decodeJSON(raw string, dst any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
