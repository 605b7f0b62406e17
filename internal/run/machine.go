// Package run sequences a single research run through its stages under a
// bound policy and strategy.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/goadapt/internal/bandit"
	"github.com/basket/goadapt/internal/bus"
	"github.com/basket/goadapt/internal/events"
	gaotel "github.com/basket/goadapt/internal/otel"
	"github.com/basket/goadapt/internal/persistence"
	"github.com/basket/goadapt/internal/policy"
	"github.com/basket/goadapt/internal/reward"
	"github.com/basket/goadapt/internal/shared"
	"github.com/basket/goadapt/internal/telemetry"
)

// LLM is the language model collaborator.
type LLM interface {
	Invoke(ctx context.Context, prompt string, context map[string]any) (string, error)
}

// Link is a search result candidate.
type Link struct {
	URL   string  `json:"url"`
	Title string  `json:"title"`
	Score float64 `json:"score,omitempty"`
}

// Browser is the browser automation collaborator.
type Browser interface {
	Search(ctx context.Context, query string) ([]Link, error)
	Fetch(ctx context.Context, url string) (string, error)
}

// Appender durably appends events to the stream. The machine never calls
// handlers directly.
type Appender interface {
	Enqueue(ctx context.Context, ev events.Event) error
}

type StrategySelector interface {
	SelectAndRecord(ctx context.Context, userID, domain string) (string, error)
}

type PolicyResolver interface {
	EffectivePolicy(ctx context.Context, userID, tabID, goal, query string) (policy.Resolution, error)
}

// Plan is the validated planner output.
type Plan struct {
	SearchQueries    []string           `json:"search_queries"`
	Rubric           map[string]float64 `json:"rubric,omitempty"`
	RequiredSources  []string           `json:"required_sources,omitempty"`
	ExtractionFields []string           `json:"extraction_fields"`
}

// Item is one extracted result.
type Item struct {
	URL   string         `json:"url"`
	Title string         `json:"title"`
	Data  map[string]any `json:"data"`
}

type Request struct {
	UserID string
	TabID  string
	Goal   string
	Query  string
	Domain string
}

// Status is the user-visible state of a run.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type Result struct {
	RunID        string        `json:"run_id"`
	State        State         `json:"state"`
	Reason       string        `json:"reason,omitempty"`
	Strategy     string        `json:"strategy_id"`
	Domain       string        `json:"domain"`
	Policy       policy.Policy `json:"policy"`
	PolicySource string        `json:"policy_source,omitempty"`
	Items        []Item        `json:"items,omitempty"`
	Summary      string        `json:"summary,omitempty"`
}

// TraceStep is one entry of a run's persisted trace.
type TraceStep struct {
	Type    string    `json:"type"`
	State   State     `json:"state"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

type Config struct {
	Store      *persistence.Store
	Policies   PolicyResolver
	Strategies StrategySelector
	Classifier reward.Classifier
	LLM        LLM
	Browser    Browser
	Appender   Appender

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *gaotel.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
	NewID   func() string
}

type Machine struct {
	cfg    Config
	locks  shared.KeyedMutex
	logger *slog.Logger
}

func New(cfg Config) *Machine {
	if cfg.Classifier == nil {
		cfg.Classifier = reward.KeywordClassifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = gaotel.NoopMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = shared.NewRunID
	}
	return &Machine{cfg: cfg, logger: telemetry.Component(cfg.Logger, "run")}
}

// execution is the in-memory state of one run while the machine drives it.
type execution struct {
	runID        string
	userID       string
	tabID        string
	goal         string
	query        string
	domain       string
	strategy     string
	state        State
	reason       string
	policy       policy.Policy
	policySource string
	promptDelta  map[string]string
	started      time.Time

	plan    Plan
	links   []Link
	items   []Item
	summary string
}

func (ex *execution) result() Result {
	return Result{
		RunID:        ex.runID,
		State:        ex.state,
		Reason:       ex.reason,
		Strategy:     ex.strategy,
		Domain:       ex.domain,
		Policy:       ex.policy,
		PolicySource: ex.policySource,
		Items:        ex.items,
		Summary:      ex.summary,
	}
}

func (m *Machine) runContext(ctx context.Context, ex *execution) context.Context {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	return shared.WithUserID(shared.WithRunID(ctx, ex.runID), ex.userID)
}

// Start binds the run to its effective policy and a bandit strategy, persists
// it and drives it until it completes, pauses or fails. A pause returns
// ErrGuardrailExceeded; a collaborator failure returns *CollaboratorError.
// Both also return the run's Result.
func (m *Machine) Start(ctx context.Context, req Request) (Result, error) {
	if req.UserID == "" {
		return Result{}, fmt.Errorf("start run: user id is required")
	}
	if strings.TrimSpace(req.Goal) == "" && strings.TrimSpace(req.Query) == "" {
		return Result{}, fmt.Errorf("start run: goal or query is required")
	}
	ex := &execution{
		runID:  m.cfg.NewID(),
		userID: req.UserID,
		tabID:  req.TabID,
		goal:   req.Goal,
		query:  req.Query,
		domain: req.Domain,
		state:  StatePlanning,
	}
	if ex.domain == "" {
		ex.domain = m.cfg.Classifier.Classify(req.Goal + " " + req.Query)
	}
	ctx = m.runContext(ctx, ex)
	ctx, span := gaotel.StartSpan(ctx, m.cfg.Tracer, "run.start",
		gaotel.AttrRunID.String(ex.runID), gaotel.AttrUserID.String(ex.userID))
	defer span.End()

	res, err := m.cfg.Policies.EffectivePolicy(ctx, req.UserID, req.TabID, req.Goal, req.Query)
	if err != nil {
		return Result{}, fmt.Errorf("start run: resolve policy: %w", err)
	}
	strategy, err := m.cfg.Strategies.SelectAndRecord(ctx, req.UserID, ex.domain)
	if err != nil {
		return Result{}, fmt.Errorf("start run: select strategy: %w", err)
	}
	ex.policy, ex.policySource, ex.promptDelta, ex.strategy = res.Policy, res.Source, res.PromptDelta, strategy
	span.SetAttributes(gaotel.AttrStrategy.String(strategy), gaotel.AttrDomain.String(ex.domain))

	policyJSON, err := json.Marshal(ex.policy)
	if err != nil {
		return Result{}, fmt.Errorf("start run: encode policy: %w", err)
	}
	promptJSON, err := json.Marshal(ex.promptDelta)
	if err != nil {
		return Result{}, fmt.Errorf("start run: encode prompt delta: %w", err)
	}

	unlock := m.locks.Lock(ex.runID)
	defer unlock()

	ex.started = m.cfg.Now()
	if err := m.cfg.Store.CreateRun(ctx, persistence.RunRecord{
		RunID:       ex.runID,
		UserID:      ex.userID,
		TabID:       ex.tabID,
		Goal:        ex.goal,
		Query:       ex.query,
		Domain:      ex.domain,
		StrategyID:  ex.strategy,
		State:       string(StatePlanning),
		PolicyJSON:  string(policyJSON),
		PromptDelta: string(promptJSON),
		StartedAt:   ex.started,
	}); err != nil {
		return Result{}, err
	}
	if err := m.emit(ctx, ex, events.TypeRunStarted, map[string]any{
		"goal":          ex.goal,
		"query":         ex.query,
		"domain":        ex.domain,
		"strategy_id":   ex.strategy,
		"policy":        ex.policy,
		"policy_source": ex.policySource,
	}); err != nil {
		return ex.result(), err
	}
	m.trace(ctx, ex, "bind", map[string]any{
		"policy": ex.policy, "policy_source": ex.policySource, "strategy_id": ex.strategy, "domain": ex.domain,
	})
	telemetry.WithTrace(ctx, m.logger).Info("run started",
		"run_id", ex.runID, "domain", ex.domain, "strategy", ex.strategy, "policy_source", ex.policySource)

	err = m.execute(ctx, ex)
	return ex.result(), err
}

// Resume continues a paused run from extracting. The guardrail is not
// re-checked.
func (m *Machine) Resume(ctx context.Context, runID string) (Result, error) {
	unlock := m.locks.Lock(runID)
	defer unlock()

	ex, err := m.load(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	if ex.state != StatePaused {
		return ex.result(), fmt.Errorf("resume run %s in state %s: %w", runID, ex.state, ErrNotPaused)
	}
	ctx = m.runContext(ctx, ex)
	ctx, span := gaotel.StartSpan(ctx, m.cfg.Tracer, "run.resume", gaotel.AttrRunID.String(runID))
	defer span.End()

	if err := m.transition(ctx, ex, StateExtracting, ""); err != nil {
		return ex.result(), err
	}
	err = m.execute(ctx, ex)
	return ex.result(), err
}

// Abandon moves a paused run to error with reason "abandoned".
func (m *Machine) Abandon(ctx context.Context, runID string) error {
	unlock := m.locks.Lock(runID)
	defer unlock()

	ex, err := m.load(ctx, runID)
	if err != nil {
		return err
	}
	if ex.state != StatePaused {
		return fmt.Errorf("abandon run %s in state %s: %w", runID, ex.state, ErrNotPaused)
	}
	ctx = m.runContext(ctx, ex)
	if err := m.transition(ctx, ex, StateError, ReasonAbandoned); err != nil {
		return err
	}
	m.recordDuration(ctx, ex)
	return m.emit(ctx, ex, events.TypeRunFailed, map[string]any{"reason": ReasonAbandoned, "stage": string(StatePaused)})
}

// Status reports a run's state and, for paused or failed runs, why.
func (m *Machine) Status(ctx context.Context, runID string) (Status, error) {
	rec, err := m.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return Status{}, fmt.Errorf("run %s: %w", runID, err)
	}
	return Status{State: State(rec.State), Reason: rec.Reason}, nil
}

func (m *Machine) execute(ctx context.Context, ex *execution) error {
	for !ex.state.Terminal() && ex.state != StatePaused {
		var (
			next State
			err  error
		)
		switch ex.state {
		case StatePlanning:
			err, next = m.planStage(ctx, ex), StateBrowsing
		case StateBrowsing:
			err, next = m.browseStage(ctx, ex), StateScoring
		case StateScoring:
			m.scoreStage(ctx, ex)
			next = StateGuardrailCheck
		case StateGuardrailCheck:
			if elapsed := m.cfg.Now().Sub(ex.started); elapsed > time.Duration(ex.policy.MaxTimeMs)*time.Millisecond {
				return m.pause(ctx, ex, elapsed)
			}
			next = StateExtracting
		case StateExtracting:
			err, next = m.extractStage(ctx, ex), StateSummarizing
		case StateSummarizing:
			err, next = m.summarizeStage(ctx, ex), StateCompleted
		default:
			return &InvalidTransitionError{RunID: ex.runID, From: ex.state}
		}
		if err != nil {
			return m.fail(ctx, ex, err)
		}
		if err := m.transition(ctx, ex, next, ""); err != nil {
			return err
		}
	}
	if ex.state == StateCompleted {
		return m.complete(ctx, ex)
	}
	return nil
}

func (m *Machine) transition(ctx context.Context, ex *execution, to State, reason string) error {
	from := ex.state
	if !CanTransition(from, to) {
		return &InvalidTransitionError{RunID: ex.runID, From: from, To: to}
	}
	ok, err := m.cfg.Store.TransitionRun(ctx, ex.runID, []string{string(from)}, string(to), reason)
	if err != nil {
		return err
	}
	if !ok {
		return &InvalidTransitionError{RunID: ex.runID, From: from, To: to}
	}
	ex.state, ex.reason = to, reason
	at := m.cfg.Now()

	m.cfg.Metrics.RunTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)), attribute.String("to", string(to))))
	m.cfg.Bus.Publish(bus.TopicRunStateChanged, bus.RunStateChanged{
		RunID: ex.runID, FromState: string(from), ToState: string(to), Reason: reason,
	})
	telemetry.WithTrace(ctx, m.logger).Debug("run transition", "run_id", ex.runID, "from", from, "to", to)

	payload := map[string]any{
		"run_id":     ex.runID,
		"from_state": string(from),
		"to_state":   string(to),
		"timestamp":  at.UTC().Format(time.RFC3339Nano),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return m.emit(ctx, ex, events.TypeRunStateChanged, payload)
}

func (m *Machine) emit(ctx context.Context, ex *execution, typ events.Type, payload map[string]any) error {
	if m.cfg.Appender == nil {
		return nil
	}
	// Round-trip through JSON so payload values carry the shapes consumers
	// decode from the log.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode %s payload: %w", typ, err)
	}
	ev := events.New(m.cfg.NewID(), ex.userID, ex.tabID, ex.runID, typ, body, m.cfg.Now())
	if tid := shared.TraceID(ctx); tid != "-" {
		ev.TraceID = tid
	}
	if err := m.cfg.Appender.Enqueue(ctx, ev); err != nil {
		return fmt.Errorf("append %s for run %s: %w", typ, ex.runID, err)
	}
	return nil
}

func (m *Machine) trace(ctx context.Context, ex *execution, typ string, payload any) {
	step := TraceStep{Type: typ, State: ex.state, At: m.cfg.Now().UTC(), Payload: payload}
	if err := m.cfg.Store.AppendRunTrace(ctx, ex.runID, step); err != nil {
		telemetry.WithTrace(ctx, m.logger).Warn("append run trace failed", "run_id", ex.runID, "step", typ, "error", err)
	}
}

func (m *Machine) recordDuration(ctx context.Context, ex *execution) {
	if ex.started.IsZero() {
		return
	}
	m.cfg.Metrics.RunDuration.Record(ctx, m.cfg.Now().Sub(ex.started).Seconds(),
		metric.WithAttributes(gaotel.AttrRunState.String(string(ex.state))))
}

func (m *Machine) pause(ctx context.Context, ex *execution, elapsed time.Duration) error {
	if err := m.transition(ctx, ex, StatePaused, GuardrailMaxTime); err != nil {
		return err
	}
	m.recordDuration(ctx, ex)
	m.trace(ctx, ex, "guardrail", map[string]any{"guardrail": GuardrailMaxTime, "elapsed_ms": elapsed.Milliseconds()})
	telemetry.WithTrace(ctx, m.logger).Info("run paused on guardrail",
		"run_id", ex.runID, "guardrail", GuardrailMaxTime, "elapsed_ms", elapsed.Milliseconds(), "max_time_ms", ex.policy.MaxTimeMs)
	if err := m.emit(ctx, ex, events.TypeRunPaused, map[string]any{
		"guardrail":   GuardrailMaxTime,
		"elapsed_ms":  elapsed.Milliseconds(),
		"max_time_ms": ex.policy.MaxTimeMs,
	}); err != nil {
		return err
	}
	return ErrGuardrailExceeded
}

// fail records cause as the run's reason and moves it to error once.
func (m *Machine) fail(ctx context.Context, ex *execution, cause error) error {
	stage := ex.state
	if err := m.transition(ctx, ex, StateError, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	m.recordDuration(ctx, ex)
	m.trace(ctx, ex, "error", map[string]any{"stage": string(stage), "error": cause.Error()})
	telemetry.WithTrace(ctx, m.logger).Warn("run failed", "run_id", ex.runID, "stage", stage, "error", cause)
	if err := m.emit(ctx, ex, events.TypeRunFailed, map[string]any{"reason": cause.Error(), "stage": string(stage)}); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (m *Machine) complete(ctx context.Context, ex *execution) error {
	m.recordDuration(ctx, ex)
	telemetry.WithTrace(ctx, m.logger).Info("run completed", "run_id", ex.runID, "items", len(ex.items))
	return m.emit(ctx, ex, events.TypeRunCompleted, map[string]any{
		"goal":            ex.goal,
		"query":           ex.query,
		"tab_id":          ex.tabID,
		"domain":          ex.domain,
		"strategy_id":     ex.strategy,
		"policy_snapshot": ex.policy,
		"prompt_delta":    ex.promptDelta,
		"summary":         ex.summary,
		"metrics": map[string]any{
			"links":       len(ex.links),
			"items":       len(ex.items),
			"duration_ms": m.cfg.Now().Sub(ex.started).Milliseconds(),
		},
	})
}

func (m *Machine) guide(ex *execution) string {
	return guidance(policy.PromptText(ex.promptDelta), bandit.Instruction(ex.strategy))
}

func (m *Machine) llmContext(ex *execution) map[string]any {
	return map[string]any{
		"run_id":      ex.runID,
		"stage":       string(ex.state),
		"strategy_id": ex.strategy,
		"domain":      ex.domain,
	}
}

// invokeLLM, search and fetch run each collaborator call under a client span
// tagged with the run and stage.
func (m *Machine) invokeLLM(ctx context.Context, ex *execution, prompt string) (string, error) {
	ctx, span := m.clientSpan(ctx, ex, "llm.invoke")
	defer span.End()
	out, err := m.cfg.LLM.Invoke(ctx, prompt, m.llmContext(ex))
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (m *Machine) search(ctx context.Context, ex *execution, query string) ([]Link, error) {
	ctx, span := m.clientSpan(ctx, ex, "browser.search")
	defer span.End()
	found, err := m.cfg.Browser.Search(ctx, query)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("goadapt.browser.results", len(found)))
	return found, err
}

func (m *Machine) fetch(ctx context.Context, ex *execution, link string) (string, error) {
	ctx, span := m.clientSpan(ctx, ex, "browser.fetch", attribute.String("url.full", link))
	defer span.End()
	content, err := m.cfg.Browser.Fetch(ctx, link)
	if err != nil {
		span.RecordError(err)
	}
	return content, err
}

func (m *Machine) clientSpan(ctx context.Context, ex *execution, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, gaotel.AttrRunID.String(ex.runID), gaotel.AttrRunState.String(string(ex.state)))
	return gaotel.StartClientSpan(ctx, m.cfg.Tracer, name, attrs...)
}

func (m *Machine) planStage(ctx context.Context, ex *execution) error {
	out, err := m.invokeLLM(ctx, ex, buildPlannerPrompt(ex.goal, ex.query, m.guide(ex)))
	if err != nil {
		return &CollaboratorError{Stage: StatePlanning, Collaborator: "llm", Err: err}
	}
	doc, err := plannerSchema.ValidateText(out)
	if err != nil {
		return &CollaboratorError{Stage: StatePlanning, Collaborator: "llm", Err: err}
	}
	var plan Plan
	if err := json.Unmarshal([]byte(doc), &plan); err != nil {
		return &CollaboratorError{Stage: StatePlanning, Collaborator: "llm", Err: err}
	}
	ex.plan = plan
	m.trace(ctx, ex, "plan", plan)
	return nil
}

func (m *Machine) browseStage(ctx context.Context, ex *execution) error {
	seenURL := make(map[string]bool)
	seenHost := make(map[string]bool)
	var links []Link
	var used []string
	for _, q := range ex.plan.SearchQueries {
		if len(links) >= ex.policy.MaxTabs {
			break
		}
		found, err := m.search(ctx, ex, q)
		if err != nil {
			return &CollaboratorError{Stage: StateBrowsing, Collaborator: "browser", Err: err}
		}
		used = append(used, q)
		for _, l := range found {
			u, err := url.Parse(l.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				continue
			}
			host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
			if seenURL[l.URL] || (ex.policy.UniqueDomains && seenHost[host]) {
				continue
			}
			seenURL[l.URL], seenHost[host] = true, true
			links = append(links, Link{URL: l.URL, Title: strings.TrimSpace(l.Title)})
			if len(links) >= ex.policy.MaxTabs {
				break
			}
		}
	}
	ex.links = links
	m.trace(ctx, ex, "browse", map[string]any{"queries": used, "count": len(links)})
	return nil
}

// scoreStage ranks candidates by the share of goal and query terms found in
// their title and URL, keeps those at or above min_score and caps the list
// at result_limit.
func (m *Machine) scoreStage(ctx context.Context, ex *execution) {
	terms := policy.SearchTerms(ex.goal, ex.query)
	for i := range ex.links {
		ex.links[i].Score = scoreLink(ex.links[i], terms)
	}
	sort.SliceStable(ex.links, func(i, j int) bool { return ex.links[i].Score > ex.links[j].Score })
	kept := make([]Link, 0, len(ex.links))
	for _, l := range ex.links {
		if l.Score >= ex.policy.MinScore && len(kept) < ex.policy.ResultLimit {
			kept = append(kept, l)
		}
	}
	m.trace(ctx, ex, "score", map[string]any{"candidates": len(ex.links), "links": kept})
	ex.links = kept
}

func scoreLink(l Link, terms []string) float64 {
	if len(terms) == 0 {
		return 1
	}
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(events.NormalizeText(l.Title + " " + strings.NewReplacer("/", " ", "-", " ", ".", " ").Replace(l.URL))) {
		tokens[tok] = true
	}
	hit := 0
	for _, t := range terms {
		if tokens[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

func (m *Machine) extractStage(ctx context.Context, ex *execution) error {
	items := make([]Item, 0, len(ex.links))
	for _, l := range ex.links {
		if err := ctx.Err(); err != nil {
			return err
		}
		content, err := m.fetch(ctx, ex, l.URL)
		if err != nil {
			return &CollaboratorError{Stage: StateExtracting, Collaborator: "browser", Err: err}
		}
		out, err := m.invokeLLM(ctx, ex, buildExtractorPrompt(ex.plan.ExtractionFields, l, content))
		if err != nil {
			return &CollaboratorError{Stage: StateExtracting, Collaborator: "llm", Err: err}
		}
		doc, err := extractSchema.ValidateText(out)
		if err != nil {
			return &CollaboratorError{Stage: StateExtracting, Collaborator: "llm", Err: err}
		}
		var parsed struct {
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
			return &CollaboratorError{Stage: StateExtracting, Collaborator: "llm", Err: err}
		}
		items = append(items, Item{URL: l.URL, Title: l.Title, Data: parsed.Data})
	}
	ex.items = items
	m.trace(ctx, ex, "extract", map[string]any{"count": len(items)})
	return nil
}

func (m *Machine) summarizeStage(ctx context.Context, ex *execution) error {
	if len(ex.items) == 0 {
		ex.summary = "No results met the run policy."
	} else {
		out, err := m.invokeLLM(ctx, ex, buildSummarizerPrompt(ex.goal, m.guide(ex), ex.items))
		if err != nil {
			return &CollaboratorError{Stage: StateSummarizing, Collaborator: "llm", Err: err}
		}
		ex.summary = strings.TrimSpace(out)
	}
	m.trace(ctx, ex, "summarize", map[string]any{"chars": len(ex.summary)})
	return nil
}

// load rebuilds an execution from the stored run and its trace.
func (m *Machine) load(ctx context.Context, runID string) (*execution, error) {
	rec, err := m.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	ex := &execution{
		runID:    rec.RunID,
		userID:   rec.UserID,
		tabID:    rec.TabID,
		goal:     rec.Goal,
		query:    rec.Query,
		domain:   rec.Domain,
		strategy: rec.StrategyID,
		state:    State(rec.State),
		reason:   rec.Reason,
		started:  rec.StartedAt,
	}
	if err := json.Unmarshal([]byte(rec.PolicyJSON), &ex.policy); err != nil {
		return nil, fmt.Errorf("decode policy for run %s: %w", runID, err)
	}
	if rec.PromptDelta != "" && rec.PromptDelta != "null" {
		if err := json.Unmarshal([]byte(rec.PromptDelta), &ex.promptDelta); err != nil {
			return nil, fmt.Errorf("decode prompt delta for run %s: %w", runID, err)
		}
	}
	var steps []struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if rec.TraceJSON != "" {
		if err := json.Unmarshal([]byte(rec.TraceJSON), &steps); err != nil {
			return nil, fmt.Errorf("decode trace for run %s: %w", runID, err)
		}
	}
	for _, s := range steps {
		switch s.Type {
		case "bind":
			var bind struct {
				Source string `json:"policy_source"`
			}
			if json.Unmarshal(s.Payload, &bind) == nil {
				ex.policySource = bind.Source
			}
		case "plan":
			var plan Plan
			if err := json.Unmarshal(s.Payload, &plan); err != nil {
				return nil, fmt.Errorf("decode plan for run %s: %w", runID, err)
			}
			ex.plan = plan
		case "score":
			var scored struct {
				Links []Link `json:"links"`
			}
			if err := json.Unmarshal(s.Payload, &scored); err != nil {
				return nil, fmt.Errorf("decode scored links for run %s: %w", runID, err)
			}
			ex.links = scored.Links
		}
	}
	return ex, nil
}

// Trace returns the persisted trace of a run as raw JSON steps.
func (m *Machine) Trace(ctx context.Context, runID string) ([]json.RawMessage, error) {
	rec, err := m.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	var steps []json.RawMessage
	if err := json.Unmarshal([]byte(rec.TraceJSON), &steps); err != nil {
		return nil, fmt.Errorf("decode trace for run %s: %w", runID, err)
	}
	return steps, nil
}
