// Package reward infers an outcome label and scalar reward from a user's
// reply to an assistant response.
package reward

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/goadapt/internal/events"
	"github.com/basket/goadapt/internal/persistence"
)

type Outcome string

const (
	OutcomePending Outcome = persistence.OutcomePending
	OutcomeSuccess Outcome = persistence.OutcomeSuccess
	OutcomeFail    Outcome = persistence.OutcomeFail
)

// Reward values of each rule.
const (
	RewardNegativeLexicon = -0.7
	RewardPositiveLexicon = 0.7
	RewardRepeat          = -0.5
	RewardTopicChange     = 0.5
)

// Reasons recorded with a resolution.
const (
	ReasonNegativeLexicon = "negative_lexicon"
	ReasonPositiveLexicon = "positive_lexicon"
	ReasonRepeat          = "repeated_request"
	ReasonTopicChange     = "topic_change"
	ReasonNoSignal        = "no_signal"
	ReasonNotApplicable   = "not_applicable"
)

// Result is the outcome of resolving one event against its thread.
type Result struct {
	Outcome Outcome
	Reward  float64
	Reason  string
}

// Resolved reports whether the result closes a thread.
func (r Result) Resolved() bool { return r.Outcome != OutcomePending }

// Lexicon is a normalized set of signal phrases.
type Lexicon struct {
	Positive []string
	Negative []string
}

// NewLexicon normalizes phrases the same way message text is normalized so
// that "doesn't work" in config matches "doesn't work" in a message.
func NewLexicon(positive, negative []string) Lexicon {
	return Lexicon{Positive: normalizePhrases(positive), Negative: normalizePhrases(negative)}
}

func normalizePhrases(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, p := range in {
		n := events.NormalizeText(p)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func matchesAny(padded string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

type Config struct {
	Lexicon      Lexicon
	RepeatWindow time.Duration
	Classifier   Classifier
}

// Resolver applies the reward priority chain. The lexicon can be replaced at
// runtime while other goroutines resolve.
type Resolver struct {
	lexicon      atomic.Pointer[Lexicon]
	repeatWindow time.Duration
	classifier   Classifier
}

func NewResolver(cfg Config) *Resolver {
	if cfg.RepeatWindow <= 0 {
		cfg.RepeatWindow = 10 * time.Minute
	}
	if cfg.Classifier == nil {
		cfg.Classifier = KeywordClassifier{}
	}
	r := &Resolver{repeatWindow: cfg.RepeatWindow, classifier: cfg.Classifier}
	lex := cfg.Lexicon
	r.lexicon.Store(&lex)
	return r
}

// SetLexicon swaps the active lexicon.
func (r *Resolver) SetLexicon(lex Lexicon) {
	r.lexicon.Store(&lex)
}

// Lexicon returns the active lexicon.
func (r *Resolver) Lexicon() Lexicon {
	return *r.lexicon.Load()
}

// Classifier returns the domain classifier the resolver compares against.
func (r *Resolver) Classifier() Classifier {
	return r.classifier
}

// Resolve evaluates a USER_MESSAGE against the thread it may resolve. domain
// is the message's classified domain; pass "" to have the resolver classify
// it. Only a message that follows an AI_RESPONSE in the thread can resolve
// it; anything else is pending.
//
// The chain is ordered and the first matching rule wins: negative lexicon,
// positive lexicon, repeated fingerprint within the window, domain change.
// Negative is checked first so a message matching both lexicons is a failure.
// A reply the classifier cannot place (DomainOther) is never a domain change.
func (r *Resolver) Resolve(ev events.Event, thread *persistence.AttemptThread, domain string) Result {
	if ev.Type != events.TypeUserMessage || thread == nil || thread.LastEventType != string(events.TypeAIResponse) {
		return Result{Outcome: OutcomePending, Reason: ReasonNotApplicable}
	}
	text := ev.Text()
	padded := " " + events.NormalizeText(text) + " "
	lex := r.lexicon.Load()

	if matchesAny(padded, lex.Negative) {
		return Result{Outcome: OutcomeFail, Reward: RewardNegativeLexicon, Reason: ReasonNegativeLexicon}
	}
	if matchesAny(padded, lex.Positive) {
		return Result{Outcome: OutcomeSuccess, Reward: RewardPositiveLexicon, Reason: ReasonPositiveLexicon}
	}

	fp := events.TextFingerprint(text)
	for _, mark := range thread.FingerprintChain {
		if mark.Fingerprint != fp {
			continue
		}
		if age := ev.Timestamp.Sub(mark.At); age >= 0 && age <= r.repeatWindow {
			return Result{Outcome: OutcomeFail, Reward: RewardRepeat, Reason: ReasonRepeat}
		}
	}

	if domain == "" {
		domain = r.classifier.Classify(text)
	}
	if thread.Domain != "" && domain != DomainOther && domain != thread.Domain {
		return Result{Outcome: OutcomeSuccess, Reward: RewardTopicChange, Reason: ReasonTopicChange}
	}
	return Result{Outcome: OutcomePending, Reason: ReasonNoSignal}
}
