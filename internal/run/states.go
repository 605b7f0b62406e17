package run

import (
	"errors"
	"fmt"
)

// State is a run lifecycle state.
type State string

const (
	StatePlanning       State = "planning"
	StateBrowsing       State = "browsing"
	StateScoring        State = "scoring"
	StateGuardrailCheck State = "guardrail_check"
	StateExtracting     State = "extracting"
	StateSummarizing    State = "summarizing"
	StateCompleted      State = "completed"
	StatePaused         State = "paused"
	StateError          State = "error"
)

var transitions = map[State][]State{
	StatePlanning:       {StateBrowsing, StateError},
	StateBrowsing:       {StateScoring, StateError},
	StateScoring:        {StateGuardrailCheck, StateError},
	StateGuardrailCheck: {StateExtracting, StatePaused, StateError},
	StatePaused:         {StateExtracting, StateError},
	StateExtracting:     {StateSummarizing, StateError},
	StateSummarizing:    {StateCompleted, StateError},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Guardrail and abandonment reasons.
const (
	GuardrailMaxTime = "max_time_ms"
	ReasonAbandoned  = "abandoned"
)

// ErrGuardrailExceeded is returned when a run pauses on a guardrail. It is a
// defined outcome, not a failure.
var ErrGuardrailExceeded = errors.New("run paused: guardrail exceeded")

// ErrNotPaused is returned by Resume and Abandon for runs that are not paused.
var ErrNotPaused = errors.New("run is not paused")

// InvalidTransitionError reports a transition outside the table or one that
// lost a race with another writer.
type InvalidTransitionError struct {
	RunID string
	From  State
	To    State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: invalid transition %s -> %s", e.RunID, e.From, e.To)
}

// CollaboratorError wraps a failed LLM or browser call. The run moves to
// error with this as its reason; the machine never retries.
type CollaboratorError struct {
	Stage        State
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s failed during %s: %v", e.Collaborator, e.Stage, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }
