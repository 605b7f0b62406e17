package bus

// Stream lifecycle topics.
const (
	TopicEventEnqueued   = "stream.enqueued"
	TopicEventDelivered  = "stream.delivered"
	TopicEventRetrying   = "stream.retrying"
	TopicEventDeadLetter = "stream.dead_letter"
)

// Learning loop topics.
const (
	TopicBanditSelected = "bandit.selected"
	TopicBanditReward   = "bandit.reward"
	TopicAttemptClosed  = "attempt.closed"
	TopicPolicyPatched  = "policy.patched"
	TopicPolicySkipped  = "policy.skipped"
)

// Run topics.
const (
	TopicRunStateChanged = "run.state_changed"
)

// EventDelivered is published after every handler acknowledged an event.
type EventDelivered struct {
	EventID   string
	UserID    string
	Type      string
	Attempts  int
	LatencyMs int64
}

// EventRetrying is published when a failed event is scheduled for retry.
type EventRetrying struct {
	EventID    string
	UserID     string
	Attempt    int
	BackoffMs  int64
	ReasonCode string
	Error      string
}

// DeadLettered is published when an event is moved to the dead-letter store.
type DeadLettered struct {
	EventID    string
	UserID     string
	RetryCount int
	ReasonCode string
	Reason     string
}

// BanditSelection is published when a strategy is chosen for a run.
type BanditSelection struct {
	UserID   string
	Domain   string
	Strategy string
	Shown    int
	Score    float64
	Cold     bool
}

// BanditReward is published when a reward lands on a strategy arm.
type BanditReward struct {
	UserID   string
	Domain   string
	Strategy string
	Reward   float64
	Wins     int
	Shown    int
	EventID  string
}

// AttemptClosed is published when an attempt thread resolves or expires.
type AttemptClosed struct {
	ThreadID string
	UserID   string
	Domain   string
	Outcome  string
	Reward   float64
	Reason   string
}

// PolicyPatched is published after a patch is merged for a run.
type PolicyPatched struct {
	RunID     string
	UserID    string
	TabID     string
	Rationale string
}

// PolicySkipped is published when a run memory write is refused because the
// run already carries a learned patch.
type PolicySkipped struct {
	RunID  string
	Source string
	Reason string
}

// RunStateChanged mirrors a run transition for live observers.
type RunStateChanged struct {
	RunID     string
	FromState string
	ToState   string
	Reason    string
}
