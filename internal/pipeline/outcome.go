package pipeline

import "time"

// State is a step of the per-message state machine.
type State string

const (
	StateReceived      State = "received"
	StateVerified      State = "verified"
	StateRateChecked   State = "rate_checked"
	StateSessionLoaded State = "session_loaded"
	StateRouted        State = "routed"
	StateDispatched    State = "dispatched"
	StateSessionSaved  State = "session_saved"
	StateReplied       State = "replied"
	StateRejected      State = "rejected"
	StateErrored       State = "errored"
)

// Terminal reports whether s ends processing.
func (s State) Terminal() bool {
	return s == StateReplied || s == StateRejected || s == StateErrored
}

// Kind classifies how a message ended.
type Kind int

const (
	KindNone Kind = iota
	KindUnauthorized
	KindRateLimited
	KindInvalidCommand
	KindToolUnavailable
	KindToolTimeout
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidCommand:
		return "invalid_command"
	case KindToolUnavailable:
		return "tool_unavailable"
	case KindToolTimeout:
		return "tool_timeout"
	case KindInternal:
		return "internal"
	default:
		return "none"
	}
}

// Rejection reasons for KindUnauthorized.
const (
	ReasonBadSignature = "bad_signature"
	ReasonNotAllowed   = "not_allowed"
	ReasonToolFailed   = "tool_failed"
)

// Outcome is the result of processing one message.
type Outcome struct {
	RequestID  string
	State      State // terminal
	Kind       Kind
	Reason     string
	Text       string   // reply before formatting
	Chunks     []string // formatted, in delivery order
	Trail      []State  // every state visited, in order
	RetryAfter time.Duration
	NewSession bool
	ToolCalls  int
}
