package limiter

import (
	"errors"
	"fmt"
	"time"
)

// State is the gate state a host UI renders.
type State int

const (
	// StateUnknown is the state before the first load completes.
	// Hosts must treat it as blocked.
	StateUnknown State = iota
	// StateActive means the application is usable and an expiration is armed.
	StateActive
	// StateResting means the daily budget is spent. No timer is armed.
	StateResting
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateResting:
		return "resting"
	default:
		return "unknown"
	}
}

// Blocked reports whether the host must keep the application unusable.
func (s State) Blocked() bool {
	return s != StateActive
}

// RestReason records why the limiter is resting.
type RestReason string

const (
	ReasonNone      RestReason = ""
	ReasonTimer     RestReason = "timer"     // expiration fired
	ReasonBudget    RestReason = "budget"    // load found the budget already spent
	ReasonResumed   RestReason = "resumed"   // load found a rest marker for today
	ReasonRequested RestReason = "requested" // EnterRestMode called directly
	ReasonStorage   RestReason = "storage"   // storage unreadable under the closed policy
)

// User-facing messages. Entering rest and finding an existing rest are
// deliberately worded differently.
const (
	MessageRestStarted        = "Time to rest! You've reached today's reading time. Come back tomorrow for more stories."
	MessageStillResting       = "You're still resting. Kwentura will be ready again tomorrow."
	MessageStorageUnavailable = "Kwentura can't check today's reading time right now. Please try again later."
	MessagePending            = "Kwentura is getting ready."
)

// FailurePolicy decides the gate state when stored state cannot be read.
type FailurePolicy string

const (
	// FailClosed rests until storage can be read again.
	FailClosed FailurePolicy = "closed"
	// FailOpen starts an in-memory fresh window with the full budget.
	FailOpen FailurePolicy = "open"
)

// ParseFailurePolicy parses a configured failure policy. Empty means closed.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailClosed:
		return FailClosed, nil
	case FailOpen:
		return FailOpen, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

var (
	// ErrClosed is returned by operations on a closed limiter.
	ErrClosed = errors.New("limiter: closed")
	// ErrResting is returned by ScheduleExpiration while resting.
	ErrResting = errors.New("limiter: resting")
)

// Status is a point-in-time view of a limiter.
type Status struct {
	Profile     string
	State       State
	Reason      RestReason
	Message     string
	WindowStart time.Time
	RestMarker  time.Time
	Budget      time.Duration
	Remaining   time.Duration
	ExpiresAt   time.Time // zero unless active
	LoadedAt    time.Time // zero until the first load
}

// Transition is passed to observers after every state change.
type Transition struct {
	From   State
	Status Status
	// ClearedStale is set when a load removed a rest marker from an earlier day.
	ClearedStale bool
}

// EnteredRest reports whether the transition started a new rest period,
// as opposed to resuming one found in storage.
func (t Transition) EnteredRest() bool {
	if t.Status.State != StateResting {
		return false
	}
	switch t.Status.Reason {
	case ReasonTimer, ReasonBudget, ReasonRequested:
		return true
	}
	return false
}

// Observer receives transitions. Observers run outside the limiter's lock.
type Observer func(Transition)
