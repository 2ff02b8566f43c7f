package generate

import "fmt"

// State of one generation attempt. A form session holds at most one
// non-terminal attempt at a time.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateInProgress
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventKind drives state transitions.
type EventKind int

const (
	EventSubmit    EventKind = iota // user submission passed its guards
	EventEnqueued                   // remote queue acknowledged the job
	EventProgress                   // non-terminal queue update
	EventCompleted                  // terminal success, result persisted
	EventFailed                     // transport or provider error
)

func (e EventKind) String() string {
	switch e {
	case EventSubmit:
		return "submit"
	case EventEnqueued:
		return "enqueued"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Next is the pure transition function. Completed and failed are restartable:
// a fresh submission is how the user retries; nothing retries automatically.
func Next(s State, e EventKind) (State, error) {
	switch e {
	case EventSubmit:
		if s == StateIdle || s == StateCompleted || s == StateFailed {
			return StateSubmitting, nil
		}
	case EventEnqueued:
		if s == StateSubmitting {
			return StateInProgress, nil
		}
	case EventProgress:
		if s == StateInProgress {
			return StateInProgress, nil
		}
	case EventCompleted:
		if s == StateInProgress {
			return StateCompleted, nil
		}
	case EventFailed:
		if s == StateSubmitting || s == StateInProgress {
			return StateFailed, nil
		}
	}
	return s, fmt.Errorf("invalid transition: %s on %s", e, s)
}
