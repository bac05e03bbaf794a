// Package monitor decides when a streamed reply is finished. The page gives
// no explicit done event, so completion is inferred from text that stops
// changing: the same non-trivial candidate text observed across consecutive
// polls, with no thinking indicator in sight.
package monitor

// State is the phase of one generation cycle.
type State int

const (
	// Idle means no cycle is in flight.
	Idle State = iota
	// Submitted means the prompt went out but no response activity has
	// been observed yet.
	Submitted
	// Thinking means a progress indicator is visible.
	Thinking
	// Stabilizing means candidate text exists and is being watched for
	// consecutive identical polls.
	Stabilizing
	// Complete means the stability criterion was met.
	Complete
	// ErrorDetected means a terminal error phrase appeared. Reached
	// immediately regardless of stability progress.
	ErrorDetected
	// TimedOut means the overall deadline passed first. Partial text may
	// still be available.
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitted:
		return "submitted"
	case Thinking:
		return "thinking"
	case Stabilizing:
		return "stabilizing"
	case Complete:
		return "complete"
	case ErrorDetected:
		return "error"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a wait.
func (s State) Terminal() bool {
	switch s {
	case Complete, ErrorDetected, TimedOut:
		return true
	}
	return false
}
