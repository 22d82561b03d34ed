package coalesce

import "time"

// State is the lifecycle position of one request key.
//
//	Idle -> InFlight -> Completed (until the throttle window lapses) -> Idle
//	                 -> Idle (on failure)
type State int

const (
	StateIdle State = iota
	StateInFlight
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInFlight:
		return "in-flight"
	case StateCompleted:
		return "completed"
	default:
		return "idle"
	}
}

// entry is the per-key bookkeeping. running counts executions currently in
// progress; a bypassing call may overlap a regular one. startedAt is the
// start time of the execution that produced result, so a slower, older
// execution cannot replace a newer result.
type entry struct {
	running     int
	completedAt time.Time
	startedAt   time.Time
	result      []byte
	hasResult   bool
}

// fresh reports whether the recorded result is still inside the window.
func (e *entry) fresh(now time.Time, window time.Duration) bool {
	return e != nil && e.hasResult && now.Sub(e.completedAt) < window
}

func (e *entry) state(now time.Time, window time.Duration) State {
	switch {
	case e == nil:
		return StateIdle
	case e.running > 0:
		return StateInFlight
	case e.fresh(now, window):
		return StateCompleted
	default:
		return StateIdle
	}
}

// idle reports whether the entry can be dropped from the map.
func (e *entry) idle(now time.Time, window time.Duration) bool {
	return e.state(now, window) == StateIdle
}
