package task

import "fmt"

// State is the closed set of lifecycle states a task can occupy. The value in
// a task's frontmatter must always agree with the directory the file lives in.
type State string

const (
	StateEntry           State = "entry"
	StateNeedsAction     State = "needs-action"
	StateInProgress      State = "in-progress"
	StatePendingApproval State = "pending-approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StateDone            State = "done"
	StateErrorQueue      State = "error-queue"
	StateFailed          State = "failed"
)

// States lists every recognized state in a stable order.
func States() []State {
	return []State{
		StateEntry,
		StateNeedsAction,
		StateInProgress,
		StatePendingApproval,
		StateApproved,
		StateRejected,
		StateDone,
		StateErrorQueue,
		StateFailed,
	}
}

// ParseState converts a frontmatter value into a State, failing closed on
// anything outside the enumeration.
func ParseState(value string) (State, error) {
	s := State(value)
	if !s.Valid() {
		return "", fmt.Errorf("task: unknown state %q", value)
	}
	return s, nil
}

// Valid reports whether the state belongs to the closed enumeration.
func (s State) Valid() bool {
	switch s {
	case StateEntry, StateNeedsAction, StateInProgress, StatePendingApproval,
		StateApproved, StateRejected, StateDone, StateErrorQueue, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether the state is a permanent record that admits no
// further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateRejected, StateFailed:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}
