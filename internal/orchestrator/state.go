package orchestrator

import (
	"errors"
	"fmt"
)

// State is a generation's position in its lifecycle.
type State int

const (
	StateInit State = iota
	StateHistoryLoaded
	StateBudgeted
	StateFiltered
	StateGenerating
	StateFinalizing
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHistoryLoaded:
		return "history_loaded"
	case StateBudgeted:
		return "budgeted"
	case StateFiltered:
		return "filtered"
	case StateGenerating:
		return "generating"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored
}

// ErrIllegalTransition is returned when code tries to skip or reverse a step.
var ErrIllegalTransition = errors.New("illegal state transition")

var forward = map[State]State{
	StateInit:          StateHistoryLoaded,
	StateHistoryLoaded: StateBudgeted,
	StateBudgeted:      StateFiltered,
	StateFiltered:      StateGenerating,
	StateGenerating:    StateFinalizing,
	StateFinalizing:    StateDone,
}

// machine tracks one generation. It is only touched by the goroutine
// running the generation.
type machine struct {
	state State
}

// to moves to next. Any non-terminal state may move to StateErrored.
func (m *machine) to(next State) error {
	if m.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
	}
	if next == StateErrored || forward[m.state] == next {
		m.state = next
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
}
