package queue

import (
	"strings"

	"github.com/conveyorhq/conveyor/internal/errors"
)

const (
	StateQueued     State = "queued"
	StateInProgress State = "in_progress"
	StateRetrying   State = "retrying"

	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

type State string

func StateFromString(state string) (State, error) {
	switch strings.ToLower(state) {
	case string(StateQueued):
		return StateQueued, nil
	case string(StateInProgress):
		return StateInProgress, nil
	case string(StateRetrying):
		return StateRetrying, nil
	case string(StateSucceeded):
		return StateSucceeded, nil
	case string(StateFailed):
		return StateFailed, nil
	case string(StateCanceled):
		return StateCanceled, nil
	default:
		return "", errors.InvalidArgument(EntityJobInstance, "invalid state for job instance "+state)
	}
}

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed from s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// IsLeasable reports whether an instance in s may be claimed by a worker,
// retrying instances additionally require next_retry_at to have passed.
func (s State) IsLeasable() bool {
	return s == StateQueued || s == StateRetrying
}

var validTransitions = map[State][]State{
	StateQueued:     {StateInProgress, StateCanceled},
	StateRetrying:   {StateInProgress, StateCanceled},
	StateInProgress: {StateSucceeded, StateFailed, StateRetrying, StateQueued},
}

// CanTransition reports whether from → to is a legal move in the instance
// state machine. in_progress → queued is the reclaim path for instances whose
// worker stopped heartbeating.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
