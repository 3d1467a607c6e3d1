// Package state holds the legal-transition table shared by every job kind.
package state

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// ErrIllegalTransition is the sentinel wrapped by IllegalTransitionError.
var ErrIllegalTransition = errors.New("illegal state transition")

// IllegalTransitionError reports a rejected transition. The job keeps its prior state.
type IllegalTransitionError struct {
	From    types.State
	To      types.State
	Allowed []types.State // legal successors of From
}

func (e *IllegalTransitionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("illegal state transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// validTransitions defines the allowed state transitions.
// FAILED and CANCELED are reachable from every non-final state; final states have no exits.
var validTransitions = map[types.State][]types.State{
	types.StatePending: {types.StateQueued, types.StateRunning},
	types.StateQueued:  {types.StateRunning},
	types.StateRestored: {
		types.StatePending, types.StateQueued, types.StateRunning, types.StateAsyncWait,
		types.StateRetryWait, types.StateReady, types.StateTransferring,
	},
	types.StateRunning: {
		types.StateQueued, types.StateAsyncWait, types.StateRetryWait, types.StateReady,
		types.StateTransferring, types.StateDone,
	},
	types.StateAsyncWait: {
		types.StateRunning, types.StateRetryWait, types.StateReady, types.StateTransferring,
		types.StateDone,
	},
	types.StateRetryWait:    {types.StateQueued, types.StateRunning},
	types.StateReady:        {types.StateTransferring, types.StateDone},
	types.StateTransferring: {types.StateDone},
	types.StateDone:         {},
	types.StateFailed:       {},
	types.StateCanceled:     {},
}

// IsValidTransition checks if a state transition is allowed.
func IsValidTransition(from, to types.State) bool {
	if from.IsFinal() {
		return false
	}
	if to == types.StateFailed || to == types.StateCanceled {
		_, known := validTransitions[from]
		return known
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition validates current -> requested and returns the new state.
func Transition(current, requested types.State) (types.State, error) {
	if !IsValidTransition(current, requested) {
		return current, &IllegalTransitionError{From: current, To: requested, Allowed: Targets(current)}
	}
	return requested, nil
}

// Targets lists the legal successors of from, including the failure exits.
func Targets(from types.State) []types.State {
	if from.IsFinal() {
		return nil
	}
	base := validTransitions[from]
	out := make([]types.State, 0, len(base)+2)
	out = append(out, base...)
	return append(out, types.StateFailed, types.StateCanceled)
}
