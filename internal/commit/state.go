// Package commit decides the fate of an executed batch and persists it
// all-or-nothing.
//
// Every batch walks a small state machine:
//
//	PENDING → VALIDATING → COMMITTED
//	                     → ROLLED_BACK
//	PENDING → ROLLED_BACK
//
// A batch reaches COMMITTED only when its linearizability proof and its
// conservation result (including oracle checks) are valid and the
// persister wrote final states, batch record and trace in one transaction.
// ROLLED_BACK never touches resource state.
package commit

import (
	"errors"
	"fmt"
	"slices"
)

// State is a batch commit state.
type State string

const (
	StatePending    State = "PENDING"
	StateValidating State = "VALIDATING"
	StateCommitted  State = "COMMITTED"
	StateRolledBack State = "ROLLED_BACK"
)

var transitions = map[State][]State{
	StatePending:    {StateValidating, StateRolledBack},
	StateValidating: {StateCommitted, StateRolledBack},
}

// TransitionError is returned for a transition the state machine does not
// allow.
type TransitionError struct {
	From, To State
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid commit transition %s → %s", e.From, e.To)
}

// IsTransitionError returns true if err is an invalid transition.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// Machine tracks one batch through the commit states.
type Machine struct {
	state   State
	history []State
}

// NewMachine starts in PENDING.
func NewMachine() *Machine {
	return &Machine{state: StatePending, history: []State{StatePending}}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// History returns every state visited, in order.
func (m *Machine) History() []State { return slices.Clone(m.history) }

// Terminal reports whether no further transition is possible.
func (m *Machine) Terminal() bool {
	return len(transitions[m.state]) == 0
}

// Transition moves to next or returns *TransitionError.
func (m *Machine) Transition(next State) error {
	if !slices.Contains(transitions[m.state], next) {
		return &TransitionError{From: m.state, To: next}
	}
	m.state = next
	m.history = append(m.history, next)
	return nil
}
