// Package bundlestate implements the bundle-ownership state machine the
// scheduler trusts but never mutates directly: ownership transitions
// are driven by the broker-to-broker handoff protocol (out of scope
// here); this package only knows which transitions are legal.
package bundlestate

import "fmt"

// State is one stage of a bundle's ownership lifecycle.
type State int

const (
	// None is the pseudo-state "no entry / tombstoned" — the explicit
	// stand-in for the original machine's `null` state (spec §9: model
	// absence as a distinct state, not a null key).
	None State = iota
	Owned
	Assigned
	Released
	Splitting
)

func (s State) String() string {
	switch s {
	case None:
		return "None"
	case Owned:
		return "Owned"
	case Assigned:
		return "Assigned"
	case Released:
		return "Released"
	case Splitting:
		return "Splitting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var validTransitions = map[State]map[State]bool{
	None: {
		Owned:    true, // from split completion
		Assigned: true, // from first assignment
	},
	Owned: {
		Assigned:  true, // transfer begins
		Splitting: true, // split begins
		None:      true, // recovery
	},
	Assigned: {
		Owned:    true, // assignment completes
		Released: true, // transfer hand-off
		None:     true, // recovery
	},
	Released: {
		Owned: true, // destination accepts
		None:  true, // recovery
	},
	Splitting: {
		None: true, // split complete, or recovery
	},
}

// IsValidTransition reports whether moving a bundle's ownership state
// from `from` to `to` is one of the transitions enumerated in spec §3.
// Any pair not listed there — including self-transitions — is invalid.
func IsValidTransition(from, to State) bool {
	return validTransitions[from][to]
}

// ErrInvalidTransition is returned by Machine.Transition when the
// requested move isn't in the valid-transition table.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("bundlestate: invalid transition %s -> %s", e.From, e.To)
}

// Machine tracks a single bundle's ownership state and rejects any
// transition outside the valid-transition table. It carries no
// concurrency control of its own: callers serialize access to a given
// bundle's Machine the same way the bundle-ownership protocol
// serializes handoffs for that bundle.
type Machine struct {
	bundle string
	state  State
}

// NewMachine creates a Machine for bundle starting in the None state.
func NewMachine(bundle string) *Machine {
	return &Machine{bundle: bundle, state: None}
}

// State returns the bundle's current ownership state.
func (m *Machine) State() State {
	return m.state
}

// Transition moves the bundle to `to`, rejecting it with
// *ErrInvalidTransition if the move isn't legal from the current state.
func (m *Machine) Transition(to State) error {
	if !IsValidTransition(m.state, to) {
		return &ErrInvalidTransition{From: m.state, To: to}
	}
	m.state = to
	return nil
}
