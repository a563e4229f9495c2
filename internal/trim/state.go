package trim

import "fmt"

// State is the loop's position in the trim state machine.
type State string

const (
	StateInit              State = "INIT"
	StateDeforming         State = "DEFORMING"
	StateSolving           State = "SOLVING"
	StateMeasuring         State = "MEASURING"
	StateAdjusting         State = "ADJUSTING"
	StateConverged         State = "CONVERGED"
	StateExhausted         State = "EXHAUSTED"
	StateStageFailed       State = "STAGE_FAILED"
	StateMeasurementFailed State = "MEASUREMENT_FAILED"
)

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s State) bool {
	switch s {
	case StateConverged, StateExhausted, StateStageFailed, StateMeasurementFailed:
		return true
	default:
		return false
	}
}

// machine tracks one loop's current state and the path taken to reach it.
type machine struct {
	cur  State
	path []State
}

func newMachine() *machine {
	return &machine{cur: StateInit, path: []State{StateInit}}
}

// Transition moves the machine from -> to. The caller supplies the expected
// prior state so that sequencing bugs surface as errors.
func (m *machine) Transition(from, to State) error {
	if m.cur != from {
		return fmt.Errorf("invalid trim transition: expected %s, got %s", from, m.cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed trim transition: %s -> %s", from, to)
	}
	m.cur = to
	m.path = append(m.path, to)
	return nil
}

// to advances from the current state.
func (m *machine) to(next State) error {
	return m.Transition(m.cur, next)
}

func (m *machine) Path() []State {
	return append([]State(nil), m.path...)
}

// isAllowedTransition is the trim transition table. SOLVING is reachable
// directly from INIT and ADJUSTING when the deform stage is disabled.
func isAllowedTransition(from, to State) bool {
	switch from {
	case StateInit, StateAdjusting:
		return to == StateDeforming || to == StateSolving || to == StateStageFailed
	case StateDeforming:
		return to == StateSolving || to == StateStageFailed
	case StateSolving:
		return to == StateMeasuring || to == StateStageFailed
	case StateMeasuring:
		return to == StateConverged || to == StateAdjusting || to == StateExhausted || to == StateMeasurementFailed
	default:
		return false
	}
}
