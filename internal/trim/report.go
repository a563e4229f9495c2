package trim

import (
	"errors"
	"fmt"
	"math"
)

// ErrNonFiniteMeasurement reports a NaN or infinite moment from Measure.
var ErrNonFiniteMeasurement = errors.New("non-finite measurement")

// Outcome tags how a loop ended.
type Outcome string

const (
	OutcomeConverged         Outcome = "converged"
	OutcomeExhausted         Outcome = "exhausted"
	OutcomeStageFailed       Outcome = "stage-failed"
	OutcomeMeasurementFailed Outcome = "measurement-failed"
)

func outcomeFor(s State) Outcome {
	switch s {
	case StateConverged:
		return OutcomeConverged
	case StateExhausted:
		return OutcomeExhausted
	case StateStageFailed:
		return OutcomeStageFailed
	case StateMeasurementFailed:
		return OutcomeMeasurementFailed
	default:
		return ""
	}
}

// TrimState is the mutable record owned by one loop run.
type TrimState struct {
	Control      float64
	Attempt      int
	LastResidual *float64
}

// Evaluation is one completed (deform, solve, measure) cycle.
type Evaluation struct {
	Attempt  int
	Control  float64
	Measured float64
	Residual float64
}

// AttemptError locates a failure inside the loop.
type AttemptError struct {
	Attempt int
	State   State
	Control float64
	Err     error
}

func (e *AttemptError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("attempt %d (%s, control %g): %v", e.Attempt, e.State, e.Control, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Report is the terminal result of one loop run.
type Report struct {
	Outcome Outcome

	// State is the TrimState at exit. Control is the value evaluated last.
	State TrimState

	// Last and Best are nil when no cycle completed. Best has the smallest
	// |residual| seen.
	Last *Evaluation
	Best *Evaluation

	History []Evaluation

	// Path is the ordered sequence of states visited.
	Path []State

	// Err is set for stage-failed and measurement-failed outcomes and wraps an
	// *AttemptError.
	Err error
}

// Converged reports whether the loop met the tolerance.
func (r *Report) Converged() bool {
	return r != nil && r.Outcome == OutcomeConverged
}

// Usable reports whether the run produced a measurement worth recording:
// converged, or exhausted with a best-known state.
func (r *Report) Usable() bool {
	return r != nil && (r.Outcome == OutcomeConverged || r.Outcome == OutcomeExhausted)
}

// Evaluations is the number of completed cycles.
func (r *Report) Evaluations() int {
	if r == nil {
		return 0
	}
	return len(r.History)
}

func (r *Report) record(ev Evaluation) {
	r.History = append(r.History, ev)
	last := r.History[len(r.History)-1]
	r.Last = &last
	if r.Best == nil || math.Abs(ev.Residual) < math.Abs(r.Best.Residual) {
		best := ev
		r.Best = &best
	}
	res := ev.Residual
	r.State.LastResidual = &res
}
