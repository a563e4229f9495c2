package trim

import (
	"errors"
	"fmt"
	"math"
)

const (
	DefaultTolerance   = 0.001
	DefaultDamping     = 0.1
	DefaultMaxAttempts = 20
)

// Policy holds the numeric contract of one trim loop.
type Policy struct {
	// Target is the moment the loop balances to; 0 is trimmed flight.
	Target float64

	// Tolerance bounds |measured - Target| for convergence.
	Tolerance float64

	// Damping under-relaxes each correction. 1 applies the full step.
	Damping float64

	// Sensitivity is the externally supplied d(moment)/d(control).
	Sensitivity float64

	// MaxAttempts bounds the number of corrections; the loop evaluates at
	// most MaxAttempts+1 cycles.
	MaxAttempts int

	// ForceBaseline evaluates attempt 0 at control 0 regardless of
	// InitialControl.
	ForceBaseline bool

	InitialControl float64

	// Deform runs the deform stage before every solve.
	Deform bool
}

// DefaultPolicy returns the damped, forced-baseline policy for sensitivity.
func DefaultPolicy(sensitivity float64) Policy {
	return Policy{
		Tolerance:     DefaultTolerance,
		Damping:       DefaultDamping,
		Sensitivity:   sensitivity,
		MaxAttempts:   DefaultMaxAttempts,
		ForceBaseline: true,
		Deform:        true,
	}
}

func (p Policy) Validate() error {
	var errs []error
	finite := func(name string, v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%s must be finite, got %v", name, v))
		}
	}
	finite("target", p.Target)
	finite("tolerance", p.Tolerance)
	finite("damping", p.Damping)
	finite("sensitivity", p.Sensitivity)
	finite("initial control", p.InitialControl)
	if p.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("tolerance must be > 0, got %v", p.Tolerance))
	}
	if p.Damping <= 0 {
		errs = append(errs, fmt.Errorf("damping must be > 0, got %v", p.Damping))
	}
	if p.Sensitivity == 0 {
		errs = append(errs, errors.New("sensitivity must be non-zero"))
	}
	if p.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 0, got %d", p.MaxAttempts))
	}
	return errors.Join(errs...)
}

// StartControl is the control value evaluated at attempt 0.
func (p Policy) StartControl() float64 {
	if p.ForceBaseline {
		return 0
	}
	return p.InitialControl
}

// Residual is measured minus target.
func (p Policy) Residual(measured float64) float64 {
	return measured - p.Target
}

// Within reports whether residual satisfies the tolerance.
func (p Policy) Within(residual float64) bool {
	return math.Abs(residual) <= p.Tolerance
}

// Next applies the damped secant correction. A positive sensitivity with a
// moment above target lowers the control.
func (p Policy) Next(control, measured float64) float64 {
	return control + p.Damping*(p.Target-measured)/p.Sensitivity
}
