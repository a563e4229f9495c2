package trim

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// CycleInput is what one cycle is evaluated with.
type CycleInput struct {
	Attempt int
	Control float64

	// Restart asks the solve stage to continue from restart state.
	Restart bool
}

// Cycle performs the external work of one trim evaluation. Deform is skipped
// when the policy disables deformation.
type Cycle interface {
	Deform(ctx context.Context, in CycleInput) error
	Solve(ctx context.Context, in CycleInput) error
	Measure(ctx context.Context, in CycleInput) (float64, error)
}

// Loop runs one trim balance for one flight condition.
type Loop struct {
	Policy Policy
	Cycle  Cycle

	// WarmStarted marks that restart state was placed in the working directory
	// before the loop started; attempt 0 then also solves with restart.
	WarmStarted bool

	Observers []Observer
	Logger    *zap.Logger
}

// Run drives the loop to a terminal state.
//
// Stage and measurement failures are not returned as errors; they end the run
// with the matching Outcome and Report.Err set. The error return is reserved
// for an invalid policy, a missing cycle, or a broken transition sequence.
func (l *Loop) Run(ctx context.Context) (*Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.Cycle == nil {
		return nil, errors.New("trim loop: cycle is nil")
	}
	if err := l.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("trim policy: %w", err)
	}
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}
	obs := observers(l.Observers)
	p := l.Policy
	m := newMachine()
	rep := &Report{State: TrimState{Control: p.StartControl()}}

	finish := func(terminal State, err error) (*Report, error) {
		if tErr := m.to(terminal); tErr != nil {
			return nil, tErr
		}
		rep.Outcome = outcomeFor(terminal)
		rep.Path = m.Path()
		rep.Err = err
		obs.Finished(rep)
		return rep, nil
	}
	fail := func(terminal State, in CycleInput, err error) (*Report, error) {
		at := m.cur
		log.Warn("trim attempt failed",
			zap.Int("attempt", in.Attempt),
			zap.String("state", string(at)),
			zap.Float64("control", in.Control),
			zap.Error(err),
		)
		return finish(terminal, &AttemptError{Attempt: in.Attempt, State: at, Control: in.Control, Err: err})
	}

	for {
		st := &rep.State
		in := CycleInput{Attempt: st.Attempt, Control: st.Control, Restart: st.Attempt > 0 || l.WarmStarted}

		if err := ctx.Err(); err != nil {
			return fail(StateStageFailed, in, err)
		}
		if p.Deform {
			if err := m.to(StateDeforming); err != nil {
				return nil, err
			}
			if err := l.Cycle.Deform(ctx, in); err != nil {
				return fail(StateStageFailed, in, err)
			}
		}
		if err := m.to(StateSolving); err != nil {
			return nil, err
		}
		if err := l.Cycle.Solve(ctx, in); err != nil {
			return fail(StateStageFailed, in, err)
		}
		if err := m.to(StateMeasuring); err != nil {
			return nil, err
		}
		measured, err := l.Cycle.Measure(ctx, in)
		if err == nil && (math.IsNaN(measured) || math.IsInf(measured, 0)) {
			err = fmt.Errorf("%w: %v", ErrNonFiniteMeasurement, measured)
		}
		if err != nil {
			return fail(StateMeasurementFailed, in, err)
		}

		ev := Evaluation{Attempt: in.Attempt, Control: in.Control, Measured: measured, Residual: p.Residual(measured)}
		rep.record(ev)
		obs.AttemptEvaluated(ev)
		log.Info("trim attempt evaluated",
			zap.Int("attempt", ev.Attempt),
			zap.Float64("control", ev.Control),
			zap.Float64("moment", ev.Measured),
			zap.Float64("residual", ev.Residual),
		)

		if p.Within(ev.Residual) {
			log.Info("trim converged", zap.Int("attempt", ev.Attempt), zap.Float64("control", ev.Control))
			return finish(StateConverged, nil)
		}
		if st.Attempt >= p.MaxAttempts {
			log.Warn("trim exhausted attempt budget",
				zap.Int("max_attempts", p.MaxAttempts),
				zap.Float64("best_control", rep.Best.Control),
				zap.Float64("best_residual", rep.Best.Residual),
			)
			return finish(StateExhausted, nil)
		}

		if err := m.to(StateAdjusting); err != nil {
			return nil, err
		}
		next := p.Next(st.Control, measured)
		obs.ControlAdjusted(st.Attempt+1, st.Control, next)
		log.Debug("trim control adjusted", zap.Float64("from", st.Control), zap.Float64("to", next))
		st.Control = next
		st.Attempt++
	}
}
