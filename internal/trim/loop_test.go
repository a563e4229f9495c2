package trim

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trimsweep/internal/history"
	"trimsweep/internal/stage"
)

// plantCycle is a synthetic Cycle whose moment is a function of the control.
type plantCycle struct {
	moment func(control float64) float64

	deformErrAt  map[int]error
	solveErrAt   map[int]error
	measureErrAt map[int]error

	deforms []CycleInput
	solves  []CycleInput
}

func linearPlant(m0, slope float64) *plantCycle {
	return &plantCycle{moment: func(c float64) float64 { return m0 + slope*c }}
}

func (p *plantCycle) Deform(_ context.Context, in CycleInput) error {
	p.deforms = append(p.deforms, in)
	return p.deformErrAt[in.Attempt]
}

func (p *plantCycle) Solve(_ context.Context, in CycleInput) error {
	p.solves = append(p.solves, in)
	return p.solveErrAt[in.Attempt]
}

func (p *plantCycle) Measure(_ context.Context, in CycleInput) (float64, error) {
	if err := p.measureErrAt[in.Attempt]; err != nil {
		return 0, err
	}
	return p.moment(in.Control), nil
}

// recordingObserver captures every callback.
type recordingObserver struct {
	evaluated []Evaluation
	adjusted  [][3]float64
	finished  []*Report
}

func (r *recordingObserver) AttemptEvaluated(ev Evaluation) { r.evaluated = append(r.evaluated, ev) }
func (r *recordingObserver) ControlAdjusted(attempt int, from, to float64) {
	r.adjusted = append(r.adjusted, [3]float64{float64(attempt), from, to})
}
func (r *recordingObserver) Finished(rep *Report) { r.finished = append(r.finished, rep) }

func runLoop(t *testing.T, l *Loop) *Report {
	t.Helper()
	rep, err := l.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep)
	return rep
}

func TestLoop_BaselineWithinToleranceConvergesInOneCycle(t *testing.T) {
	for _, m0 := range []float64{0, 0.0005, -0.001, 0.001} {
		cyc := linearPlant(m0, -0.0406)
		p := DefaultPolicy(-0.0406)
		p.InitialControl = 3.5

		rep := runLoop(t, &Loop{Policy: p, Cycle: cyc})

		assert.Equal(t, OutcomeConverged, rep.Outcome, "m0=%v", m0)
		assert.Equal(t, 1, rep.Evaluations())
		assert.Len(t, cyc.deforms, 1)
		assert.Len(t, cyc.solves, 1)
		assert.Equal(t, 0.0, rep.State.Control)
		assert.Equal(t, 0, rep.State.Attempt)
		assert.NoError(t, rep.Err)
		assert.Equal(t, []State{StateInit, StateDeforming, StateSolving, StateMeasuring, StateConverged}, rep.Path)
	}
}

func TestLoop_DampedUpdateConvergesWithinFiveAttempts(t *testing.T) {
	// Half-step damping on an exactly linear plant halves the residual each
	// attempt: 0.01, 0.005, 0.0025, 0.00125, 0.000625.
	cyc := linearPlant(0.01, -0.0406)
	p := DefaultPolicy(-0.0406)
	p.Damping = 0.5
	p.MaxAttempts = 5
	obs := &recordingObserver{}

	rep := runLoop(t, &Loop{Policy: p, Cycle: cyc, Observers: []Observer{obs}})

	require.Equal(t, OutcomeConverged, rep.Outcome)
	assert.Equal(t, 4, rep.State.Attempt)
	assert.Equal(t, 5, rep.Evaluations())
	assert.LessOrEqual(t, math.Abs(rep.Last.Residual), 0.001)
	for i := 1; i < len(rep.History); i++ {
		assert.InDelta(t, rep.History[i-1].Residual/2, rep.History[i].Residual, 1e-12)
	}
	assert.Len(t, obs.evaluated, 5)
	assert.Len(t, obs.adjusted, 4)
	require.Len(t, obs.finished, 1)
	assert.Same(t, rep, obs.finished[0])
}

func TestLoop_BaselineScenarioWeakPlantExhaustsWithinFiveAttempts(t *testing.T) {
	// Target 0, tolerance 0.001, damping 0.1, sensitivity -0.0406 against a
	// plant moment = 0.01 - 0.002*control. Each step moves the control by
	// 0.1/0.0406*moment, so the moment scales by 1 - 0.002*2.463 = 0.99507:
	// after five adjustments it is still about 0.00976.
	cyc := linearPlant(0.01, -0.002)
	p := DefaultPolicy(-0.0406)
	p.MaxAttempts = 5

	rep := runLoop(t, &Loop{Policy: p, Cycle: cyc})

	assert.Equal(t, OutcomeExhausted, rep.Outcome)
	assert.True(t, rep.Usable())
	assert.NoError(t, rep.Err, "exhaustion is not an error")
	assert.Equal(t, 6, rep.Evaluations())
	assert.Equal(t, 5, rep.State.Attempt)
	require.NotNil(t, rep.Best)
	assert.Equal(t, *rep.Last, *rep.Best, "residual decreases monotonically")
	assert.InDelta(t, 0.01*math.Pow(1-0.002*0.1/0.0406, 5), rep.Best.Residual, 1e-9)
	require.NotNil(t, rep.State.LastResidual)
	assert.Equal(t, rep.Last.Residual, *rep.State.LastResidual)
}

func TestLoop_EvaluationsBoundedByMaxAttemptsPlusOne(t *testing.T) {
	for limit := 0; limit <= 6; limit++ {
		cyc := &plantCycle{moment: func(float64) float64 { return 1 }}
		p := DefaultPolicy(1)
		p.MaxAttempts = limit

		rep := runLoop(t, &Loop{Policy: p, Cycle: cyc})

		assert.Equal(t, OutcomeExhausted, rep.Outcome)
		assert.Equal(t, limit+1, rep.Evaluations(), "max attempts %d", limit)
		for i, ev := range rep.History {
			assert.Equal(t, i, ev.Attempt)
		}
	}
}

func TestLoop_ScriptedResidualSequences(t *testing.T) {
	cases := []struct {
		name     string
		seq      []float64
		max      int
		tol      float64
		want     Outcome
		attempts int
	}{
		{name: "below tol at last allowed attempt", seq: []float64{0.1, 0.05, 0.025, 0.0125, 0.00625}, max: 4, tol: 0.01, want: OutcomeConverged, attempts: 4},
		{name: "below tol one attempt too late", seq: []float64{0.1, 0.05, 0.025, 0.0125, 0.00625}, max: 3, tol: 0.01, want: OutcomeExhausted, attempts: 3},
		{name: "exactly at tol", seq: []float64{0.5, 0.25}, max: 20, tol: 0.25, want: OutcomeConverged, attempts: 1},
		{name: "negative side", seq: []float64{-0.2, -0.02, -0.0002}, max: 20, tol: 0.001, want: OutcomeConverged, attempts: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cyc := &plantCycle{}
			i := 0
			cyc.moment = func(float64) float64 {
				v := tc.seq[i]
				i++
				return v
			}
			p := DefaultPolicy(-1)
			p.Tolerance = tc.tol
			p.MaxAttempts = tc.max

			rep := runLoop(t, &Loop{Policy: p, Cycle: cyc})
			assert.Equal(t, tc.want, rep.Outcome)
			assert.Equal(t, tc.attempts, rep.State.Attempt)
		})
	}
}

func TestLoop_RestartFlagFollowsAttemptAndWarmStart(t *testing.T) {
	cyc := linearPlant(0.01, -0.0406)
	p := DefaultPolicy(-0.0406)
	p.Damping = 0.5

	runLoop(t, &Loop{Policy: p, Cycle: cyc})
	require.NotEmpty(t, cyc.solves)
	assert.False(t, cyc.solves[0].Restart)
	for _, in := range cyc.solves[1:] {
		assert.True(t, in.Restart)
	}

	warm := linearPlant(0.01, -0.0406)
	runLoop(t, &Loop{Policy: p, Cycle: warm, WarmStarted: true})
	assert.True(t, warm.solves[0].Restart)
}

func TestLoop_ForceBaselinePolicy(t *testing.T) {
	p := DefaultPolicy(-0.0406)
	p.InitialControl = 0.01 / 0.0406

	forced := linearPlant(0.01, -0.0406)
	rep := runLoop(t, &Loop{Policy: p, Cycle: forced})
	assert.Equal(t, 0.0, forced.deforms[0].Control)
	assert.Greater(t, rep.Evaluations(), 1)

	p.ForceBaseline = false
	guessed := linearPlant(0.01, -0.0406)
	rep = runLoop(t, &Loop{Policy: p, Cycle: guessed})
	assert.Equal(t, p.InitialControl, guessed.deforms[0].Control)
	assert.Equal(t, OutcomeConverged, rep.Outcome)
	assert.Equal(t, 1, rep.Evaluations())
}

func TestLoop_UndampedStepSolvesLinearPlantInOneCorrection(t *testing.T) {
	cyc := linearPlant(0.01, -0.0406)
	p := DefaultPolicy(-0.0406)
	p.Damping = 1

	rep := runLoop(t, &Loop{Policy: p, Cycle: cyc})
	assert.Equal(t, OutcomeConverged, rep.Outcome)
	assert.Equal(t, 1, rep.State.Attempt)
	assert.InDelta(t, 0.01/0.0406, rep.State.Control, 1e-12)
}

func TestLoop_NoDeformSkipsDeformStage(t *testing.T) {
	cyc := linearPlant(0.01, -0.0406)
	p := DefaultPolicy(-0.0406)
	p.Damping = 1
	p.Deform = false

	rep := runLoop(t, &Loop{Policy: p, Cycle: cyc})
	assert.Empty(t, cyc.deforms)
	assert.Len(t, cyc.solves, 2)
	want := []State{
		StateInit, StateSolving, StateMeasuring, StateAdjusting,
		StateSolving, StateMeasuring, StateConverged,
	}
	if diff := cmp.Diff(want, rep.Path); diff != "" {
		t.Fatalf("path mismatch (-want +got):\n%s", diff)
	}
}

func TestLoop_StageFailureIsTerminal(t *testing.T) {
	stageErr := &stage.FailedError{Stage: "deform", Cause: stage.CauseNonzeroExit, ExitCode: 1}
	cyc := linearPlant(0.01, -0.002)
	cyc.deformErrAt = map[int]error{2: stageErr}
	p := DefaultPolicy(-0.0406)

	rep := runLoop(t, &Loop{Policy: p, Cycle: cyc})

	assert.Equal(t, OutcomeStageFailed, rep.Outcome)
	assert.False(t, rep.Usable())
	assert.Len(t, cyc.deforms, 3)
	assert.Len(t, cyc.solves, 2, "solve is not attempted after a deform failure")
	assert.True(t, errors.Is(rep.Err, stage.ErrStageFailed))
	var ae *AttemptError
	require.True(t, errors.As(rep.Err, &ae))
	assert.Equal(t, 2, ae.Attempt)
	assert.Equal(t, StateDeforming, ae.State)
	assert.Equal(t, StateStageFailed, rep.Path[len(rep.Path)-1])
	assert.Equal(t, 2, rep.Evaluations())
}

func TestLoop_SolveFailureIsTerminal(t *testing.T) {
	cyc := linearPlant(0.01, -0.002)
	cyc.solveErrAt = map[int]error{0: &stage.FailedError{Stage: "solve", Cause: stage.CauseMissingArtifact, Missing: []string{"history.csv"}}}

	rep := runLoop(t, &Loop{Policy: DefaultPolicy(-0.0406), Cycle: cyc})
	assert.Equal(t, OutcomeStageFailed, rep.Outcome)
	assert.Equal(t, stage.CauseMissingArtifact, stage.CauseOf(rep.Err))
	assert.Nil(t, rep.Last)
	assert.Nil(t, rep.Best)
}

func TestLoop_MeasurementFailureIsNotTreatedAsUnconverged(t *testing.T) {
	cyc := linearPlant(0.01, -0.002)
	cyc.measureErrAt = map[int]error{1: &history.MissingColumnError{Path: "history.csv", Column: "CMy"}}

	rep := runLoop(t, &Loop{Policy: DefaultPolicy(-0.0406), Cycle: cyc})
	assert.Equal(t, OutcomeMeasurementFailed, rep.Outcome)
	assert.True(t, errors.Is(rep.Err, history.ErrMissingColumn))
	assert.Contains(t, rep.Err.Error(), "history.csv")
	assert.Equal(t, 1, rep.Evaluations())
}

func TestLoop_NonFiniteMeasurementFails(t *testing.T) {
	cyc := &plantCycle{moment: func(float64) float64 { return math.NaN() }}
	rep := runLoop(t, &Loop{Policy: DefaultPolicy(-0.0406), Cycle: cyc})
	assert.Equal(t, OutcomeMeasurementFailed, rep.Outcome)
	assert.True(t, errors.Is(rep.Err, ErrNonFiniteMeasurement))
}

func TestLoop_CancelledContextStopsBeforeNextCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cyc := linearPlant(0.01, -0.002)

	rep, err := (&Loop{Policy: DefaultPolicy(-0.0406), Cycle: cyc}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStageFailed, rep.Outcome)
	assert.True(t, errors.Is(rep.Err, context.Canceled))
	assert.Empty(t, cyc.deforms)
}

func TestLoop_RejectsInvalidSetup(t *testing.T) {
	_, err := (&Loop{Policy: DefaultPolicy(-0.0406)}).Run(context.Background())
	assert.Error(t, err)

	_, err = (&Loop{Policy: DefaultPolicy(0), Cycle: linearPlant(0, 1)}).Run(context.Background())
	assert.ErrorContains(t, err, "sensitivity")
}
