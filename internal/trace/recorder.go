package trace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"trimsweep/internal/cfgpatch"
	"trimsweep/internal/history"
	"trimsweep/internal/stage"
	"trimsweep/internal/trim"
)

// FileName is the per-cell trace artifact.
const FileName = "trace.json"

// Recorder collects events for one cell. It implements trim.Observer and never
// panics or fails from a callback.
type Recorder struct {
	cell string

	mu     sync.Mutex
	events []Event
}

var _ trim.Observer = (*Recorder)(nil)

func NewRecorder(cell string) *Recorder { return &Recorder{cell: cell} }

// Record appends an event.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) AttemptEvaluated(ev trim.Evaluation) {
	m, res := ev.Measured, ev.Residual
	r.Record(Event{Kind: EventAttemptEvaluated, Attempt: ev.Attempt, Control: ev.Control, Measured: &m, Residual: &res})
}

func (r *Recorder) ControlAdjusted(attempt int, from, to float64) {
	r.Record(Event{Kind: EventControlAdjusted, Attempt: attempt, Control: from, Next: &to})
}

func (r *Recorder) Finished(rep *trim.Report) {
	if rep == nil {
		return
	}
	e := Event{Attempt: rep.State.Attempt, Control: rep.State.Control}
	switch rep.Outcome {
	case trim.OutcomeConverged:
		e.Kind = EventConverged
		if rep.Last != nil {
			m, res := rep.Last.Measured, rep.Last.Residual
			e.Measured, e.Residual = &m, &res
		}
	case trim.OutcomeExhausted:
		// Exhaustion reports the best state seen, not the last.
		e.Kind = EventExhausted
		if rep.Best != nil {
			m, res := rep.Best.Measured, rep.Best.Residual
			e.Control = rep.Best.Control
			e.Measured, e.Residual = &m, &res
			e.Reason = "best-attempt-" + strconv.Itoa(rep.Best.Attempt)
		}
	case trim.OutcomeStageFailed:
		e.Kind = EventStageFailed
		e.Reason = Reason(rep.Err)
	case trim.OutcomeMeasurementFailed:
		e.Kind = EventMeasurementFailed
		e.Reason = Reason(rep.Err)
	default:
		return
	}
	r.Record(e)
}

// Reason maps a loop failure to a stable code.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if c := stage.CauseOf(err); c != "" {
		return string(c)
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return string(stage.CauseInterrupted)
	case errors.Is(err, cfgpatch.ErrConfigFormat):
		return "config-format"
	case errors.Is(err, history.ErrMissingArtifact):
		return "missing-result-table"
	case errors.Is(err, history.ErrMissingColumn):
		return "missing-column"
	case errors.Is(err, history.ErrNoRows):
		return "no-rows"
	case errors.Is(err, history.ErrMalformed):
		return "malformed-result-table"
	case errors.Is(err, trim.ErrNonFiniteMeasurement):
		return "non-finite"
	default:
		return "error"
	}
}

// Trace returns an independent, canonicalized copy of the recorded events.
func (r *Recorder) Trace() TrimTrace {
	r.mu.Lock()
	events := append([]Event(nil), r.events...)
	r.mu.Unlock()
	tr := TrimTrace{Cell: r.cell, Events: events}
	tr.Canonicalize()
	return tr
}

// WriteFile writes the canonical trace to path and returns its hash.
func (r *Recorder) WriteFile(path string) (string, error) {
	tr := r.Trace()
	b, err := tr.CanonicalJSON()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return "", err
	}
	return tr.Hash()
}
