package ledger

import (
	"database/sql"
	"fmt"
	"sync"

	"trimsweep/internal/trace"
	"trimsweep/internal/trim"
)

// CellObserver writes one cell's loop into the ledger. Callback errors cannot
// be returned through trim.Observer; the first one is kept and reported by Err.
type CellObserver struct {
	l     *Ledger
	runID string
	cell  string

	mu  sync.Mutex
	err error
}

var _ trim.Observer = (*CellObserver)(nil)

func (o *CellObserver) keep(err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	if o.err == nil {
		o.err = fmt.Errorf("ledger %s: %w", o.cell, err)
	}
	o.mu.Unlock()
}

// Err returns the first write failure, if any.
func (o *CellObserver) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *CellObserver) exec(query string, args ...any) error {
	o.l.mu.Lock()
	defer o.l.mu.Unlock()
	_, err := o.l.db.Exec(query, args...)
	return err
}

func (o *CellObserver) AttemptEvaluated(ev trim.Evaluation) {
	o.keep(o.exec(
		`INSERT INTO attempts (run_id, cell, attempt, control, moment, residual) VALUES (?, ?, ?, ?, ?, ?)`,
		o.runID, o.cell, ev.Attempt, ev.Control, ev.Measured, ev.Residual,
	))
}

// ControlAdjusted stores the correction on the attempt that produced it.
func (o *CellObserver) ControlAdjusted(attempt int, _, to float64) {
	o.keep(o.exec(
		`UPDATE attempts SET next_control = ? WHERE run_id = ? AND cell = ? AND attempt = ?`,
		to, o.runID, o.cell, attempt-1,
	))
}

func (o *CellObserver) Finished(rep *trim.Report) {
	if rep == nil {
		return
	}
	var control, moment, residual sql.NullFloat64
	// Exhausted cells report the best state; converged the last.
	ev := rep.Last
	if rep.Outcome == trim.OutcomeExhausted {
		ev = rep.Best
	}
	if ev != nil {
		control = sql.NullFloat64{Float64: ev.Control, Valid: true}
		moment = sql.NullFloat64{Float64: ev.Measured, Valid: true}
		residual = sql.NullFloat64{Float64: ev.Residual, Valid: true}
	}
	var reason sql.NullString
	if rep.Err != nil {
		reason = sql.NullString{String: trace.Reason(rep.Err), Valid: true}
	}
	o.keep(o.exec(
		`UPDATE cells SET outcome = ?, attempts = ?, control = ?, moment = ?, residual = ?, reason = ?
		 WHERE run_id = ? AND cell = ?`,
		string(rep.Outcome), rep.Evaluations(), control, moment, residual, reason, o.runID, o.cell,
	))
}
