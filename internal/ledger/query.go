package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

type RunRow struct {
	RunID        string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       string
	SettingsHash string
}

type CellRow struct {
	Cell     string
	Mach     float64
	Target   float64
	Outcome  string
	Attempts int
	Control  *float64
	Moment   *float64
	Residual *float64
	Reason   string
}

type AttemptRow struct {
	Attempt     int
	Control     float64
	Moment      float64
	Residual    float64
	NextControl *float64
}

func ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// Runs lists runs oldest first.
func (l *Ledger) Runs() ([]RunRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query(`SELECT run_id, started_at, finished_at, status, settings_hash FROM runs ORDER BY started_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("ledger: query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var started string
		var finished, hash sql.NullString
		if err := rows.Scan(&r.RunID, &started, &finished, &r.Status, &hash); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("ledger: run %s: %w", r.RunID, err)
		}
		if finished.Valid {
			t, err := time.Parse(time.RFC3339Nano, finished.String)
			if err != nil {
				return nil, fmt.Errorf("ledger: run %s: %w", r.RunID, err)
			}
			r.FinishedAt = &t
		}
		r.SettingsHash = hash.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cells lists a run's cells in sweep order.
func (l *Ledger) Cells(runID string) ([]CellRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query(
		`SELECT cell, mach, target, outcome, attempts, control, moment, residual, reason
		 FROM cells WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query cells: %w", err)
	}
	defer rows.Close()

	var out []CellRow
	for rows.Next() {
		var c CellRow
		var outcome, reason sql.NullString
		var control, moment, residual sql.NullFloat64
		if err := rows.Scan(&c.Cell, &c.Mach, &c.Target, &outcome, &c.Attempts, &control, &moment, &residual, &reason); err != nil {
			return nil, err
		}
		c.Outcome, c.Reason = outcome.String, reason.String
		c.Control, c.Moment, c.Residual = ptr(control), ptr(moment), ptr(residual)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Attempts lists one cell's evaluated attempts in order.
func (l *Ledger) Attempts(runID, cell string) ([]AttemptRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query(
		`SELECT attempt, control, moment, residual, next_control
		 FROM attempts WHERE run_id = ? AND cell = ? ORDER BY attempt`, runID, cell)
	if err != nil {
		return nil, fmt.Errorf("ledger: query attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRow
	for rows.Next() {
		var a AttemptRow
		var next sql.NullFloat64
		if err := rows.Scan(&a.Attempt, &a.Control, &a.Moment, &a.Residual, &next); err != nil {
			return nil, err
		}
		a.NextControl = ptr(next)
		out = append(out, a)
	}
	return out, rows.Err()
}
