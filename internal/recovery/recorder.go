package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recorder writes run and failure records for one sweep.
type Recorder struct {
	Store *Store

	// Now defaults to time.Now; tests pin it.
	Now func() time.Time
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRunID returns a random run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// StartRun persists run as running, filling the ID and start time when unset.
func (r *Recorder) StartRun(run Run) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	if run.RunID == "" {
		run.RunID = NewRunID()
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.now()
	}
	run.Status = RunStatusRunning
	run.EndTime = nil
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// FinishRun stamps the end time and final status.
func (r *Recorder) FinishRun(run Run, status RunStatus) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	end := r.now()
	if end.Before(run.StartTime) {
		end = run.StartTime
	}
	run.EndTime = &end
	run.Status = status
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// RecordFailure classifies err and persists it for cell.
func (r *Recorder) RecordFailure(runID, cell string, err error) (Failure, error) {
	if r == nil || r.Store == nil {
		return Failure{}, errors.New("Store is required")
	}
	f, cerr := Classify(cell, err)
	if cerr != nil {
		return Failure{}, cerr
	}
	if serr := r.Store.SaveFailure(runID, f); serr != nil {
		return Failure{}, fmt.Errorf("recording failure for %s: %w", cell, serr)
	}
	return f, nil
}
