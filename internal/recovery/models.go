// Package recovery persists diagnostic records for sweep runs: one run record
// per sweep and one failure record per failed cell. Sweeps are never resumed
// from these records; they exist so an operator can see what broke and re-run
// the affected cells.
package recovery

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusCellsFailed RunStatus = "cells-failed"
	RunStatusAborted     RunStatus = "aborted"
)

// Run is the persistent metadata of one sweep.
type Run struct {
	RunID        string     `json:"run_id"`
	SettingsHash string     `json:"settings_hash"`
	ResultsDir   string     `json:"results_dir"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	Status       RunStatus  `json:"status"`
	Cells        int        `json:"cells"`
	Rows         int        `json:"rows"`
	Failed       int        `json:"failed"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusCompleted, RunStatusCellsFailed, RunStatusAborted:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end_time precedes start_time"))
	}
	if r.Cells < 0 || r.Rows < 0 || r.Failed < 0 {
		errs = append(errs, errors.New("counts must be >= 0"))
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassConfig   FailureClass = "config"
	FailureClassStage    FailureClass = "stage"
	FailureClassArtifact FailureClass = "artifact"
	FailureClassSystem   FailureClass = "system"
)

// Failure is the recorded reason a cell (or the whole sweep) stopped.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Cell         string       `json:"cell"`
	Attempt      *int         `json:"attempt"`
	Control      *float64     `json:"control"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`

	// Path names the offending artifact or log when one is known.
	Path string `json:"path,omitempty"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassConfig, FailureClassStage, FailureClassArtifact, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if strings.TrimSpace(f.Cell) == "" {
		errs = append(errs, errors.New("cell is required"))
	}
	if f.Attempt != nil && *f.Attempt < 0 {
		errs = append(errs, errors.New("attempt must be >= 0"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
