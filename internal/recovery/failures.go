package recovery

import (
	"context"
	"errors"

	"trimsweep/internal/cfgpatch"
	"trimsweep/internal/history"
	"trimsweep/internal/stage"
	"trimsweep/internal/trim"
)

// Classify maps a cell or sweep error into a Failure for cell.
func Classify(cell string, err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}
	f := Failure{Cell: cell, ErrorMessage: err.Error()}

	var ae *trim.AttemptError
	if errors.As(err, &ae) && ae != nil {
		attempt, control := ae.Attempt, ae.Control
		f.Attempt, f.Control = &attempt, &control
	}

	var cfe *cfgpatch.ConfigFormatError
	var sfe *stage.FailedError
	var mae *history.MissingArtifactError
	var mce *history.MissingColumnError
	switch {
	case errors.As(err, &cfe) && cfe != nil:
		f.FailureClass, f.ErrorCode, f.Path = FailureClassConfig, "ConfigFormat", cfe.Path
	case errors.As(err, &sfe) && sfe != nil:
		f.FailureClass, f.Path = FailureClassStage, sfe.LogPath
		switch sfe.Cause {
		case stage.CauseNonzeroExit:
			f.ErrorCode = "NonzeroExit"
		case stage.CauseMissingArtifact:
			f.ErrorCode = "MissingArtifact"
		case stage.CauseMissingInput:
			f.ErrorCode = "MissingInput"
		case stage.CauseInterrupted:
			f.FailureClass, f.ErrorCode = FailureClassSystem, "Interrupted"
		default:
			f.ErrorCode = "LaunchFailed"
		}
	case errors.As(err, &mae) && mae != nil:
		f.FailureClass, f.ErrorCode, f.Path = FailureClassArtifact, "MissingResultTable", mae.Path
	case errors.As(err, &mce) && mce != nil:
		f.FailureClass, f.ErrorCode, f.Path = FailureClassArtifact, "MissingColumn", mce.Path
	case errors.Is(err, history.ErrNoRows), errors.Is(err, history.ErrMalformed):
		f.FailureClass, f.ErrorCode = FailureClassArtifact, "MalformedResultTable"
	case errors.Is(err, trim.ErrNonFiniteMeasurement):
		f.FailureClass, f.ErrorCode = FailureClassArtifact, "NonFiniteMeasurement"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.FailureClass, f.ErrorCode = FailureClassSystem, "Interrupted"
	default:
		f.FailureClass, f.ErrorCode = FailureClassSystem, "UnknownError"
	}
	return f, nil
}
