package stage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStageFailed is the kind of every stage-level failure.
var ErrStageFailed = errors.New("stage failed")

// Cause distinguishes why a stage failed.
type Cause string

const (
	CauseNonzeroExit     Cause = "nonzero-exit"
	CauseMissingArtifact Cause = "missing-artifact"
	CauseMissingInput    Cause = "missing-input"
	CauseLaunch          Cause = "launch"
	CauseInterrupted     Cause = "interrupted"
)

// FailedError describes a failed stage run.
type FailedError struct {
	Stage    string
	Dir      string
	Cause    Cause
	ExitCode int
	Missing  []string
	LogPath  string
	Err      error
}

func (e *FailedError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s failed (%s)", e.Stage, e.Cause)
	switch e.Cause {
	case CauseNonzeroExit:
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	case CauseMissingArtifact, CauseMissingInput:
		fmt.Fprintf(&b, ": %s", strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Dir != "" {
		fmt.Fprintf(&b, " [dir %s]", e.Dir)
	}
	if e.LogPath != "" {
		fmt.Fprintf(&b, " [log %s]", e.LogPath)
	}
	return b.String()
}

func (e *FailedError) Is(target error) bool { return target == ErrStageFailed }

func (e *FailedError) Unwrap() error { return e.Err }

// CauseOf returns the failure cause of err, or "" when err is not a stage failure.
func CauseOf(err error) Cause {
	var fe *FailedError
	if errors.As(err, &fe) && fe != nil {
		return fe.Cause
	}
	return ""
}
