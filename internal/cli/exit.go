package cli

import (
	"errors"
	"fmt"
)

const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// CLIResult is the semantic outcome of one invocation.
type CLIResult struct {
	ExitCode int
}

// InvocationError carries the exit code a command failed with.
type InvocationError struct {
	ExitCode int
	Message  string
	Err      error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *InvocationError) Unwrap() error { return e.Err }

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configError(err error) error {
	return &InvocationError{ExitCode: ExitConfigError, Err: err}
}

func failure(err error) error {
	return &InvocationError{ExitCode: ExitFailure, Err: err}
}

// ExitCode extracts a semantic exit code from a command error.
// Errors that are not InvocationErrors map to ExitInternalError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	return ExitInternalError
}
