package history

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingArtifact = errors.New("missing artifact")
	ErrMissingColumn   = errors.New("missing column")
	ErrNoRows          = errors.New("no data rows")
	ErrMalformed       = errors.New("malformed result table")
)

// MissingArtifactError reports a result table that does not exist.
type MissingArtifactError struct {
	Path string
	Err  error
}

func (e *MissingArtifactError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", ErrMissingArtifact.Error(), e.Path)
}

func (e *MissingArtifactError) Is(target error) bool { return target == ErrMissingArtifact }

func (e *MissingArtifactError) Unwrap() error { return e.Err }

// MissingColumnError reports a column absent from a table header after
// normalization.
type MissingColumnError struct {
	Path      string
	Column    string
	Available []string
}

func (e *MissingColumnError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %q not in %s (have %s)", ErrMissingColumn.Error(), e.Column, e.Path, strings.Join(e.Available, ", "))
}

func (e *MissingColumnError) Is(target error) bool { return target == ErrMissingColumn }

func malformedf(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, path, fmt.Sprintf(format, args...))
}
