package cfgpatch

import (
	"errors"
	"fmt"
)

// ErrConfigFormat is the kind of every template read failure.
var ErrConfigFormat = errors.New("config format error")

// ConfigFormatError reports a template that could not be opened or read.
type ConfigFormatError struct {
	Path string
	Err  error
}

func (e *ConfigFormatError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrConfigFormat.Error(), e.Path)
	}
	return fmt.Sprintf("%s: %s: %v", ErrConfigFormat.Error(), e.Path, e.Err)
}

func (e *ConfigFormatError) Is(target error) bool { return target == ErrConfigFormat }

func (e *ConfigFormatError) Unwrap() error { return e.Err }
