package stage

import (
	"fmt"
	"strconv"
	"strings"
)

// Argv template placeholders.
const (
	PlaceholderParallelism = "{np}"
	PlaceholderConfig      = "{config}"
)

// Stage is a declarative description of one external process invocation.
type Stage struct {
	// Name identifies the stage in logs and diagnostics (e.g. "deform").
	Name string `yaml:"name"`

	// Command is the argv template, e.g. ["mpirun", "-np", "{np}", "SU2_CFD", "{config}"].
	Command []string `yaml:"command"`

	// Config is the configuration artifact name relative to the working directory.
	Config string `yaml:"config"`

	// Parallelism is substituted for {np}.
	Parallelism int `yaml:"parallelism"`

	// Inputs must exist in the working directory before launch.
	Inputs []string `yaml:"inputs,omitempty"`

	// Outputs must exist in the working directory after a zero exit.
	Outputs []string `yaml:"outputs,omitempty"`

	// LogName is the combined stdout/stderr artifact. Defaults to "<Name>.log".
	LogName string `yaml:"log,omitempty"`
}

// Argv expands the command template.
func (s Stage) Argv() ([]string, error) {
	if len(s.Command) == 0 {
		return nil, fmt.Errorf("stage %q: command is empty", s.Name)
	}
	np := strconv.Itoa(s.Parallelism)
	argv := make([]string, len(s.Command))
	for i, tok := range s.Command {
		tok = strings.ReplaceAll(tok, PlaceholderParallelism, np)
		tok = strings.ReplaceAll(tok, PlaceholderConfig, s.Config)
		argv[i] = tok
	}
	if strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("stage %q: program is empty", s.Name)
	}
	return argv, nil
}

// LogFile returns the log artifact name.
func (s Stage) LogFile() string {
	if s.LogName != "" {
		return s.LogName
	}
	if s.Name == "" {
		return "stage.log"
	}
	return s.Name + ".log"
}

// Validate checks the declaration before it is run.
func (s Stage) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("stage name is required")
	}
	if _, err := s.Argv(); err != nil {
		return err
	}
	if s.Parallelism < 0 {
		return fmt.Errorf("stage %q: parallelism must be >= 0", s.Name)
	}
	for _, p := range append(append([]string{}, s.Inputs...), s.Outputs...) {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("stage %q: empty artifact path", s.Name)
		}
	}
	return nil
}

// WithConfig returns a copy of s bound to a config artifact.
func (s Stage) WithConfig(config string) Stage {
	s.Config = config
	s.Inputs = append([]string(nil), s.Inputs...)
	s.Outputs = append([]string(nil), s.Outputs...)
	return s
}
