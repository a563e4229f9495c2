package sweep

import (
	"errors"
	"fmt"
	"strings"

	"trimsweep/internal/cfgpatch"
	"trimsweep/internal/stage"
	"trimsweep/internal/trim"
)

// DefaultWarmStart lists the restart artifacts forwarded between cells.
var DefaultWarmStart = []string{"solution.dat", "flow.meta"}

// Keys names the solver configuration keys the sweep writes.
type Keys struct {
	Restart     string
	Mach        string
	Target      string
	FixedCL     string
	Deflection  string
	Mesh        string
	Reynolds    string
	Pressure    string
	Temperature string
}

// Atmosphere enables freestream overrides derived from altitude.
type Atmosphere struct {
	AltitudeFt float64
	Length     float64 // reference length, metres
}

// Config is a fully resolved sweep. Paths are absolute or relative to the
// process working directory.
type Config struct {
	Grid   Grid
	Policy trim.Policy

	DeformTemplate string
	SolveTemplate  string
	DeformStage    stage.Stage
	SolveStage     stage.Stage

	DeformOverrides cfgpatch.Overrides
	SolveOverrides  cfgpatch.Overrides
	Keys            Keys

	MomentColumn string
	ResultTable  string

	// DeformedMesh is written to Keys.Mesh when Policy.Deform is set.
	DeformedMesh string

	// Data files are linked into every cell directory.
	Data      []string
	WarmStart []string

	ResultsDir string
	Aggregate  string

	// StateDir holds run and failure records; it must not lie inside ResultsDir.
	StateDir string

	// Ledger is the SQLite attempt ledger path. Empty disables it.
	Ledger string

	Atmosphere *Atmosphere

	SettingsHash string
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Grid.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Policy.Deform {
		if strings.TrimSpace(c.DeformTemplate) == "" {
			errs = append(errs, errors.New("deform template is required"))
		}
		if err := c.DeformStage.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("deform stage: %w", err))
		}
		if c.Keys.Deflection == "" {
			errs = append(errs, errors.New("deflection key is required"))
		}
	}
	if strings.TrimSpace(c.SolveTemplate) == "" {
		errs = append(errs, errors.New("solve template is required"))
	}
	if err := c.SolveStage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("solve stage: %w", err))
	}
	if c.Keys.Restart == "" || c.Keys.Mach == "" || c.Keys.Target == "" {
		errs = append(errs, errors.New("restart, mach and target keys are required"))
	}
	if strings.TrimSpace(c.MomentColumn) == "" {
		errs = append(errs, errors.New("moment column is required"))
	}
	if strings.TrimSpace(c.ResultsDir) == "" {
		errs = append(errs, errors.New("results dir is required"))
	}
	if strings.TrimSpace(c.Aggregate) == "" {
		errs = append(errs, errors.New("aggregate path is required"))
	}
	if strings.TrimSpace(c.StateDir) == "" {
		errs = append(errs, errors.New("state dir is required"))
	}
	if a := c.Atmosphere; a != nil && a.Length <= 0 {
		errs = append(errs, fmt.Errorf("atmosphere reference length must be > 0, got %v", a.Length))
	}
	return errors.Join(errs...)
}

func (c Config) warmStart() []string {
	if c.WarmStart == nil {
		return DefaultWarmStart
	}
	return c.WarmStart
}
