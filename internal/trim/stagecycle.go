package trim

import (
	"context"
	"errors"
	"path/filepath"

	"trimsweep/internal/cfgpatch"
	"trimsweep/internal/history"
	"trimsweep/internal/stage"
)

// DefaultResultTable is the solver's convergence history artifact.
const DefaultResultTable = "history.csv"

// CycleKeys names the configuration keys a StageCycle writes.
type CycleKeys struct {
	// Deflection receives the control value in the deform config.
	Deflection string

	// Restart receives YES/NO in the solve config.
	Restart string

	// Mesh receives DeformedMesh in the solve config.
	Mesh string
}

// StageCycle is the Cycle backed by real external stages in one directory.
type StageCycle struct {
	Dir    string
	Runner *stage.Runner

	// DeformStage and SolveStage must carry their Config artifact names.
	DeformStage stage.Stage
	SolveStage  stage.Stage

	DeformTemplate string
	SolveTemplate  string

	// Static overrides applied on every derivation.
	DeformOverrides cfgpatch.Overrides
	SolveOverrides  cfgpatch.Overrides

	Keys CycleKeys

	// DeformedMesh is the mesh the solve stage reads after deformation.
	// Empty leaves the solve config's mesh untouched.
	DeformedMesh string

	MomentColumn string
	ResultTable  string
}

func (c *StageCycle) runner() *stage.Runner {
	if c.Runner == nil {
		return &stage.Runner{}
	}
	return c.Runner
}

func (c *StageCycle) Deform(ctx context.Context, in CycleInput) error {
	if c.DeformStage.Config == "" {
		return errors.New("deform stage has no config artifact")
	}
	overrides := cfgpatch.Merge(c.DeformOverrides)
	overrides.Set(c.Keys.Deflection, cfgpatch.Float(in.Control))
	if err := cfgpatch.Derive(c.DeformTemplate, filepath.Join(c.Dir, c.DeformStage.Config), overrides); err != nil {
		return err
	}
	_, err := c.runner().Run(ctx, c.Dir, c.DeformStage)
	return err
}

func (c *StageCycle) Solve(ctx context.Context, in CycleInput) error {
	if c.SolveStage.Config == "" {
		return errors.New("solve stage has no config artifact")
	}
	overrides := cfgpatch.Merge(c.SolveOverrides)
	overrides.Set(c.Keys.Restart, cfgpatch.YesNo(in.Restart))
	if c.DeformedMesh != "" {
		overrides.Set(c.Keys.Mesh, c.DeformedMesh)
	}
	if err := cfgpatch.Derive(c.SolveTemplate, filepath.Join(c.Dir, c.SolveStage.Config), overrides); err != nil {
		return err
	}
	_, err := c.runner().Run(ctx, c.Dir, c.SolveStage)
	return err
}

func (c *StageCycle) Measure(_ context.Context, _ CycleInput) (float64, error) {
	table := c.ResultTable
	if table == "" {
		table = DefaultResultTable
	}
	return history.Extract(filepath.Join(c.Dir, table), c.MomentColumn)
}
