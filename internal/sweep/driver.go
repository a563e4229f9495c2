package sweep

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"trimsweep/internal/atmosphere"
	"trimsweep/internal/cfgpatch"
	"trimsweep/internal/ledger"
	"trimsweep/internal/polar"
	"trimsweep/internal/recovery"
	"trimsweep/internal/stage"
	"trimsweep/internal/trace"
	"trimsweep/internal/trim"
)

// CellReport is the result of one grid cell.
type CellReport struct {
	Condition FlightCondition

	// Cell is the directory relative to the results root.
	Cell string
	Dir  string

	WarmStarted bool
	Report      *trim.Report

	// Row is the aggregated coefficient row; nil when nothing was appended.
	Row *polar.Row

	// Forwarded lists restart artifacts moved into the next cell.
	Forwarded []string

	TraceHash string
	Failure   *recovery.Failure

	// Err is set when the cell produced no usable row: the loop's terminal
	// error, or a setup or aggregation error.
	Err error
}

// Failed reports whether the cell contributed nothing to the aggregate.
func (c CellReport) Failed() bool { return c.Row == nil }

// Summary is the outcome of a sweep.
type Summary struct {
	RunID     string
	Status    recovery.RunStatus
	Cells     []CellReport
	Rows      int
	Converged int
	Exhausted int
	Failed    int
}

func (s *Summary) add(c CellReport) {
	s.Cells = append(s.Cells, c)
	if c.Failed() {
		s.Failed++
		return
	}
	s.Rows++
	switch c.Report.Outcome {
	case trim.OutcomeConverged:
		s.Converged++
	case trim.OutcomeExhausted:
		s.Exhausted++
	}
}

// Driver walks the grid, trimming every cell and forwarding restart artifacts
// along each Mach row.
type Driver struct {
	Config Config
	Runner *stage.Runner
	Logger *zap.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

func (d *Driver) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Run purges previous results and sweeps the whole grid.
//
// Cell failures are recorded and the sweep continues. The error return is set
// when the sweep aborts: invalid configuration, a malformed config template,
// cancellation, or bookkeeping that cannot be written. The Summary is returned
// alongside an abort error whenever the run had started.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	cfg := d.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sweep config: %w", err)
	}
	log := d.logger()

	if err := Purge(cfg.ResultsDir, cfg.Aggregate, cfg.StateDir); err != nil {
		return nil, err
	}

	store, err := recovery.NewStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	rec := &recovery.Recorder{Store: store, Now: d.Now}
	run, err := rec.StartRun(recovery.Run{
		SettingsHash: cfg.SettingsHash,
		ResultsDir:   cfg.ResultsDir,
		StartTime:    d.now(),
		Cells:        len(cfg.Grid.Mach) * len(cfg.Grid.Targets),
	})
	if err != nil {
		return nil, fmt.Errorf("starting run record: %w", err)
	}

	var led *ledger.Ledger
	if cfg.Ledger != "" {
		led, err = ledger.Open(cfg.Ledger)
		if err != nil {
			return nil, err
		}
		defer led.Close()
		if err := led.BeginRun(run.RunID, cfg.SettingsHash, run.StartTime); err != nil {
			return nil, err
		}
	}

	log.Info("sweep started",
		zap.String("run_id", run.RunID),
		zap.String("kind", string(cfg.Grid.Kind)),
		zap.Int("mach", len(cfg.Grid.Mach)),
		zap.Int("targets", len(cfg.Grid.Targets)),
	)

	sum := &Summary{RunID: run.RunID}
	runErr := d.sweep(ctx, rec, led, run.RunID, sum)

	status := recovery.RunStatusCompleted
	switch {
	case runErr != nil:
		status = recovery.RunStatusAborted
	case sum.Failed > 0:
		status = recovery.RunStatusCellsFailed
	}
	sum.Status = status
	run.Rows, run.Failed = sum.Rows, sum.Failed
	if _, err := rec.FinishRun(run, status); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("finishing run record: %w", err))
	}
	if led != nil {
		if err := led.FinishRun(run.RunID, string(status), d.now()); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}

	fields := []zap.Field{
		zap.String("run_id", run.RunID),
		zap.String("status", string(status)),
		zap.Int("rows", sum.Rows),
		zap.Int("converged", sum.Converged),
		zap.Int("exhausted", sum.Exhausted),
		zap.Int("failed", sum.Failed),
	}
	if runErr != nil {
		log.Error("sweep aborted", append(fields, zap.Error(runErr))...)
	} else {
		log.Info("sweep finished", fields...)
	}
	return sum, runErr
}

func (d *Driver) sweep(ctx context.Context, rec *recovery.Recorder, led *ledger.Ledger, runID string, sum *Summary) error {
	cfg := d.Config
	log := d.logger()

	for _, mach := range cfg.Grid.Mach {
		static, err := d.rowOverrides(mach)
		if err != nil {
			return err
		}
		warm := false
		for j, target := range cfg.Grid.Targets {
			if err := ctx.Err(); err != nil {
				return err
			}
			fc := FlightCondition{Mach: mach, Target: target}
			cr, abort := d.cell(ctx, rec, led, runID, fc, warm, static)

			// Converged and exhausted cells hand on their solver state even
			// when their row could not be aggregated.
			warm = false
			if cr.Report != nil && cr.Report.Usable() && j+1 < len(cfg.Grid.Targets) {
				next := filepath.Join(cfg.ResultsDir, cfg.Grid.CellPath(FlightCondition{Mach: mach, Target: cfg.Grid.Targets[j+1]}))
				warm = d.forward(cr, next)
				if warm {
					cr.Forwarded = append([]string(nil), cfg.warmStart()...)
				}
			}
			sum.add(cr)
			if abort != nil {
				log.Error("aborting sweep", zap.String("cell", cr.Cell), zap.Error(abort))
				return abort
			}
		}
	}
	return nil
}

// forward moves the restart artifacts into next and reports whether the next
// cell can start warm. A partial move leaves the next cell cold.
func (d *Driver) forward(cr CellReport, next string) bool {
	names := d.Config.warmStart()
	if len(names) == 0 {
		return false
	}
	moved, err := stage.MoveArtifacts(cr.Dir, next, names)
	if err != nil {
		d.logger().Warn("warm start not forwarded", zap.String("cell", cr.Cell), zap.Error(err))
		return false
	}
	if len(moved) != len(names) {
		d.logger().Warn("restart artifacts incomplete; next cell starts cold",
			zap.String("cell", cr.Cell), zap.Strings("moved", moved), zap.Strings("expected", names))
		return false
	}
	return true
}

// rowOverrides are the solve overrides shared by every cell at one Mach.
func (d *Driver) rowOverrides(mach float64) (cfgpatch.Overrides, error) {
	cfg := d.Config
	o := cfgpatch.Overrides{}
	o.Set(cfg.Keys.Mach, cfgpatch.Float(mach))
	o.Set(cfg.Keys.FixedCL, cfgpatch.YesNo(cfg.Grid.Kind.FixedCL()))
	if a := cfg.Atmosphere; a != nil {
		free, err := atmosphere.NewFreestream(mach, a.AltitudeFt, a.Length)
		if err != nil {
			return nil, fmt.Errorf("freestream at Mach %v: %w", mach, err)
		}
		o.Set(cfg.Keys.Reynolds, cfgpatch.Float(free.Reynolds))
		o.Set(cfg.Keys.Pressure, cfgpatch.Float(float64(free.Pressure)))
		o.Set(cfg.Keys.Temperature, cfgpatch.Float(float64(free.Temperature)))
	}
	return o, nil
}

// Cell trims a single flight condition outside a full sweep. Nothing is
// purged and no run record is written.
func (d *Driver) Cell(ctx context.Context, fc FlightCondition, warm bool) (CellReport, error) {
	if err := d.Config.Validate(); err != nil {
		return CellReport{}, fmt.Errorf("sweep config: %w", err)
	}
	static, err := d.rowOverrides(fc.Mach)
	if err != nil {
		return CellReport{}, err
	}
	return d.cell(ctx, nil, nil, "", fc, warm, static)
}

// cell runs one flight condition. The error return is non-nil only when the
// whole sweep must stop.
func (d *Driver) cell(ctx context.Context, rec *recovery.Recorder, led *ledger.Ledger, runID string, fc FlightCondition, warm bool, static cfgpatch.Overrides) (CellReport, error) {
	cfg := d.Config
	rel := cfg.Grid.CellPath(fc)
	cr := CellReport{
		Condition:   fc,
		Cell:        rel,
		Dir:         filepath.Join(cfg.ResultsDir, rel),
		WarmStarted: warm,
	}
	log := d.logger().With(zap.String("cell", rel))

	fail := func(err error) {
		cr.Err = err
		if rec == nil {
			return
		}
		f, rerr := rec.RecordFailure(runID, rel, err)
		if rerr != nil {
			log.Warn("failure record not written", zap.Error(rerr))
			return
		}
		cr.Failure = &f
	}

	if err := os.MkdirAll(cr.Dir, 0o755); err != nil {
		fail(err)
		return cr, nil
	}
	if _, err := stage.LinkInputs(cr.Dir, cfg.Data); err != nil {
		fail(err)
		return cr, nil
	}

	solve := cfgpatch.Merge(cfg.SolveOverrides, static)
	solve.Set(cfg.Keys.Target, cfgpatch.Float(fc.Target))

	tr := trace.NewRecorder(rel)
	observers := []trim.Observer{tr}
	var cellLedger *ledger.CellObserver
	if led != nil {
		co, err := led.BeginCell(runID, rel, fc.Mach, fc.Target)
		if err != nil {
			log.Warn("ledger cell not recorded", zap.Error(err))
		} else {
			cellLedger = co
			observers = append(observers, co)
		}
	}

	var deformStage stage.Stage
	var deformedMesh string
	if cfg.Policy.Deform {
		deformStage = cfg.DeformStage
		deformedMesh = cfg.DeformedMesh
	}
	loop := &trim.Loop{
		Policy: cfg.Policy,
		Cycle: &trim.StageCycle{
			Dir:             cr.Dir,
			Runner:          d.Runner,
			DeformStage:     deformStage,
			SolveStage:      cfg.SolveStage,
			DeformTemplate:  cfg.DeformTemplate,
			SolveTemplate:   cfg.SolveTemplate,
			DeformOverrides: cfg.DeformOverrides,
			SolveOverrides:  solve,
			Keys: trim.CycleKeys{
				Deflection: cfg.Keys.Deflection,
				Restart:    cfg.Keys.Restart,
				Mesh:       cfg.Keys.Mesh,
			},
			DeformedMesh: deformedMesh,
			MomentColumn: cfg.MomentColumn,
			ResultTable:  cfg.ResultTable,
		},
		WarmStarted: warm,
		Observers:   observers,
		Logger:      log,
	}

	rep, err := loop.Run(ctx)
	if err != nil {
		return cr, err
	}
	cr.Report = rep

	if hash, err := tr.WriteFile(filepath.Join(cr.Dir, trace.FileName)); err != nil {
		log.Warn("trace not written", zap.Error(err))
	} else {
		cr.TraceHash = hash
	}
	if cellLedger != nil {
		if err := cellLedger.Err(); err != nil {
			log.Warn("ledger incomplete", zap.Error(err))
		}
	}

	if !rep.Usable() {
		fail(rep.Err)
		switch {
		case errors.Is(rep.Err, cfgpatch.ErrConfigFormat):
			return cr, rep.Err
		case ctx.Err() != nil:
			return cr, ctx.Err()
		}
		log.Warn("cell failed", zap.String("outcome", string(rep.Outcome)), zap.Error(rep.Err))
		return cr, nil
	}

	if rep.Outcome == trim.OutcomeExhausted {
		log.Warn("trim not converged; aggregating last attempt",
			zap.Float64("control", rep.Last.Control),
			zap.Float64("residual", rep.Last.Residual),
			zap.Float64("best_control", rep.Best.Control),
			zap.Float64("best_residual", rep.Best.Residual),
		)
	}

	aoa := math.NaN()
	if cfg.Grid.Kind == KindAoA {
		aoa = fc.Target
	}
	row, err := polar.FromHistory(filepath.Join(cr.Dir, cfg.resultTable()), fc.Mach, aoa)
	if err == nil {
		err = polar.Append(cfg.Aggregate, row)
	}
	if err != nil {
		fail(fmt.Errorf("aggregating %s: %w", rel, err))
		return cr, nil
	}
	cr.Row = &row
	return cr, nil
}

func (c Config) resultTable() string {
	if c.ResultTable == "" {
		return trim.DefaultResultTable
	}
	return c.ResultTable
}

// Purge removes a previous sweep's results directory and aggregate table.
// It refuses to remove a filesystem root or a directory holding stateDir.
func Purge(resultsDir, aggregate, stateDir string) error {
	abs, err := filepath.Abs(resultsDir)
	if err != nil {
		return err
	}
	if abs == filepath.Dir(abs) {
		return fmt.Errorf("refusing to purge filesystem root %s", abs)
	}
	if stateDir != "" {
		state, err := filepath.Abs(stateDir)
		if err != nil {
			return err
		}
		if state == abs || strings.HasPrefix(state, abs+string(filepath.Separator)) {
			return fmt.Errorf("refusing to purge %s: it contains the state directory %s", abs, state)
		}
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("purging %s: %w", abs, err)
	}
	if err := os.Remove(aggregate); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("purging %s: %w", aggregate, err)
	}
	return os.MkdirAll(abs, 0o755)
}
