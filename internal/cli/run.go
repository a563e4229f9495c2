package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"trimsweep/internal/cfgpatch"
	"trimsweep/internal/stage"
	"trimsweep/internal/sweep"
	"trimsweep/internal/trim"
)

func (a *app) runCmd() *cobra.Command {
	var configPath, results, aggregate, ledgerPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Purge previous results and sweep the whole grid",
		Long: `Sweeps every (Mach, target) cell of the grid in the sweep file, Mach outer.
Previous results and the aggregate table are removed first. Restart artifacts
of a converged or exhausted cell are forwarded to the next target at the same
Mach.

Exit status is 1 when any cell failed, 3 on configuration errors.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.loadSettings(cmd, configPath)
			if err != nil {
				return err
			}
			cfg := s.SweepConfig()
			if results != "" {
				cfg.ResultsDir = absPath(results)
			}
			if aggregate != "" {
				cfg.Aggregate = absPath(aggregate)
			}
			if cmd.Flags().Changed("ledger") {
				cfg.Ledger = ""
				if ledgerPath != "-" {
					cfg.Ledger = absPath(ledgerPath)
				}
			}
			if err := cfg.Validate(); err != nil {
				return configError(err)
			}

			d := &sweep.Driver{Config: cfg, Runner: stage.NewRunner(a.logger), Logger: a.logger}
			sum, runErr := d.Run(cmd.Context())
			if sum != nil {
				a.printSummary(sum)
			}
			switch {
			case runErr != nil && errors.Is(runErr, cfgpatch.ErrConfigFormat):
				return configError(runErr)
			case runErr != nil:
				return runErr
			case sum.Failed > 0:
				return failure(fmt.Errorf("%d of %d cells failed", sum.Failed, len(sum.Cells)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "sweep file (required)")
	cmd.Flags().StringVar(&results, "results", "", "override results_dir")
	cmd.Flags().StringVar(&aggregate, "aggregate", "", "override the aggregate table path")
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", `override the ledger path ("-" disables it)`)
	return cmd
}

func (a *app) trimCmd() *cobra.Command {
	var configPath string
	var mach, target float64
	var warm bool
	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Trim a single cell without purging",
		Long: `Runs the trim loop for one (Mach, target) cell in its usual directory under
results_dir. --warm starts from restart artifacts already in that directory.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlags(cmd.Flags(), "mach", "target"); err != nil {
				return err
			}
			s, err := a.loadSettings(cmd, configPath)
			if err != nil {
				return err
			}
			cfg := s.SweepConfig()
			if err := cfg.Validate(); err != nil {
				return configError(err)
			}
			d := &sweep.Driver{Config: cfg, Runner: stage.NewRunner(a.logger), Logger: a.logger}
			cr, err := d.Cell(cmd.Context(), sweep.FlightCondition{Mach: mach, Target: target}, warm)
			if err != nil {
				if errors.Is(err, cfgpatch.ErrConfigFormat) {
					return configError(err)
				}
				return err
			}
			a.printCell(cr)
			if cr.Failed() {
				return failure(fmt.Errorf("cell %s failed: %w", cr.Cell, cr.Err))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "sweep file (required)")
	cmd.Flags().Float64Var(&mach, "mach", 0, "Mach number (required)")
	cmd.Flags().Float64Var(&target, "target", 0, "lift coefficient or angle of attack (required)")
	cmd.Flags().BoolVar(&warm, "warm", false, "restart from artifacts already in the cell directory")
	return cmd
}

func (a *app) printSummary(sum *sweep.Summary) {
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CELL\tOUTCOME\tEVALS\tCONTROL\tMOMENT\tRESIDUAL\tWARM")
	for _, c := range sum.Cells {
		fmt.Fprintln(w, cellLine(c))
	}
	_ = w.Flush()
	a.printf("run %s: %s, %d rows (%d converged, %d exhausted), %d failed\n",
		sum.RunID, sum.Status, sum.Rows, sum.Converged, sum.Exhausted, sum.Failed)
}

func (a *app) printCell(c sweep.CellReport) {
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CELL\tOUTCOME\tEVALS\tCONTROL\tMOMENT\tRESIDUAL\tWARM")
	fmt.Fprintln(w, cellLine(c))
	_ = w.Flush()
	if c.Err != nil {
		a.printf("error: %v\n", c.Err)
	}
}

func cellLine(c sweep.CellReport) string {
	outcome, evals := "setup-failed", 0
	control, moment, residual := "-", "-", "-"
	if rep := c.Report; rep != nil {
		outcome, evals = string(rep.Outcome), rep.Evaluations()
		ev := rep.Last
		if rep.Outcome == trim.OutcomeExhausted && rep.Best != nil {
			ev = rep.Best
		}
		if ev != nil {
			control = fmt.Sprintf("%.6g", ev.Control)
			moment = fmt.Sprintf("%.6g", ev.Measured)
			residual = fmt.Sprintf("%.3g", ev.Residual)
		}
	}
	if c.Report != nil && c.Report.Usable() && c.Row == nil {
		outcome += "/not-aggregated"
	}
	return fmt.Sprintf("%s\t%s\t%d\t%s\t%s\t%s\t%t", c.Cell, outcome, evals, control, moment, residual, c.WarmStarted)
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}
