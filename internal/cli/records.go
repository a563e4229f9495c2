package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"trimsweep/internal/ledger"
	"trimsweep/internal/recovery"
)

func (a *app) ledgerCmd() *cobra.Command {
	var runID, cell string
	cmd := &cobra.Command{
		Use:   "ledger DB",
		Short: "Query the attempt ledger",
		Long: `Without flags lists the recorded runs. --run lists the cells of one run
("latest" selects the most recent) and --cell adds the attempts of one cell.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cell != "" && runID == "" {
				return invalidInvocationf("--cell requires --run")
			}
			led, err := ledger.OpenExisting(args[0])
			if err != nil {
				return failure(err)
			}
			defer led.Close()

			runs, err := led.Runs()
			if err != nil {
				return err
			}
			if runID == "" {
				a.printRuns(runs)
				return nil
			}
			if runID == "latest" {
				if len(runs) == 0 {
					return failure(fmt.Errorf("%s: no runs recorded", args[0]))
				}
				runID = runs[len(runs)-1].RunID
			}
			if cell != "" {
				attempts, err := led.Attempts(runID, cell)
				if err != nil {
					return err
				}
				if len(attempts) == 0 {
					return failure(fmt.Errorf("no attempts recorded for %s in run %s", cell, runID))
				}
				a.printAttempts(attempts)
				return nil
			}
			cells, err := led.Cells(runID)
			if err != nil {
				return err
			}
			if len(cells) == 0 {
				return failure(fmt.Errorf("no cells recorded for run %s", runID))
			}
			a.printLedgerCells(cells)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", `run ID or "latest"`)
	cmd.Flags().StringVar(&cell, "cell", "", "cell directory, e.g. MACH_0_60/CL_0_50")
	return cmd
}

func (a *app) printRuns(runs []ledger.RunRow) {
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tFINISHED\tSTATUS")
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.RunID, r.StartedAt.Format(time.RFC3339), finished, r.Status)
	}
	_ = w.Flush()
}

func (a *app) printLedgerCells(cells []ledger.CellRow) {
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CELL\tOUTCOME\tATTEMPTS\tCONTROL\tMOMENT\tRESIDUAL\tREASON")
	for _, c := range cells {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			c.Cell, orDash(c.Outcome), c.Attempts, num(c.Control), num(c.Moment), num(c.Residual), orDash(c.Reason))
	}
	_ = w.Flush()
}

func (a *app) printAttempts(attempts []ledger.AttemptRow) {
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ATTEMPT\tCONTROL\tMOMENT\tRESIDUAL\tNEXT")
	for _, at := range attempts {
		fmt.Fprintf(w, "%d\t%.6g\t%.6g\t%.3g\t%s\n", at.Attempt, at.Control, at.Moment, at.Residual, num(at.NextControl))
	}
	_ = w.Flush()
}

func (a *app) statusCmd() *cobra.Command {
	var configPath, runID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show run and failure records of past sweeps",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.loadSettings(cmd, configPath)
			if err != nil {
				return err
			}
			store, err := recovery.NewStore(s.StateDir)
			if err != nil {
				return configError(err)
			}
			ids, err := store.ListRunIDs()
			if err != nil {
				return err
			}
			if runID == "" {
				return a.printRunRecords(store, ids)
			}
			run, err := store.LoadRun(runID)
			if err != nil {
				return failure(err)
			}
			failures, err := store.LoadFailures(runID)
			if err != nil {
				return err
			}
			a.printf("run %s: %s, %d cells, %d rows, %d failed\n", run.RunID, run.Status, run.Cells, run.Rows, run.Failed)
			if len(failures) == 0 {
				return nil
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CELL\tCLASS\tCODE\tATTEMPT\tPATH\tMESSAGE")
			for _, f := range failures {
				attempt := "-"
				if f.Attempt != nil {
					attempt = fmt.Sprint(*f.Attempt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", f.Cell, f.FailureClass, f.ErrorCode, attempt, orDash(f.Path), f.ErrorMessage)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "sweep file (required)")
	cmd.Flags().StringVar(&runID, "run", "", "show failures of one run")
	return cmd
}

func (a *app) printRunRecords(store *recovery.Store, ids []string) error {
	runs := make([]recovery.Run, 0, len(ids))
	for _, id := range ids {
		run, err := store.LoadRun(id)
		if err != nil {
			return err
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartTime.Before(runs[j].StartTime) })

	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tSTATUS\tCELLS\tROWS\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n", r.RunID, r.StartTime.Format(time.RFC3339), r.Status, r.Cells, r.Rows, r.Failed)
	}
	return w.Flush()
}

func num(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6g", *v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
