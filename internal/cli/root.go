// Package cli implements the trimsweep command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"trimsweep/internal/logging"
	"trimsweep/internal/settings"
)

// app holds per-invocation state shared by the commands.
type app struct {
	stdout io.Writer
	stderr io.Writer

	verbose   bool
	logFormat string
	logger    *zap.Logger

	// started is set once argument parsing succeeded and a command began.
	started bool
}

// Run executes args (excluding argv[0]) against the process stdout/stderr.
func Run(ctx context.Context, args []string) (CLIResult, error) {
	return Execute(ctx, args, os.Stdout, os.Stderr)
}

// Execute runs one invocation and returns its semantic exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) (CLIResult, error) {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if err == nil {
		return CLIResult{ExitCode: ExitSuccess}, nil
	}
	if !a.started && ExitCode(err) == ExitInternalError {
		// cobra's own parse errors: unknown command, bad arg count.
		err = invalidInvocationf("%v", err)
	}
	return CLIResult{ExitCode: ExitCode(err)}, err
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "trimsweep",
		Short: "Trim-balanced CFD polar sweeps",
		Long: `trimsweep drives external mesh-deformation and flow-solver stages over a
Mach x lift (or angle-of-attack) grid. In every cell it adjusts a control
deflection until the pitching moment reported by the solver is balanced,
then appends the cell's coefficients to an aggregate polar table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.started = true
			switch a.logFormat {
			case "console", "json":
			default:
				return invalidInvocationf("invalid --log-format %q (expected console|json)", a.logFormat)
			}
			logger, err := logging.New(logging.Options{Format: a.logFormat, Verbose: a.verbose})
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "console", "log encoding: console|json")

	root.AddCommand(
		a.runCmd(),
		a.trimCmd(),
		a.deriveCmd(),
		a.extractCmd(),
		a.conditionsCmd(),
		a.plotCmd(),
		a.ledgerCmd(),
		a.statusCmd(),
	)
	return root
}

// loadSettings reads the sweep file and rebuilds the logger from its logging
// section. Command-line verbosity and format win.
func (a *app) loadSettings(cmd *cobra.Command, path string) (*settings.Settings, error) {
	if strings.TrimSpace(path) == "" {
		return nil, invalidInvocationf("--config is required")
	}
	s, err := settings.Load(path)
	if err != nil {
		return nil, configError(err)
	}
	format := s.Logging.Format
	if cmd.Flags().Changed("log-format") {
		format = a.logFormat
	}
	logger, err := logging.New(logging.Options{
		Level:   s.Logging.Level,
		Format:  format,
		File:    s.Logging.File,
		Verbose: a.verbose,
	})
	if err != nil {
		return nil, configError(err)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	a.logger = logger
	return s, nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return invalidInvocationf("%s: expected %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return invalidInvocationf("%s: expected at least %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

func requireFlags(flags *pflag.FlagSet, names ...string) error {
	for _, name := range names {
		if !flags.Changed(name) {
			return invalidInvocationf("--%s is required", name)
		}
	}
	return nil
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}
