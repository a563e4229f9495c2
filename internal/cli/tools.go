package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gonum.org/v1/plot/vg"

	"trimsweep/internal/atmosphere"
	"trimsweep/internal/cfgpatch"
	"trimsweep/internal/history"
	"trimsweep/internal/polar"
)

func (a *app) deriveCmd() *cobra.Command {
	var inPlace bool
	var marker string
	var show []string
	cmd := &cobra.Command{
		Use:   "derive TEMPLATE DEST KEY=VALUE...",
		Short: "Write a copy of a solver config with keys overridden",
		Long: `Copies TEMPLATE to DEST replacing the value of every KEY= line named on the
command line. Comments, spacing and unnamed keys are kept byte for byte; keys
absent from the template are not added.

With --in-place the first argument is rewritten and DEST is omitted.
With --show the current values of the named keys in FILE are printed instead.`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt := cfgpatch.WithCommentMarker(marker)
			if len(show) > 0 {
				if len(args) != 1 {
					return invalidInvocationf("derive --show takes exactly one FILE")
				}
				for _, key := range show {
					v, ok, err := cfgpatch.Lookup(args[0], key, opt)
					if err != nil {
						return configError(err)
					}
					if !ok {
						return failure(fmt.Errorf("%s: key %s not set", args[0], key))
					}
					a.printf("%s\t%s\n", key, v)
				}
				return nil
			}

			var src, dest string
			var pairs []string
			if inPlace {
				src, pairs = args[0], args[1:]
			} else {
				if len(args) < 2 {
					return invalidInvocationf("derive: DEST is required without --in-place")
				}
				src, dest, pairs = args[0], args[1], args[2:]
			}
			overrides, err := parseOverrides(pairs)
			if err != nil {
				return err
			}
			if inPlace {
				err = cfgpatch.Rewrite(src, overrides, opt)
			} else {
				err = cfgpatch.Derive(src, dest, overrides, opt)
			}
			if errors.Is(err, cfgpatch.ErrConfigFormat) {
				return configError(err)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&inPlace, "in-place", false, "rewrite TEMPLATE instead of writing DEST")
	cmd.Flags().StringSliceVar(&show, "show", nil, "print the values of these keys in FILE")
	cmd.Flags().StringVar(&marker, "comment", cfgpatch.DefaultCommentMarker, "comment marker of the config format")
	return cmd
}

func parseOverrides(pairs []string) (cfgpatch.Overrides, error) {
	o := cfgpatch.Overrides{}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, invalidInvocationf("invalid override %q (expected KEY=VALUE)", p)
		}
		o.Set(key, strings.TrimSpace(value))
	}
	return o, nil
}

func (a *app) extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract TABLE COLUMN...",
		Short: "Print the last recorded value of history columns",
		Args:  minArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := history.ExtractRow(args[0], args[1:], nil)
			if err != nil {
				return failure(err)
			}
			for _, c := range args[1:] {
				a.printf("%s\t%.10g\n", history.NormalizeColumn(c), row[history.NormalizeColumn(c)])
			}
			return nil
		},
	}
}

func (a *app) conditionsCmd() *cobra.Command {
	var mach, altitude, length float64
	cmd := &cobra.Command{
		Use:   "conditions",
		Short: "Print freestream conditions from the standard atmosphere",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlags(cmd.Flags(), "mach"); err != nil {
				return err
			}
			fs, err := atmosphere.NewFreestream(mach, altitude, length)
			if err != nil {
				return invalidInvocationf("%v", err)
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "altitude\t%.1f ft\t(%v)\n", altitude, fs.Altitude)
			fmt.Fprintf(w, "temperature\t%v\n", fs.Temperature)
			fmt.Fprintf(w, "pressure\t%v\n", fs.Pressure)
			fmt.Fprintf(w, "density\t%.6g kg m^-3\n", fs.Density)
			fmt.Fprintf(w, "speed of sound\t%v\n", fs.SpeedOfSound)
			fmt.Fprintf(w, "speed\t%v\n", fs.Speed)
			fmt.Fprintf(w, "viscosity\t%.6g Pa s\n", fs.Viscosity)
			fmt.Fprintf(w, "reynolds\t%.6g\t(length %v)\n", fs.Reynolds, fs.Length)
			return w.Flush()
		},
	}
	cmd.Flags().Float64Var(&mach, "mach", 0, "Mach number (required)")
	cmd.Flags().Float64Var(&altitude, "altitude", 0, "altitude in feet")
	cmd.Flags().Float64Var(&length, "length", 1, "reference length in metres")
	return cmd
}

func (a *app) plotCmd() *cobra.Command {
	var out, title string
	var width, height float64
	cmd := &cobra.Command{
		Use:   "plot AGGREGATE",
		Short: "Render the aggregate table as drag and moment polars",
		Long:  `Writes a PNG or SVG (chosen by the -o extension) with one curve per Mach number.`,
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return invalidInvocationf("-o is required")
			}
			rows, err := polar.Load(args[0])
			if err != nil {
				return failure(err)
			}
			opts := polar.PlotOptions{Title: title, Width: vg.Length(width) * vg.Centimeter, Height: vg.Length(height) * vg.Centimeter}
			if err := polar.Plot(rows, out, opts); err != nil {
				return failure(err)
			}
			a.printf("wrote %s (%d rows)\n", out, len(rows))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "image path (required)")
	cmd.Flags().StringVar(&title, "title", "", "figure title")
	cmd.Flags().Float64Var(&width, "width", 0, "width in cm (default from the plotter)")
	cmd.Flags().Float64Var(&height, "height", 0, "height in cm (default from the plotter)")
	return cmd
}
