package sweep

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

// Kind selects what the inner grid axis prescribes.
type Kind string

const (
	// KindLift sweeps target lift coefficient with the solver in fixed-CL mode.
	KindLift Kind = "lift"
	// KindAoA sweeps angle of attack with fixed-CL mode off.
	KindAoA Kind = "aoa"
)

// Prefix is the inner directory prefix for the kind.
func (k Kind) Prefix() string {
	if k == KindAoA {
		return "AOA"
	}
	return "CL"
}

// FixedCL reports whether the solver runs in fixed-CL mode.
func (k Kind) FixedCL() bool { return k != KindAoA }

// FlightCondition identifies one grid cell.
type FlightCondition struct {
	Mach   float64
	Target float64
}

// Grid is the Cartesian sweep: Mach outer, target inner.
type Grid struct {
	Kind    Kind
	Mach    []float64
	Targets []float64
}

func (g Grid) Validate() error {
	var errs []error
	switch g.Kind {
	case KindLift, KindAoA:
	default:
		errs = append(errs, fmt.Errorf("grid kind must be %q or %q, got %q", KindLift, KindAoA, g.Kind))
	}
	if len(g.Mach) == 0 {
		errs = append(errs, errors.New("grid needs at least one Mach number"))
	}
	if len(g.Targets) == 0 {
		errs = append(errs, errors.New("grid needs at least one target"))
	}
	for _, m := range g.Mach {
		if math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
			errs = append(errs, fmt.Errorf("invalid Mach number %v", m))
		}
	}
	for _, t := range g.Targets {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			errs = append(errs, fmt.Errorf("invalid target %v", t))
		}
	}
	seen := make(map[string]bool)
	for _, fc := range g.Cells() {
		p := g.CellPath(fc)
		if seen[p] {
			errs = append(errs, fmt.Errorf("grid values collide in directory %s", p))
		}
		seen[p] = true
	}
	return errors.Join(errs...)
}

// Cells lists the grid in sweep order.
func (g Grid) Cells() []FlightCondition {
	out := make([]FlightCondition, 0, len(g.Mach)*len(g.Targets))
	for _, m := range g.Mach {
		for _, t := range g.Targets {
			out = append(out, FlightCondition{Mach: m, Target: t})
		}
	}
	return out
}

// DirName formats a grid value as a directory name, e.g. MACH_0_60.
func DirName(prefix string, v float64) string {
	return prefix + "_" + strings.ReplaceAll(strconv.FormatFloat(v, 'f', 2, 64), ".", "_")
}

// CellPath is the cell directory relative to the results root.
func (g Grid) CellPath(fc FlightCondition) string {
	return filepath.Join(DirName("MACH", fc.Mach), DirName(g.Kind.Prefix(), fc.Target))
}

// ParseRange expands "start:stop:step" into start, start+step, ... up to and
// including stop (within rounding). A single number yields itself and a
// comma-separated list yields its values.
func ParseRange(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty range")
	}
	if !strings.Contains(s, ":") {
		var out []float64
		for _, part := range strings.Split(s, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, fmt.Errorf("range %q: %w", s, err)
			}
			out = append(out, v)
		}
		return out, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("range %q: want start:stop:step", s)
	}
	var nums [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("range %q: %w", s, err)
		}
		nums[i] = v
	}
	start, stop, step := nums[0], nums[1], nums[2]
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return nil, fmt.Errorf("range %q: step must be > 0", s)
	}
	if stop < start {
		return nil, fmt.Errorf("range %q: stop is below start", s)
	}
	n := int(math.Floor((stop-start)/step+1e-9)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = roundTo(start+float64(i)*step, 12)
	}
	return out, nil
}

func roundTo(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
