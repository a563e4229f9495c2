// Package settings loads the YAML sweep file and resolves it into a
// sweep.Config.
package settings

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"trimsweep/internal/cfgpatch"
	"trimsweep/internal/ledger"
	"trimsweep/internal/stage"
	"trimsweep/internal/sweep"
	"trimsweep/internal/trim"
)

// Settings mirrors the sweep file.
type Settings struct {
	Templates    Templates   `yaml:"templates"`
	Keys         Keys        `yaml:"keys"`
	MomentColumn string      `yaml:"moment_column"`
	ResultTable  string      `yaml:"result_table"`
	Trim         Trim        `yaml:"trim"`
	Grid         Grid        `yaml:"grid"`
	Stages       Stages      `yaml:"stages"`
	Data         []string    `yaml:"data"`
	WarmStart    []string    `yaml:"warm_start"`
	ResultsDir   string      `yaml:"results_dir"`
	Aggregate    string      `yaml:"aggregate"`
	StateDir     string      `yaml:"state_dir"`
	Ledger       string      `yaml:"ledger"` // "-" disables the attempt ledger
	Mesh         Mesh        `yaml:"mesh"`
	Atmosphere   *Atmosphere `yaml:"atmosphere"`
	Overrides    Overrides   `yaml:"overrides"`
	Logging      Logging     `yaml:"logging"`

	// Dir is the directory relative paths resolve against.
	Dir string `yaml:"-"`

	// Hash is the sha256 of the file bytes.
	Hash string `yaml:"-"`
}

type Templates struct {
	Deform string `yaml:"deform"`
	Solve  string `yaml:"solve"`
}

type Keys struct {
	Restart     string `yaml:"restart"`
	Mach        string `yaml:"mach"`
	Target      string `yaml:"target"`
	FixedCL     string `yaml:"fixed_cl"`
	Deflection  string `yaml:"deflection"`
	Mesh        string `yaml:"mesh"`
	Reynolds    string `yaml:"reynolds"`
	Pressure    string `yaml:"pressure"`
	Temperature string `yaml:"temperature"`
}

// Trim uses pointers where zero is a legal value distinct from "unset".
type Trim struct {
	Target         *float64 `yaml:"target"`
	Tolerance      *float64 `yaml:"tolerance"`
	Damping        *float64 `yaml:"damping"`
	Sensitivity    *float64 `yaml:"sensitivity"`
	MaxAttempts    *int     `yaml:"max_attempts"`
	ForceBaseline  *bool    `yaml:"force_baseline"`
	InitialControl float64  `yaml:"initial_control"`
	Deform         *bool    `yaml:"deform"`
}

type Grid struct {
	Kind    string `yaml:"kind"`
	Mach    Values `yaml:"mach"`
	Targets Values `yaml:"targets"`
}

// Values accepts a YAML list of numbers or a range string such as
// "0.5:0.85:0.1".
type Values []float64

func (v *Values) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		vals, err := sweep.ParseRange(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*v = vals
		return nil
	case yaml.SequenceNode:
		var vals []float64
		if err := node.Decode(&vals); err != nil {
			return err
		}
		*v = vals
		return nil
	default:
		return fmt.Errorf("line %d: expected a list or range string", node.Line)
	}
}

type Stages struct {
	Deform stage.Stage `yaml:"deform"`
	Solve  stage.Stage `yaml:"solve"`
}

type Mesh struct {
	Name           string `yaml:"name"`
	DeformedSuffix string `yaml:"deformed_suffix"`
}

// Deformed returns the deformed mesh name, e.g. mesh.su2 -> mesh_def.su2.
func (m Mesh) Deformed() string {
	if m.Name == "" {
		return ""
	}
	base := filepath.Base(m.Name)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + m.DeformedSuffix + ext
}

type Atmosphere struct {
	AltitudeFt float64 `yaml:"altitude_ft"`
	Length     float64 `yaml:"length"`
}

type Overrides struct {
	Deform map[string]string `yaml:"deform"`
	Solve  map[string]string `yaml:"solve"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load reads, defaults, resolves and validates the sweep file at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	s, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("settings: %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes data with unknown keys rejected and resolves relative paths
// against dir.
func Parse(data []byte, dir string) (*Settings, error) {
	var s Settings
	if err := decodeKnownFields(data, &s); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	s.Hash = hex.EncodeToString(sum[:])
	s.Dir = dir
	s.applyDefaults()
	s.normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeKnownFields(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty sweep file")
		}
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("multiple YAML documents are not supported")
	} else if !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed after first YAML document: %w", err)
	}
	return nil
}

func (s *Settings) applyDefaults() {
	s.Grid.Kind = strings.ToLower(strings.TrimSpace(s.Grid.Kind))
	if s.Grid.Kind == "" {
		s.Grid.Kind = string(sweep.KindLift)
	}
	setDefault(&s.Keys.Restart, "RESTART_SOL")
	setDefault(&s.Keys.Mach, "MACH_NUMBER")
	if sweep.Kind(s.Grid.Kind) == sweep.KindAoA {
		setDefault(&s.Keys.Target, "AOA")
	} else {
		setDefault(&s.Keys.Target, "TARGET_CL")
	}
	setDefault(&s.Keys.FixedCL, "FIXED_CL_MODE")
	setDefault(&s.Keys.Deflection, "DV_VALUE")
	setDefault(&s.Keys.Mesh, "MESH_FILENAME")
	setDefault(&s.Keys.Reynolds, "REYNOLDS_NUMBER")
	setDefault(&s.Keys.Pressure, "FREESTREAM_PRESSURE")
	setDefault(&s.Keys.Temperature, "FREESTREAM_TEMPERATURE")

	setDefault(&s.MomentColumn, "CMy")
	setDefault(&s.ResultTable, trim.DefaultResultTable)
	setDefault(&s.ResultsDir, "Results")
	setDefault(&s.Aggregate, "Polar_results.csv")
	setDefault(&s.StateDir, ".")
	setDefault(&s.Mesh.DeformedSuffix, "_def")
	if s.WarmStart == nil {
		s.WarmStart = append([]string(nil), sweep.DefaultWarmStart...)
	}
	if len(s.Data) == 0 && s.Mesh.Name != "" {
		s.Data = []string{s.Mesh.Name}
	}

	if s.Trim.Target == nil {
		s.Trim.Target = ptr(0.0)
	}
	if s.Trim.Tolerance == nil {
		s.Trim.Tolerance = ptr(trim.DefaultTolerance)
	}
	if s.Trim.Damping == nil {
		s.Trim.Damping = ptr(trim.DefaultDamping)
	}
	if s.Trim.MaxAttempts == nil {
		s.Trim.MaxAttempts = ptr(trim.DefaultMaxAttempts)
	}
	if s.Trim.ForceBaseline == nil {
		s.Trim.ForceBaseline = ptr(true)
	}
	if s.Trim.Deform == nil {
		s.Trim.Deform = ptr(true)
	}

	deformed := s.Mesh.Deformed()
	defaultStage(&s.Stages.Deform, "deform", "SU2_DEF", "deform.cfg", "deform.log")
	if len(s.Stages.Deform.Inputs) == 0 && s.Mesh.Name != "" {
		s.Stages.Deform.Inputs = []string{filepath.Base(s.Mesh.Name)}
	}
	if len(s.Stages.Deform.Outputs) == 0 && deformed != "" {
		s.Stages.Deform.Outputs = []string{deformed}
	}
	defaultStage(&s.Stages.Solve, "solve", "SU2_CFD", "solve.cfg", "simulation.log")
	if len(s.Stages.Solve.Inputs) == 0 && *s.Trim.Deform && deformed != "" {
		s.Stages.Solve.Inputs = []string{deformed}
	}
	if len(s.Stages.Solve.Outputs) == 0 {
		s.Stages.Solve.Outputs = []string{s.ResultTable}
	}

	setDefault(&s.Logging.Level, "info")
	setDefault(&s.Logging.Format, "console")
}

func defaultStage(st *stage.Stage, name, program, config, log string) {
	setDefault(&st.Name, name)
	if len(st.Command) == 0 {
		st.Command = []string{"mpirun", "-np", stage.PlaceholderParallelism, program, stage.PlaceholderConfig}
	}
	setDefault(&st.Config, config)
	if st.Parallelism == 0 {
		st.Parallelism = 1
	}
	setDefault(&st.LogName, log)
}

func (s *Settings) normalize() {
	s.Templates.Deform = s.resolvePath(s.Templates.Deform)
	s.Templates.Solve = s.resolvePath(s.Templates.Solve)
	for i, p := range s.Data {
		s.Data[i] = s.resolvePath(p)
	}
	s.ResultsDir = s.resolvePath(s.ResultsDir)
	s.Aggregate = s.resolvePath(s.Aggregate)
	s.StateDir = s.resolvePath(s.StateDir)
	if s.Ledger == "" {
		s.Ledger = filepath.Join(s.StateDir, ".trimsweep", ledger.FileName)
	} else {
		s.Ledger = s.resolvePath(s.Ledger)
	}
	s.Logging.File = s.resolvePath(s.Logging.File)
	s.Logging.Level = strings.ToLower(strings.TrimSpace(s.Logging.Level))
	s.Logging.Format = strings.ToLower(strings.TrimSpace(s.Logging.Format))
}

func (s *Settings) resolvePath(p string) string {
	if p == "" || p == "-" {
		return p
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(s.Dir, p)
}

// Validate reports every problem at once.
func (s *Settings) Validate() error {
	var errs []error
	if s.Trim.Sensitivity == nil {
		errs = append(errs, errors.New("trim.sensitivity is required"))
	}
	if deref(s.Trim.Deform, true) && s.Mesh.Name == "" {
		errs = append(errs, errors.New("mesh.name is required when trim.deform is set"))
	}
	switch s.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", s.Logging.Level))
	}
	switch s.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", s.Logging.Format))
	}
	if s.Trim.Sensitivity != nil {
		if err := s.SweepConfig().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Policy returns the trim policy.
func (s *Settings) Policy() trim.Policy {
	var sens float64
	if s.Trim.Sensitivity != nil {
		sens = *s.Trim.Sensitivity
	}
	p := trim.DefaultPolicy(sens)
	p.Target = deref(s.Trim.Target, p.Target)
	p.Tolerance = deref(s.Trim.Tolerance, p.Tolerance)
	p.Damping = deref(s.Trim.Damping, p.Damping)
	p.MaxAttempts = deref(s.Trim.MaxAttempts, p.MaxAttempts)
	p.ForceBaseline = deref(s.Trim.ForceBaseline, true)
	p.InitialControl = s.Trim.InitialControl
	p.Deform = deref(s.Trim.Deform, true)
	return p
}

// SweepConfig resolves the settings into a driver configuration.
func (s *Settings) SweepConfig() sweep.Config {
	cfg := sweep.Config{
		Grid: sweep.Grid{
			Kind:    sweep.Kind(s.Grid.Kind),
			Mach:    append([]float64(nil), s.Grid.Mach...),
			Targets: append([]float64(nil), s.Grid.Targets...),
		},
		Policy:          s.Policy(),
		DeformTemplate:  s.Templates.Deform,
		SolveTemplate:   s.Templates.Solve,
		DeformStage:     s.Stages.Deform.WithConfig(s.Stages.Deform.Config),
		SolveStage:      s.Stages.Solve.WithConfig(s.Stages.Solve.Config),
		DeformOverrides: cfgpatch.Merge(s.Overrides.Deform),
		SolveOverrides:  cfgpatch.Merge(s.Overrides.Solve),
		Keys: sweep.Keys{
			Restart:     s.Keys.Restart,
			Mach:        s.Keys.Mach,
			Target:      s.Keys.Target,
			FixedCL:     s.Keys.FixedCL,
			Deflection:  s.Keys.Deflection,
			Mesh:        s.Keys.Mesh,
			Reynolds:    s.Keys.Reynolds,
			Pressure:    s.Keys.Pressure,
			Temperature: s.Keys.Temperature,
		},
		MomentColumn: s.MomentColumn,
		ResultTable:  s.ResultTable,
		DeformedMesh: s.Mesh.Deformed(),
		Data:         append([]string(nil), s.Data...),
		WarmStart:    append([]string{}, s.WarmStart...),
		ResultsDir:   s.ResultsDir,
		Aggregate:    s.Aggregate,
		StateDir:     s.StateDir,
		Ledger:       s.Ledger,
		SettingsHash: s.Hash,
	}
	if cfg.Ledger == "-" {
		cfg.Ledger = ""
	}
	if a := s.Atmosphere; a != nil {
		cfg.Atmosphere = &sweep.Atmosphere{AltitudeFt: a.AltitudeFt, Length: a.Length}
	}
	return cfg
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

func ptr[T any](v T) *T { return &v }

func deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}
