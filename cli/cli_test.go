package cli_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "trimsweep/internal/cli"
)

const deformTemplate = `% deformation
DV_VALUE= 0.0
MESH_OUT_FILENAME= mesh_def.su2
`

const solveTemplate = `% flow
MESH_FILENAME= mesh.su2
RESTART_SOL= NO
MACH_NUMBER= 0.5
FIXED_CL_MODE= NO
TARGET_CL= 0.0
`

// solveScript fails at TARGET_CL=0.1 and otherwise writes a history whose
// moment is 0.01 - 0.0406 * DV_VALUE.
const solveScript = `val() { awk -F= -v k="$1" '$1 == k { gsub(/ /, "", $2); print $2 }' "$2" 2>/dev/null; }
t=$(val TARGET_CL solve.cfg)
if [ "$t" = 0.1 ]; then exit 1; fi
dv=$(val DV_VALUE deform.cfg)
awk -v dv="${dv:-0}" -v t="$t" 'BEGIN { printf "\"CD\",\"CL\",\"CMx\",\"CMy\",\"CMz\"\n0.02, %s, 0, %.10f, 0\n", t, 0.01 - 0.0406 * dv }' > history.csv
echo sol > solution.dat
echo meta > flow.meta
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}

// writeProject lays out templates, mesh, solver script and a sweep file with
// the given targets; it returns the sweep file path.
func writeProject(t *testing.T, workDir, targets string) string {
	t.Helper()
	writeFile(t, filepath.Join(workDir, "deform.tmpl"), deformTemplate)
	writeFile(t, filepath.Join(workDir, "solve.tmpl"), solveTemplate)
	writeFile(t, filepath.Join(workDir, "mesh.su2"), "NDIME= 3\n")
	script := filepath.Join(workDir, "solve.sh")
	writeFile(t, script, solveScript)

	sweep := fmt.Sprintf(`templates:
  deform: deform.tmpl
  solve: solve.tmpl
mesh:
  name: mesh.su2
trim:
  sensitivity: -0.0406
  damping: 1
grid:
  mach: [0.6]
  targets: %s
stages:
  deform:
    command: [sh, -c, "cp mesh.su2 mesh_def.su2"]
  solve:
    command: [sh, %q]
logging:
  level: warn
`, targets, script)
	path := filepath.Join(workDir, "sweep.yaml")
	writeFile(t, path, sweep)
	return path
}

func run(t *testing.T, args ...string) (icl.CLIResult, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	res, err := icl.Execute(context.Background(), args, &stdout, &stderr)
	return res, stdout.String(), err
}

func TestDeterministicSweep_IdenticalRunsIdenticalArtifacts(t *testing.T) {
	workDir := t.TempDir()
	sweep := writeProject(t, workDir, "[0, 0.2]")

	res1, out1, err1 := run(t, "run", "-c", sweep)
	if err1 != nil || res1.ExitCode != icl.ExitSuccess {
		t.Fatalf("run1 failed: exit=%d err=%v\n%s", res1.ExitCode, err1, out1)
	}
	agg1 := readFile(t, filepath.Join(workDir, "Polar_results.csv"))
	tracePath := filepath.Join(workDir, "Results", "MACH_0_60", "CL_0_20", "trace.json")
	tr1 := readFile(t, tracePath)

	res2, _, err2 := run(t, "run", "-c", sweep)
	if err2 != nil || res2.ExitCode != icl.ExitSuccess {
		t.Fatalf("run2 failed: exit=%d err=%v", res2.ExitCode, err2)
	}
	agg2 := readFile(t, filepath.Join(workDir, "Polar_results.csv"))
	tr2 := readFile(t, tracePath)

	if !bytes.Equal(agg1, agg2) {
		t.Fatalf("aggregate differs across identical runs\n1=%s\n2=%s", agg1, agg2)
	}
	if !bytes.Equal(tr1, tr2) {
		t.Fatalf("trace differs across identical runs")
	}
	lines := strings.Split(strings.TrimSpace(string(agg1)), "\n")
	if len(lines) != 3 || lines[0] != "CD,CL,CMx,CMy,CMz,AoA,Mach" {
		t.Fatalf("unexpected aggregate:\n%s", agg1)
	}
	if !strings.Contains(out1, "MACH_0_60/CL_0_20") || !strings.Contains(out1, "converged") {
		t.Fatalf("summary missing cell outcome:\n%s", out1)
	}
}

func TestFailedCell_ExitCodeIsStable(t *testing.T) {
	workDir := t.TempDir()
	sweep := writeProject(t, workDir, `"0:0.2:0.1"`)

	res1, out, err := run(t, "run", "-c", sweep)
	res2, _, _ := run(t, "run", "-c", sweep)
	if res1.ExitCode != icl.ExitFailure || res2.ExitCode != icl.ExitFailure {
		t.Fatalf("expected stable cell failure exit code; got %d and %d", res1.ExitCode, res2.ExitCode)
	}
	if err == nil || !strings.Contains(err.Error(), "1 of 3 cells failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "stage-failed") {
		t.Fatalf("summary should show the failed cell:\n%s", out)
	}
	lines := strings.Split(strings.TrimSpace(string(readFile(t, filepath.Join(workDir, "Polar_results.csv")))), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %d lines", len(lines))
	}
}

func TestRecords_LedgerAndStatusAfterRun(t *testing.T) {
	workDir := t.TempDir()
	sweep := writeProject(t, workDir, `"0:0.2:0.1"`)
	if res, _, _ := run(t, "run", "-c", sweep); res.ExitCode != icl.ExitFailure {
		t.Fatalf("expected cell failure, got %d", res.ExitCode)
	}

	db := filepath.Join(workDir, ".trimsweep", "ledger.db")
	res, out, err := run(t, "ledger", db, "--run", "latest")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("ledger failed: exit=%d err=%v", res.ExitCode, err)
	}
	for _, want := range []string{"MACH_0_60/CL_0_00", "MACH_0_60/CL_0_10", "nonzero-exit", "converged"} {
		if !strings.Contains(out, want) {
			t.Fatalf("ledger output missing %q:\n%s", want, out)
		}
	}

	res, out, err = run(t, "ledger", db, "--run", "latest", "--cell", "MACH_0_60/CL_0_20")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("ledger attempts failed: exit=%d err=%v", res.ExitCode, err)
	}
	if strings.Count(out, "\n") != 3 {
		t.Fatalf("expected header and two attempts:\n%s", out)
	}

	res, out, err = run(t, "status", "-c", sweep)
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("status failed: exit=%d err=%v", res.ExitCode, err)
	}
	if !strings.Contains(out, "cells-failed") {
		t.Fatalf("status output missing run status:\n%s", out)
	}
}

func TestInvalidInvocation_DeterministicAndExplainable(t *testing.T) {
	cases := [][]string{
		{"run"},
		{"run", "--no-such-flag"},
		{"frobnicate"},
		{"derive", "only-template"},
		{"derive", "a.tmpl", "b.cfg", "NOEQUALS"},
		{"trim", "-c", "sweep.yaml"},
		{"--log-format", "xml", "extract", "h.csv", "CMy"},
	}
	for _, args := range cases {
		res1, _, err1 := run(t, args...)
		res2, _, err2 := run(t, args...)
		if res1.ExitCode != icl.ExitInvalidInvocation || res2.ExitCode != icl.ExitInvalidInvocation {
			t.Fatalf("%v: expected exit 2, got %d and %d (err=%v)", args, res1.ExitCode, res2.ExitCode, err1)
		}
		if err1 == nil || err2 == nil || err1.Error() != err2.Error() {
			t.Fatalf("%v: expected deterministic error message, got %v and %v", args, err1, err2)
		}
	}
}

func TestConfigErrors_ReturnExit3(t *testing.T) {
	workDir := t.TempDir()
	bad := filepath.Join(workDir, "bad.yaml")
	writeFile(t, bad, "templates: {solve: s.tmpl}\nsolver: SU2\n")

	res, _, err := run(t, "run", "-c", bad)
	if res.ExitCode != icl.ExitConfigError || err == nil {
		t.Fatalf("expected exit %d got %d (err=%v)", icl.ExitConfigError, res.ExitCode, err)
	}

	res, _, err = run(t, "trim", "-c", bad, "--mach", "0.6", "--target", "0")
	if res.ExitCode != icl.ExitConfigError || err == nil {
		t.Fatalf("trim: expected exit %d got %d (err=%v)", icl.ExitConfigError, res.ExitCode, err)
	}

	res, _, err = run(t, "derive", filepath.Join(workDir, "missing.tmpl"), filepath.Join(workDir, "out.cfg"), "RESTART_SOL=YES")
	if res.ExitCode != icl.ExitConfigError || err == nil {
		t.Fatalf("expected exit %d for a missing template, got %d (err=%v)", icl.ExitConfigError, res.ExitCode, err)
	}
}

func TestDerive_OverridesAndInPlace(t *testing.T) {
	workDir := t.TempDir()
	tmpl := filepath.Join(workDir, "solve.tmpl")
	writeFile(t, tmpl, solveTemplate)
	dest := filepath.Join(workDir, "case", "solve.cfg")

	res, _, err := run(t, "derive", tmpl, dest, "RESTART_SOL=YES", "TARGET_CL=0.35", "UNKNOWN_KEY=1")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("derive failed: exit=%d err=%v", res.ExitCode, err)
	}
	got := string(readFile(t, dest))
	want := strings.Replace(strings.Replace(solveTemplate, "RESTART_SOL= NO", "RESTART_SOL= YES", 1), "TARGET_CL= 0.0", "TARGET_CL= 0.35", 1)
	if got != want {
		t.Fatalf("unexpected derived config\nwant=%q\ngot =%q", want, got)
	}
	if string(readFile(t, tmpl)) != solveTemplate {
		t.Fatalf("template must not change")
	}

	res, _, err = run(t, "derive", "--in-place", dest, "RESTART_SOL=NO")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("in-place derive failed: exit=%d err=%v", res.ExitCode, err)
	}
	res, out, err := run(t, "derive", "--show", "RESTART_SOL,TARGET_CL", dest)
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("derive --show failed: exit=%d err=%v", res.ExitCode, err)
	}
	if out != "RESTART_SOL\tNO\nTARGET_CL\t0.35\n" {
		t.Fatalf("unexpected --show output %q", out)
	}
}

func TestExtract_PrintsLastValues(t *testing.T) {
	workDir := t.TempDir()
	table := filepath.Join(workDir, "history.csv")
	writeFile(t, table, "\"Inner_Iter\",  \"CL\"  ,\"CMy\"\n0, 0.1, 0.5\n1, 0.4987, -0.00125\n")

	res, out, err := run(t, "extract", table, "CMy", `"CL"`)
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("extract failed: exit=%d err=%v", res.ExitCode, err)
	}
	if out != "CMy\t-0.00125\nCL\t0.4987\n" {
		t.Fatalf("unexpected output %q", out)
	}

	res, _, err = run(t, "extract", table, "CMz")
	if res.ExitCode != icl.ExitFailure || err == nil || !strings.Contains(err.Error(), "CMz") {
		t.Fatalf("expected missing column failure, got exit=%d err=%v", res.ExitCode, err)
	}
}

func TestConditions_SeaLevel(t *testing.T) {
	res, out, err := run(t, "conditions", "--mach", "0.6", "--altitude", "0", "--length", "1")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("conditions failed: exit=%d err=%v", res.ExitCode, err)
	}
	for _, want := range []string{"temperature", "288.15 K", "reynolds"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	res, _, _ = run(t, "conditions", "--mach", "0.6", "--length", "0")
	if res.ExitCode != icl.ExitInvalidInvocation {
		t.Fatalf("expected exit 2 for a zero length, got %d", res.ExitCode)
	}
}

func TestPlot_WritesImage(t *testing.T) {
	workDir := t.TempDir()
	agg := filepath.Join(workDir, "Polar_results.csv")
	writeFile(t, agg, "CD,CL,CMx,CMy,CMz,AoA,Mach\n0.02,0,0,0.0001,0,0,0.6\n0.025,0.3,0,0.0002,0,2,0.6\n0.03,0.3,0,-0.0001,0,2.5,0.7\n")
	out := filepath.Join(workDir, "plots", "polar.svg")

	res, _, err := run(t, "plot", agg, "-o", out, "--title", "wing")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("plot failed: exit=%d err=%v", res.ExitCode, err)
	}
	if !bytes.Contains(readFile(t, out), []byte("<svg")) {
		t.Fatalf("expected an svg document")
	}
}
