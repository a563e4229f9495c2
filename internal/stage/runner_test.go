package stage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shStage(name, script string, outputs ...string) Stage {
	return Stage{Name: name, Command: []string{"sh", "-c", script}, Outputs: outputs}
}

func TestArgv_SubstitutesPlaceholders(t *testing.T) {
	st := Stage{
		Name:        "solve",
		Command:     []string{"mpirun", "-np", "{np}", "SU2_CFD", "{config}"},
		Config:      "modified_solve.cfg",
		Parallelism: 96,
	}
	argv, err := st.Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{"mpirun", "-np", "96", "SU2_CFD", "modified_solve.cfg"}, argv)
	assert.Equal(t, "solve.log", st.LogFile())

	_, err = Stage{Name: "x"}.Argv()
	assert.Error(t, err)
	assert.Error(t, Stage{Command: []string{"true"}}.Validate())
	assert.Error(t, Stage{Name: "x", Command: []string{"true"}, Parallelism: -1}.Validate())
}

func TestRun_SuccessRecordsProducedOutputsAndLog(t *testing.T) {
	dir := t.TempDir()
	st := shStage("solve", "echo converging; echo oops >&2; echo x > history.csv; echo y > solution.dat", "history.csv", "solution.dat")

	res, err := NewRunner(nil).Run(context.Background(), dir, st)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"history.csv", "solution.dat"}, res.Produced)
	assert.Empty(t, res.Missing)

	logData, err := os.ReadFile(filepath.Join(dir, "solve.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "converging")
	assert.Contains(t, string(logData), "oops", "stderr is captured into the same log")
}

func TestRun_RunsInsideWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	st := shStage("pwd", "pwd -P > where.txt", "where.txt")

	_, err := NewRunner(nil).Run(context.Background(), dir, st)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "where.txt"))
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	gotPath, err := filepath.EvalSymlinks(strings.TrimSpace(string(got)))
	require.NoError(t, err)
	assert.Equal(t, want, gotPath)
}

func TestRun_ExitZeroWithoutDeclaredOutputIsMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	st := shStage("solve", "echo only-history > history.csv", "history.csv", "solution.dat")

	res, err := NewRunner(nil).Run(context.Background(), dir, st)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.OK())

	assert.True(t, errors.Is(err, ErrStageFailed))
	assert.Equal(t, CauseMissingArtifact, CauseOf(err))
	var fe *FailedError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []string{"solution.dat"}, fe.Missing)
	assert.Contains(t, err.Error(), "solution.dat")
}

func TestRun_NonzeroExitIsDistinctFromMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	st := shStage("deform", "echo x > mesh_def.su2; exit 3", "mesh_def.su2")

	res, err := NewRunner(nil).Run(context.Background(), dir, st)
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, CauseNonzeroExit, CauseOf(err))
	assert.True(t, errors.Is(err, ErrStageFailed))
	assert.Contains(t, err.Error(), "exit code 3")
}

func TestRun_MissingInputNeverLaunches(t *testing.T) {
	dir := t.TempDir()
	st := shStage("solve", "touch launched", "launched")
	st.Config = "modified_solve.cfg"
	st.Inputs = []string{"mesh_def.su2"}

	_, err := NewRunner(nil).Run(context.Background(), dir, st)
	require.Error(t, err)
	assert.Equal(t, CauseMissingInput, CauseOf(err))
	var fe *FailedError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []string{"mesh_def.su2", "modified_solve.cfg"}, fe.Missing)

	_, statErr := os.Stat(filepath.Join(dir, "launched"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_UnknownProgramIsLaunchFailure(t *testing.T) {
	dir := t.TempDir()
	st := Stage{Name: "solve", Command: []string{"definitely-not-a-solver-binary-xyz"}}

	_, err := NewRunner(nil).Run(context.Background(), dir, st)
	require.Error(t, err)
	assert.Equal(t, CauseLaunch, CauseOf(err))
}

func TestRun_MissingWorkingDirectoryIsPlainError(t *testing.T) {
	_, err := NewRunner(nil).Run(context.Background(), filepath.Join(t.TempDir(), "nope"), shStage("x", "true"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStageFailed))
}

func TestRun_ContextCancelKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	st := shStage("solve", "sleep 30 & sleep 30; touch finished", "finished")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewRunner(nil).Run(ctx, dir, st)
	require.Error(t, err)
	assert.Equal(t, CauseInterrupted, CauseOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_ExtraEnvIsVisible(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{Env: map[string]string{"TRIM_CASE": "crm"}}
	_, err := r.Run(context.Background(), dir, shStage("env", `echo "$TRIM_CASE" > case.txt`, "case.txt"))
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "case.txt"))
	require.NoError(t, err)
	assert.Equal(t, "crm\n", string(got))
}
