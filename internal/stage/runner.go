package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Result is the observable outcome of one stage run.
type Result struct {
	Stage    string
	Dir      string
	ExitCode int

	// Produced lists the declared outputs present after the run, sorted.
	Produced []string

	// Missing lists the declared outputs absent after the run, sorted.
	Missing []string

	LogPath  string
	Duration time.Duration
}

// OK reports whether the run satisfied the stage contract.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0 && len(r.Missing) == 0
}

// Runner launches stages. The zero value is usable.
type Runner struct {
	// Env adds variables on top of the host environment. Solvers launched
	// through mpirun need the host PATH and library paths.
	Env map[string]string

	Logger *zap.Logger
}

// NewRunner returns a Runner logging to logger.
func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{Logger: logger}
}

func (r *Runner) logger() *zap.Logger {
	if r == nil || r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run executes st with dir as its working directory and blocks until the
// process exits.
//
// The returned Result is non-nil whenever the declaration was valid. A stage
// failure is reported as a *FailedError; an invalid declaration or a missing
// working directory is reported as a plain error.
func (r *Runner) Run(ctx context.Context, dir string, st Stage) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stage %s: working directory: %w", st.Name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("stage %s: working directory %s is not a directory", st.Name, dir)
	}
	argv, _ := st.Argv()
	log := r.logger().With(zap.String("stage", st.Name), zap.String("dir", dir))

	res := &Result{Stage: st.Name, Dir: dir, ExitCode: -1, LogPath: filepath.Join(dir, st.LogFile())}
	fail := func(cause Cause, missing []string, err error) (*Result, error) {
		fe := &FailedError{Stage: st.Name, Dir: dir, Cause: cause, ExitCode: res.ExitCode, Missing: missing, LogPath: res.LogPath, Err: err}
		log.Warn("stage failed", zap.String("cause", string(cause)), zap.Int("exit_code", res.ExitCode), zap.Strings("missing", missing), zap.Error(err))
		return res, fe
	}

	required := st.Inputs
	if st.Config != "" {
		required = append([]string{st.Config}, st.Inputs...)
	}
	if _, missing := presentArtifacts(dir, required); len(missing) > 0 {
		res.LogPath = ""
		return fail(CauseMissingInput, missing, nil)
	}

	logFile, err := os.Create(res.LogPath)
	if err != nil {
		return fail(CauseLaunch, nil, fmt.Errorf("creating log: %w", err))
	}
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = buildEnv(r.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so an interrupt reaches every MPI rank.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	log.Debug("launching stage", zap.Strings("argv", argv))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fail(CauseLaunch, nil, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		res.Duration = time.Since(start)
		return fail(CauseInterrupted, nil, ctx.Err())
	case err = <-done:
	}
	res.Duration = time.Since(start)

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fail(CauseLaunch, nil, err)
		}
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = 0
	}

	res.Produced, res.Missing = presentArtifacts(dir, st.Outputs)

	if res.ExitCode != 0 {
		return fail(CauseNonzeroExit, nil, nil)
	}
	if len(res.Missing) > 0 {
		return fail(CauseMissingArtifact, res.Missing, nil)
	}
	log.Info("stage completed", zap.Duration("duration", res.Duration), zap.Strings("produced", res.Produced))
	return res, nil
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
