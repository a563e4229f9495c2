package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	stateDirName = ".trimsweep"
	runFileName  = "run.json"
	failuresName = "failures"
)

// Store keeps sweep records under:
//
//	<baseDir>/.trimsweep/runs/<run-id>/run.json
//	<baseDir>/.trimsweep/runs/<run-id>/failures/<cell>.json
//
// Every record is written to a synced temp file, renamed into place and the
// directory synced, so a crash leaves either the old or the new record.
type Store struct {
	root string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("recovery: base directory is required")
	}
	return &Store{root: filepath.Join(baseDir, stateDirName, "runs")}, nil
}

// record is implemented by Run and Failure.
type record interface {
	Validate() error
}

func (s *Store) runDir(runID string) string { return filepath.Join(s.root, runID) }

// cellFileName flattens a cell path such as MACH_0_60/CL_0_50.
func cellFileName(cell string) string {
	return strings.ReplaceAll(filepath.ToSlash(cell), "/", "--") + ".json"
}

// ListRunIDs returns the run IDs present on disk, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := readDirIfExists(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SaveRun(run Run) error {
	return saveRecord(s.runDir(run.RunID), runFileName, run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	if strings.TrimSpace(runID) == "" {
		return Run{}, errors.New("recovery: run ID is required")
	}
	return loadRecord[Run](filepath.Join(s.runDir(runID), runFileName))
}

func (s *Store) SaveFailure(runID string, failure Failure) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("recovery: run ID is required")
	}
	return saveRecord(filepath.Join(s.runDir(runID), failuresName), cellFileName(failure.Cell), failure)
}

func (s *Store) LoadFailure(runID, cell string) (Failure, error) {
	if strings.TrimSpace(runID) == "" || strings.TrimSpace(cell) == "" {
		return Failure{}, errors.New("recovery: run ID and cell are required")
	}
	return loadRecord[Failure](filepath.Join(s.runDir(runID), failuresName, cellFileName(cell)))
}

// LoadFailures returns every failure recorded for runID, ordered by file name.
func (s *Store) LoadFailures(runID string) ([]Failure, error) {
	dir := filepath.Join(s.runDir(runID), failuresName)
	entries, err := readDirIfExists(dir)
	if err != nil {
		return nil, err
	}
	var out []Failure
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		f, err := loadRecord[Failure](filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// readDirIfExists treats a missing directory as empty.
func readDirIfExists(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

func saveRecord(dir, name string, rec record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("recovery: invalid %s: %w", name, err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("recovery: marshal %s: %w", name, err)
	}
	if err := mkdirSynced(dir); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := writeSynced(filepath.Join(dir, name), append(data, '\n')); err != nil {
		return fmt.Errorf("recovery: write %s: %w", name, err)
	}
	return nil
}

// loadRecord decodes exactly one JSON value with no unknown fields and
// validates it.
func loadRecord[T record](path string) (T, error) {
	var zero, v T
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return zero, fmt.Errorf("recovery: decode %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return zero, fmt.Errorf("recovery: %s: trailing content", path)
	}
	if err := v.Validate(); err != nil {
		return zero, fmt.Errorf("recovery: invalid record %s: %w", path, err)
	}
	return v, nil
}

func mkdirSynced(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := syncDir(dir); err != nil {
		return err
	}
	return syncDir(filepath.Dir(dir))
}

func writeSynced(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(0o644); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
