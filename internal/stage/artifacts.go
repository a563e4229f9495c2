package stage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
)

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// presentArtifacts splits declared paths into those that exist under dir and
// those that do not. Both results are sorted and deduplicated.
func presentArtifacts(dir string, declared []string) (present, missing []string) {
	seen := make(map[string]struct{}, len(declared))
	for _, p := range declared {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, err := os.Stat(resolve(dir, p)); err != nil {
			missing = append(missing, p)
			continue
		}
		present = append(present, p)
	}
	sort.Strings(present)
	sort.Strings(missing)
	return present, missing
}

// LinkInputs symlinks each source file into dir under its base name and
// returns the linked names. Existing entries are left alone. Sources are
// resolved by the caller; every one must exist.
func LinkInputs(dir string, sources []string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(sources))
	for _, src := range sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("input artifact %s: %w", src, err)
		}
		name := filepath.Base(abs)
		dest := filepath.Join(dir, name)
		if _, err := os.Lstat(dest); err == nil {
			names = append(names, name)
			continue
		}
		if err := os.Symlink(abs, dest); err != nil {
			return nil, fmt.Errorf("linking %s: %w", src, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// MoveArtifacts relocates the named artifacts from fromDir into toDir and
// returns the names that were moved. Names absent from fromDir are skipped.
func MoveArtifacts(fromDir, toDir string, names []string) ([]string, error) {
	if err := os.MkdirAll(toDir, 0o755); err != nil {
		return nil, err
	}
	moved := make([]string, 0, len(names))
	for _, name := range names {
		src := filepath.Join(fromDir, name)
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return moved, err
		}
		dst := filepath.Join(toDir, name)
		if err := os.Rename(src, dst); err != nil {
			if !errors.Is(err, syscall.EXDEV) {
				return moved, fmt.Errorf("moving %s: %w", name, err)
			}
			if err := copyThenRemove(src, dst); err != nil {
				return moved, fmt.Errorf("moving %s across devices: %w", name, err)
			}
		}
		moved = append(moved, name)
	}
	return moved, nil
}

func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
