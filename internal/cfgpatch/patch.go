package cfgpatch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultCommentMarker is the SU2 comment marker.
const DefaultCommentMarker = "%"

// Overrides maps configuration keys to replacement values.
type Overrides map[string]string

// Merge returns a new Overrides holding every entry of sets, later sets winning.
func Merge(sets ...Overrides) Overrides {
	out := make(Overrides)
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// Set assigns key only when key is non-empty. Settings leave optional keys
// empty to disable them.
func (o Overrides) Set(key, value string) {
	if key == "" {
		return
	}
	o[key] = value
}

// Float formats v the way the solver config expects (shortest round-trip).
func Float(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// YesNo formats a boolean flag as YES or NO.
func YesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

type options struct {
	marker []byte
}

// Option tunes parsing.
type Option func(*options)

// WithCommentMarker changes the comment marker (default "%").
func WithCommentMarker(marker string) Option {
	return func(o *options) {
		if marker != "" {
			o.marker = []byte(marker)
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{marker: []byte(DefaultCommentMarker)}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// Apply returns src with every overridden assignment rewritten.
//
// The key text, the whitespace around '=' and the line terminator of a
// rewritten line are kept; only the value text changes.
func Apply(src []byte, overrides Overrides, opts ...Option) []byte {
	out := make([]byte, 0, len(src)+64)
	if len(overrides) == 0 {
		return append(out, src...)
	}
	o := buildOptions(opts)

	rest := src
	for len(rest) > 0 {
		var line []byte
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line, rest = rest[:i+1], rest[i+1:]
		} else {
			line, rest = rest, nil
		}
		out = append(out, rewriteLine(line, overrides, o.marker)...)
	}
	return out
}

func rewriteLine(line []byte, overrides Overrides, marker []byte) []byte {
	body, eol := splitEOL(line)
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.HasPrefix(trimmed, marker) {
		return line
	}
	eq := bytes.IndexByte(body, '=')
	if eq < 0 {
		return line
	}
	value, ok := overrides[string(bytes.TrimSpace(body[:eq]))]
	if !ok {
		return line
	}

	after := body[eq+1:]
	lead := after[:len(after)-len(bytes.TrimLeft(after, " \t"))]

	rewritten := make([]byte, 0, eq+1+len(lead)+len(value)+len(eol))
	rewritten = append(rewritten, body[:eq+1]...)
	rewritten = append(rewritten, lead...)
	rewritten = append(rewritten, value...)
	rewritten = append(rewritten, eol...)
	return rewritten
}

func splitEOL(line []byte) (body, eol []byte) {
	switch {
	case bytes.HasSuffix(line, []byte("\r\n")):
		return line[:len(line)-2], line[len(line)-2:]
	case bytes.HasSuffix(line, []byte("\n")):
		return line[:len(line)-1], line[len(line)-1:]
	default:
		return line, nil
	}
}

// Derive reads templatePath, applies overrides and writes the result to
// destPath atomically. destPath may equal templatePath.
func Derive(templatePath, destPath string, overrides Overrides, opts ...Option) error {
	src, err := os.ReadFile(templatePath)
	if err != nil {
		return &ConfigFormatError{Path: templatePath, Err: err}
	}
	if err := writeFileAtomic(destPath, Apply(src, overrides, opts...)); err != nil {
		return fmt.Errorf("writing derived config %s: %w", destPath, err)
	}
	return nil
}

// Rewrite applies overrides to path in place.
func Rewrite(path string, overrides Overrides, opts ...Option) error {
	return Derive(path, path, overrides, opts...)
}

// Lookup returns the trimmed value of the first assignment to key in path.
func Lookup(path, key string, opts ...Option) (string, bool, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return "", false, &ConfigFormatError{Path: path, Err: err}
	}
	o := buildOptions(opts)
	for _, line := range bytes.Split(src, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || bytes.HasPrefix(trimmed, o.marker) {
			continue
		}
		eq := bytes.IndexByte(trimmed, '=')
		if eq < 0 {
			continue
		}
		if string(bytes.TrimSpace(trimmed[:eq])) == key {
			return string(bytes.TrimSpace(trimmed[eq+1:])), true, nil
		}
	}
	return "", false, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
