// Package history reads scalar results out of solver history tables.
//
// Solver versions disagree on header quoting ("CMy", CMy, "  CMy  "), so
// column names are always normalized before lookup.
package history

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// Table is a loaded result table.
type Table struct {
	Path    string
	Columns []string
	Rows    [][]string

	index map[string]int
}

// Row is a set of named scalars taken from one table row.
type Row map[string]float64

// NormalizeColumn trims surrounding whitespace and quote characters.
func NormalizeColumn(name string) string {
	return strings.Trim(name, " \t\r\n\"'")
}

// Load parses the table at path.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &MissingArtifactError{Path: path, Err: err}
		}
		return nil, err
	}
	defer f.Close()
	return parse(path, f)
}

func parse(path string, r io.Reader) (*Table, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var t *Table
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := splitFields(text)
		if t == nil {
			t = &Table{Path: path, Columns: make([]string, len(fields)), index: make(map[string]int, len(fields))}
			for i, h := range fields {
				name := NormalizeColumn(h)
				t.Columns[i] = name
				if _, dup := t.index[name]; !dup {
					t.index[name] = i
				}
			}
			continue
		}
		t.Rows = append(t.Rows, fields)
	}
	if err := sc.Err(); err != nil {
		return nil, malformedf(path, "line %d: %v", line+1, err)
	}
	if t == nil {
		return nil, malformedf(path, "empty table")
	}
	return t, nil
}

// splitFields splits a history line on commas. Solver headers pad quoted
// names with spaces ("  \"CMy\"  "), which RFC 4180 readers reject, and no
// solver column name or value contains a comma.
func splitFields(line string) []string {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

// Has reports whether column is present.
func (t *Table) Has(column string) bool {
	_, ok := t.index[NormalizeColumn(column)]
	return ok
}

// Last returns the value of column in the last row.
func (t *Table) Last(column string) (float64, error) {
	col := NormalizeColumn(column)
	idx, ok := t.index[col]
	if !ok {
		return 0, &MissingColumnError{Path: t.Path, Column: col, Available: t.Columns}
	}
	if len(t.Rows) == 0 {
		return 0, errors.Join(ErrNoRows, malformedf(t.Path, "header only"))
	}
	row := t.Rows[len(t.Rows)-1]
	if idx >= len(row) {
		return 0, malformedf(t.Path, "last row has %d fields, %q is field %d", len(row), col, idx+1)
	}
	raw := strings.Trim(strings.TrimSpace(row[idx]), "\"'")
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, malformedf(t.Path, "column %q: %v", col, err)
	}
	return v, nil
}

// Extract returns the last recorded value of column in the table at path.
func Extract(path, column string) (float64, error) {
	t, err := Load(path)
	if err != nil {
		return 0, err
	}
	return t.Last(column)
}

// ExtractRow returns the last-row values of the required columns plus any
// optional columns the table happens to carry.
func ExtractRow(path string, required, optional []string) (Row, error) {
	t, err := Load(path)
	if err != nil {
		return nil, err
	}
	row := make(Row, len(required)+len(optional))
	for _, c := range required {
		v, err := t.Last(c)
		if err != nil {
			return nil, err
		}
		row[NormalizeColumn(c)] = v
	}
	for _, c := range optional {
		if !t.Has(c) {
			continue
		}
		v, err := t.Last(c)
		if err != nil {
			return nil, err
		}
		row[NormalizeColumn(c)] = v
	}
	return row, nil
}
