// Package polar maintains the aggregate polar table, one row per swept
// flight condition, and renders it as drag and moment polars.
package polar

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"trimsweep/internal/history"
)

// Columns is the aggregate table header, in order.
var Columns = []string{"CD", "CL", "CMx", "CMy", "CMz", "AoA", "Mach"}

// CoefficientColumns are read from a solver history for every row.
var CoefficientColumns = []string{"CD", "CL", "CMx", "CMy", "CMz"}

// Row is one MeasurementRow.
type Row struct {
	CD, CL, CMx, CMy, CMz float64
	AoA                   float64
	Mach                  float64
}

func (r Row) values() []float64 {
	return []float64{r.CD, r.CL, r.CMx, r.CMy, r.CMz, r.AoA, r.Mach}
}

// FromHistory builds a row from the last line of a solver history table.
// The angle of attack comes from the history when it records one, else from
// aoa.
func FromHistory(path string, mach, aoa float64) (Row, error) {
	vals, err := history.ExtractRow(path, CoefficientColumns, []string{"AoA"})
	if err != nil {
		return Row{}, err
	}
	row := Row{
		CD: vals["CD"], CL: vals["CL"],
		CMx: vals["CMx"], CMy: vals["CMy"], CMz: vals["CMz"],
		AoA: aoa, Mach: mach,
	}
	if v, ok := vals["AoA"]; ok {
		row.AoA = v
	}
	return row, nil
}

// Append adds row to the table at path, writing the header first when the
// file is new or empty.
func Append(path string, row Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening aggregate table: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Columns); err != nil {
			f.Close()
			return err
		}
	}
	rec := make([]string, 0, len(Columns))
	for _, v := range row.values() {
		rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
	}
	if err := w.Write(rec); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads every row of the table at path.
func Load(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty aggregate table", path)
		}
		return nil, err
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[history.NormalizeColumn(h)] = i
	}
	for _, c := range Columns {
		if _, ok := idx[c]; !ok {
			return nil, &history.MissingColumnError{Path: path, Column: c, Available: header}
		}
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		vals := make([]float64, len(Columns))
		for i, c := range Columns {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[idx[c]]), 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: column %s: %w", path, line, c, err)
			}
			vals[i] = v
		}
		rows = append(rows, Row{CD: vals[0], CL: vals[1], CMx: vals[2], CMy: vals[3], CMz: vals[4], AoA: vals[5], Mach: vals[6]})
	}
	return rows, nil
}
