package polar

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"gonum.org/v1/plot/vg/vgsvg"
)

// PlotOptions sizes the figure.
type PlotOptions struct {
	Width  vg.Length
	Height vg.Length
	Title  string
}

func (o PlotOptions) withDefaults() PlotOptions {
	if o.Width <= 0 {
		o.Width = 12 * vg.Inch
	}
	if o.Height <= 0 {
		o.Height = 5 * vg.Inch
	}
	return o
}

// series groups rows by Mach, each sorted by CL.
func series(rows []Row) ([]float64, map[float64][]Row) {
	byMach := make(map[float64][]Row)
	for _, r := range rows {
		byMach[r.Mach] = append(byMach[r.Mach], r)
	}
	machs := make([]float64, 0, len(byMach))
	for m, rs := range byMach {
		machs = append(machs, m)
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].CL < rs[j].CL })
	}
	sort.Float64s(machs)
	return machs, byMach
}

func newPanel(title, x, y string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = x
	p.Y.Label.Text = y
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	return p
}

// Plot draws the drag polar (CL vs CD) and moment polar (CMy vs CL) side by
// side, one line per Mach number, and writes PNG or SVG by the extension of
// path.
func Plot(rows []Row, path string, opts PlotOptions) error {
	if len(rows) == 0 {
		return errors.New("no polar rows to plot")
	}
	opts = opts.withDefaults()

	drag := newPanel("Drag polar", "CD", "CL")
	moment := newPanel("Moment polar", "CL", "CMy")
	if opts.Title != "" {
		drag.Title.Text = opts.Title + ": " + drag.Title.Text
		moment.Title.Text = opts.Title + ": " + moment.Title.Text
	}

	machs, byMach := series(rows)
	var dragLines, momentLines []interface{}
	for _, m := range machs {
		rs := byMach[m]
		dragPts := make(plotter.XYs, len(rs))
		momentPts := make(plotter.XYs, len(rs))
		for i, r := range rs {
			dragPts[i].X, dragPts[i].Y = r.CD, r.CL
			momentPts[i].X, momentPts[i].Y = r.CL, r.CMy
		}
		name := fmt.Sprintf("Mach %.2f", m)
		dragLines = append(dragLines, name, dragPts)
		momentLines = append(momentLines, name, momentPts)
	}
	if err := plotutil.AddLinePoints(drag, dragLines...); err != nil {
		return err
	}
	if err := plotutil.AddLinePoints(moment, momentLines...); err != nil {
		return err
	}

	var c vg.CanvasWriterTo
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".png", "":
		c = vgimg.PngCanvas{Canvas: vgimg.NewWith(vgimg.UseWH(opts.Width, opts.Height), vgimg.UseDPI(150))}
	case ".svg":
		c = vgsvg.New(opts.Width, opts.Height)
	default:
		return fmt.Errorf("unsupported plot format %q (want .png or .svg)", ext)
	}

	dc := draw.New(c)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter * 4, PadY: vg.Millimeter * 2, PadTop: vg.Millimeter * 2, PadBottom: vg.Millimeter * 2, PadLeft: vg.Millimeter * 2, PadRight: vg.Millimeter * 2}
	panels := [][]*plot.Plot{{drag, moment}}
	canvases := plot.Align(panels, tiles, dc)
	for j, p := range panels[0] {
		p.Draw(canvases[0][j])
	}

	return writeCanvas(path, c)
}

func writeCanvas(path string, c io.WriterTo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating plot: %w", err)
	}
	bw := bufio.NewWriter(f)
	if _, err := c.WriteTo(bw); err != nil {
		f.Close()
		return fmt.Errorf("writing plot: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
