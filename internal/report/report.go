// Package report renders optimization trajectories.
package report

import (
	"fmt"
	"image/color"
	"io"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/fileutil"
	"github.com/mattjoyce/calcflow/internal/geomio"
)

// Point is one optimizer step.
type Point struct {
	Step   int
	Energy float64 // eV
	Fmax   float64 // eV/Å, 0 when the frame has no forces
}

// FromFrames extracts energies from trajectory frames. Every frame must
// carry an energy.
func FromFrames(frames []*atoms.Structure) ([]Point, error) {
	points := make([]Point, 0, len(frames))
	for i, f := range frames {
		res := f.Results()
		e, ok := res.Energy()
		if !ok {
			return nil, fmt.Errorf("frame %d has no energy", i)
		}
		p := Point{Step: i, Energy: e}
		if forces, ok := res.Forces(); ok {
			p.Fmax = atoms.MaxForce(forces)
		}
		points = append(points, p)
	}
	return points, nil
}

// ReadTrajectory reads an extended XYZ trajectory such as opt.traj or
// opt.traj.gz.
func ReadTrajectory(path string) ([]Point, error) {
	frames, err := geomio.Read(path)
	if err != nil {
		return nil, err
	}
	return FromFrames(frames)
}

// PlotEnergies draws energy against step and saves it to path. The image
// format follows the extension (png, svg, pdf, jpg).
func PlotEnergies(points []Point, title, path string) error {
	p, err := energyPlot(points, title)
	if err != nil {
		return err
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}

// WriteEnergies renders the plot in format to w.
func WriteEnergies(w io.Writer, points []Point, title, format string) error {
	p, err := energyPlot(points, title)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// FormatFor returns the plot format implied by path, ignoring any
// compression suffix.
func FormatFor(path string) string {
	name, _ := fileutil.SplitCompression(filepath.Base(path))
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

func energyPlot(points []Point, title string) (*plot.Plot, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("no points to plot")
	}
	xys := make(plotter.XYs, len(points))
	for i, pt := range points {
		xys[i].X = float64(pt.Step)
		xys[i].Y = pt.Energy
	}

	p := plot.New()
	p.Title.Text = title
	p.Title.Padding = 3 * vg.Millimeter
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Energy (eV)"
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(xys)
	if err != nil {
		return nil, fmt.Errorf("energy line: %w", err)
	}
	line.LineStyle.Width = vg.Points(1)
	line.LineStyle.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}

	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, fmt.Errorf("energy points: %w", err)
	}
	scatter.GlyphStyle.Radius = vg.Points(2)
	scatter.GlyphStyle.Color = line.LineStyle.Color

	p.Add(line, scatter)
	return p, nil
}
