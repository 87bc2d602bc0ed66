package runner

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/calcerr"
	"github.com/mattjoyce/calcflow/internal/config"
	"github.com/mattjoyce/calcflow/internal/fileutil"
	"github.com/mattjoyce/calcflow/internal/geomio"
	"github.com/mattjoyce/calcflow/internal/optimize"
	"github.com/mattjoyce/calcflow/internal/workspace"
)

// Files written into the first image's scratch directory by RunPathOpt.
const (
	PathTrajectoryFile = "neb.traj"
	PathLogFile        = "neb.log"
)

// PathOptions configures a nudged elastic band optimization.
type PathOptions struct {
	Fmax            float64 // eV/Å
	MaxSteps        int
	Optimizer       string // defaults to fire
	OptimizerParams config.Params
	// Spring is the band's spring constant in eV/Å².
	Spring float64
	// Interpolate inserts this many linearly interpolated images when only
	// the two end points are given.
	Interpolate int
	// Climb turns the highest interior image into a climbing image.
	Climb            bool
	CopyFiles        fileutil.Manifest
	CheckConvergence bool
	ResultsDir       string
}

// PathResult is the outcome of RunPathOpt. Images includes both end points
// and carries the final energies and forces.
type PathResult struct {
	Images          []*atoms.Structure
	Energies        []float64
	Barrier         float64 // highest image energy minus the first image's
	Highest         int     // index of the highest-energy image
	Trajectory      []TrajectoryStep
	Steps           int
	Converged       bool
	Fmax            float64
	Optimizer       string
	OptimizerParams map[string]any
	ResultsDir      string
	ImageDirs       []string // per-image results directories
}

// RunPathOpt relaxes a band of images between two fixed end points. Each
// image runs in its own scratch directory, archived under
// <ResultsDir>/imageNN. Only interior images move. The stopping rule and
// convergence error follow RunOpt, measured on the band forces.
func (r *Runner) RunPathOpt(ctx context.Context, images []*atoms.Structure, opts PathOptions) (result *PathResult, err error) {
	if opts.Fmax <= 0 {
		opts.Fmax = 0.01
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 1000
	}
	if opts.Spring <= 0 {
		opts.Spring = 0.1
	}
	if opts.Optimizer == "" {
		opts.Optimizer = optimize.NameFIRE
	}
	band, err := buildBand(images, opts.Interpolate)
	if err != nil {
		return nil, err
	}
	for i, img := range band {
		if img.Calculator() == nil {
			return nil, fmt.Errorf("image %d: %w", i, calcerr.ErrNoCalculator)
		}
	}
	opt, err := optimize.New(opts.Optimizer, opts.OptimizerParams)
	if err != nil {
		return nil, err
	}

	root := resultsDir(opts.ResultsDir)
	dirs := make([]*workspace.RunDir, 0, len(band))
	defer func() {
		for _, rd := range dirs {
			r.finish(ctx, rd, &err)
		}
	}()
	for i := range band {
		rd, serr := r.ws.Stage(ctx, filepath.Join(root, imageDir(i)), opts.CopyFiles)
		if serr != nil {
			return nil, fmt.Errorf("image %d: %w", i, serr)
		}
		dirs = append(dirs, rd)
	}

	calc := band[0].Calculator()
	first := dirs[0]
	logger := r.logger.With("calculator", calc.Name(), "optimizer", opt.Name(), "images", len(band))
	logger.Info("starting path optimization", "formula", band[0].Formula(), "fmax", opts.Fmax,
		"max_steps", opts.MaxSteps, "climb", opts.Climb)

	traj, err := geomio.NewTrajectoryWriter(filepath.Join(first.ScratchDir, PathTrajectoryFile))
	if err != nil {
		return nil, r.failed(calc, first, err)
	}
	defer traj.Close()
	pathLog, err := newOptLog(filepath.Join(first.ScratchDir, PathLogFile), opt.Name())
	if err != nil {
		return nil, r.failed(calc, first, err)
	}
	defer pathLog.Close()

	params := opt.Parameters()
	params["spring"] = opts.Spring
	params["climb"] = opts.Climb
	params["nimages"] = len(band)
	result = &PathResult{
		Images:          band,
		Energies:        make([]float64, len(band)),
		Optimizer:       opt.Name(),
		OptimizerParams: params,
		ResultsDir:      root,
	}
	for _, rd := range dirs {
		result.ImageDirs = append(result.ImageDirs, rd.ResultsDir)
	}
	props := []atoms.Property{atoms.PropEnergy, atoms.PropForces}
	forces := make([]*mat.Dense, len(band))

	evaluate := func(i int) error {
		img := band[i]
		res, err := img.Calculator().Calculate(ctx, dirs[i].ScratchDir, img, props)
		if err != nil {
			return r.failed(img.Calculator(), dirs[i], fmt.Errorf("image %d: %w", i, err))
		}
		img.SetResults(res)
		e, ok := res.Energy()
		f, fok := res.Forces()
		if !ok || !fok {
			return r.failed(img.Calculator(), dirs[i], fmt.Errorf("image %d: calculator returned no energy or forces", i))
		}
		result.Energies[i] = e
		forces[i] = f
		return nil
	}

	// end points are evaluated once and never move
	for _, i := range []int{0, len(band) - 1} {
		if err := evaluate(i); err != nil {
			return result, err
		}
	}

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return result, r.failed(calc, first, err)
		}
		for i := 1; i < len(band)-1; i++ {
			if err := evaluate(i); err != nil {
				return result, fmt.Errorf("step %d: %w", step, err)
			}
		}

		neb := bandForces(band, result.Energies, forces, opts.Spring, opts.Climb)
		fmax := atoms.MaxForce(neb)
		result.Highest = floats.MaxIdx(result.Energies)
		result.Barrier = result.Energies[result.Highest] - result.Energies[0]

		for _, img := range band {
			if err := traj.Append(img); err != nil {
				return result, r.failed(calc, first, err)
			}
		}
		top := result.Energies[result.Highest]
		pathLog.step(step, top, fmax)
		result.Trajectory = append(result.Trajectory, TrajectoryStep{Step: step, Energy: top, Fmax: fmax})
		result.Steps = step
		result.Fmax = fmax
		logger.Debug("path step", "step", step, "barrier", result.Barrier, "fmax", fmax)

		if fmax <= opts.Fmax {
			result.Converged = true
			break
		}
		if step >= opts.MaxSteps {
			break
		}
		next, err := opt.Step(interiorPositions(band), neb)
		if err != nil {
			return result, r.failed(calc, first, fmt.Errorf("step %d: %w", step, err))
		}
		if err := setInterior(band, next); err != nil {
			return result, r.failed(calc, first, err)
		}
	}

	logger.Info("path optimization finished", "steps", result.Steps, "converged", result.Converged,
		"barrier", result.Barrier, "fmax", result.Fmax)
	if !result.Converged && opts.CheckConvergence {
		return result, &calcerr.ConvergenceError{
			Dir:    root,
			Steps:  result.Steps,
			Fmax:   result.Fmax,
			Reason: fmt.Sprintf("band reached max_steps=%d above fmax=%g", opts.MaxSteps, opts.Fmax),
		}
	}
	return result, nil
}

func imageDir(i int) string { return fmt.Sprintf("image%02d", i) }

// buildBand copies the images, interpolating between two end points when
// asked. Every image must carry the same species in the same order.
func buildBand(images []*atoms.Structure, interpolate int) ([]*atoms.Structure, error) {
	if len(images) < 2 {
		return nil, fmt.Errorf("path optimization needs at least two images, got %d", len(images))
	}
	if interpolate < 0 {
		return nil, fmt.Errorf("interpolate must not be negative")
	}
	for i, img := range images[1:] {
		if !images[0].SameSpecies(img) {
			return nil, fmt.Errorf("image %d: %w", i+1, &calcerr.IntegrityError{
				File: "band", Want: images[0].Symbols, Got: img.Symbols,
			})
		}
	}
	if interpolate > 0 && len(images) != 2 {
		return nil, fmt.Errorf("interpolation needs exactly two end points, got %d images", len(images))
	}

	var band []*atoms.Structure
	if interpolate == 0 {
		for _, img := range images {
			band = append(band, img.Copy())
		}
	} else {
		a, b := images[0], images[1]
		band = append(band, a.Copy())
		for k := 1; k <= interpolate; k++ {
			band = append(band, lerp(a, b, float64(k)/float64(interpolate+1)))
		}
		band = append(band, b.Copy())
	}
	if len(band) < 3 {
		return nil, fmt.Errorf("path optimization needs at least one interior image")
	}
	return band, nil
}

// lerp returns a copy of a moved fraction t of the way to b. Cells are
// interpolated too when both images have one.
func lerp(a, b *atoms.Structure, t float64) *atoms.Structure {
	out := a.Copy()
	var pos mat.Dense
	pos.Sub(b.Positions, a.Positions)
	pos.Scale(t, &pos)
	pos.Add(&pos, a.Positions)
	out.Positions = &pos
	if a.Cell != nil && b.Cell != nil {
		var cell mat.Dense
		cell.Sub(b.Cell, a.Cell)
		cell.Scale(t, &cell)
		cell.Add(&cell, a.Cell)
		out.SetCell(&cell, a.PBC)
	}
	if calc := a.Calculator(); calc != nil {
		out.SetCalculator(calc)
	}
	return out
}

// bandForces returns the nudged forces on the interior images, stacked in
// band order. Tangents use the energy-weighted upwind scheme; the climbing
// image feels its true force with the parallel part inverted and no spring.
func bandForces(band []*atoms.Structure, energies []float64, forces []*mat.Dense, k float64, climb bool) *mat.Dense {
	n := band[0].Len()
	m := len(band) - 2
	out := mat.NewDense(m*n, 3, nil)

	climber := -1
	if climb {
		climber = 1 + floats.MaxIdx(energies[1:len(energies)-1])
	}

	for i := 1; i <= m; i++ {
		prev := flatten(band[i-1].Positions)
		cur := flatten(band[i].Positions)
		next := flatten(band[i+1].Positions)
		fwd := make([]float64, len(cur))
		bwd := make([]float64, len(cur))
		floats.SubTo(fwd, next, cur)
		floats.SubTo(bwd, cur, prev)

		tangent := upwindTangent(fwd, bwd, energies[i-1], energies[i], energies[i+1])
		f := flatten(forces[i])
		par := floats.Dot(f, tangent)

		nudged := make([]float64, len(f))
		if i == climber {
			floats.AddScaledTo(nudged, f, -2*par, tangent)
		} else {
			floats.AddScaledTo(nudged, f, -par, tangent)
			spring := k * (floats.Norm(fwd, 2) - floats.Norm(bwd, 2))
			floats.AddScaled(nudged, spring, tangent)
		}
		for a := 0; a < n; a++ {
			out.SetRow((i-1)*n+a, nudged[3*a:3*a+3])
		}
	}
	return out
}

func upwindTangent(fwd, bwd []float64, ePrev, e, eNext float64) []float64 {
	tangent := make([]float64, len(fwd))
	switch {
	case eNext > e && e > ePrev:
		copy(tangent, fwd)
	case eNext < e && e < ePrev:
		copy(tangent, bwd)
	default:
		dMax := math.Max(math.Abs(eNext-e), math.Abs(ePrev-e))
		dMin := math.Min(math.Abs(eNext-e), math.Abs(ePrev-e))
		if eNext > ePrev {
			floats.AddScaledTo(tangent, tangent, dMax, fwd)
			floats.AddScaled(tangent, dMin, bwd)
		} else {
			floats.AddScaledTo(tangent, tangent, dMin, fwd)
			floats.AddScaled(tangent, dMax, bwd)
		}
	}
	if norm := floats.Norm(tangent, 2); norm > 0 {
		floats.Scale(1/norm, tangent)
	}
	return tangent
}

func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}

func interiorPositions(band []*atoms.Structure) *mat.Dense {
	n := band[0].Len()
	out := mat.NewDense((len(band)-2)*n, 3, nil)
	for i := 1; i < len(band)-1; i++ {
		out.Slice((i-1)*n, i*n, 0, 3).(*mat.Dense).Copy(band[i].Positions)
	}
	return out
}

func setInterior(band []*atoms.Structure, p *mat.Dense) error {
	n := band[0].Len()
	for i := 1; i < len(band)-1; i++ {
		if err := band[i].SetPositions(mat.DenseCopyOf(p.Slice((i-1)*n, i*n, 0, 3))); err != nil {
			return fmt.Errorf("image %d: %w", i, err)
		}
	}
	return nil
}
