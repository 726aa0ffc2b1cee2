// Package motion estimates beam-induced motion as two smooth fields,
// displacement along X and Y in pixels, over space and time.
//
// The frames' Fourier phases are compared inside an annulus that is split
// into nested frequency bands. Each band refines the fields found by the
// previous one at a higher resolution, so low frequencies, which tolerate
// large displacements, set up the high-frequency solve.
package motion

import (
	"fmt"

	"emfit/internal/models"
	"emfit/pkg/accel"
	"emfit/pkg/field"
	"emfit/pkg/optim"
)

// ProgressCallback is a function that reports progress during a fit.
type ProgressCallback func(completed, total int, message string)

// Nuisance is a global deformation that grows linearly in time: uniform
// magnification, rotation and shear of the tile positions.
type Nuisance struct {
	Magnification float64 `yaml:"magnification"`
	Rotation      float64 `yaml:"rotation"`
	Shear         float64 `yaml:"shear"`
}

// At returns the displacement in pixels the deformation adds at a coordinate.
func (n Nuisance) At(c models.Coord) accel.Shift {
	u := 2 * (c.X - 0.5)
	v := 2 * (c.Y - 0.5)
	t := 2 * (c.Z - 0.5)
	return accel.Shift{
		X: t * ((n.Magnification+n.Shear)*u - n.Rotation*v),
		Y: t * (n.Rotation*u + (n.Magnification-n.Shear)*v),
	}
}

// Result is the outcome of a successful motion fit.
type Result struct {
	// X and Y are the displacement fields in pixels, with the nuisance
	// folded in.
	X, Y *field.Field

	// Nuisance is the deformation found in the finest band.
	Nuisance Nuisance

	// Score is the final mean phase disagreement, 0 for perfect alignment.
	Score float64
}

// Fitter runs motion fits on one accelerator.
type Fitter struct {
	acc      accel.Accelerator
	opts     Options
	progress ProgressCallback
}

// NewFitter creates a new motion fitter.
//
// Parameters:
//   - acc: The accelerator that extracts phases and evaluates shifts
//   - opts: The fit options; Grid sets the final field resolution
//
// Returns:
//   - A fitter ready to run any number of fits, one at a time
func NewFitter(acc accel.Accelerator, opts Options) *Fitter {
	return &Fitter{acc: acc, opts: opts}
}

// SetProgressCallback sets a callback that is told about every band.
func (f *Fitter) SetProgressCallback(callback ProgressCallback) {
	f.progress = callback
}

func (f *Fitter) report(completed int, message string) {
	if f.progress != nil {
		f.progress(completed, f.opts.Bands, message)
	}
}

// Fit extracts the phase tiles of a stack and fits them.
func (f *Fitter) Fit(stack *models.Stack) (*Result, error) {
	tiles, err := f.acc.CreatePhaseTiles(stack, f.opts.Layout, f.opts.Annulus)
	if err != nil {
		return nil, fmt.Errorf("extracting phases: %w", err)
	}
	return f.FitPhases(tiles)
}

// FitPhases fits the motion fields to precomputed phase tiles.
//
// The frequency annulus is split into bands that are solved coarse to fine:
// band b uses the samples up to its radius and a field grid interpolated
// between 1×1×3 and Grid, seeded by the previous band's solution.
//
// Parameters:
//   - tiles: Fourier samples of every tile position and frame
//
// Returns:
//   - Motion fields with zero mean over time at every position, plus the
//     fitted nuisance folded into them
//   - An error if there are fewer than two frames or no positions
func (f *Fitter) FitPhases(tiles *accel.PhaseTiles) (*Result, error) {
	frames := tiles.NFrames()
	if frames < 2 || tiles.NPositions() == 0 {
		return nil, fmt.Errorf("motion needs 2 frames and a position, got %d and %d: %w",
			frames, tiles.NPositions(), models.ErrDimensionMismatch)
	}
	if f.opts.Bands < 1 || !f.opts.Grid.Valid() {
		return nil, fmt.Errorf("%d bands over a %v grid: %w", f.opts.Bands, f.opts.Grid, models.ErrDimensionMismatch)
	}

	// Start from no motion on the coarsest grid
	coords := sampleCoords(tiles)
	dims := f.opts.bandDims(0, frames)
	fx := field.NewConstant(dims, 0)
	fy := field.NewConstant(dims, 0)
	var nuisance Nuisance
	score := 0.0

	for b := 0; b < f.opts.Bands; b++ {
		n := tiles.BandSize(f.opts.bandRadius(b))
		if n == 0 {
			f.report(b+1, fmt.Sprintf("Band %d is empty", b+1))
		} else {
			f.report(b, fmt.Sprintf("Band %d of %d: %v field, %d samples", b+1, f.opts.Bands, fx.Dims(), n))

			var err error
			fx, fy, nuisance, score, err = f.fitBand(tiles, coords, n, fx, fy, nuisance)
			if err != nil {
				return nil, fmt.Errorf("band %d: %w", b+1, err)
			}
		}

		// An empty band still advances the resolution, so the last band
		// always solves on the requested grid
		if b+1 < f.opts.Bands {
			next := f.opts.bandDims(b+1, frames)
			fx, fy = fx.Resize(next), fy.Resize(next)
		}
	}

	// Fold the nuisance into the fields and remove the unobservable offsets
	fx, fy = fold(fx, fy, nuisance)
	fx = centerTrajectory(fx.CenterOverTime(tiles.Times), coords)
	fy = centerTrajectory(fy.CenterOverTime(tiles.Times), coords)
	f.report(f.opts.Bands, "")

	return &Result{X: fx, Y: fy, Nuisance: nuisance, Score: score}, nil
}

// fitBand runs BFGS over both fields and the nuisance using the first n
// samples of every tile, then centers each position's motion over time.
//
// Returns:
//   - the updated fields and nuisance, and the final phase disagreement
func (f *Fitter) fitBand(tiles *accel.PhaseTiles, coords []models.Coord, n int,
	fx, fy *field.Field, nuisance Nuisance) (*field.Field, *field.Field, Nuisance, float64, error) {
	p := &bandProblem{
		acc:     f.acc,
		tiles:   tiles,
		n:       n,
		coords:  coords,
		weights: fx.ComputeWiggleWeightsAt(coords),
		control: fx.Len(),
		step:    f.opts.NuisanceStep,
	}
	x := p.encode(fx, fy, nuisance)
	res, err := optim.MinimizeBFGS(p.objective, p.gradient, x, p.settings(f.opts))
	if err != nil {
		return nil, nil, Nuisance{}, 0, err
	}
	fx, fy, nuisance, err = p.decode(fx, res.X)
	if err != nil {
		return nil, nil, Nuisance{}, 0, err
	}
	return fx.CenterOverTime(tiles.Times), fy.CenterOverTime(tiles.Times), nuisance, res.F, nil
}

// sampleCoords lists the (position, time) coordinate of every shift, in
// the order the accelerator expects them
func sampleCoords(tiles *accel.PhaseTiles) []models.Coord {
	coords := make([]models.Coord, 0, tiles.NPositions()*tiles.NFrames())
	for _, pos := range tiles.Positions {
		for _, t := range tiles.Times {
			coords = append(coords, models.Coord{X: pos.X, Y: pos.Y, Z: t})
		}
	}
	return coords
}

// fold adds the nuisance deformation to the fields' control values
func fold(fx, fy *field.Field, n Nuisance) (*field.Field, *field.Field) {
	vx, vy := fx.Values(), fy.Values()
	for i := range vx {
		d := n.At(fx.ControlCoord(i))
		vx[i] += d.X
		vy[i] += d.Y
	}
	outX, _ := fx.WithValues(vx)
	outY, _ := fy.WithValues(vy)
	return outX, outY
}

// centerTrajectory shifts a field so the mean over frames of its spatially
// averaged trajectory is zero
func centerTrajectory(f *field.Field, coords []models.Coord) *field.Field {
	values := f.EvaluateAt(coords)
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return f.Shift(-sum / float64(len(values)))
}
