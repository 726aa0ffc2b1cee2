// Package ctffit estimates the contrast transfer function of a movie or
// tilt, optionally with defocus varying smoothly over space and time.
//
// The fit runs in stages:
//  1. Spectra: the accelerator computes per-tile and mean power spectra.
//  2. Initial background: a smooth curve is fitted to the raw profile.
//  3. Coarse search over defocus (and phase) on the mean spectrum, followed
//     by background and envelope refits.
//  4. BFGS refinement of the defocus field, astigmatism and phase against
//     every tile's spectrum.
//  5. Outlier rejection and a second, tighter refinement.
//  6. Final profile extraction with a background-free profile.
package ctffit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"emfit/internal/models"
	"emfit/pkg/accel"
	"emfit/pkg/ctf"
	"emfit/pkg/curve"
	"emfit/pkg/field"
)

// ProgressCallback is a function that reports progress during a fit.
type ProgressCallback func(completed, total int, message string)

const totalStages = 6

// Result is the outcome of a successful fit.
type Result struct {
	// Params are the fitted parameters; Defocus is the mean over the
	// included tiles.
	Params ctf.Parameters

	// Defocus is the fitted defocus field in µm.
	Defocus *field.Field

	// Background is flattened to zero, since Profile has it subtracted.
	Background *curve.Curve

	// Scale is the envelope of the CTF oscillations.
	Scale *curve.Curve

	// Profile is the background-free rotational average.
	Profile []curve.Point

	// Scores are the final per-tile correlations.
	Scores []float64

	// Include flags the tiles that survived outlier rejection.
	Include []bool
}

// Fitter runs CTF fits on one accelerator.
type Fitter struct {
	acc      accel.Accelerator
	opts     Options
	progress ProgressCallback
}

// NewFitter creates a new CTF fitter.
//
// Parameters:
//   - acc: The accelerator that computes spectra and per-tile scores
//   - opts: The fit options, usually DefaultOptions with the optics filled in
//
// Returns:
//   - A fitter ready to run any number of fits, one at a time
func NewFitter(acc accel.Accelerator, opts Options) *Fitter {
	return &Fitter{acc: acc, opts: opts}
}

// SetProgressCallback sets a callback that is told about every stage.
func (f *Fitter) SetProgressCallback(callback ProgressCallback) {
	f.progress = callback
}

func (f *Fitter) report(stage int, message string) {
	if f.progress != nil {
		f.progress(stage, totalStages, message)
	}
}

// Fit computes spectra from the stack and fits them.
func (f *Fitter) Fit(stack *models.Stack) (*Result, error) {
	f.report(0, "Computing spectra")
	set, err := f.acc.CreateSpectra(stack, f.opts.Layout)
	if err != nil {
		return nil, fmt.Errorf("computing spectra: %w", err)
	}
	return f.FitSpectra(set)
}

// FitSpectra fits precomputed spectra. The set's coords place every tile in
// the defocus field. Progress is reported at every stage.
//
// Parameters:
//   - set: Per-tile power spectra with their normalized coordinates
//
// Returns:
//   - The fitted parameters, defocus field, profile and per-tile scores
//   - An error if the set is inconsistent or a stage fails
func (f *Fitter) FitSpectra(set *accel.SpectraSet) (*Result, error) {
	if len(set.Tiles) == 0 || len(set.Coords) != len(set.Tiles) {
		return nil, fmt.Errorf("%d spectra with %d coordinates: %w", len(set.Tiles), len(set.Coords), models.ErrDimensionMismatch)
	}
	s := &session{acc: f.acc, opts: f.opts, set: set}
	s.params = f.opts.Start
	if set.PixelSize > 0 {
		s.params.PixelSize = set.PixelSize
	}

	// Step 1: Model the background of the mean spectrum
	f.report(1, "Fitting initial background")
	if err := s.initialBackground(); err != nil {
		return nil, err
	}

	// Step 2: Grid search on the mean spectrum
	f.report(2, "Searching defocus")
	if err := s.coarseSearch(); err != nil {
		return nil, err
	}

	// Step 3: Refine against every tile
	f.report(3, "Refining parameters")
	if err := s.refine(f.opts.Tolerance); err != nil {
		return nil, err
	}

	// Step 4: Drop poorly scoring tiles and refine the rest
	f.report(4, "Rejecting outliers")
	excluded, err := s.rejectOutliers()
	if err != nil {
		return nil, err
	}
	if excluded > 0 {
		f.report(4, fmt.Sprintf("Excluded %d tiles, refining again", excluded))
		if err := s.refine(f.opts.OutlierTolerance); err != nil {
			return nil, err
		}
	}

	// Step 5: Final background-free profile
	f.report(5, "Extracting profile")
	if err := s.finalProfile(); err != nil {
		return nil, err
	}

	scores, err := s.scores(s.x, 0)
	if err != nil {
		return nil, err
	}
	f.report(totalStages, "")

	return &Result{
		Params:     s.params,
		Defocus:    s.defocus,
		Background: s.background,
		Scale:      s.scale,
		Profile:    s.profile,
		Scores:     scores,
		Include:    s.include,
	}, nil
}

// session is the state of one fit, mutated stage by stage
type session struct {
	acc  accel.Accelerator
	opts Options
	set  *accel.SpectraSet

	params     ctf.Parameters
	background *curve.Curve
	scale      *curve.Curve
	profile    []curve.Point

	defocus *field.Field
	weights [][]float64
	include []bool

	// normalized are the tile spectra with background and scale removed
	normalized []accel.Spectrum

	// x is the current refinement vector
	x []float64
}

func (s *session) initialBackground() error {
	profile := s.set.Profile(s.opts.Band)
	bg, err := curve.Fit(profile, s.opts.BackgroundKnots)
	if err != nil {
		return fmt.Errorf("fitting initial background: %w", err)
	}
	s.profile = profile
	s.background = bg
	return nil
}

// searchMean runs the accelerator's search on the mean spectrum with the
// current background and, if known, scale removed
func (s *session) searchMean(ranges accel.SearchRanges) error {
	grid := s.set.Grid
	sub := s.acc.SubtractBackground([]accel.Spectrum{s.set.Mean}, grid, s.background)
	norm := s.acc.Normalize(sub, grid, s.scale, s.opts.Band)
	params, err := s.acc.FitMeanCTF(norm[0], grid, s.params, ranges, s.opts.DoAstigmatism)
	if err != nil {
		return fmt.Errorf("searching defocus: %w", err)
	}
	s.params = params
	return nil
}

// unenveloped returns the squared CTF without envelope or scale, the shape
// the background and scale curves are fitted against
func unenveloped(p ctf.Parameters) func(float64) float64 {
	p.Bfactor = 0
	p.Scale = 1
	model := ctf.NewModel(p)
	return func(x float64) float64 {
		return model.Evaluate1D(x, true)
	}
}

// fitEnvelope averages the included tiles around target and refits the
// background and scale curves
func (s *session) fitEnvelope(perTile []ctf.Parameters, target ctf.Parameters) error {
	profile, err := s.acc.RotationalAverage(s.set.Tiles, s.set.Grid, perTile, target, s.opts.bins(), s.include)
	if err != nil {
		return fmt.Errorf("averaging spectra: %w", err)
	}
	model := ctf.NewModel(target)
	bg, scale, err := curve.FitCTFEnvelope(profile, unenveloped(target), model.FindZeros(), model.FindPeaks())
	if err != nil {
		return fmt.Errorf("fitting envelope: %w", err)
	}
	s.profile, s.background, s.scale = profile, bg, scale
	return nil
}

func (s *session) uniformParams() []ctf.Parameters {
	perTile := make([]ctf.Parameters, len(s.set.Tiles))
	for i := range perTile {
		perTile[i] = s.params
	}
	return perTile
}

func (s *session) coarseSearch() error {
	if err := s.searchMean(s.opts.searchRanges()); err != nil {
		return err
	}
	for pass := 0; pass < s.opts.RefinementPasses; pass++ {
		if err := s.fitEnvelope(s.uniformParams(), s.params); err != nil {
			return fmt.Errorf("refinement pass %d: %w", pass+1, err)
		}
		if err := s.searchMean(s.opts.narrowed(s.params.Defocus)); err != nil {
			return fmt.Errorf("refinement pass %d: %w", pass+1, err)
		}
	}

	if s.scale == nil {
		if err := s.fitEnvelope(s.uniformParams(), s.params); err != nil {
			return err
		}
	}
	grid := s.set.Grid
	sub := s.acc.SubtractBackground(s.set.Tiles, grid, s.background)
	s.normalized = s.acc.Normalize(sub, grid, s.scale, s.opts.Band)

	s.defocus = field.NewConstant(s.opts.DefocusGrid, s.params.Defocus)
	s.weights = s.defocus.ComputeWiggleWeightsAt(s.set.Coords)
	s.include = make([]bool, len(s.set.Tiles))
	for i := range s.include {
		s.include[i] = true
	}
	s.x = s.encode()
	return nil
}

// rejectOutliers excludes tiles scoring below mean − OutlierSigma·stddev of
// the included tiles and returns how many were excluded
func (s *session) rejectOutliers() (int, error) {
	scores, err := s.scores(s.x, 0)
	if err != nil {
		return 0, err
	}
	return excludeBelow(scores, s.include, s.opts.OutlierSigma), nil
}

// excludeBelow clears include for every included score below
// mean − sigma·stddev of the included scores.
//
// Scores whose spread is lost in rounding are left alone, and at least one
// tile always stays included.
//
// Returns:
//   - the number of tiles newly excluded
func excludeBelow(scores []float64, include []bool, sigma float64) int {
	var included []float64
	for i, sc := range scores {
		if include[i] {
			included = append(included, sc)
		}
	}
	if len(included) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(included, nil)
	if std <= 1e-12*math.Max(1, math.Abs(mean)) {
		return 0
	}
	threshold := mean - sigma*std

	// The best tile is never below the mean, but sigma may be negative
	best := floats.Max(included)
	excluded := 0
	for i, sc := range scores {
		if include[i] && sc < threshold && sc < best {
			include[i] = false
			excluded++
		}
	}
	return excluded
}

func (s *session) finalProfile() error {
	for it := 0; it < s.opts.FinalIterations; it++ {
		perTile := s.trials(s.x, 0)
		target := s.params
		target.Defocus = s.meanDefocus(perTile)
		if err := s.fitEnvelope(perTile, target); err != nil {
			return fmt.Errorf("final profile iteration %d: %w", it+1, err)
		}
		s.params = target
	}

	free := make([]curve.Point, len(s.profile))
	for i, p := range s.profile {
		free[i] = curve.Point{X: p.X, Y: p.Y - s.background.Interp(p.X)}
	}
	s.profile = free
	s.background = s.background.Flattened()
	return nil
}

// meanDefocus averages the defocus of the included tiles
func (s *session) meanDefocus(perTile []ctf.Parameters) float64 {
	sum, n := 0.0, 0
	for i, p := range perTile {
		if s.include[i] {
			sum += p.Defocus
			n++
		}
	}
	if n == 0 {
		return s.params.Defocus
	}
	return sum / float64(n)
}
