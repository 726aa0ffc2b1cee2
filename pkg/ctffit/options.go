package ctffit

import (
	"math"

	"emfit/pkg/accel"
	"emfit/pkg/ctf"
	"emfit/pkg/field"
)

// Options controls a CTF fit.
type Options struct {
	// Start holds the fixed microscope parameters (pixel size, voltage, Cs,
	// amplitude contrast) and the starting point of the search.
	Start ctf.Parameters

	// Layout is the tiling used to compute spectra from a stack.
	Layout accel.TileLayout

	// DefocusGrid is the resolution of the defocus field. 1×1×1 fits a
	// single global defocus.
	DefocusGrid field.Dims

	// Band is the frequency range in 1/Å used for every comparison.
	Band accel.Band

	// Search bounds the coarse defocus and phase search. Its band is
	// replaced by Band.
	Search accel.SearchRanges

	// DoAstigmatism and DoPhase add the astigmatism and the phase shift to
	// the fitted parameters.
	DoAstigmatism bool
	DoPhase       bool

	// BackgroundKnots is the number of knots of the initial background curve.
	BackgroundKnots int

	// ProfileBins is the number of bins of the rotational average.
	ProfileBins int

	// RefinementPasses is the number of background refits during the coarse search.
	RefinementPasses int

	// RefinementWindow narrows the defocus search around the previous
	// estimate on each refinement pass, in µm.
	RefinementWindow float64

	// FinalIterations is the number of rotational average and background
	// refits after the optimization.
	FinalIterations int

	// OutlierSigma excludes tiles scoring below mean − OutlierSigma·stddev.
	OutlierSigma float64

	// DefocusStep, AstigmatismStep (µm) and PhaseStep (rad) are the
	// central-difference steps of the refinement gradient.
	DefocusStep     float64
	AstigmatismStep float64
	PhaseStep       float64

	// Tolerance stops the refinement once an iteration improves the score
	// by less; OutlierTolerance is used for the re-run after exclusion.
	Tolerance        float64
	OutlierTolerance float64

	// MaxIterations bounds each BFGS run.
	MaxIterations int
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Start:       ctf.DefaultParameters(),
		Layout:      accel.TileLayout{Grid: field.Dims{X: 5, Y: 5, Z: 1}, TileSize: 512, Overlap: 0.5},
		DefocusGrid: field.Dims{X: 1, Y: 1, Z: 1},
		Band:        accel.Band{Min: 1.0 / 40, Max: 1.0 / 4},
		Search: accel.SearchRanges{
			DefocusMin:  0.3,
			DefocusMax:  6,
			DefocusStep: 0.02,
			PhaseMin:    0,
			PhaseMax:    math.Pi - 0.05,
			PhaseStep:   0.05,
		},
		BackgroundKnots:  6,
		ProfileBins:      128,
		RefinementPasses: 2,
		RefinementWindow: 0.5,
		FinalIterations:  3,
		OutlierSigma:     0.75,
		DefocusStep:      0.005,
		AstigmatismStep:  0.005,
		PhaseStep:        0.005,
		Tolerance:        1e-5,
		OutlierTolerance: 1e-7,
		MaxIterations:    100,
	}
}

// searchRanges returns the coarse search ranges for the requested parameters
func (o Options) searchRanges() accel.SearchRanges {
	r := o.Search
	r.Band = o.Band
	if !o.DoPhase {
		r.PhaseStep = 0
	}
	return r
}

// narrowed restricts the defocus search to RefinementWindow around defocus
func (o Options) narrowed(defocus float64) accel.SearchRanges {
	r := o.searchRanges()
	r.DefocusMin = math.Max(r.DefocusMin, defocus-o.RefinementWindow)
	r.DefocusMax = math.Min(r.DefocusMax, defocus+o.RefinementWindow)
	if r.DefocusStep > 0 {
		r.DefocusStep /= 2
	}
	return r
}

func (o Options) bins() accel.Bins {
	return accel.Bins{Band: o.Band, Count: o.ProfileBins}
}
