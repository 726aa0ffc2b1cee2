package motion

import (
	"emfit/pkg/accel"
	"emfit/pkg/field"
)

// Options controls a motion fit.
type Options struct {
	// Layout places the tiles whose phases are compared. Its Z dimension
	// is ignored; every frame is compared.
	Layout accel.TileLayout

	// Grid is the resolution of the two motion fields in the finest band.
	// Grid.Z is capped at the number of frames.
	Grid field.Dims

	// Annulus is the frequency range used for alignment, with the
	// pixel-size anisotropy correction.
	Annulus accel.Annulus

	// Bands is the number of nested frequency bands, coarsest first.
	Bands int

	// NuisanceStep is the central-difference step of the magnification,
	// rotation and shear terms.
	NuisanceStep float64

	// Tolerance and MaxIterations bound each band's BFGS run.
	Tolerance     float64
	MaxIterations int
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Layout:        accel.TileLayout{Grid: field.Dims{X: 8, Y: 8, Z: 1}, TileSize: 256, Overlap: 0.5},
		Grid:          field.Dims{X: 5, Y: 5, Z: 10},
		Annulus:       accel.Annulus{Band: accel.Band{Min: 1.0 / 500, Max: 1.0 / 10}},
		Bands:         4,
		NuisanceStep:  0.01,
		Tolerance:     1e-12,
		MaxIterations: 500,
	}
}

// bandDims interpolates the field resolution of band b between 1×1×min(3,frames)
// and the full grid
func (o Options) bandDims(b, frames int) field.Dims {
	full := o.Grid
	if full.Z > frames {
		full.Z = frames
	}
	coarseZ := 3
	if frames < coarseZ {
		coarseZ = frames
	}
	if full.Z < coarseZ {
		coarseZ = full.Z
	}
	if o.Bands <= 1 {
		return full
	}
	step := func(lo, hi int) int {
		return lo + int(float64(hi-lo)*float64(b)/float64(o.Bands-1)+0.5)
	}
	return field.Dims{X: step(1, full.X), Y: step(1, full.Y), Z: step(coarseZ, full.Z)}
}

// bandRadius is the outer radius of band b
func (o Options) bandRadius(b int) float64 {
	band := o.Annulus.Band
	bands := o.Bands
	if bands < 1 {
		bands = 1
	}
	return band.Min + (band.Max-band.Min)*float64(b+1)/float64(bands)
}
