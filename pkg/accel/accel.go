// Package accel is the numeric backend behind the fitting orchestrators:
// spectrum assembly, CTF scoring, rotational averaging and the phase kernels
// used for motion estimation.
//
// The orchestrators depend only on the Accelerator interface. CPU is the
// implementation shipped with the module; it runs the kernels on the host
// with one fork-join worker per tile, bound to an explicit Device.
package accel

import (
	"fmt"
	"math"

	"emfit/internal/models"
	"emfit/pkg/ctf"
	"emfit/pkg/curve"
	"emfit/pkg/field"
)

// Spectrum holds power values on a PolarGrid, angle-major
type Spectrum []float64

// PolarGrid is the (radius, angle) sampling shared by all spectra of a set
type PolarGrid struct {
	// Radii are the sampled spatial frequencies in 1/Å
	Radii []float64

	// Angles are the sampled directions in radians, in [0, π)
	Angles []float64
}

// NewPolarGrid samples nRadii frequencies from 0 to nyquist (1/Å) and
// nAngles directions over half a turn
func NewPolarGrid(nRadii, nAngles int, nyquist float64) *PolarGrid {
	g := &PolarGrid{
		Radii:  make([]float64, nRadii),
		Angles: make([]float64, nAngles),
	}
	for i := range g.Radii {
		g.Radii[i] = nyquist * float64(i) / float64(max(1, nRadii-1))
	}
	for i := range g.Angles {
		g.Angles[i] = math.Pi * float64(i) / float64(nAngles)
	}
	return g
}

// Len returns the number of grid points
func (g *PolarGrid) Len() int {
	return len(g.Radii) * len(g.Angles)
}

// Point returns grid point i
func (g *PolarGrid) Point(i int) ctf.Polar {
	nr := len(g.Radii)
	return ctf.Polar{R: g.Radii[i%nr], Angle: g.Angles[i/nr]}
}

// Indices returns the grid points whose radius lies within the band
func (g *PolarGrid) Indices(b Band) []int {
	var idx []int
	for a := range g.Angles {
		for r, radius := range g.Radii {
			if b.Contains(radius) {
				idx = append(idx, a*len(g.Radii)+r)
			}
		}
	}
	return idx
}

// Band is a range of spatial frequencies in 1/Å
type Band struct {
	Min, Max float64
}

// Contains reports whether f lies in the band
func (b Band) Contains(f float64) bool {
	return f >= b.Min && f <= b.Max
}

// Bins divides a frequency band into Count equal bins for rotational averaging
type Bins struct {
	Band
	Count int
}

// Center returns the center frequency of bin i
func (b Bins) Center(i int) float64 {
	w := (b.Max - b.Min) / float64(b.Count)
	return b.Min + (float64(i)+0.5)*w
}

// Index returns the bin holding f, or -1 outside the band
func (b Bins) Index(f float64) int {
	if !b.Contains(f) || b.Count < 1 {
		return -1
	}
	i := int((f - b.Min) / (b.Max - b.Min) * float64(b.Count))
	if i >= b.Count {
		i = b.Count - 1
	}
	return i
}

// TileLayout describes how a stack is cut into overlapping square tiles and
// frame groups
type TileLayout struct {
	// Grid is the number of tiles along X and Y and of frame groups along Z
	Grid field.Dims

	// TileSize is the edge length of a tile in pixels
	TileSize int

	// Overlap is the fraction of a tile shared with its neighbor
	Overlap float64
}

// Tiles places the layout on a stack. Tiles are ordered with X fastest,
// then Y, then frame group, matching field.Dims.Index.
func (l TileLayout) Tiles(width, height, frames int) ([]models.Tile, error) {
	if !l.Grid.Valid() || l.TileSize < 2 || l.TileSize > width || l.TileSize > height || frames < l.Grid.Z {
		return nil, fmt.Errorf("tiling %dx%dx%d frames with %v tiles of %d px: %w",
			width, height, frames, l.Grid, l.TileSize, models.ErrDimensionMismatch)
	}
	origins := func(n, extent int) []int {
		o := make([]int, n)
		if n == 1 {
			o[0] = (extent - l.TileSize) / 2
			return o
		}
		for i := range o {
			o[i] = int(math.Round(float64(i) * float64(extent-l.TileSize) / float64(n-1)))
		}
		return o
	}
	xs := origins(l.Grid.X, width)
	ys := origins(l.Grid.Y, height)

	tiles := make([]models.Tile, 0, l.Grid.Elements())
	for z := 0; z < l.Grid.Z; z++ {
		start := z * frames / l.Grid.Z
		end := (z + 1) * frames / l.Grid.Z
		t := 0.5
		if l.Grid.Z > 1 {
			t = float64(z) / float64(l.Grid.Z-1)
		}
		for y := 0; y < l.Grid.Y; y++ {
			for x := 0; x < l.Grid.X; x++ {
				tiles = append(tiles, models.Tile{
					X:          xs[x],
					Y:          ys[y],
					FrameStart: start,
					FrameEnd:   end,
					Coord: models.Coord{
						X: (float64(xs[x]) + float64(l.TileSize)/2) / float64(width),
						Y: (float64(ys[y]) + float64(l.TileSize)/2) / float64(height),
						Z: t,
					},
				})
			}
		}
	}
	return tiles, nil
}

// SpectraSet is the output of CreateSpectra: one power spectrum per tile and
// their mean, all on the same polar grid
type SpectraSet struct {
	Grid  *PolarGrid
	Tiles []Spectrum
	Mean  Spectrum

	// Coords are the normalized tile centers, one per spectrum
	Coords []models.Coord

	// Layout is the tiling the spectra were computed on
	Layout TileLayout

	// PixelSize is the nominal pixel size in Å
	PixelSize float64
}

// Profile returns the angular mean of the mean spectrum at every radius
// inside the band
func (s *SpectraSet) Profile(b Band) []curve.Point {
	nr := len(s.Grid.Radii)
	var points []curve.Point
	for r, radius := range s.Grid.Radii {
		if !b.Contains(radius) {
			continue
		}
		sum := 0.0
		for a := range s.Grid.Angles {
			sum += s.Mean[a*nr+r]
		}
		points = append(points, curve.Point{X: radius, Y: sum / float64(len(s.Grid.Angles))})
	}
	return points
}

// SearchRanges bounds the coarse defocus and phase search of FitMeanCTF
type SearchRanges struct {
	// DefocusMin, DefocusMax and DefocusStep are in µm
	DefocusMin, DefocusMax, DefocusStep float64

	// PhaseMin, PhaseMax and PhaseStep are in rad. A zero step keeps the
	// start parameters' phase shift.
	PhaseMin, PhaseMax, PhaseStep float64

	// Band restricts the frequencies that are compared
	Band Band
}

// Annulus selects the Fourier samples used for motion estimation
type Annulus struct {
	// Band is the frequency range in 1/Å
	Band Band

	// PixelSize, PixelSizeDelta (Å) and PixelSizeAngle (deg) describe the
	// anisotropic pixel, so the annulus is round in physical frequency
	PixelSize      float64
	PixelSizeDelta float64
	PixelSizeAngle float64
}

// Frequency is a Fourier sample position in cycles per pixel
type Frequency struct {
	X, Y float64
}

// Shift is a displacement in pixels
type Shift struct {
	X, Y float64
}

// PhaseTiles holds complex Fourier samples for every tile position and
// frame, restricted to an annulus and sorted by ascending frequency. A
// band of the data is a prefix of the frequency list.
type PhaseTiles struct {
	// Positions are the normalized tile centers; only X and Y are used
	Positions []models.Coord

	// Times are the normalized time coordinates of the frames
	Times []float64

	// Frequencies are the sample positions, ascending in physical frequency
	Frequencies []Frequency

	// Radii are the physical frequencies of the samples in 1/Å
	Radii []float64

	// Weights holds one weight per frequency
	Weights []float64

	// Data is indexed ((position*frames)+frame)*len(Frequencies)+k
	Data []complex128
}

// NFrames returns the number of frames
func (p *PhaseTiles) NFrames() int {
	return len(p.Times)
}

// NPositions returns the number of tile positions
func (p *PhaseTiles) NPositions() int {
	return len(p.Positions)
}

// At returns the Fourier sample k of a position and frame
func (p *PhaseTiles) At(position, frame, k int) complex128 {
	return p.Data[(position*len(p.Times)+frame)*len(p.Frequencies)+k]
}

// BandSize returns how many samples have a frequency up to maxRadius
func (p *PhaseTiles) BandSize(maxRadius float64) int {
	n := 0
	for n < len(p.Radii) && p.Radii[n] <= maxRadius {
		n++
	}
	return n
}

// Accelerator is the contract between the fitting orchestrators and the
// numeric backend. Implementations are bound to one Device. Gradient
// evaluations call into the accelerator from several goroutines at once, so
// methods must be safe for concurrent use.
type Accelerator interface {
	// Device returns the device the accelerator runs on
	Device() *Device

	// CreateSpectra computes per-tile power spectra and their mean on a polar grid
	CreateSpectra(stack *models.Stack, layout TileLayout) (*SpectraSet, error)

	// FitMeanCTF searches defocus and phase shift, and with doAstigmatism
	// the astigmatism, that best explain a background-free spectrum
	FitMeanCTF(mean Spectrum, grid *PolarGrid, start ctf.Parameters, ranges SearchRanges, doAstigmatism bool) (ctf.Parameters, error)

	// CompareToSimulated returns, per spectrum, the correlation between the
	// spectrum and the squared CTF of the matching trial parameters
	CompareToSimulated(spectra []Spectrum, grid *PolarGrid, band Band, trials []ctf.Parameters) ([]float64, error)

	// RotationalAverage averages the included spectra into a 1D profile on
	// target's frequency axis, mapping each point through its tile's CTF
	RotationalAverage(spectra []Spectrum, grid *PolarGrid, perTile []ctf.Parameters, target ctf.Parameters, bins Bins, include []bool) ([]curve.Point, error)

	// SubtractBackground subtracts background(r) from every spectrum
	SubtractBackground(spectra []Spectrum, grid *PolarGrid, background *curve.Curve) []Spectrum

	// Normalize divides by scale(r), if given, and standardizes every
	// spectrum to zero mean and unit variance inside the band
	Normalize(spectra []Spectrum, grid *PolarGrid, scale *curve.Curve, band Band) []Spectrum

	// CreatePhaseTiles extracts the Fourier samples inside the annulus for
	// every tile position and frame
	CreatePhaseTiles(stack *models.Stack, layout TileLayout, mask Annulus) (*PhaseTiles, error)

	// PhaseAverage returns, per position and frequency of the band's first
	// n samples, the sum over frames of the unit phasors after undoing shifts
	PhaseAverage(tiles *PhaseTiles, shifts []Shift, n int) ([]complex128, error)

	// PhaseDiff returns, per position, the weighted mean disagreement
	// between the frames' aligned phases and their average, in [0, 1]
	PhaseDiff(tiles *PhaseTiles, shifts []Shift, n int) ([]float64, error)

	// PhaseGrad returns the derivative of PhaseDiff's position value with
	// respect to every per-frame shift
	PhaseGrad(tiles *PhaseTiles, shifts []Shift, n int) ([]Shift, error)
}
