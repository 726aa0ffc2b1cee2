package accel

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"emfit/internal/models"
)

// AnnulusSamples lists the half-plane DFT indices of a size×size tile inside
// the annulus, sorted by physical frequency
func AnnulusSamples(size int, mask Annulus) ([]Frequency, []float64) {
	type sample struct {
		k Frequency
		r float64
	}
	var samples []sample
	half := size / 2
	for ky := 0; ky < half; ky++ {
		for kx := -half + 1; kx < half; kx++ {
			if ky == 0 && kx <= 0 {
				continue
			}
			theta := math.Atan2(float64(ky), float64(kx))
			pixel := mask.PixelSize + mask.PixelSizeDelta/2*math.Cos(2*(theta-mask.PixelSizeAngle*math.Pi/180))
			r := math.Hypot(float64(kx), float64(ky)) / float64(size) / pixel
			if !mask.Band.Contains(r) {
				continue
			}
			samples = append(samples, sample{
				k: Frequency{X: float64(kx) / float64(size), Y: float64(ky) / float64(size)},
				r: r,
			})
		}
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].r < samples[j].r })

	freqs := make([]Frequency, len(samples))
	radii := make([]float64, len(samples))
	for i, s := range samples {
		freqs[i], radii[i] = s.k, s.r
	}
	return freqs, radii
}

// FrameTimes returns the normalized time coordinate of every frame
func FrameTimes(frames int) []float64 {
	times := make([]float64, frames)
	for i := range times {
		times[i] = 0.5
		if frames > 1 {
			times[i] = float64(i) / float64(frames-1)
		}
	}
	return times
}

// CreatePhaseTiles transforms every tile of every frame and keeps the
// coefficients inside the annulus. The layout's Z dimension is ignored;
// every frame gets its own time coordinate.
func (c *CPU) CreatePhaseTiles(stack *models.Stack, layout TileLayout, mask Annulus) (*PhaseTiles, error) {
	if err := stack.Validate(); err != nil {
		return nil, err
	}
	if mask.PixelSize <= 0 {
		mask.PixelSize = stack.PixelSize
	}
	if mask.PixelSize <= 0 {
		return nil, fmt.Errorf("phase tiles of %q need a pixel size: %w", stack.Name, models.ErrDimensionMismatch)
	}

	spatial := layout
	spatial.Grid.Z = 1
	tiles, err := spatial.Tiles(stack.Width, stack.Height, stack.NFrames())
	if err != nil {
		return nil, err
	}

	size := layout.TileSize
	freqs, radii := AnnulusSamples(size, mask)
	if len(freqs) == 0 {
		return nil, fmt.Errorf("annulus %v holds no samples for %d px tiles: %w", mask.Band, size, models.ErrDimensionMismatch)
	}

	frames := stack.NFrames()
	out := &PhaseTiles{
		Positions:   make([]models.Coord, len(tiles)),
		Times:       FrameTimes(frames),
		Frequencies: freqs,
		Radii:       radii,
		Weights:     make([]float64, len(freqs)),
		Data:        make([]complex128, len(tiles)*frames*len(freqs)),
	}
	for k := range out.Weights {
		out.Weights[k] = 1
	}

	indices := make([]int, len(freqs))
	for k, f := range freqs {
		kx := int(math.Round(f.X * float64(size)))
		ky := int(math.Round(f.Y * float64(size)))
		indices[k] = ky*size + (kx+size)%size
	}

	errs := make([]error, len(tiles))
	c.forEach(len(tiles), func(p int) {
		tile := tiles[p]
		out.Positions[p] = models.Coord{X: tile.Coord.X, Y: tile.Coord.Y}

		staging := NewBuffer(c.device, size*size)
		defer staging.Release()
		transform := newFFT2D(size)

		for f := 0; f < frames; f++ {
			err := staging.WithHostView(ReadWrite, func(data []float64) {
				cropInto(data, stack, f, tile.X, tile.Y, size)
			})
			if err == nil {
				err = staging.WithDeviceView(ReadOnly, func(data []float64) {
					spectrum := transform.Transform(data)
					base := (p*frames + f) * len(freqs)
					for k, idx := range indices {
						out.Data[base+k] = spectrum[idx]
					}
				})
			}
			if err != nil {
				errs[p] = err
				return
			}
		}
	})
	if err := firstError(errs); err != nil {
		return nil, fmt.Errorf("creating phase tiles of %q: %w", stack.Name, err)
	}
	return out, nil
}

func checkPhaseArgs(tiles *PhaseTiles, shifts []Shift, n int) error {
	expected := tiles.NPositions() * tiles.NFrames()
	if len(shifts) != expected {
		return fmt.Errorf("%d shifts for %d positions × %d frames: %w",
			len(shifts), tiles.NPositions(), tiles.NFrames(), models.ErrDimensionMismatch)
	}
	if n < 1 || n > len(tiles.Frequencies) {
		return fmt.Errorf("band of %d samples out of %d: %w", n, len(tiles.Frequencies), models.ErrDimensionMismatch)
	}
	if len(tiles.Weights) != len(tiles.Frequencies) {
		return fmt.Errorf("%d weights for %d frequencies: %w", len(tiles.Weights), len(tiles.Frequencies), models.ErrDimensionMismatch)
	}
	return nil
}

// aligned returns the unit phasor of sample k after undoing the shift
func aligned(tiles *PhaseTiles, p, f, k int, s Shift) complex128 {
	v := tiles.At(p, f, k)
	a := cmplx.Abs(v)
	if a == 0 {
		return 0
	}
	fr := tiles.Frequencies[k]
	phase := 2 * math.Pi * (fr.X*s.X + fr.Y*s.Y)
	return v / complex(a, 0) * cmplx.Exp(complex(0, phase))
}

// averages computes the phasor sums of one position
func averages(tiles *PhaseTiles, shifts []Shift, p, n int) []complex128 {
	frames := tiles.NFrames()
	sums := make([]complex128, n)
	for f := 0; f < frames; f++ {
		s := shifts[p*frames+f]
		for k := 0; k < n; k++ {
			sums[k] += aligned(tiles, p, f, k, s)
		}
	}
	return sums
}

func weightSum(tiles *PhaseTiles, n int) float64 {
	sum := 0.0
	for _, w := range tiles.Weights[:n] {
		sum += w
	}
	return sum
}

// PhaseAverage returns the per-position phasor sums over frames for the
// first n frequencies, indexed position*n+k
func (c *CPU) PhaseAverage(tiles *PhaseTiles, shifts []Shift, n int) ([]complex128, error) {
	if err := checkPhaseArgs(tiles, shifts, n); err != nil {
		return nil, err
	}
	out := make([]complex128, tiles.NPositions()*n)
	c.forEach(tiles.NPositions(), func(p int) {
		copy(out[p*n:(p+1)*n], averages(tiles, shifts, p, n))
	})
	return out, nil
}

// PhaseDiff returns, per position, Σ_k w_k(N − |S_k|) / (N·Σw), where S_k is
// the sum over the N frames of the aligned unit phasors. It is 0 when every
// frame agrees and approaches 1 for random phases.
func (c *CPU) PhaseDiff(tiles *PhaseTiles, shifts []Shift, n int) ([]float64, error) {
	if err := checkPhaseArgs(tiles, shifts, n); err != nil {
		return nil, err
	}
	frames := float64(tiles.NFrames())
	norm := frames * weightSum(tiles, n)
	out := make([]float64, tiles.NPositions())
	c.forEach(tiles.NPositions(), func(p int) {
		sum := 0.0
		for k, s := range averages(tiles, shifts, p, n) {
			sum += tiles.Weights[k] * (frames - cmplx.Abs(s))
		}
		out[p] = sum / norm
	})
	return out, nil
}

// PhaseGrad returns the derivative of every position's PhaseDiff value with
// respect to the X and Y shift of each of its frames, indexed like shifts
func (c *CPU) PhaseGrad(tiles *PhaseTiles, shifts []Shift, n int) ([]Shift, error) {
	if err := checkPhaseArgs(tiles, shifts, n); err != nil {
		return nil, err
	}
	frames := tiles.NFrames()
	norm := float64(frames) * weightSum(tiles, n)
	out := make([]Shift, len(shifts))
	c.forEach(tiles.NPositions(), func(p int) {
		sums := averages(tiles, shifts, p, n)
		directions := make([]complex128, n)
		for k, s := range sums {
			if a := cmplx.Abs(s); a > 1e-12 {
				directions[k] = cmplx.Conj(s) / complex(a, 0)
			}
		}
		for f := 0; f < frames; f++ {
			i := p*frames + f
			gx, gy := 0.0, 0.0
			for k := 0; k < n; k++ {
				g := imag(directions[k] * aligned(tiles, p, f, k, shifts[i]))
				fr := tiles.Frequencies[k]
				gx += tiles.Weights[k] * fr.X * g
				gy += tiles.Weights[k] * fr.Y * g
			}
			out[i] = Shift{X: 2 * math.Pi * gx / norm, Y: 2 * math.Pi * gy / norm}
		}
	})
	return out, nil
}
