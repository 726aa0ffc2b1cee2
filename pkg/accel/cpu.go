package accel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"emfit/internal/models"
	"emfit/internal/parallel"
	"emfit/pkg/ctf"
	"emfit/pkg/curve"
)

// CPU runs the accelerator kernels on the host, bound to one Device
type CPU struct {
	device *Device
}

// NewCPU creates a host accelerator for the given device. A nil device gets
// a fresh default one.
func NewCPU(device *Device) *CPU {
	if device == nil {
		device = NewDevice(0, 0)
	}
	return &CPU{device: device}
}

// Device returns the device the accelerator is bound to
func (c *CPU) Device() *Device {
	return c.device
}

func (c *CPU) forEach(n int, fn func(i int)) {
	parallel.Workers(n, c.device.Cores, fn)
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// cropInto copies the size×size region at (x0, y0) of a frame into dst and
// removes its mean
func cropInto(dst []float64, stack *models.Stack, frame, x0, y0, size int) {
	sum := 0.0
	for y := 0; y < size; y++ {
		row := stack.Frames[frame][(y0+y)*stack.Width+x0 : (y0+y)*stack.Width+x0+size]
		copy(dst[y*size:(y+1)*size], row)
		for _, v := range row {
			sum += v
		}
	}
	mean := sum / float64(size*size)
	for i := range dst[:size*size] {
		dst[i] -= mean
	}
}

// CreateSpectra averages the power spectra of the frames in every tile and
// resamples them onto a polar grid reaching the Nyquist frequency
func (c *CPU) CreateSpectra(stack *models.Stack, layout TileLayout) (*SpectraSet, error) {
	if err := stack.Validate(); err != nil {
		return nil, err
	}
	if stack.PixelSize <= 0 {
		return nil, fmt.Errorf("stack %q has pixel size %f: %w", stack.Name, stack.PixelSize, models.ErrDimensionMismatch)
	}
	tiles, err := layout.Tiles(stack.Width, stack.Height, stack.NFrames())
	if err != nil {
		return nil, err
	}

	size := layout.TileSize
	grid := NewPolarGrid(size/2+1, size, 1/(2*stack.PixelSize))
	set := &SpectraSet{
		Grid:      grid,
		Tiles:     make([]Spectrum, len(tiles)),
		Coords:    make([]models.Coord, len(tiles)),
		Layout:    layout,
		PixelSize: stack.PixelSize,
	}

	errs := make([]error, len(tiles))
	c.forEach(len(tiles), func(i int) {
		tile := tiles[i]
		set.Coords[i] = tile.Coord

		power := NewBuffer(c.device, size*size)
		defer power.Release()

		transform := newFFT2D(size)
		crop := make([]float64, size*size)
		errs[i] = power.WithDeviceView(ReadWrite, func(acc []float64) {
			for f := tile.FrameStart; f < tile.FrameEnd; f++ {
				cropInto(crop, stack, f, tile.X, tile.Y, size)
				transform.PowerInto(acc, crop)
			}
			norm := 1 / float64((tile.FrameEnd-tile.FrameStart)*size*size)
			for j := range acc {
				acc[j] *= norm
			}
		})
		if errs[i] != nil {
			return
		}
		errs[i] = power.WithHostView(ReadOnly, func(p []float64) {
			set.Tiles[i] = resamplePolar(p, size, grid, stack.PixelSize)
		})
	})
	if err := firstError(errs); err != nil {
		return nil, fmt.Errorf("creating spectra of %q: %w", stack.Name, err)
	}

	set.Mean = meanSpectrum(set.Tiles)
	return set, nil
}

// resamplePolar bilinearly interpolates a size×size DFT power spectrum at
// every grid point
func resamplePolar(power []float64, size int, grid *PolarGrid, pixelSize float64) Spectrum {
	out := make(Spectrum, grid.Len())
	at := func(x, y int) float64 {
		x = ((x % size) + size) % size
		y = ((y % size) + size) % size
		return power[y*size+x]
	}
	for i := range out {
		p := grid.Point(i)
		f := p.R * pixelSize * float64(size)
		u := f * math.Cos(p.Angle)
		v := f * math.Sin(p.Angle)
		x0, y0 := math.Floor(u), math.Floor(v)
		fx, fy := u-x0, v-y0
		ix, iy := int(x0), int(y0)
		out[i] = (1-fx)*(1-fy)*at(ix, iy) + fx*(1-fy)*at(ix+1, iy) +
			(1-fx)*fy*at(ix, iy+1) + fx*fy*at(ix+1, iy+1)
	}
	return out
}

func meanSpectrum(spectra []Spectrum) Spectrum {
	if len(spectra) == 0 {
		return nil
	}
	mean := make(Spectrum, len(spectra[0]))
	for _, s := range spectra {
		for j, v := range s {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(len(spectra))
	}
	return mean
}

func checkSpectra(spectra []Spectrum, grid *PolarGrid) error {
	for i, s := range spectra {
		if len(s) != grid.Len() {
			return fmt.Errorf("spectrum %d has %d values for a grid of %d: %w", i, len(s), grid.Len(), models.ErrDimensionMismatch)
		}
	}
	return nil
}

// SubtractBackground subtracts background(r) from every spectrum
func (c *CPU) SubtractBackground(spectra []Spectrum, grid *PolarGrid, background *curve.Curve) []Spectrum {
	bg := background.InterpMany(grid.Radii)
	nr := len(grid.Radii)
	out := make([]Spectrum, len(spectra))
	c.forEach(len(spectra), func(i int) {
		s := make(Spectrum, len(spectra[i]))
		for j, v := range spectra[i] {
			s[j] = v - bg[j%nr]
		}
		out[i] = s
	})
	return out
}

// Normalize divides every spectrum by scale(r), when a scale is given, and
// standardizes it using the mean and standard deviation inside the band
func (c *CPU) Normalize(spectra []Spectrum, grid *PolarGrid, scale *curve.Curve, band Band) []Spectrum {
	var sc []float64
	if scale != nil {
		sc = scale.InterpMany(grid.Radii)
		for j, v := range sc {
			if math.Abs(v) < 1e-9 {
				sc[j] = math.Copysign(1e-9, v)
			}
		}
	}
	idx := grid.Indices(band)
	nr := len(grid.Radii)

	out := make([]Spectrum, len(spectra))
	c.forEach(len(spectra), func(i int) {
		s := make(Spectrum, len(spectra[i]))
		for j, v := range spectra[i] {
			if sc != nil {
				v /= sc[j%nr]
			}
			s[j] = v
		}
		inBand := make([]float64, len(idx))
		for k, j := range idx {
			inBand[k] = s[j]
		}
		mean, std := stat.MeanStdDev(inBand, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		for j := range s {
			s[j] = (s[j] - mean) / std
		}
		out[i] = s
	})
	return out
}

// scoreModel correlates observed values with the unenveloped, unscaled
// squared CTF at the same points
func scoreModel(p ctf.Parameters, points []ctf.Polar, observed []float64) float64 {
	sim := ctf.NewModel(p).Evaluate2D(points, true, true, true)
	return stat.Correlation(observed, sim, nil)
}

// CompareToSimulated correlates every spectrum with its trial CTF inside the band
func (c *CPU) CompareToSimulated(spectra []Spectrum, grid *PolarGrid, band Band, trials []ctf.Parameters) ([]float64, error) {
	if len(trials) != len(spectra) {
		return nil, fmt.Errorf("%d trial parameter sets for %d spectra: %w", len(trials), len(spectra), models.ErrDimensionMismatch)
	}
	if err := checkSpectra(spectra, grid); err != nil {
		return nil, err
	}
	idx := grid.Indices(band)
	if len(idx) < 2 {
		return nil, fmt.Errorf("band %v holds %d grid points: %w", band, len(idx), models.ErrDimensionMismatch)
	}
	points := make([]ctf.Polar, len(idx))
	for k, j := range idx {
		points[k] = grid.Point(j)
	}

	scores := make([]float64, len(spectra))
	c.forEach(len(spectra), func(i int) {
		observed := make([]float64, len(idx))
		for k, j := range idx {
			observed[k] = spectra[i][j]
		}
		scores[i] = scoreModel(trials[i], points, observed)
	})
	return scores, nil
}

// RotationalAverage maps every point of every included spectrum to the
// frequency at which target's CTF has the same phase and averages per bin.
// Bins that receive no samples are left out of the profile.
func (c *CPU) RotationalAverage(spectra []Spectrum, grid *PolarGrid, perTile []ctf.Parameters, target ctf.Parameters, bins Bins, include []bool) ([]curve.Point, error) {
	if len(perTile) != len(spectra) || (include != nil && len(include) != len(spectra)) {
		return nil, fmt.Errorf("%d parameter sets and %d flags for %d spectra: %w",
			len(perTile), len(include), len(spectra), models.ErrDimensionMismatch)
	}
	if err := checkSpectra(spectra, grid); err != nil {
		return nil, err
	}
	if bins.Count < 1 || bins.Max <= bins.Min {
		return nil, fmt.Errorf("rotational average over %+v: %w", bins, models.ErrDimensionMismatch)
	}

	targetModel := ctf.NewModel(target)
	sums := make([][]float64, len(spectra))
	counts := make([][]float64, len(spectra))
	c.forEach(len(spectra), func(i int) {
		if include != nil && !include[i] {
			return
		}
		sum := make([]float64, bins.Count)
		count := make([]float64, bins.Count)
		model := ctf.NewModel(perTile[i])
		for j, v := range spectra[i] {
			r := model.EquivalentFrequency(grid.Point(j), targetModel)
			if r < 0 {
				continue
			}
			if b := bins.Index(r); b >= 0 {
				sum[b] += v
				count[b]++
			}
		}
		sums[i], counts[i] = sum, count
	})

	var profile []curve.Point
	for b := 0; b < bins.Count; b++ {
		sum, count := 0.0, 0.0
		for i := range sums {
			if sums[i] == nil {
				continue
			}
			sum += sums[i][b]
			count += counts[i][b]
		}
		if count > 0 {
			profile = append(profile, curve.Point{X: bins.Center(b), Y: sum / count})
		}
	}
	if len(profile) < 2 {
		return nil, fmt.Errorf("rotational average filled %d bins: %w", len(profile), models.ErrDimensionMismatch)
	}
	return profile, nil
}
