// Package simulate generates synthetic spectra, phase tiles and movies with
// known CTF and motion, for tests and for checking a fit end to end.
package simulate

import (
	"math"
	"math/cmplx"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat/distuv"

	"emfit/internal/models"
	"emfit/pkg/accel"
	"emfit/pkg/ctf"
	"emfit/pkg/field"
)

// SpectraOptions describes a synthetic set of tile spectra
type SpectraOptions struct {
	// Truth is the CTF of every tile, including envelope and scale
	Truth ctf.Parameters

	// Grid and Overlap place the tiles (see field.SampleCoords)
	Grid    field.Dims
	Overlap float64

	// Radii and Angles size the polar grid, which reaches Nyquist
	Radii, Angles int

	// Background is added to every spectrum; nil means none
	Background func(r float64) float64

	// DefocusAt overrides the defocus of the tile centered at a coordinate
	DefocusAt func(c models.Coord) float64

	// Noise is the standard deviation of additive Gaussian noise
	Noise float64

	Seed uint64
}

// Spectra returns the polar power spectra the accelerator would compute for
// a micrograph with the given CTF
func Spectra(o SpectraOptions) *accel.SpectraSet {
	grid := accel.NewPolarGrid(o.Radii, o.Angles, 1/(2*o.Truth.PixelSize))
	coords := field.SampleCoords(o.Grid, o.Overlap)
	noise := distuv.Normal{Mu: 0, Sigma: o.Noise, Src: rand.NewSource(o.Seed)}

	points := make([]ctf.Polar, grid.Len())
	for i := range points {
		points[i] = grid.Point(i)
	}

	set := &accel.SpectraSet{
		Grid:      grid,
		Tiles:     make([]accel.Spectrum, len(coords)),
		Coords:    coords,
		Layout:    accel.TileLayout{Grid: o.Grid, TileSize: 2 * (o.Radii - 1), Overlap: o.Overlap},
		PixelSize: o.Truth.PixelSize,
	}
	for t, c := range coords {
		p := o.Truth
		if o.DefocusAt != nil {
			p.Defocus = o.DefocusAt(c)
		}
		values := ctf.NewModel(p).Evaluate2D(points, true, false, false)
		s := make(accel.Spectrum, len(values))
		for i, v := range values {
			if o.Background != nil {
				v += o.Background(points[i].R)
			}
			if o.Noise > 0 {
				v += noise.Rand()
			}
			s[i] = v
		}
		set.Tiles[t] = s
	}

	mean := make(accel.Spectrum, grid.Len())
	for _, s := range set.Tiles {
		for i, v := range s {
			mean[i] += v / float64(len(set.Tiles))
		}
	}
	set.Mean = mean
	return set
}

// PhaseOptions describes synthetic Fourier samples of a moving specimen
type PhaseOptions struct {
	// Positions and Overlap place the tiles spatially
	Positions field.Dims
	Overlap   float64

	Frames    int
	TileSize  int
	PixelSize float64
	Band      accel.Band

	// Motion is the displacement in pixels of the content at a position
	// and normalized time
	Motion func(pos models.Coord, t float64) accel.Shift

	// PhaseNoise is the standard deviation in radians of a random phase
	// error added to every sample
	PhaseNoise float64

	Seed uint64
}

// PhaseTiles returns the annulus samples of every tile and frame. Frame f of
// position p is the position's random content displaced by Motion, so
// undoing exactly that displacement aligns all frames.
func PhaseTiles(o PhaseOptions) *accel.PhaseTiles {
	src := rand.NewSource(o.Seed)
	uniform := distuv.Uniform{Min: -math.Pi, Max: math.Pi, Src: src}
	amplitude := distuv.Normal{Mu: 1, Sigma: 0.3, Src: src}
	jitter := distuv.Normal{Mu: 0, Sigma: o.PhaseNoise, Src: src}

	freqs, radii := accel.AnnulusSamples(o.TileSize, accel.Annulus{Band: o.Band, PixelSize: o.PixelSize})
	grid := field.Dims{X: o.Positions.X, Y: o.Positions.Y, Z: 1}
	coords := field.SampleCoords(grid, o.Overlap)

	out := &accel.PhaseTiles{
		Positions:   make([]models.Coord, len(coords)),
		Times:       accel.FrameTimes(o.Frames),
		Frequencies: freqs,
		Radii:       radii,
		Weights:     make([]float64, len(freqs)),
		Data:        make([]complex128, len(coords)*o.Frames*len(freqs)),
	}
	for k := range out.Weights {
		out.Weights[k] = 1
	}

	content := make([]complex128, len(freqs))
	for p, c := range coords {
		pos := models.Coord{X: c.X, Y: c.Y}
		out.Positions[p] = pos
		for k := range content {
			content[k] = cmplx.Rect(math.Abs(amplitude.Rand())+0.1, uniform.Rand())
		}
		for f, t := range out.Times {
			d := o.Motion(pos, t)
			base := (p*o.Frames + f) * len(freqs)
			for k, fr := range freqs {
				phase := -2 * math.Pi * (fr.X*d.X + fr.Y*d.Y)
				if o.PhaseNoise > 0 {
					phase += jitter.Rand()
				}
				out.Data[base+k] = content[k] * cmplx.Rect(1, phase)
			}
		}
	}
	return out
}

// MovieOptions describes a synthetic movie
type MovieOptions struct {
	Name          string
	Width, Height int
	Frames        int

	// Truth is the CTF applied to the specimen; its pixel size is the movie's
	Truth ctf.Parameters

	// Drift is the global displacement in pixels at a normalized time. It
	// is applied exactly, as a Fourier phase ramp.
	Drift func(t float64) accel.Shift

	// Motion, if set, adds a displacement in pixels that varies over the
	// image. It receives the normalized pixel-center coordinate and the
	// frame time as Z. Frames are then resampled from a reference rendered
	// at twice the resolution.
	Motion func(c models.Coord) accel.Shift

	// Noise is the standard deviation of per-frame Gaussian noise relative
	// to a specimen of unit variance
	Noise float64

	Seed uint64
}

func signed(i, n int) int {
	if i >= (n+1)/2 {
		return i - n
	}
	return i
}

// Movie returns frames of one random specimen seen through the CTF, each
// displaced by the drift and carrying its own noise
func Movie(o MovieOptions) *models.Stack {
	src := rand.NewSource(o.Seed)
	gauss := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: o.Noise, Src: src}

	w, h := o.Width, o.Height
	model := ctf.NewModel(o.Truth)
	specimen := make([]complex128, w*h)
	points := make([]ctf.Polar, w*h)
	for ky := 0; ky < h; ky++ {
		fy := float64(signed(ky, h)) / float64(h) / o.Truth.PixelSize
		for kx := 0; kx < w; kx++ {
			fx := float64(signed(kx, w)) / float64(w) / o.Truth.PixelSize
			points[ky*w+kx] = ctf.Polar{R: math.Hypot(fx, fy), Angle: math.Atan2(fy, fx)}
			specimen[ky*w+kx] = complex(gauss.Rand(), gauss.Rand())
		}
	}
	transfer := model.Evaluate2D(points, false, false, true)
	for i := range specimen {
		specimen[i] *= complex(transfer[i], 0)
	}

	stack := &models.Stack{
		Frames:    make([][]float64, o.Frames),
		Width:     w,
		Height:    h,
		PixelSize: o.Truth.PixelSize,
		Name:      o.Name,
	}
	// The specimen spectrum has unit variance per coefficient
	norm := 1 / math.Sqrt(float64(w*h))
	times := accel.FrameTimes(o.Frames)

	var reference []float64
	if o.Motion != nil {
		reference = oversampled(specimen, w, h)
	}

	rows := fourier.NewCmplxFFT(w)
	cols := fourier.NewCmplxFFT(h)
	row := make([]complex128, w)
	col := make([]complex128, h)
	spectrum := make([]complex128, w*h)
	for f := range stack.Frames {
		var d accel.Shift
		if o.Drift != nil {
			d = o.Drift(times[f])
		}

		frame := make([]float64, w*h)
		if reference == nil {
			for ky := 0; ky < h; ky++ {
				for kx := 0; kx < w; kx++ {
					phase := -2 * math.Pi * (float64(signed(kx, w))*d.X/float64(w) + float64(signed(ky, h))*d.Y/float64(h))
					spectrum[ky*w+kx] = specimen[ky*w+kx] * cmplx.Rect(1, phase)
				}
			}
			inverse2D(spectrum, w, h, rows, cols, row, col)
			for i, c := range spectrum {
				frame[i] = real(c)
			}
		} else {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					m := o.Motion(models.Coord{
						X: (float64(x) + 0.5) / float64(w),
						Y: (float64(y) + 0.5) / float64(h),
						Z: times[f],
					})
					// Pixel p shows the reference at p − d, two fine pixels per pixel
					sx := 2 * (float64(x) - d.X - m.X)
					sy := 2 * (float64(y) - d.Y - m.Y)
					frame[y*w+x] = sampleCubic(reference, 2*w, 2*h, sx, sy)
				}
			}
		}

		for i := range frame {
			frame[i] *= norm
			if o.Noise > 0 {
				frame[i] += noise.Rand()
			}
		}
		stack.Frames[f] = frame
	}
	return stack
}

// oversampled renders the specimen on a grid twice as fine along each axis.
// The coefficients keep their physical frequencies, so fine pixel 2p
// coincides with pixel p of the unshifted frame.
func oversampled(specimen []complex128, w, h int) []float64 {
	fw, fh := 2*w, 2*h
	fine := make([]complex128, fw*fh)
	for ky := 0; ky < h; ky++ {
		fy := (signed(ky, h) + fh) % fh
		for kx := 0; kx < w; kx++ {
			fx := (signed(kx, w) + fw) % fw
			fine[fy*fw+fx] = specimen[ky*w+kx]
		}
	}
	inverse2D(fine, fw, fh, fourier.NewCmplxFFT(fw), fourier.NewCmplxFFT(fh),
		make([]complex128, fw), make([]complex128, fh))

	out := make([]float64, fw*fh)
	for i, c := range fine {
		out[i] = real(c)
	}
	return out
}

// sampleCubic interpolates a periodic image at (x, y) with the Catmull-Rom kernel
func sampleCubic(img []float64, w, h int, x, y float64) float64 {
	x0 := math.Floor(x)
	y0 := math.Floor(y)
	wx := catmullRom(x - x0)
	wy := catmullRom(y - y0)

	sum := 0.0
	for j := 0; j < 4; j++ {
		yy := ((int(y0)+j-1)%h + h) % h
		rowSum := 0.0
		for i := 0; i < 4; i++ {
			xx := ((int(x0)+i-1)%w + w) % w
			rowSum += wx[i] * img[yy*w+xx]
		}
		sum += wy[j] * rowSum
	}
	return sum
}

// catmullRom returns the weights of the four neighbors at offsets −1..2 for
// a fractional position t in [0, 1)
func catmullRom(t float64) [4]float64 {
	t2 := t * t
	t3 := t2 * t
	return [4]float64{
		0.5 * (-t3 + 2*t2 - t),
		0.5 * (3*t3 - 5*t2 + 2),
		0.5 * (-3*t3 + 4*t2 + t),
		0.5 * (t3 - t2),
	}
}

// inverse2D replaces data with its unnormalized inverse transform
func inverse2D(data []complex128, w, h int, rows, cols *fourier.CmplxFFT, row, col []complex128) {
	for y := 0; y < h; y++ {
		rows.Sequence(row, data[y*w:(y+1)*w])
		copy(data[y*w:(y+1)*w], row)
	}
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = data[y*w+x]
		}
		out := cols.Sequence(nil, col)
		for y := 0; y < h; y++ {
			data[y*w+x] = out[y]
		}
	}
}
