package motion

import (
	"errors"
	"math"
	"testing"

	"emfit/internal/models"
	"emfit/pkg/accel"
	"emfit/pkg/ctf"
	"emfit/pkg/field"
	"emfit/pkg/optim"
	"emfit/pkg/simulate"
)

func testAccelerator() *accel.CPU {
	d := accel.NewDevice(0, 1<<30)
	d.Cores = 4
	return accel.NewCPU(d)
}

// truthFields builds smooth ground-truth motion with zero mean over time
// at every position
func truthFields(t *testing.T, dims field.Dims) (*field.Field, *field.Field) {
	vx := make([]float64, dims.Elements())
	vy := make([]float64, dims.Elements())
	for z := 0; z < dims.Z; z++ {
		tz := float64(z) / float64(dims.Z-1)
		for y := 0; y < dims.Y; y++ {
			for x := 0; x < dims.X; x++ {
				i := dims.Index(x, y, z)
				vx[i] = 0.6*math.Sin(1.3*float64(x)+0.7*float64(y))*math.Cos(math.Pi*tz) + 0.3*(tz-0.5)
				vy[i] = 0.5*math.Cos(0.9*float64(x)-1.1*float64(y))*math.Sin(math.Pi*tz) - 0.2*tz
			}
		}
	}
	fx, err := field.New(dims, vx)
	if err != nil {
		t.Fatal(err)
	}
	fy, err := field.New(dims, vy)
	if err != nil {
		t.Fatal(err)
	}
	times := accel.FrameTimes(dims.Z)
	return fx.CenterOverTime(times), fy.CenterOverTime(times)
}

func testOptions(grid field.Dims) Options {
	opts := DefaultOptions()
	opts.Layout = accel.TileLayout{Grid: field.Dims{X: 8, Y: 8, Z: 1}, TileSize: 32, Overlap: 0.5}
	opts.Grid = grid
	opts.Annulus = accel.Annulus{Band: accel.Band{Min: 0.03, Max: 0.25}, PixelSize: 1}
	return opts
}

func testTiles(opts Options, frames int, motion func(models.Coord, float64) accel.Shift) *accel.PhaseTiles {
	return simulate.PhaseTiles(simulate.PhaseOptions{
		Positions: opts.Layout.Grid,
		Overlap:   opts.Layout.Overlap,
		Frames:    frames,
		TileSize:  opts.Layout.TileSize,
		PixelSize: opts.Annulus.PixelSize,
		Band:      opts.Annulus.Band,
		Motion:    motion,
		Seed:      11,
	})
}

func TestFitPhasesRecoversMotionField(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping full motion fit in short mode")
	}

	dims := field.Dims{X: 5, Y: 5, Z: 10}
	fx, fy := truthFields(t, dims)
	opts := testOptions(dims)
	tiles := testTiles(opts, dims.Z, func(pos models.Coord, tm float64) accel.Shift {
		c := models.Coord{X: pos.X, Y: pos.Y, Z: tm}
		return accel.Shift{X: fx.Evaluate(c), Y: fy.Evaluate(c)}
	})

	var bands []int
	fitter := NewFitter(testAccelerator(), opts)
	fitter.SetProgressCallback(func(completed, total int, message string) {
		bands = append(bands, completed)
	})
	res, err := fitter.FitPhases(tiles)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if res.X.Dims() != dims {
		t.Errorf("Expected %v fields, got %v", dims, res.X.Dims())
	}

	coords := sampleCoords(tiles)
	sum := 0.0
	for _, c := range coords {
		dx := res.X.Evaluate(c) - fx.Evaluate(c)
		dy := res.Y.Evaluate(c) - fy.Evaluate(c)
		sum += dx*dx + dy*dy
	}
	rms := math.Sqrt(sum / float64(len(coords)))
	if rms > 0.05 {
		t.Errorf("Expected motion within 0.05 px RMS, got %.4f", rms)
	}
	if res.Score > 1e-3 {
		t.Errorf("Expected aligned phases, final disagreement %.5f", res.Score)
	}
	if len(bands) == 0 || bands[len(bands)-1] != opts.Bands {
		t.Errorf("Expected progress to end at %d, got %v", opts.Bands, bands)
	}
}

// testMovie renders a noise-free 256×256 movie of 10 frames in which every
// pixel shows the reference displaced by motion
func testMovie(drift func(float64) accel.Shift, motion func(models.Coord) accel.Shift) *models.Stack {
	return simulate.Movie(simulate.MovieOptions{
		Name:   "movie",
		Width:  256,
		Height: 256,
		Frames: 10,
		Truth:  ctf.DefaultParameters(),
		Drift:  drift,
		Motion: motion,
		Seed:   13,
	})
}

func movieOptions(positions int, grid field.Dims) Options {
	opts := DefaultOptions()
	opts.Layout = accel.TileLayout{Grid: field.Dims{X: positions, Y: positions, Z: 1}, TileSize: 64, Overlap: 0.5}
	opts.Grid = grid
	opts.Annulus = accel.Annulus{Band: accel.Band{Min: 1.0 / 40, Max: 1.0 / 10}, PixelSize: 1}
	return opts
}

// fitMovieError fits a movie and returns the RMS distance to the true
// motion at every tile position and frame. The truth is centered over time
// at each position, since a constant offset per position is unobservable.
func fitMovieError(t *testing.T, stack *models.Stack, opts Options, truth func(models.Coord) accel.Shift) float64 {
	acc := testAccelerator()
	res, err := NewFitter(acc, opts).Fit(stack)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if res.X.Dims() != opts.Grid {
		t.Errorf("Expected %v fields, got %v", opts.Grid, res.X.Dims())
	}

	tiles, err := acc.CreatePhaseTiles(stack, opts.Layout, opts.Annulus)
	if err != nil {
		t.Fatal(err)
	}
	sum := 0.0
	for _, pos := range tiles.Positions {
		want := make([]accel.Shift, len(tiles.Times))
		var mean accel.Shift
		for f, tm := range tiles.Times {
			want[f] = truth(models.Coord{X: pos.X, Y: pos.Y, Z: tm})
			mean.X += want[f].X / float64(len(tiles.Times))
			mean.Y += want[f].Y / float64(len(tiles.Times))
		}
		for f, tm := range tiles.Times {
			c := models.Coord{X: pos.X, Y: pos.Y, Z: tm}
			dx := res.X.Evaluate(c) - (want[f].X - mean.X)
			dy := res.Y.Evaluate(c) - (want[f].Y - mean.Y)
			sum += dx*dx + dy*dy
		}
	}
	return math.Sqrt(sum / float64(tiles.NPositions()*tiles.NFrames()))
}

func TestFitRecoversDriftFromFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping motion fit on frames in short mode")
	}

	drift := func(tm float64) accel.Shift { return accel.Shift{X: 2 * tm * tm, Y: -tm} }
	stack := testMovie(drift, nil)
	opts := movieOptions(3, field.Dims{X: 3, Y: 3, Z: 10})

	rms := fitMovieError(t, stack, opts, func(c models.Coord) accel.Shift { return drift(c.Z) })
	if rms > 0.02 {
		t.Errorf("Expected drift within 0.02 px RMS, got %.4f", rms)
	}
}

func TestFitRecoversMotionFieldFromFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping motion fit on frames in short mode")
	}

	// Smooth in space, nonlinear in time
	motion := func(c models.Coord) accel.Shift {
		return accel.Shift{
			X: c.Z * (0.6 + 0.8*c.X + 0.2*math.Sin(math.Pi*c.Y)),
			Y: -c.Z*(0.4+0.5*c.Y) + 0.25*c.Z*c.Z*math.Cos(math.Pi*c.X),
		}
	}
	stack := testMovie(nil, motion)
	opts := movieOptions(7, field.Dims{X: 5, Y: 5, Z: 10})

	rms := fitMovieError(t, stack, opts, motion)
	if rms > 0.05 {
		t.Errorf("Expected motion within 0.05 px RMS, got %.4f", rms)
	}
}

func TestEmptyBandStillRefinesGrid(t *testing.T) {
	// With 32 px tiles the annulus holds only the two samples at radius
	// √2/32, beyond the first band's edge at 0.0385
	opts := testOptions(field.Dims{X: 2, Y: 2, Z: 4})
	opts.Annulus.Band = accel.Band{Min: 0.032, Max: 0.045}
	opts.Bands = 2
	tiles := testTiles(opts, 4, func(_ models.Coord, tm float64) accel.Shift {
		return accel.Shift{X: 0.5 * tm}
	})
	if n := tiles.BandSize(opts.bandRadius(0)); n != 0 {
		t.Fatalf("Expected an empty first band, got %d samples", n)
	}

	var messages []string
	fitter := NewFitter(testAccelerator(), opts)
	fitter.SetProgressCallback(func(completed, total int, message string) {
		messages = append(messages, message)
	})
	res, err := fitter.FitPhases(tiles)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if res.X.Dims() != opts.Grid || res.Y.Dims() != opts.Grid {
		t.Errorf("Expected %v fields, got %v and %v", opts.Grid, res.X.Dims(), res.Y.Dims())
	}
	if len(messages) == 0 || messages[0] != "Band 1 is empty" {
		t.Errorf("Expected the first band reported empty, got %q", messages)
	}
}

func TestFitPhasesRemovesNetMotion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping motion fit in short mode")
	}

	// Uniform drift: every position moves identically
	opts := testOptions(field.Dims{X: 1, Y: 1, Z: 4})
	opts.Layout.Grid = field.Dims{X: 2, Y: 2, Z: 1}
	opts.Bands = 2
	tiles := testTiles(opts, 4, func(_ models.Coord, tm float64) accel.Shift {
		return accel.Shift{X: 1.2 * tm, Y: -0.6 * tm}
	})

	res, err := NewFitter(testAccelerator(), opts).FitPhases(tiles)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	times := accel.FrameTimes(4)
	meanX, meanY := 0.0, 0.0
	for i, tm := range times {
		c := models.Coord{X: 0.5, Y: 0.5, Z: tm}
		x, y := res.X.Evaluate(c), res.Y.Evaluate(c)
		meanX += x / float64(len(times))
		meanY += y / float64(len(times))

		// Relative to the centroid the drift is 1.2·(t − 0.5), −0.6·(t − 0.5)
		if math.Abs(x-1.2*(tm-0.5)) > 0.05 || math.Abs(y+0.6*(tm-0.5)) > 0.05 {
			t.Errorf("Frame %d: expected (%.3f, %.3f), got (%.3f, %.3f)", i, 1.2*(tm-0.5), -0.6*(tm-0.5), x, y)
		}
	}
	if math.Abs(meanX) > 1e-9 || math.Abs(meanY) > 1e-9 {
		t.Errorf("Expected zero mean trajectory, got (%g, %g)", meanX, meanY)
	}
}

func TestNuisanceGradientMatchesFiniteDifferences(t *testing.T) {
	opts := testOptions(field.Dims{X: 2, Y: 2, Z: 3})
	tiles := testTiles(opts, 3, func(pos models.Coord, tm float64) accel.Shift {
		return accel.Shift{X: 0.4 * (tm - 0.5) * pos.X, Y: 0.3 * (tm - 0.5)}
	})
	coords := sampleCoords(tiles)
	f := field.NewConstant(field.Dims{X: 2, Y: 2, Z: 3}, 0)
	p := &bandProblem{
		acc:     testAccelerator(),
		tiles:   tiles,
		n:       tiles.BandSize(0.12),
		coords:  coords,
		weights: f.ComputeWiggleWeightsAt(coords),
		control: f.Len(),
		step:    1e-4,
	}
	x := p.encode(f, f, Nuisance{Magnification: 0.01, Rotation: -0.02, Shear: 0.005})
	for i := 0; i < p.control; i++ {
		x[i] = 0.05 * float64(i%3)
	}

	got := make([]float64, len(x))
	if err := p.gradient(got, x); err != nil {
		t.Fatal(err)
	}
	want := make([]float64, len(x))
	if err := optim.CentralDifference(p.objective, optim.UniformSteps(len(x), 1e-4))(want, x); err != nil {
		t.Fatal(err)
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > 1e-5+0.01*math.Abs(want[i]) {
			t.Errorf("Gradient component %d: got %.6g, finite differences %.6g", i, got[i], want[i])
		}
	}
}

func TestBandDims(t *testing.T) {
	opts := DefaultOptions()
	opts.Grid = field.Dims{X: 5, Y: 5, Z: 20}

	tests := []struct {
		band, frames int
		want         field.Dims
	}{
		{0, 10, field.Dims{X: 1, Y: 1, Z: 3}},
		{3, 10, field.Dims{X: 5, Y: 5, Z: 10}},
		{3, 40, field.Dims{X: 5, Y: 5, Z: 20}},
		{0, 2, field.Dims{X: 1, Y: 1, Z: 2}},
		{1, 10, field.Dims{X: 2, Y: 2, Z: 5}},
	}
	for _, tt := range tests {
		if got := opts.bandDims(tt.band, tt.frames); got != tt.want {
			t.Errorf("bandDims(%d, %d) = %v, want %v", tt.band, tt.frames, got, tt.want)
		}
	}

	if r := opts.bandRadius(opts.Bands - 1); math.Abs(r-opts.Annulus.Band.Max) > 1e-15 {
		t.Errorf("Expected the last band to reach %f, got %f", opts.Annulus.Band.Max, r)
	}
}

func TestFitPhasesNeedsFrames(t *testing.T) {
	opts := testOptions(field.Dims{X: 1, Y: 1, Z: 1})
	tiles := testTiles(opts, 1, func(models.Coord, float64) accel.Shift { return accel.Shift{} })
	_, err := NewFitter(testAccelerator(), opts).FitPhases(tiles)
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}
