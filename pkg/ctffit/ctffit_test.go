package ctffit

import (
	"errors"
	"math"
	"testing"

	"emfit/internal/models"
	"emfit/pkg/accel"
	"emfit/pkg/ctf"
	"emfit/pkg/curve"
	"emfit/pkg/field"
	"emfit/pkg/optim"
	"emfit/pkg/simulate"
)

func testAccelerator() *accel.CPU {
	d := accel.NewDevice(0, 1<<30)
	d.Cores = 4
	return accel.NewCPU(d)
}

func truth() ctf.Parameters {
	return ctf.Parameters{
		PixelSize:  1,
		Cs:         2.1,
		Voltage:    300,
		Defocus:    2.0,
		Amplitude:  0.07,
		Bfactor:    40,
		Scale:      1,
		PhaseShift: 0.3,
	}
}

func testSpectra(defocusAt func(models.Coord) float64) *accel.SpectraSet {
	return simulate.Spectra(simulate.SpectraOptions{
		Truth:      truth(),
		Grid:       field.Dims{X: 3, Y: 3, Z: 1},
		Overlap:    0.5,
		Radii:      513,
		Angles:     24,
		Background: func(r float64) float64 { return 0.5 + 2*math.Exp(-10*r) },
		DefocusAt:  defocusAt,
		Noise:      0.02,
		Seed:       7,
	})
}

func testOptions() Options {
	opts := DefaultOptions()
	start := truth()
	start.Defocus = 1
	start.PhaseShift = 0
	start.Bfactor = 0
	opts.Start = start
	opts.Band = accel.Band{Min: 0.05, Max: 0.35}
	opts.Search.DefocusMin = 0.5
	opts.Search.DefocusMax = 4
	opts.DoPhase = true
	opts.ProfileBins = 256
	return opts
}

func curveFromFunc(fn func(float64) float64) *curve.Curve {
	var xs, ys []float64
	for x := 0.0; x <= 0.5; x += 0.005 {
		xs = append(xs, x)
		ys = append(ys, fn(x))
	}
	return curve.NewFromValues(xs, ys)
}

// phaseDistance compares phase shifts modulo π
func phaseDistance(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), math.Pi)
	return math.Min(d, math.Pi-d)
}

func TestFitSpectraRecoversDefocusAndPhase(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping full CTF fit in short mode")
	}

	var stages []int
	fitter := NewFitter(testAccelerator(), testOptions())
	fitter.SetProgressCallback(func(completed, total int, message string) {
		stages = append(stages, completed)
		if total != totalStages {
			t.Errorf("Expected total %d, got %d", totalStages, total)
		}
	})

	res, err := fitter.FitSpectra(testSpectra(nil))
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	want := truth()
	if math.Abs(res.Params.Defocus-want.Defocus) > 0.01*want.Defocus {
		t.Errorf("Expected defocus %.3f, got %.4f", want.Defocus, res.Params.Defocus)
	}
	if d := phaseDistance(res.Params.PhaseShift, want.PhaseShift); d > 0.05 {
		t.Errorf("Expected phase shift %.2f, got %.3f", want.PhaseShift, res.Params.PhaseShift)
	}
	if res.Defocus.Dims() != (field.Dims{X: 1, Y: 1, Z: 1}) {
		t.Errorf("Expected a single-point defocus field, got %v", res.Defocus.Dims())
	}

	// Noise spreads the scores, so the lowest tiles may be excluded
	included := 0
	for _, in := range res.Include {
		if in {
			included++
		}
	}
	if included == 0 {
		t.Error("Every tile was excluded")
	}
	if len(res.Scores) != 9 {
		t.Fatalf("Expected 9 scores, got %d", len(res.Scores))
	}
	for i, s := range res.Scores {
		if s < 0.5 {
			t.Errorf("Tile %d scores only %.3f", i, s)
		}
	}

	for _, p := range res.Background.Points() {
		if p.Y != 0 {
			t.Errorf("Expected a flattened background, got %v", p)
			break
		}
	}
	if len(res.Profile) < 2 {
		t.Errorf("Expected a profile, got %d points", len(res.Profile))
	}

	if len(stages) == 0 || stages[len(stages)-1] != totalStages {
		t.Errorf("Expected progress to end at %d, got %v", totalStages, stages)
	}
}

func TestFitSpectraExcludesOutlierTile(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping full CTF fit in short mode")
	}

	set := testSpectra(func(c models.Coord) float64 {
		if math.Abs(c.X-0.5) < 1e-9 && math.Abs(c.Y-0.5) < 1e-9 {
			return 3.0
		}
		return truth().Defocus
	})

	res, err := NewFitter(testAccelerator(), testOptions()).FitSpectra(set)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if res.Include[4] {
		t.Errorf("Expected the center tile to be excluded, include = %v", res.Include)
	}
	excluded := 0
	for _, in := range res.Include {
		if !in {
			excluded++
		}
	}
	if excluded == len(res.Include) {
		t.Fatal("Every tile was excluded")
	}
	if math.Abs(res.Params.Defocus-truth().Defocus) > 0.01*truth().Defocus {
		t.Errorf("Expected defocus %.3f, got %.4f", truth().Defocus, res.Params.Defocus)
	}
}

func TestExcludeBelow(t *testing.T) {
	tests := []struct {
		name     string
		scores   []float64
		include  []bool
		sigma    float64
		want     []bool
		excluded int
	}{
		{
			name:     "identical scores",
			scores:   []float64{0.8, 0.8, 0.8, 0.8},
			include:  []bool{true, true, true, true},
			sigma:    0.75,
			want:     []bool{true, true, true, true},
			excluded: 0,
		},
		{
			name:     "one low score",
			scores:   []float64{0.9, 0.88, 0.2, 0.91, 0.89},
			include:  []bool{true, true, true, true, true},
			sigma:    0.75,
			want:     []bool{true, true, false, true, true},
			excluded: 1,
		},
		{
			name:     "already excluded tiles are ignored",
			scores:   []float64{0.9, 0.1, 0.9, 0.9},
			include:  []bool{true, false, true, true},
			sigma:    0.75,
			want:     []bool{true, false, true, true},
			excluded: 0,
		},
		{
			name:     "single included tile",
			scores:   []float64{0.1, 0.5},
			include:  []bool{false, true},
			sigma:    0.75,
			want:     []bool{false, true},
			excluded: 0,
		},
		{
			name:     "negative sigma keeps the best tile",
			scores:   []float64{0.5, 0.6, 0.7},
			include:  []bool{true, true, true},
			sigma:    -10,
			want:     []bool{false, false, true},
			excluded: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			include := append([]bool(nil), tt.include...)
			if got := excludeBelow(tt.scores, include, tt.sigma); got != tt.excluded {
				t.Errorf("Expected %d excluded, got %d", tt.excluded, got)
			}
			for i := range include {
				if include[i] != tt.want[i] {
					t.Errorf("Expected include %v, got %v", tt.want, include)
					break
				}
			}
		})
	}
}

func TestDefocusGradientMatchesFiniteDifferences(t *testing.T) {
	set := testSpectra(nil)
	opts := testOptions()
	opts.DoPhase = false
	acc := testAccelerator()

	s := &session{acc: acc, opts: opts, set: set}
	s.params = truth()
	sub := acc.SubtractBackground(set.Tiles, set.Grid, curveFromFunc(func(r float64) float64 { return 0.5 + 2*math.Exp(-10*r) }))
	s.normalized = acc.Normalize(sub, set.Grid, nil, opts.Band)

	defocus, err := field.New(field.Dims{X: 2, Y: 2, Z: 1}, []float64{1.99, 2.01, 2.00, 2.02})
	if err != nil {
		t.Fatal(err)
	}
	s.defocus = defocus
	s.weights = defocus.ComputeWiggleWeightsAt(set.Coords)
	s.include = []bool{true, true, true, true, true, true, true, true, true}
	x := s.encode()

	got := make([]float64, len(x))
	if err := s.gradient(got, x); err != nil {
		t.Fatal(err)
	}
	want := make([]float64, len(x))
	if err := optim.CentralDifference(s.objective, optim.UniformSteps(len(x), opts.DefocusStep))(want, x); err != nil {
		t.Fatal(err)
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > 1e-3+0.05*math.Abs(want[i]) {
			t.Errorf("Gradient component %d: sensitivity basis %.5f, finite differences %.5f", i, got[i], want[i])
		}
	}
}

func TestFitSpectraRejectsMismatchedCoords(t *testing.T) {
	set := testSpectra(nil)
	set.Coords = set.Coords[:3]
	_, err := NewFitter(testAccelerator(), testOptions()).FitSpectra(set)
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}

func TestNarrowedSearch(t *testing.T) {
	opts := testOptions()
	r := opts.narrowed(0.7)
	if r.DefocusMin != opts.Search.DefocusMin {
		t.Errorf("Expected the lower bound clamped to %.2f, got %.2f", opts.Search.DefocusMin, r.DefocusMin)
	}
	if math.Abs(r.DefocusMax-1.2) > 1e-12 {
		t.Errorf("Expected upper bound 1.2, got %.3f", r.DefocusMax)
	}
	if r.DefocusStep != opts.Search.DefocusStep/2 {
		t.Errorf("Expected the step halved, got %f", r.DefocusStep)
	}
	if r.Band != opts.Band {
		t.Errorf("Expected the fit band, got %v", r.Band)
	}

	opts.DoPhase = false
	if opts.searchRanges().PhaseStep != 0 {
		t.Error("Expected no phase search without DoPhase")
	}
}
