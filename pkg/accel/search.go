package accel

import (
	"fmt"
	"math"

	"emfit/internal/models"
	"emfit/pkg/ctf"
	"emfit/pkg/optim"
)

// AstigmatismSettings bounds the simplex refinement of FitMeanCTF
var AstigmatismSettings = optim.Settings{
	MaxIterations:      400,
	FuncTolerance:      1e-7,
	ConvergeIterations: 40,
}

// steps returns lo, lo+step, ... up to hi inclusive
func steps(lo, hi, step float64) []float64 {
	if step <= 0 || hi < lo {
		return []float64{lo}
	}
	n := int(math.Floor((hi-lo)/step+1e-9)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

// FitMeanCTF finds the defocus and phase shift whose squared CTF best
// correlates with the angular mean of a background-free spectrum, by
// exhaustive search over the ranges. With doAstigmatism, the result is
// refined on the full polar spectrum with a simplex search over defocus,
// both astigmatism components and, if it was searched, the phase shift.
func (c *CPU) FitMeanCTF(mean Spectrum, grid *PolarGrid, start ctf.Parameters, ranges SearchRanges, doAstigmatism bool) (ctf.Parameters, error) {
	if err := checkSpectra([]Spectrum{mean}, grid); err != nil {
		return start, err
	}

	nr := len(grid.Radii)
	var radii, observed []float64
	for r, radius := range grid.Radii {
		if !ranges.Band.Contains(radius) {
			continue
		}
		sum := 0.0
		for a := range grid.Angles {
			sum += mean[a*nr+r]
		}
		radii = append(radii, radius)
		observed = append(observed, sum/float64(len(grid.Angles)))
	}
	if len(radii) < 3 {
		return start, fmt.Errorf("band %v holds %d radii: %w", ranges.Band, len(radii), models.ErrDimensionMismatch)
	}
	points := make([]ctf.Polar, len(radii))
	for i, r := range radii {
		points[i] = ctf.Polar{R: r}
	}

	defoci := steps(ranges.DefocusMin, ranges.DefocusMax, ranges.DefocusStep)
	phases := []float64{start.PhaseShift}
	if ranges.PhaseStep > 0 {
		phases = steps(ranges.PhaseMin, ranges.PhaseMax, ranges.PhaseStep)
	}

	// Best phase per defocus candidate, one slot per worker
	bestScore := make([]float64, len(defoci))
	bestPhase := make([]float64, len(defoci))
	c.forEach(len(defoci), func(i int) {
		bestScore[i] = math.Inf(-1)
		p := start
		p.Defocus = defoci[i]
		p.DefocusDelta = 0
		for _, ph := range phases {
			p.PhaseShift = ph
			score := scoreModel(p, points, observed)
			if !math.IsNaN(score) && score > bestScore[i] {
				bestScore[i] = score
				bestPhase[i] = ph
			}
		}
	})

	best := -1
	for i, s := range bestScore {
		if !math.IsInf(s, -1) && (best < 0 || s > bestScore[best]) {
			best = i
		}
	}
	if best < 0 {
		return start, fmt.Errorf("no defocus candidate produced a finite score: %w", models.ErrInvalidObjective)
	}

	result := start
	result.Defocus = defoci[best]
	result.PhaseShift = bestPhase[best]
	result.DefocusDelta = 0
	if !doAstigmatism {
		return result.Normalized(), nil
	}
	return c.refineAstigmatism(mean, grid, result, ranges)
}

// refineAstigmatism searches defocus and the astigmatism as the Cartesian
// pair (δ·cos 2θ, δ·sin 2θ), which has no wrap-around at θ = 180°
func (c *CPU) refineAstigmatism(mean Spectrum, grid *PolarGrid, p ctf.Parameters, ranges SearchRanges) (ctf.Parameters, error) {
	idx := grid.Indices(ranges.Band)
	points := make([]ctf.Polar, len(idx))
	observed := make([]float64, len(idx))
	for k, j := range idx {
		points[k] = grid.Point(j)
		observed[k] = mean[j]
	}

	withPhase := ranges.PhaseStep > 0
	decode := func(x []float64) ctf.Parameters {
		q := p
		q.Defocus = x[0]
		q.DefocusDelta = math.Hypot(x[1], x[2])
		q.DefocusAngle = math.Atan2(x[2], x[1]) / 2 * 180 / math.Pi
		if withPhase {
			q.PhaseShift = x[3]
		}
		return q.Normalized()
	}

	angle := p.DefocusAngle * math.Pi / 180
	x0 := []float64{p.Defocus, p.DefocusDelta * math.Cos(2*angle), p.DefocusDelta * math.Sin(2*angle)}
	settings := AstigmatismSettings
	settings.Scales = []float64{0.05, 0.05, 0.05}
	if withPhase {
		x0 = append(x0, p.PhaseShift)
		settings.Scales = append(settings.Scales, 0.1)
	}

	objective := func(x []float64) (float64, error) {
		score := scoreModel(decode(x), points, observed)
		if math.IsNaN(score) {
			return 0, fmt.Errorf("astigmatism search at %v: %w", x, models.ErrInvalidObjective)
		}
		return 1 - score, nil
	}
	res, err := optim.MinimizeNelderMead(objective, x0, settings)
	if err != nil {
		return p, fmt.Errorf("refining astigmatism: %w", err)
	}
	return decode(res.X), nil
}
