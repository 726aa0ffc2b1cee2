package curve

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"emfit/internal/models"
	"emfit/pkg/optim"
)

const (
	// FitStep is the central-difference step for knot values, in units of
	// the data's standard deviation.
	FitStep = 0.01

	// KnotSpacingExponent places knot i of n at ((i/(n-1))^exponent) of the data range.
	KnotSpacingExponent = 0.75

	// MaxEnvelopeKnots bounds the number of knots per curve in FitCTFEnvelope.
	MaxEnvelopeKnots = 32

	// residualScale multiplies the RMS residual so the optimizer sees
	// values of order one
	residualScale = 1000
)

// FitSettings bounds the knot optimization
var FitSettings = optim.Settings{
	MaxIterations:      300,
	FuncTolerance:      1e-6,
	ConvergeIterations: 20,
	GradientThreshold:  1e-8,
}

// normalization maps data values to zero mean and unit standard deviation
type normalization struct {
	mean, std float64
}

func normalizationOf(data []Point) normalization {
	ys := make([]float64, len(data))
	for i, p := range data {
		ys[i] = p.Y
	}
	mean, std := stat.MeanStdDev(ys, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	return normalization{mean: mean, std: std}
}

func sortedData(data []Point) []Point {
	sorted := make([]Point, len(data))
	copy(sorted, data)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })
	return sorted
}

// rms returns residualScale times the RMS difference between a curve and data
func rms(c *Curve, xs, ys []float64) float64 {
	sum := 0.0
	for i, x := range xs {
		d := c.Interp(x) - ys[i]
		sum += d * d
	}
	return residualScale * math.Sqrt(sum/float64(len(xs)))
}

// KnotPositions returns n knot positions over [xmin, xmax], denser toward xmax
// as (i/(n-1))^KnotSpacingExponent.
func KnotPositions(xmin, xmax float64, n int) []float64 {
	if n < 2 {
		n = 2
	}
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = xmin + (xmax-xmin)*math.Pow(float64(i)/float64(n-1), KnotSpacingExponent)
	}
	return xs
}

// localMean averages the data with x in [lo, hi]; it falls back to the
// sample nearest to center when the interval is empty
func localMean(data []Point, lo, hi, center float64) float64 {
	sum, count := 0.0, 0
	for _, p := range data {
		if p.X >= lo && p.X <= hi {
			sum += p.Y
			count++
		}
	}
	if count > 0 {
		return sum / float64(count)
	}
	return linearAt(data, center)
}

// linearAt linearly interpolates sorted data at x, clamping at the ends
func linearAt(data []Point, x float64) float64 {
	n := len(data)
	idx := sort.Search(n, func(i int) bool { return data[i].X >= x })
	if idx == 0 {
		return data[0].Y
	}
	if idx == n {
		return data[n-1].Y
	}
	a, b := data[idx-1], data[idx]
	if b.X == a.X {
		return b.Y
	}
	t := (x - a.X) / (b.X - a.X)
	return a.Y + t*(b.Y-a.Y)
}

// Fit approximates noisy data with a smooth curve of numberOfKnots knots.
// Knot positions are fixed by KnotPositions; knot values minimize the RMS
// residual, solved on data normalized to zero mean and unit deviation.
//
// Parameters:
//   - data: The samples to approximate, in any order
//   - numberOfKnots: Knots in the curve, capped at the number of samples
//
// Returns:
//   - The fitted curve, or an error if fewer than two samples are given
func Fit(data []Point, numberOfKnots int) (*Curve, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("fitting a curve to %d points: %w", len(data), models.ErrDimensionMismatch)
	}
	data = sortedData(data)
	if numberOfKnots > len(data) {
		numberOfKnots = len(data)
	}

	// Place the knots and normalize the data
	xmin, xmax := data[0].X, data[len(data)-1].X
	knots := KnotPositions(xmin, xmax, numberOfKnots)
	norm := normalizationOf(data)

	xs := make([]float64, len(data))
	ys := make([]float64, len(data))
	for i, p := range data {
		xs[i] = p.X
		ys[i] = (p.Y - norm.mean) / norm.std
	}
	normalized := make([]Point, len(data))
	for i := range data {
		normalized[i] = Point{X: xs[i], Y: ys[i]}
	}

	// Start every knot at the local mean of its neighborhood
	start := make([]float64, len(knots))
	for i, k := range knots {
		lo, hi := k, k
		if i > 0 {
			lo = (knots[i-1] + k) / 2
		}
		if i < len(knots)-1 {
			hi = (knots[i+1] + k) / 2
		}
		start[i] = localMean(normalized, lo, hi, k)
	}

	// Minimize the residual over the knot values
	objective := func(z []float64) (float64, error) {
		return rms(NewFromValues(knots, z), xs, ys), nil
	}
	res, err := optim.MinimizeBFGS(objective,
		optim.CentralDifference(objective, optim.UniformSteps(len(start), FitStep)),
		start, FitSettings)
	if err != nil {
		return nil, fmt.Errorf("fitting %d knots: %w", len(knots), err)
	}

	values := make([]float64, len(knots))
	for i, z := range res.X {
		values[i] = z*norm.std + norm.mean
	}
	return NewFromValues(knots, values), nil
}

// RMS returns the RMS difference between the curve and data.
func (c *Curve) RMS(data []Point) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range data {
		d := c.Interp(p.X) - p.Y
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(data)))
}

// envelopeKnots returns the anchors inside (xmin, xmax) framed by the data
// ends, thinned to at most MaxEnvelopeKnots
func envelopeKnots(anchors []float64, xmin, xmax float64) []float64 {
	spacing := (xmax - xmin) * 1e-3
	knots := []float64{xmin}
	sorted := append([]float64(nil), anchors...)
	sort.Float64s(sorted)
	for _, a := range sorted {
		if a-knots[len(knots)-1] > spacing && xmax-a > spacing {
			knots = append(knots, a)
		}
	}
	knots = append(knots, xmax)

	if len(knots) <= MaxEnvelopeKnots {
		return knots
	}
	thinned := make([]float64, MaxEnvelopeKnots)
	for i := range thinned {
		thinned[i] = knots[int(math.Round(float64(i)*float64(len(knots)-1)/float64(MaxEnvelopeKnots-1)))]
	}
	return thinned
}

// FitCTFEnvelope models data as background(f) + simulate(f)*scale(f), where
// simulate is the squared CTF without envelope. The background is anchored
// at the CTF's zero crossings and the scale at its peaks; both are solved for
// jointly.
func FitCTFEnvelope(data []Point, simulate func(x float64) float64, zeros, peaks []float64) (background, scale *Curve, err error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("fitting an envelope to %d points: %w", len(data), models.ErrDimensionMismatch)
	}
	data = sortedData(data)
	xmin, xmax := data[0].X, data[len(data)-1].X
	norm := normalizationOf(data)

	xs := make([]float64, len(data))
	ys := make([]float64, len(data))
	sim := make([]float64, len(data))
	normalized := make([]Point, len(data))
	for i, p := range data {
		xs[i] = p.X
		ys[i] = (p.Y - norm.mean) / norm.std
		sim[i] = simulate(p.X)
		normalized[i] = Point{xs[i], ys[i]}
	}

	bgKnots := envelopeKnots(zeros, xmin, xmax)
	scaleKnots := envelopeKnots(peaks, xmin, xmax)

	// At a zero the data is pure background; at a peak it is background plus scale
	bgStart := make([]float64, len(bgKnots))
	for i, k := range bgKnots {
		bgStart[i] = linearAt(normalized, k)
	}
	if len(bgKnots) > 2 {
		bgStart[0] = bgStart[1]
		bgStart[len(bgStart)-1] = bgStart[len(bgStart)-2]
	} else {
		lowest := math.Inf(1)
		for _, y := range ys {
			lowest = math.Min(lowest, y)
		}
		for i := range bgStart {
			bgStart[i] = lowest
		}
	}
	bgInitial := NewFromValues(bgKnots, bgStart)

	scaleStart := make([]float64, len(scaleKnots))
	for i, k := range scaleKnots {
		s := math.Max(simulate(k), 0.1)
		scaleStart[i] = math.Max(linearAt(normalized, k)-bgInitial.Interp(k), 0) / s
	}
	if len(scaleKnots) > 2 {
		scaleStart[0] = scaleStart[1]
		scaleStart[len(scaleStart)-1] = scaleStart[len(scaleStart)-2]
	}

	nb := len(bgKnots)
	split := func(z []float64) (*Curve, *Curve) {
		return NewFromValues(bgKnots, z[:nb]), NewFromValues(scaleKnots, z[nb:])
	}
	objective := func(z []float64) (float64, error) {
		bg, sc := split(z)
		sum := 0.0
		for i, x := range xs {
			d := bg.Interp(x) + sim[i]*sc.Interp(x) - ys[i]
			sum += d * d
		}
		return residualScale * math.Sqrt(sum/float64(len(xs))), nil
	}

	start := append(append([]float64(nil), bgStart...), scaleStart...)
	res, err := optim.MinimizeBFGS(objective,
		optim.CentralDifference(objective, optim.UniformSteps(len(start), FitStep)),
		start, FitSettings)
	if err != nil {
		return nil, nil, fmt.Errorf("fitting CTF envelope: %w", err)
	}

	bgValues := make([]float64, nb)
	for i := range bgValues {
		bgValues[i] = res.X[i]*norm.std + norm.mean
	}
	scaleValues := make([]float64, len(scaleKnots))
	for i := range scaleValues {
		scaleValues[i] = res.X[nb+i] * norm.std
	}
	return NewFromValues(bgKnots, bgValues), NewFromValues(scaleKnots, scaleValues), nil
}
