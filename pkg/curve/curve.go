// Package curve implements the 1D smooth curves used for spectrum
// backgrounds and CTF envelopes.
package curve

import (
	"math"
	"sort"
)

// Point is a knot or data sample.
type Point struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Curve is a piecewise-cubic Hermite interpolant over ascending knots. Slopes
// are chosen to preserve shape (PCHIP), so the curve does not overshoot
// around local extrema of the knot values.
type Curve struct {
	xs []float64
	ys []float64

	// per-segment polynomial y = ys[k] + c1[k]t + c2[k]t^2 + c3[k]t^3, t = x - xs[k]
	c1 []float64
	c2 []float64
	c3 []float64
}

// New creates a curve that interpolates the given points exactly.
//
// Parameters:
//   - points: The knots, in any order; for duplicate x the last point wins
//
// Returns:
//   - A PCHIP curve through every distinct knot
func New(points []Point) *Curve {
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	c := &Curve{}
	for _, p := range sorted {
		if n := len(c.xs); n > 0 && c.xs[n-1] == p.X {
			c.ys[n-1] = p.Y
			continue
		}
		c.xs = append(c.xs, p.X)
		c.ys = append(c.ys, p.Y)
	}
	c.computeCoefficients()
	return c
}

// NewFromValues creates a curve from parallel x and y slices.
func NewFromValues(xs, ys []float64) *Curve {
	points := make([]Point, len(xs))
	for i := range xs {
		points[i] = Point{xs[i], ys[i]}
	}
	return New(points)
}

func (c *Curve) computeCoefficients() {
	n := len(c.xs)
	if n < 2 {
		return
	}

	h := make([]float64, n-1)
	delta := make([]float64, n-1)
	for k := 0; k < n-1; k++ {
		h[k] = c.xs[k+1] - c.xs[k]
		delta[k] = (c.ys[k+1] - c.ys[k]) / h[k]
	}

	d := make([]float64, n)
	if n == 2 {
		d[0], d[1] = delta[0], delta[0]
	} else {
		for k := 1; k < n-1; k++ {
			d[k] = interiorSlope(h[k-1], h[k], delta[k-1], delta[k])
		}
		d[0] = endpointSlope(h[0], h[1], delta[0], delta[1])
		d[n-1] = endpointSlope(h[n-2], h[n-3], delta[n-2], delta[n-3])
	}

	c.c1 = make([]float64, n-1)
	c.c2 = make([]float64, n-1)
	c.c3 = make([]float64, n-1)
	for k := 0; k < n-1; k++ {
		c.c1[k] = d[k]
		c.c2[k] = (3*delta[k] - 2*d[k] - d[k+1]) / h[k]
		c.c3[k] = (d[k] + d[k+1] - 2*delta[k]) / (h[k] * h[k])
	}
}

// interiorSlope is zero at a local extremum and otherwise the weighted
// harmonic mean of the neighboring secants, capped at 3x the smaller one
func interiorSlope(hPrev, hNext, dPrev, dNext float64) float64 {
	if dPrev*dNext <= 0 {
		return 0
	}
	w1 := 2*hNext + hPrev
	w2 := hNext + 2*hPrev
	s := (w1 + w2) / (w1/dPrev + w2/dNext)

	limit := 3 * math.Min(math.Abs(dPrev), math.Abs(dNext))
	if math.Abs(s) > limit {
		s = math.Copysign(limit, s)
	}
	return s
}

// endpointSlope extrapolates from the two secants nearest to the boundary,
// clamped so it never has the opposite sign of the boundary secant
func endpointSlope(h0, h1, d0, d1 float64) float64 {
	s := ((2*h0+h1)*d0 - h0*d1) / (h0 + h1)
	if s*d0 <= 0 {
		return 0
	}
	if d0*d1 < 0 && math.Abs(s) > 3*math.Abs(d0) {
		return 3 * d0
	}
	return s
}

// Len returns the number of knots.
func (c *Curve) Len() int {
	return len(c.xs)
}

// Points returns a copy of the knots.
func (c *Curve) Points() []Point {
	points := make([]Point, len(c.xs))
	for i := range c.xs {
		points[i] = Point{c.xs[i], c.ys[i]}
	}
	return points
}

// Interp evaluates the curve at x. Outside the knot range the nearest
// segment's polynomial is extrapolated.
func (c *Curve) Interp(x float64) float64 {
	n := len(c.xs)
	switch n {
	case 0:
		return 0
	case 1:
		return c.ys[0]
	}

	idx := sort.SearchFloat64s(c.xs, x)
	if idx < n && c.xs[idx] == x {
		return c.ys[idx]
	}

	k := idx - 1
	if k < 0 {
		k = 0
	} else if k > n-2 {
		k = n - 2
	}
	t := x - c.xs[k]
	return c.ys[k] + t*(c.c1[k]+t*(c.c2[k]+t*c.c3[k]))
}

// InterpMany evaluates the curve at every x.
func (c *Curve) InterpMany(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = c.Interp(x)
	}
	return out
}

// Flattened returns a curve with the same knot positions and all values zero.
func (c *Curve) Flattened() *Curve {
	return NewFromValues(c.xs, make([]float64, len(c.xs)))
}
