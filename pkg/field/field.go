// Package field implements the smooth parametric fields used to describe
// defocus and motion over space and time.
//
// A Field holds one scalar per control point on a regular (X, Y, Z) grid that
// spans the normalized domain [0,1]^3. Values between control points are
// obtained by reducing along X, then Y, then Z, each time with a local cubic
// through the (at most) four nearest control points on that axis. The field
// is therefore linear in its control values, which is what makes the
// control-point sensitivity basis (see ComputeWiggleWeights) exact.
package field

import (
	"fmt"
	"math"

	"emfit/internal/models"
)

// Dims is the number of control points (or samples) along each axis.
type Dims struct {
	X, Y, Z int
}

// Elements returns the total number of points in the grid.
func (d Dims) Elements() int {
	return d.X * d.Y * d.Z
}

// Index returns the linear index of (x, y, z); x varies fastest.
func (d Dims) Index(x, y, z int) int {
	return (z*d.Y+y)*d.X + x
}

// Valid reports whether every axis has at least one point.
func (d Dims) Valid() bool {
	return d.X > 0 && d.Y > 0 && d.Z > 0
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

// Field is a smooth scalar field over up to three axes.
type Field struct {
	dims   Dims
	values []float64
}

// New creates a field with the given control values.
//
// Parameters:
//   - dims: The control grid, at least one point per axis
//   - values: One value per control point in Dims.Index order; the slice is copied
//
// Returns:
//   - The field, or models.ErrDimensionMismatch if values does not fill dims
func New(dims Dims, values []float64) (*Field, error) {
	if !dims.Valid() {
		return nil, fmt.Errorf("field dims %v: %w", dims, models.ErrDimensionMismatch)
	}
	if len(values) != dims.Elements() {
		return nil, fmt.Errorf("field dims %v need %d values, got %d: %w",
			dims, dims.Elements(), len(values), models.ErrDimensionMismatch)
	}
	v := make([]float64, len(values))
	copy(v, values)
	return &Field{dims: dims, values: v}, nil
}

// NewConstant creates a field with every control point set to value.
func NewConstant(dims Dims, value float64) *Field {
	if !dims.Valid() {
		dims = Dims{1, 1, 1}
	}
	v := make([]float64, dims.Elements())
	for i := range v {
		v[i] = value
	}
	return &Field{dims: dims, values: v}
}

// Dims returns the control grid dimensions.
func (f *Field) Dims() Dims {
	return f.dims
}

// Len returns the number of control points.
func (f *Field) Len() int {
	return len(f.values)
}

// Value returns the value of control point i.
func (f *Field) Value(i int) float64 {
	return f.values[i]
}

// Values returns a copy of the control values.
func (f *Field) Values() []float64 {
	v := make([]float64, len(f.values))
	copy(v, f.values)
	return v
}

// WithValues returns a field of the same geometry with new control values.
func (f *Field) WithValues(values []float64) (*Field, error) {
	return New(f.dims, values)
}

// controlCoord1D returns the normalized coordinate of control point i out of n.
// A single point sits at the center of the axis.
func controlCoord1D(i, n int) float64 {
	if n <= 1 {
		return 0.5
	}
	return float64(i) / float64(n-1)
}

// ControlCoord returns the normalized coordinate of control point i.
func (f *Field) ControlCoord(i int) models.Coord {
	x := i % f.dims.X
	y := (i / f.dims.X) % f.dims.Y
	z := i / (f.dims.X * f.dims.Y)
	return models.Coord{
		X: controlCoord1D(x, f.dims.X),
		Y: controlCoord1D(y, f.dims.Y),
		Z: controlCoord1D(z, f.dims.Z),
	}
}

// stencil is the local cubic along one axis: weights for n consecutive
// control points starting at start
type stencil struct {
	start int
	n     int
	w     [4]float64
}

// axisStencil builds the cubic through the (at most) 4 control points
// nearest to the normalized coordinate c on an axis of n points.
func axisStencil(n int, c float64) stencil {
	if n <= 1 {
		return stencil{start: 0, n: 1, w: [4]float64{1}}
	}

	if c < 0 {
		c = 0
	} else if c > 1 {
		c = 1
	}
	u := c * float64(n-1)

	// Snap coordinates that sit on a control point so the stored value is returned exactly
	k := math.Round(u)
	if math.Abs(u-k) < 1e-9 {
		return stencil{start: int(k), n: 1, w: [4]float64{1}}
	}

	i := int(math.Floor(u))
	count := 4
	if n < count {
		count = n
	}
	start := i - 1
	if start+count > n {
		start = n - count
	}
	if start < 0 {
		start = 0
	}

	s := stencil{start: start, n: count}
	for j := 0; j < count; j++ {
		xj := float64(start + j)
		w := 1.0
		for m := 0; m < count; m++ {
			if m == j {
				continue
			}
			xm := float64(start + m)
			w *= (u - xm) / (xj - xm)
		}
		s.w[j] = w
	}
	return s
}

// Evaluate returns the field value at a normalized coordinate.
// Coordinates outside [0,1] are clamped. Axes with a single control point
// are constant along that axis.
//
// Parameters:
//   - c: The coordinate, with X and Y in image space and Z in time
//
// Returns:
//   - The interpolated value
func (f *Field) Evaluate(c models.Coord) float64 {
	sx := axisStencil(f.dims.X, c.X)
	sy := axisStencil(f.dims.Y, c.Y)
	sz := axisStencil(f.dims.Z, c.Z)
	return f.evaluateStencils(sx, sy, sz)
}

// evaluateStencils reduces along X for every needed (y, z) row, then along Y
// for every needed z, then along Z.
func (f *Field) evaluateStencils(sx, sy, sz stencil) float64 {
	var alongY [4]float64
	for iz := 0; iz < sz.n; iz++ {
		z := sz.start + iz

		var alongX [4]float64
		for iy := 0; iy < sy.n; iy++ {
			y := sy.start + iy
			row := f.dims.Index(sx.start, y, z)
			v := 0.0
			for ix := 0; ix < sx.n; ix++ {
				v += sx.w[ix] * f.values[row+ix]
			}
			alongX[iy] = v
		}

		v := 0.0
		for iy := 0; iy < sy.n; iy++ {
			v += sy.w[iy] * alongX[iy]
		}
		alongY[iz] = v
	}

	v := 0.0
	for iz := 0; iz < sz.n; iz++ {
		v += sz.w[iz] * alongY[iz]
	}
	return v
}

// EvaluateAt evaluates the field at every coordinate.
func (f *Field) EvaluateAt(coords []models.Coord) []float64 {
	out := make([]float64, len(coords))
	for i, c := range coords {
		out[i] = f.Evaluate(c)
	}
	return out
}

// EvaluateBatch evaluates the field on a regular sampling grid whose spatial
// tiles overlap by the given fraction of their size (see SampleCoords).
func (f *Field) EvaluateBatch(grid Dims, overlap float64) []float64 {
	return f.EvaluateAt(SampleCoords(grid, overlap))
}

// SampleCoords returns the normalized coordinates of a regular sampling grid.
//
// Along X and Y the samples are the centers of grid.X (grid.Y) equally sized
// tiles that cover the axis and overlap by overlap times their size. Along Z
// the samples are i/(n-1), so frame i of n lands on control point i of a
// field with n points in time. A single sample sits at 0.5.
func SampleCoords(grid Dims, overlap float64) []models.Coord {
	xs := tileCenters(grid.X, overlap)
	ys := tileCenters(grid.Y, overlap)
	zs := make([]float64, grid.Z)
	for i := range zs {
		zs[i] = controlCoord1D(i, grid.Z)
	}

	coords := make([]models.Coord, 0, grid.Elements())
	for z := 0; z < grid.Z; z++ {
		for y := 0; y < grid.Y; y++ {
			for x := 0; x < grid.X; x++ {
				coords = append(coords, models.Coord{X: xs[x], Y: ys[y], Z: zs[z]})
			}
		}
	}
	return coords
}

func tileCenters(n int, overlap float64) []float64 {
	centers := make([]float64, n)
	if n == 1 {
		centers[0] = 0.5
		return centers
	}
	if overlap < 0 {
		overlap = 0
	} else if overlap >= 1 {
		overlap = 0.99
	}
	size := 1 / (float64(n) - float64(n-1)*overlap)
	step := size * (1 - overlap)
	for i := range centers {
		centers[i] = size/2 + float64(i)*step
	}
	return centers
}

// Resize re-samples the field at the control coordinates of a new grid.
// Refining a grid this way keeps the field's shape, so a coarse solution can
// seed a finer one.
func (f *Field) Resize(dims Dims) *Field {
	if !dims.Valid() {
		dims = Dims{1, 1, 1}
	}
	out := &Field{dims: dims, values: make([]float64, dims.Elements())}
	for i := range out.values {
		out.values[i] = f.Evaluate(out.ControlCoord(i))
	}
	return out
}

// Shift returns a copy with delta added to every control value.
func (f *Field) Shift(delta float64) *Field {
	out := &Field{dims: f.dims, values: f.Values()}
	for i := range out.values {
		out.values[i] += delta
	}
	return out
}

// Add returns the sum of two fields with identical geometry.
func (f *Field) Add(other *Field) (*Field, error) {
	if f.dims != other.dims {
		return nil, fmt.Errorf("adding %v field to %v field: %w", other.dims, f.dims, models.ErrDimensionMismatch)
	}
	out := &Field{dims: f.dims, values: f.Values()}
	for i := range out.values {
		out.values[i] += other.values[i]
	}
	return out, nil
}

// CenterOverTime returns a copy in which every spatial control column has
// zero mean over the given normalized times. Because interpolation along Z
// reproduces constants, every position of the result then has zero mean
// over those times.
func (f *Field) CenterOverTime(times []float64) *Field {
	out := &Field{dims: f.dims, values: f.Values()}
	if len(times) == 0 {
		return out
	}

	stencils := make([]stencil, len(times))
	for i, t := range times {
		stencils[i] = axisStencil(f.dims.Z, t)
	}

	for y := 0; y < f.dims.Y; y++ {
		for x := 0; x < f.dims.X; x++ {
			mean := 0.0
			for _, s := range stencils {
				for j := 0; j < s.n; j++ {
					mean += s.w[j] * f.values[f.dims.Index(x, y, s.start+j)]
				}
			}
			mean /= float64(len(times))

			for z := 0; z < f.dims.Z; z++ {
				out.values[f.dims.Index(x, y, z)] -= mean
			}
		}
	}
	return out
}

// CollapseAlongSpace returns the mean control value of every time slice.
func (f *Field) CollapseAlongSpace() []float64 {
	out := make([]float64, f.dims.Z)
	perSlice := f.dims.X * f.dims.Y
	for z := 0; z < f.dims.Z; z++ {
		sum := 0.0
		for i := 0; i < perSlice; i++ {
			sum += f.values[z*perSlice+i]
		}
		out[z] = sum / float64(perSlice)
	}
	return out
}

// CollapseAlongTime returns a single-slice field holding the mean over time
// of every spatial control column.
func (f *Field) CollapseAlongTime() *Field {
	dims := Dims{f.dims.X, f.dims.Y, 1}
	out := &Field{dims: dims, values: make([]float64, dims.Elements())}
	for y := 0; y < f.dims.Y; y++ {
		for x := 0; x < f.dims.X; x++ {
			sum := 0.0
			for z := 0; z < f.dims.Z; z++ {
				sum += f.values[f.dims.Index(x, y, z)]
			}
			out.values[dims.Index(x, y, 0)] = sum / float64(f.dims.Z)
		}
	}
	return out
}
