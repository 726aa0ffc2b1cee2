package field

import (
	"emfit/internal/models"
	"emfit/internal/parallel"
)

// ComputeWiggleWeights returns the control-point sensitivity basis of the
// field on a regular sampling grid (see SampleCoords).
func (f *Field) ComputeWiggleWeights(grid Dims, overlap float64) [][]float64 {
	return f.ComputeWiggleWeightsAt(SampleCoords(grid, overlap))
}

// ComputeWiggleWeightsAt returns, for every control point i, the response of
// the field at coords to a unit perturbation of only that point.
//
// Because the field is linear in its control values, the derivative of any
// per-sample quantity g(s) with respect to control point i is
// sum_s g'(s) * weights[i][s]. Orchestrators use this to turn one pair of
// perturbed evaluations into a gradient over every control point.
func (f *Field) ComputeWiggleWeightsAt(coords []models.Coord) [][]float64 {
	n := f.Len()
	weights := make([][]float64, n)

	sx := make([]stencil, len(coords))
	sy := make([]stencil, len(coords))
	sz := make([]stencil, len(coords))
	for s, c := range coords {
		sx[s] = axisStencil(f.dims.X, c.X)
		sy[s] = axisStencil(f.dims.Y, c.Y)
		sz[s] = axisStencil(f.dims.Z, c.Z)
	}

	parallel.For(n, func(i int) {
		unit := &Field{dims: f.dims, values: make([]float64, n)}
		unit.values[i] = 1

		w := make([]float64, len(coords))
		for s := range coords {
			w[s] = unit.evaluateStencils(sx[s], sy[s], sz[s])
		}
		weights[i] = w
	})

	return weights
}

// ReduceGradient projects a per-sample gradient onto the control points using
// a sensitivity basis computed by ComputeWiggleWeightsAt. Samples whose
// include flag is false contribute nothing; include may be nil.
func ReduceGradient(weights [][]float64, perSample []float64, include []bool) []float64 {
	grad := make([]float64, len(weights))
	parallel.For(len(weights), func(i int) {
		sum := 0.0
		for s, g := range perSample {
			if include != nil && !include[s] {
				continue
			}
			sum += weights[i][s] * g
		}
		grad[i] = sum
	})
	return grad
}
