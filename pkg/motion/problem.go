package motion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"emfit/internal/models"
	"emfit/pkg/accel"
	"emfit/pkg/field"
	"emfit/pkg/optim"
)

const nuisanceTerms = 3

// bandProblem is the objective of one band. The vector holds the X field's
// control values, then the Y field's, then magnification, rotation and shear.
type bandProblem struct {
	acc    accel.Accelerator
	tiles  *accel.PhaseTiles
	n      int
	coords []models.Coord

	// weights is the sensitivity basis of both fields at coords
	weights [][]float64
	control int
	step    float64
}

func (p *bandProblem) encode(fx, fy *field.Field, n Nuisance) []float64 {
	x := append(fx.Values(), fy.Values()...)
	return append(x, n.Magnification, n.Rotation, n.Shear)
}

func (p *bandProblem) decode(like *field.Field, x []float64) (*field.Field, *field.Field, Nuisance, error) {
	fx, err := like.WithValues(x[:p.control])
	if err != nil {
		return nil, nil, Nuisance{}, err
	}
	fy, err := like.WithValues(x[p.control : 2*p.control])
	if err != nil {
		return nil, nil, Nuisance{}, err
	}
	return fx, fy, nuisanceOf(x[2*p.control:]), nil
}

func nuisanceOf(terms []float64) Nuisance {
	return Nuisance{Magnification: terms[0], Rotation: terms[1], Shear: terms[2]}
}

func (p *bandProblem) settings(o Options) optim.Settings {
	scales := make([]float64, 2*p.control+nuisanceTerms)
	for i := range scales {
		scales[i] = 1
	}
	return optim.Settings{
		MaxIterations:      o.MaxIterations,
		FuncTolerance:      o.Tolerance,
		ConvergeIterations: 20,
		Scales:             scales,
	}
}

// shifts evaluates both fields and the nuisance at every sample
func (p *bandProblem) shifts(x []float64) []accel.Shift {
	out := make([]accel.Shift, len(p.coords))
	n := nuisanceOf(x[2*p.control:])
	for s, c := range p.coords {
		out[s] = n.At(c)
	}
	for j := 0; j < p.control; j++ {
		vx, vy := x[j], x[p.control+j]
		if vx == 0 && vy == 0 {
			continue
		}
		for s, w := range p.weights[j] {
			out[s].X += w * vx
			out[s].Y += w * vy
		}
	}
	return out
}

// objective is the phase disagreement averaged over positions
func (p *bandProblem) objective(x []float64) (float64, error) {
	diffs, err := p.acc.PhaseDiff(p.tiles, p.shifts(x), p.n)
	if err != nil {
		return 0, err
	}
	mean := floats.Sum(diffs) / float64(len(diffs))
	if math.IsNaN(mean) {
		return 0, fmt.Errorf("phase disagreement at %d samples: %w", p.n, models.ErrInvalidObjective)
	}
	return mean, nil
}

// gradient reduces the accelerator's per-shift gradient onto the control
// points of both fields, and perturbs the nuisance terms by central differences
func (p *bandProblem) gradient(grad, x []float64) error {
	perShift, err := p.acc.PhaseGrad(p.tiles, p.shifts(x), p.n)
	if err != nil {
		return err
	}
	gx := make([]float64, len(perShift))
	gy := make([]float64, len(perShift))
	for s, g := range perShift {
		gx[s], gy[s] = g.X, g.Y
	}
	scale := 1 / float64(p.tiles.NPositions())
	floats.Scale(scale, gx)
	floats.Scale(scale, gy)
	copy(grad[:p.control], field.ReduceGradient(p.weights, gx, nil))
	copy(grad[p.control:2*p.control], field.ReduceGradient(p.weights, gy, nil))

	fields := x[:2*p.control]
	sub := func(terms []float64) (float64, error) {
		full := make([]float64, 0, len(x))
		full = append(full, fields...)
		return p.objective(append(full, terms...))
	}
	return optim.CentralDifference(sub, optim.UniformSteps(nuisanceTerms, p.step))(grad[2*p.control:], x[2*p.control:])
}
