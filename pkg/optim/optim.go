// Package optim wraps gonum's optimizers for the fitting stages.
//
// Objectives in this module usually cross an opaque boundary (the
// accelerator), so their gradients are built from central finite
// differences or from the control-point sensitivity basis of a field rather
// than derived analytically. The wrappers add per-parameter scaling, so a
// stage can state its step sizes in physical units, and turn an objective
// error into a returned error instead of a silently poisoned minimization.
package optim

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/optimize"

	"emfit/internal/models"
	"emfit/internal/parallel"
)

// Objective returns the value to minimize at x. A non-nil error aborts the
// minimization and is returned by the Minimize functions.
type Objective func(x []float64) (float64, error)

// Gradient fills grad with the gradient of an objective at x
type Gradient func(grad, x []float64) error

// Settings controls a single minimization
type Settings struct {
	// MaxIterations bounds the number of major iterations (0 means 200)
	MaxIterations int

	// FuncTolerance is the absolute improvement below which an iteration
	// counts as no progress
	FuncTolerance float64

	// ConvergeIterations is the number of iterations without progress
	// after which the minimization stops (0 means 10)
	ConvergeIterations int

	// GradientThreshold stops BFGS when the gradient norm falls below it
	GradientThreshold float64

	// Scales gives the size of a unit step for every parameter. The
	// optimizer works on x/scale, so its first trial step is on the order
	// of one scale unit. Nil means all ones.
	Scales []float64
}

// Result is the best location found by a minimization
type Result struct {
	X           []float64
	F           float64
	Iterations  int
	Evaluations int
	Status      string
}

// guard records the first error raised by an objective or gradient and
// reports it to gonum through Problem.Status
type guard struct {
	mu  sync.Mutex
	err error
}

func (g *guard) fail(err error) {
	g.mu.Lock()
	if g.err == nil {
		g.err = err
	}
	g.mu.Unlock()
}

func (g *guard) failed() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *guard) status() (optimize.Status, error) {
	if err := g.failed(); err != nil {
		return optimize.Failure, err
	}
	return optimize.NotTerminated, nil
}

func scalesFor(s Settings, n int) []float64 {
	scales := make([]float64, n)
	for i := range scales {
		scales[i] = 1
		if i < len(s.Scales) && s.Scales[i] > 0 {
			scales[i] = s.Scales[i]
		}
	}
	return scales
}

func toScaled(x, scales []float64) []float64 {
	z := make([]float64, len(x))
	for i := range x {
		z[i] = x[i] / scales[i]
	}
	return z
}

func fromScaled(z, scales []float64) []float64 {
	x := make([]float64, len(z))
	for i := range z {
		x[i] = z[i] * scales[i]
	}
	return x
}

func (s Settings) gonumSettings() *optimize.Settings {
	maxIter := s.MaxIterations
	if maxIter <= 0 {
		maxIter = 200
	}
	convIter := s.ConvergeIterations
	if convIter <= 0 {
		convIter = 10
	}
	return &optimize.Settings{
		MajorIterations: maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   s.FuncTolerance,
			Iterations: convIter,
		},
	}
}

// checkValue turns a NaN or infinite objective value into ErrInvalidObjective
func checkValue(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("objective value %v: %w", v, models.ErrInvalidObjective)
	}
	return nil
}

// problem builds the gonum problem in scaled coordinates
func problem(obj Objective, grad Gradient, scales []float64, g *guard) optimize.Problem {
	p := optimize.Problem{
		Func: func(z []float64) float64 {
			if g.failed() != nil {
				return math.MaxFloat64
			}
			v, err := obj(fromScaled(z, scales))
			if err == nil {
				err = checkValue(v)
			}
			if err != nil {
				g.fail(err)
				return math.MaxFloat64
			}
			return v
		},
		Status: g.status,
	}

	if grad != nil {
		p.Grad = func(gz, z []float64) {
			for i := range gz {
				gz[i] = 0
			}
			if g.failed() != nil {
				return
			}
			gx := make([]float64, len(z))
			if err := grad(gx, fromScaled(z, scales)); err != nil {
				g.fail(err)
				return
			}
			for i := range gz {
				if math.IsNaN(gx[i]) || math.IsInf(gx[i], 0) {
					g.fail(fmt.Errorf("gradient component %d is %v: %w", i, gx[i], models.ErrInvalidObjective))
					for j := range gz {
						gz[j] = 0
					}
					return
				}
				gz[i] = gx[i] * scales[i]
			}
		}
	}
	return p
}

// MinimizeBFGS minimizes obj from x0 with the BFGS quasi-Newton method.
//
// A line search that stops making progress is not an error: the best
// location seen so far is returned. An error raised by obj or grad, or a
// NaN/Inf value, aborts the minimization and is returned.
func MinimizeBFGS(obj Objective, grad Gradient, x0 []float64, s Settings) (*Result, error) {
	if grad == nil {
		return nil, fmt.Errorf("BFGS needs a gradient")
	}
	threshold := s.GradientThreshold
	if threshold <= 0 {
		threshold = 1e-10
	}
	return minimize(obj, grad, x0, s, &optimize.BFGS{GradStopThreshold: threshold})
}

// MinimizeNelderMead minimizes obj from x0 with the derivative-free simplex method
func MinimizeNelderMead(obj Objective, x0 []float64, s Settings) (*Result, error) {
	return minimize(obj, nil, x0, s, &optimize.NelderMead{SimplexSize: 1})
}

func minimize(obj Objective, grad Gradient, x0 []float64, s Settings, method optimize.Method) (*Result, error) {
	if len(x0) == 0 {
		v, err := obj(x0)
		if err == nil {
			err = checkValue(v)
		}
		if err != nil {
			return nil, err
		}
		return &Result{X: []float64{}, F: v, Status: "NoParameters"}, nil
	}

	scales := scalesFor(s, len(x0))
	g := &guard{}
	p := problem(obj, grad, scales, g)

	res, err := optimize.Minimize(p, toScaled(x0, scales), s.gonumSettings(), method)
	if ferr := g.failed(); ferr != nil {
		return nil, ferr
	}
	if res == nil {
		return nil, fmt.Errorf("minimization failed: %w", err)
	}

	return &Result{
		X:           fromScaled(res.X, scales),
		F:           res.F,
		Iterations:  res.Stats.MajorIterations,
		Evaluations: res.Stats.FuncEvaluations,
		Status:      res.Status.String(),
	}, nil
}

// CentralDifference returns a gradient of obj built from symmetric finite
// differences with one step per parameter. Perturbed evaluations run in
// parallel, so obj must be safe for concurrent use.
func CentralDifference(obj Objective, steps []float64) Gradient {
	return func(grad, x []float64) error {
		errs := make([]error, len(x))
		parallel.For(len(x), func(i int) {
			h := steps[i]
			xp := make([]float64, len(x))
			copy(xp, x)

			xp[i] = x[i] + h
			fp, err := obj(xp)
			if err != nil {
				errs[i] = err
				return
			}
			xp[i] = x[i] - h
			fm, err := obj(xp)
			if err != nil {
				errs[i] = err
				return
			}
			grad[i] = (fp - fm) / (2 * h)
		})
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil
	}
}

// UniformSteps returns n copies of step
func UniformSteps(n int, step float64) []float64 {
	steps := make([]float64, n)
	for i := range steps {
		steps[i] = step
	}
	return steps
}
