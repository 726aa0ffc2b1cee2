package ctffit

import (
	"fmt"
	"math"

	"emfit/internal/models"
	"emfit/pkg/ctf"
	"emfit/pkg/field"
	"emfit/pkg/optim"
)

// Refinement vector layout: the defocus field's control values, then
// (δ·cos 2θ, δ·sin 2θ) with DoAstigmatism, then the phase shift with DoPhase.

func (s *session) encode() []float64 {
	x := s.defocus.Values()
	if s.opts.DoAstigmatism {
		angle := 2 * s.params.DefocusAngle * math.Pi / 180
		x = append(x, s.params.DefocusDelta*math.Cos(angle), s.params.DefocusDelta*math.Sin(angle))
	}
	if s.opts.DoPhase {
		x = append(x, s.params.PhaseShift)
	}
	return x
}

// shared returns the parameters common to every tile encoded in x
func (s *session) shared(x []float64) ctf.Parameters {
	p := s.params
	i := s.defocus.Len()
	if s.opts.DoAstigmatism {
		p.DefocusDelta = math.Hypot(x[i], x[i+1])
		p.DefocusAngle = math.Atan2(x[i+1], x[i]) / 2 * 180 / math.Pi
		i += 2
	}
	if s.opts.DoPhase {
		p.PhaseShift = x[i]
	}
	return p.Normalized()
}

// tileDefocus evaluates the defocus field encoded in x at every tile
func (s *session) tileDefocus(x []float64) []float64 {
	out := make([]float64, len(s.set.Tiles))
	for j := 0; j < s.defocus.Len(); j++ {
		for i, w := range s.weights[j] {
			out[i] += w * x[j]
		}
	}
	return out
}

// trials returns every tile's parameters for x, with offset added to the
// defocus of all of them
func (s *session) trials(x []float64, offset float64) []ctf.Parameters {
	p := s.shared(x)
	defoci := s.tileDefocus(x)
	out := make([]ctf.Parameters, len(defoci))
	for i, d := range defoci {
		out[i] = p
		out[i].Defocus = d + offset
	}
	return out
}

func (s *session) scores(x []float64, offset float64) ([]float64, error) {
	return s.acc.CompareToSimulated(s.normalized, s.set.Grid, s.opts.Band, s.trials(x, offset))
}

// objective is one minus the mean score of the included tiles
func (s *session) objective(x []float64) (float64, error) {
	scores, err := s.scores(x, 0)
	if err != nil {
		return 0, err
	}
	sum, n := 0.0, 0
	for i, sc := range scores {
		if !s.include[i] {
			continue
		}
		if math.IsNaN(sc) {
			return 0, fmt.Errorf("tile %d scores NaN at %v: %w", i, x, models.ErrInvalidObjective)
		}
		sum += sc
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("no tiles included: %w", models.ErrInvalidObjective)
	}
	return 1 - sum/float64(n), nil
}

// gradient computes the defocus part from one pair of shifted evaluations
// of all tiles, reduced onto the control points through the field's
// sensitivity basis, and the shared parameters by central differences
func (s *session) gradient(grad, x []float64) error {
	h := s.opts.DefocusStep
	plus, err := s.scores(x, h)
	if err != nil {
		return err
	}
	minus, err := s.scores(x, -h)
	if err != nil {
		return err
	}
	included := 0
	for _, in := range s.include {
		if in {
			included++
		}
	}
	perTile := make([]float64, len(plus))
	for i := range perTile {
		perTile[i] = -(plus[i] - minus[i]) / (2 * h) / float64(included)
	}
	nD := s.defocus.Len()
	copy(grad[:nD], field.ReduceGradient(s.weights, perTile, s.include))

	if len(x) == nD {
		return nil
	}
	sub := func(extra []float64) (float64, error) {
		full := make([]float64, 0, len(x))
		full = append(full, x[:nD]...)
		return s.objective(append(full, extra...))
	}
	return optim.CentralDifference(sub, s.extraSteps())(grad[nD:], x[nD:])
}

func (s *session) extraSteps() []float64 {
	var steps []float64
	if s.opts.DoAstigmatism {
		steps = append(steps, s.opts.AstigmatismStep, s.opts.AstigmatismStep)
	}
	if s.opts.DoPhase {
		steps = append(steps, s.opts.PhaseStep)
	}
	return steps
}

func (s *session) scales() []float64 {
	scales := optim.UniformSteps(s.defocus.Len(), 0.02)
	if s.opts.DoAstigmatism {
		scales = append(scales, 0.02, 0.02)
	}
	if s.opts.DoPhase {
		scales = append(scales, 0.05)
	}
	return scales
}

// refine minimizes the objective from the current vector and stores the
// result in the defocus field and the shared parameters
func (s *session) refine(tolerance float64) error {
	settings := optim.Settings{
		MaxIterations: s.opts.MaxIterations,
		FuncTolerance: tolerance,
		Scales:        s.scales(),
	}
	res, err := optim.MinimizeBFGS(s.objective, s.gradient, s.x, settings)
	if err != nil {
		return fmt.Errorf("refining parameters: %w", err)
	}

	s.x = res.X
	defocus, err := s.defocus.WithValues(res.X[:s.defocus.Len()])
	if err != nil {
		return err
	}
	s.defocus = defocus

	p := s.shared(res.X)
	if s.opts.DoPhase {
		p.PhaseShift = math.Mod(p.PhaseShift, math.Pi)
		if p.PhaseShift < 0 {
			p.PhaseShift += math.Pi
		}
	}
	p.Defocus = s.meanDefocus(s.trials(res.X, 0))
	s.params = p
	return nil
}
