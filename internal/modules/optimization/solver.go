package optimization

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Default solver settings.
const (
	DefaultFunctionTolerance    = 1e-12
	DefaultMaxIterations        = 10000
	DefaultFeasibilityTolerance = 1e-6
)

// Problem is a smooth objective with one linear equality constraint
// Equality·x = Target and per-variable bounds Lower ≤ x ≤ Upper.
type Problem struct {
	Func func(x []float64) float64
	Grad func(grad, x []float64)

	Equality []float64
	Target   float64
	Lower    []float64
	Upper    []float64
}

// Settings controls termination of Minimize.
type Settings struct {
	// FunctionTolerance stops the iteration once the objective improves by
	// less than this amount in one step.
	FunctionTolerance float64
	MaxIterations     int
	// FeasibilityTolerance is the accepted violation of the equality and
	// bound constraints, both for the starting point and for the result.
	FeasibilityTolerance float64
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		FunctionTolerance:    DefaultFunctionTolerance,
		MaxIterations:        DefaultMaxIterations,
		FeasibilityTolerance: DefaultFeasibilityTolerance,
	}
}

func (s Settings) withDefaults() Settings {
	if s.FunctionTolerance <= 0 {
		s.FunctionTolerance = DefaultFunctionTolerance
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.FeasibilityTolerance <= 0 {
		s.FeasibilityTolerance = DefaultFeasibilityTolerance
	}
	return s
}

// Result is a converged solution of Minimize.
type Result struct {
	X               []float64
	F               float64
	Iterations      int
	FuncEvaluations int
	Status          optimize.Status
}

// Minimize solves p from the feasible starting point x0 by sequential
// quadratic programming: each iteration solves a QP subproblem built from a
// damped BFGS approximation of the Hessian, then backtracks along the QP step
// until the Armijo condition holds. Every iterate is feasible.
//
// Failures are returned as *OptimizationError.
func Minimize(p Problem, x0 []float64, settings Settings, log zerolog.Logger) (*Result, error) {
	settings = settings.withDefaults()
	if err := p.validate(x0, settings.FeasibilityTolerance); err != nil {
		return nil, &OptimizationError{Message: err.Error(), Status: optimize.Failure}
	}

	n := len(x0)
	x := append([]float64(nil), x0...)
	f := p.Func(x)
	evals := 1
	if !isFinite(f) {
		return nil, &OptimizationError{Message: "objective is not finite at the starting point", Status: optimize.Failure}
	}
	g := make([]float64, n)
	p.Grad(g, x)
	if !allFinite(g) {
		return nil, &OptimizationError{Message: "gradient is not finite at the starting point", Status: optimize.Failure}
	}

	hess := identity(n)
	freshHessian := true
	lo := make([]float64, n)
	hi := make([]float64, n)
	xNew := make([]float64, n)
	gNew := make([]float64, n)

	for iter := 1; iter <= settings.MaxIterations; iter++ {
		for i := range x {
			lo[i] = p.Lower[i] - x[i]
			hi[i] = p.Upper[i] - x[i]
			if lo[i] > 0 {
				lo[i] = 0
			}
			if hi[i] < 0 {
				hi[i] = 0
			}
		}
		qp := qpSubproblem{B: hess, g: g, a: p.Equality, lo: lo, hi: hi}
		d, err := qp.solve()
		if err != nil {
			return nil, &OptimizationError{Message: err.Error(), Status: optimize.Failure, Iterations: iter}
		}

		slope := floats.Dot(g, d)
		if floats.Norm(d, math.Inf(1)) <= 1e-14 || slope >= 0 {
			log.Debug().
				Int("iterations", iter).
				Float64("objective", f).
				Msg("Stationary point reached")
			return &Result{X: x, F: f, Iterations: iter, FuncEvaluations: evals, Status: optimize.Success}, nil
		}

		fNew, used, err := lineSearch(p, x, d, f, slope, xNew)
		evals += used
		if err != nil {
			if math.Abs(slope) < settings.FunctionTolerance {
				// Predicted decrease is below tolerance; nothing left to gain.
				return &Result{X: x, F: f, Iterations: iter, FuncEvaluations: evals, Status: optimize.FunctionConvergence}, nil
			}
			if freshHessian {
				return nil, &OptimizationError{
					Message:    "positive directional derivative for linesearch",
					Status:     optimize.Failure,
					Iterations: iter,
				}
			}
			log.Debug().Int("iteration", iter).Msg("Line search failed, resetting Hessian approximation")
			hess = identity(n)
			freshHessian = true
			continue
		}

		p.Grad(gNew, xNew)
		if !allFinite(gNew) {
			return nil, &OptimizationError{Message: "gradient is not finite", Status: optimize.Failure, Iterations: iter}
		}

		if freshHessian {
			if gamma, ok := initialCurvature(x, xNew, g, gNew); ok {
				hess = scaledIdentity(n, gamma)
			}
		}
		if updateBFGS(hess, x, xNew, g, gNew) {
			freshHessian = false
		} else {
			hess = identity(n)
			freshHessian = true
		}

		improvement := f - fNew
		copy(x, xNew)
		copy(g, gNew)
		f = fNew

		if math.Abs(improvement) < settings.FunctionTolerance {
			log.Debug().
				Int("iterations", iter).
				Float64("objective", f).
				Msg("Objective converged")
			return &Result{X: x, F: f, Iterations: iter, FuncEvaluations: evals, Status: optimize.FunctionConvergence}, nil
		}
	}

	return nil, &OptimizationError{
		Message:    "iteration limit reached",
		Status:     optimize.IterationLimit,
		Iterations: settings.MaxIterations,
	}
}

// lineSearch backtracks from the full step x + d until the Armijo condition
// holds, writing the accepted point into dst. It returns the objective there
// and the number of evaluations spent.
func lineSearch(p Problem, x, d []float64, f, slope float64, dst []float64) (float64, int, error) {
	ls := &optimize.Backtracking{DecreaseFactor: 1e-4, ContractionFactor: 0.5}
	step := 1.0
	op := ls.Init(f, slope, step)
	evals := 0
	for op == optimize.FuncEvaluation {
		for i := range x {
			dst[i] = clamp(x[i]+step*d[i], p.Lower[i], p.Upper[i])
		}
		fNew := p.Func(dst)
		evals++
		if !isFinite(fNew) {
			fNew = math.Inf(1)
		}
		var err error
		op, step, err = ls.Iterate(fNew, math.NaN())
		if err != nil {
			return 0, evals, err
		}
		if op == optimize.MajorIteration {
			return fNew, evals, nil
		}
	}
	return 0, evals, errors.New("line search stopped without an accepted step")
}

// updateBFGS applies Powell's damped BFGS update to hess in place. It reports
// false when the update could not be applied and the approximation should be
// reset.
func updateBFGS(hess *mat.SymDense, x, xNew, g, gNew []float64) bool {
	n := len(x)
	s := make([]float64, n)
	y := make([]float64, n)
	floats.SubTo(s, xNew, x)
	floats.SubTo(y, gNew, g)

	sv := mat.NewVecDense(n, s)
	var bs mat.VecDense
	bs.MulVec(hess, sv)
	sBs := mat.Dot(sv, &bs)
	if sBs <= 1e-20 {
		return true
	}

	sy := floats.Dot(s, y)
	theta := 1.0
	if sy < 0.2*sBs {
		theta = 0.8 * sBs / (sBs - sy)
	}
	// r = θy + (1-θ)Bs
	r := mat.NewVecDense(n, scaled(y, theta))
	r.AddScaledVec(r, 1-theta, &bs)
	sr := mat.Dot(sv, r)
	if sr <= 1e-20 {
		return true
	}

	hess.SymRankOne(hess, -1/sBs, &bs)
	hess.SymRankOne(hess, 1/sr, r)

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if !isFinite(hess.At(i, j)) {
				return false
			}
		}
	}
	return true
}

func (p Problem) validate(x0 []float64, tol float64) error {
	n := len(x0)
	if n == 0 {
		return errors.New("empty starting point")
	}
	if p.Func == nil || p.Grad == nil {
		return errors.New("objective and gradient are required")
	}
	if len(p.Equality) != n || len(p.Lower) != n || len(p.Upper) != n {
		return fmt.Errorf("constraint dimensions do not match %d variables", n)
	}
	nonzero := false
	for i := 0; i < n; i++ {
		if p.Lower[i] > p.Upper[i] {
			return fmt.Errorf("lower bound exceeds upper bound for variable %d", i)
		}
		if x0[i] < p.Lower[i]-tol || x0[i] > p.Upper[i]+tol {
			return fmt.Errorf("starting point violates bounds for variable %d", i)
		}
		if p.Equality[i] != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		return errors.New("equality constraint has no nonzero coefficients")
	}
	if r := floats.Dot(p.Equality, x0) - p.Target; math.Abs(r) > tol {
		return fmt.Errorf("starting point violates equality constraint by %.3g", r)
	}
	return nil
}

// initialCurvature returns yᵀy/sᵀy for the step s = xNew-x and gradient
// change y = gNew-g. Scaling a fresh identity Hessian by it matches the
// approximation to the magnitude of the objective.
func initialCurvature(x, xNew, g, gNew []float64) (float64, bool) {
	var sy, yy float64
	for i := range x {
		s := xNew[i] - x[i]
		y := gNew[i] - g[i]
		sy += s * y
		yy += y * y
	}
	if sy <= 0 || yy <= 0 {
		return 0, false
	}
	gamma := yy / sy
	return gamma, isFinite(gamma)
}

func identity(n int) *mat.SymDense {
	return scaledIdentity(n, 1)
}

func scaledIdentity(n int, v float64) *mat.SymDense {
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		m.SetSym(i, i, v)
	}
	return m
}

func scaled(v []float64, f float64) []float64 {
	out := make([]float64, len(v))
	floats.ScaleTo(out, f, v)
	return out
}

func clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if !isFinite(x) {
			return false
		}
	}
	return true
}
