package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// sharpePenalty is returned by the negative-Sharpe objective when portfolio
// volatility is numerically zero.
const sharpePenalty = 1e6

// minVolatility is the volatility below which the Sharpe ratio is treated as
// undefined inside the optimizer.
const minVolatility = 1e-12

// Strategy names an optimization objective.
type Strategy string

const (
	StrategyMinVolatility Strategy = "min_volatility"
	StrategyMaxSharpe     Strategy = "max_sharpe"
)

// Solution is a validated long-only, fully-invested weight vector.
type Solution struct {
	Weights    []float64
	Objective  float64
	Iterations int
	Status     optimize.Status
}

// MVOptimizer performs mean-variance portfolio optimization over the
// long-only simplex: Σw = 1, 0 ≤ w_i ≤ 1.
type MVOptimizer struct {
	settings Settings
	log      zerolog.Logger
}

// NewMVOptimizer creates a new mean-variance optimizer.
func NewMVOptimizer(settings Settings, log zerolog.Logger) *MVOptimizer {
	return &MVOptimizer{
		settings: settings.withDefaults(),
		log:      log.With().Str("component", "mv_optimizer").Logger(),
	}
}

// Optimize dispatches on strategy. mean may be nil for min_volatility.
//
// Mathematical formulation:
//   - min_volatility: minimize w'Σw
//   - max_sharpe: minimize -(μ'w - r_f) / sqrt(w'Σw)
//
// Constraints:
//   - Σw = 1
//   - 0 ≤ w_i ≤ 1
func (mvo *MVOptimizer) Optimize(strategy Strategy, mean []float64, cov mat.Symmetric, riskFreeRate float64) (*Solution, error) {
	switch strategy {
	case StrategyMinVolatility:
		return mvo.MinVariance(cov)
	case StrategyMaxSharpe:
		return mvo.MaxSharpe(mean, cov, riskFreeRate)
	default:
		return nil, fmt.Errorf("unknown strategy: %s", strategy)
	}
}

// MinVariance minimizes w'Σw.
func (mvo *MVOptimizer) MinVariance(cov mat.Symmetric) (*Solution, error) {
	if err := checkUniverse(cov); err != nil {
		return nil, err
	}
	n := cov.SymmetricDim()

	problem := mvo.simplexProblem(n)
	problem.Func = func(w []float64) float64 {
		return quadForm(w, cov)
	}
	problem.Grad = func(grad, w []float64) {
		// ∇ = 2Σw
		g := mat.NewVecDense(n, grad)
		g.MulVec(cov, mat.NewVecDense(n, w))
		floats.Scale(2, grad)
	}

	return mvo.solve(StrategyMinVolatility, problem, n)
}

// MaxSharpe maximizes (μ'w - r_f) / sqrt(w'Σw) by minimizing its negation.
func (mvo *MVOptimizer) MaxSharpe(mean []float64, cov mat.Symmetric, riskFreeRate float64) (*Solution, error) {
	if err := checkUniverse(cov); err != nil {
		return nil, err
	}
	n := cov.SymmetricDim()
	if len(mean) != n {
		return nil, fmt.Errorf("%w: %d expected returns for %d assets", ErrInvalidUniverse, len(mean), n)
	}
	if !allFinite(mean) {
		return nil, fmt.Errorf("%w: non-finite expected return", ErrInvalidReturns)
	}

	problem := mvo.simplexProblem(n)
	problem.Func = func(w []float64) float64 {
		vol := math.Sqrt(math.Max(quadForm(w, cov), 0))
		if vol < minVolatility {
			return sharpePenalty
		}
		return -(floats.Dot(mean, w) - riskFreeRate) / vol
	}
	problem.Grad = func(grad, w []float64) {
		sigmaW := mat.NewVecDense(n, nil)
		sigmaW.MulVec(cov, mat.NewVecDense(n, w))
		variance := math.Max(mat.Dot(mat.NewVecDense(n, w), sigmaW), 0)
		vol := math.Sqrt(variance)
		if vol < minVolatility {
			for i := range grad {
				grad[i] = 0
			}
			return
		}
		excess := floats.Dot(mean, w) - riskFreeRate
		// ∇ = -μ/σ + (μ'w - r_f)·Σw/σ³
		for i := range grad {
			grad[i] = -mean[i]/vol + excess*sigmaW.AtVec(i)/(variance*vol)
		}
	}

	return mvo.solve(StrategyMaxSharpe, problem, n)
}

// simplexProblem returns the constraint set shared by both strategies.
func (mvo *MVOptimizer) simplexProblem(n int) Problem {
	ones := make([]float64, n)
	upper := make([]float64, n)
	for i := range ones {
		ones[i] = 1
		upper[i] = 1
	}
	return Problem{
		Equality: ones,
		Target:   1,
		Lower:    make([]float64, n),
		Upper:    upper,
	}
}

func (mvo *MVOptimizer) solve(strategy Strategy, problem Problem, n int) (*Solution, error) {
	initial := EqualWeights(n)

	result, err := Minimize(problem, initial, mvo.settings, mvo.log)
	if err != nil {
		mvo.log.Warn().
			Str("strategy", string(strategy)).
			Int("num_assets", n).
			Err(err).
			Msg("Optimization failed")
		return nil, err
	}

	weights, err := validateWeights(result.X, mvo.settings.FeasibilityTolerance)
	if err != nil {
		if oe, ok := err.(*OptimizationError); ok {
			oe.Status = result.Status
			oe.Iterations = result.Iterations
		}
		mvo.log.Warn().
			Str("strategy", string(strategy)).
			Err(err).
			Msg("Solver result failed feasibility validation")
		return nil, err
	}

	mvo.log.Debug().
		Str("strategy", string(strategy)).
		Int("num_assets", n).
		Int("iterations", result.Iterations).
		Int("evaluations", result.FuncEvaluations).
		Float64("objective", result.F).
		Str("status", result.Status.String()).
		Msg("Optimization converged")

	return &Solution{
		Weights:    weights,
		Objective:  result.F,
		Iterations: result.Iterations,
		Status:     result.Status,
	}, nil
}

// validateWeights re-checks the simplex constraints on a solver result. Bound
// overshoots within tol are clipped; anything larger, a sum off by more than
// tol, or a non-finite entry is an *OptimizationError.
func validateWeights(x []float64, tol float64) ([]float64, error) {
	weights := make([]float64, len(x))
	for i, w := range x {
		if !isFinite(w) {
			return nil, &OptimizationError{Message: fmt.Sprintf("weight %d is not finite", i)}
		}
		if w < -tol {
			return nil, &OptimizationError{Message: fmt.Sprintf("weight %d below lower bound", i), Violation: -w}
		}
		if w > 1+tol {
			return nil, &OptimizationError{Message: fmt.Sprintf("weight %d above upper bound", i), Violation: w - 1}
		}
		weights[i] = clamp(w, 0, 1)
	}
	if r := floats.Sum(weights) - 1; math.Abs(r) > tol {
		return nil, &OptimizationError{Message: "weights do not sum to 1", Violation: r}
	}
	return weights, nil
}

// EqualWeights returns the vector [1/n, ..., 1/n].
func EqualWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}

func checkUniverse(cov mat.Symmetric) error {
	if cov == nil {
		return fmt.Errorf("%w: missing covariance matrix", ErrInvalidUniverse)
	}
	n := cov.SymmetricDim()
	if n < 2 {
		return fmt.Errorf("%w: need at least 2 assets, got %d", ErrInsufficientData, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if !isFinite(cov.At(i, j)) {
				return fmt.Errorf("%w: non-finite covariance at (%d,%d)", ErrInvalidReturns, i, j)
			}
		}
	}
	return nil
}

// quadForm returns w'Σw without clamping.
func quadForm(w []float64, cov mat.Symmetric) float64 {
	v := mat.NewVecDense(len(w), w)
	return mat.Inner(v, cov, v)
}
