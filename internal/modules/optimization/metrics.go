package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MetricSet is the annualized performance of a weight vector. SharpeRatio is
// NaN when SharpeDefined is false (zero volatility); use Sharpe to branch.
type MetricSet struct {
	AnnualizedReturn     float64
	AnnualizedVolatility float64
	SharpeRatio          float64
	SharpeDefined        bool
}

// Sharpe returns the Sharpe ratio and whether it is defined.
func (m MetricSet) Sharpe() (float64, bool) {
	return m.SharpeRatio, m.SharpeDefined
}

// Evaluate computes the metrics of weights under mean and cov. The caller
// chooses the period convention by passing annualized statistics.
func Evaluate(weights, mean []float64, cov mat.Symmetric, riskFreeRate float64) (MetricSet, error) {
	if err := checkDims(weights, mean, cov); err != nil {
		return MetricSet{}, err
	}

	ret := floats.Dot(mean, weights)
	vol := math.Sqrt(portfolioVariance(weights, cov))

	ms := MetricSet{
		AnnualizedReturn:     ret,
		AnnualizedVolatility: vol,
		SharpeRatio:          math.NaN(),
	}
	if vol > 0 {
		ms.SharpeRatio = (ret - riskFreeRate) / vol
		ms.SharpeDefined = true
	}
	return ms, nil
}

// EvaluateStatistics is Evaluate over a Statistics value.
func EvaluateStatistics(weights []float64, s Statistics, riskFreeRate float64) (MetricSet, error) {
	if s.Covariance == nil {
		return MetricSet{}, fmt.Errorf("%w: missing covariance matrix", ErrInsufficientData)
	}
	return Evaluate(weights, s.Mean, s.Covariance, riskFreeRate)
}

// portfolioVariance returns wᵀΣw clamped at zero.
func portfolioVariance(w []float64, cov mat.Symmetric) float64 {
	v := mat.NewVecDense(len(w), w)
	variance := mat.Inner(v, cov, v)
	if variance < 0 {
		return 0
	}
	return variance
}

func checkDims(weights, mean []float64, cov mat.Symmetric) error {
	if cov == nil {
		return fmt.Errorf("%w: missing covariance matrix", ErrInvalidUniverse)
	}
	n := cov.SymmetricDim()
	if len(weights) != n {
		return fmt.Errorf("%w: %d weights for a %dx%d covariance matrix", ErrInvalidUniverse, len(weights), n, n)
	}
	if len(mean) != n {
		return fmt.Errorf("%w: %d means for a %dx%d covariance matrix", ErrInvalidUniverse, len(mean), n, n)
	}
	return nil
}
