package optimization

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultTradingPeriodsPerYear is the usual number of trading days in a year.
const DefaultTradingPeriodsPerYear = 252

// Statistics is the mean vector and covariance matrix of a return matrix at a
// given period convention. PeriodsPerYear is 1 for native (per-row)
// statistics.
type Statistics struct {
	Mean           []float64
	Covariance     *mat.SymDense
	PeriodsPerYear int
}

// Assets returns the number of assets covered.
func (s Statistics) Assets() int {
	return len(s.Mean)
}

// ComputeStatistics derives the per-period mean vector and sample covariance
// matrix (T-1 denominator) of m.
func ComputeStatistics(m *ReturnMatrix) (Statistics, error) {
	if m == nil {
		return Statistics{}, fmt.Errorf("%w: nil return matrix", ErrInsufficientData)
	}
	rows, n := m.Rows(), m.Assets()
	if rows < 2 {
		return Statistics{}, fmt.Errorf("%w: need at least 2 return rows, got %d", ErrInsufficientData, rows)
	}

	mean := make([]float64, n)
	for i := 0; i < n; i++ {
		mean[i] = stat.Mean(m.Column(i), nil)
	}

	cov := mat.NewSymDense(n, nil)
	stat.CovarianceMatrix(cov, m.Matrix(), nil)
	clampDiagonal(cov)

	return Statistics{
		Mean:           mean,
		Covariance:     cov,
		PeriodsPerYear: 1,
	}, nil
}

// Annualize scales native statistics to periodsPerYear. Both the mean and the
// covariance are scaled linearly, which assumes independent periods.
func Annualize(s Statistics, periodsPerYear int) (Statistics, error) {
	if periodsPerYear <= 0 {
		return Statistics{}, fmt.Errorf("periods per year must be positive, got %d", periodsPerYear)
	}
	if s.Covariance == nil {
		return Statistics{}, fmt.Errorf("%w: missing covariance matrix", ErrInsufficientData)
	}
	n := s.Covariance.SymmetricDim()
	if n != len(s.Mean) {
		return Statistics{}, fmt.Errorf("%w: mean has %d entries, covariance is %dx%d", ErrInvalidUniverse, len(s.Mean), n, n)
	}

	factor := float64(periodsPerYear)
	mean := make([]float64, n)
	for i, v := range s.Mean {
		mean[i] = v * factor
	}
	cov := mat.NewSymDense(n, nil)
	cov.ScaleSym(factor, s.Covariance)

	base := s.PeriodsPerYear
	if base <= 0 {
		base = 1
	}
	return Statistics{
		Mean:           mean,
		Covariance:     cov,
		PeriodsPerYear: base * periodsPerYear,
	}, nil
}

// ComputeAnnualizedStatistics is ComputeStatistics followed by Annualize.
func ComputeAnnualizedStatistics(m *ReturnMatrix, periodsPerYear int) (Statistics, error) {
	native, err := ComputeStatistics(m)
	if err != nil {
		return Statistics{}, err
	}
	return Annualize(native, periodsPerYear)
}

// clampDiagonal removes tiny negative variances left by floating-point
// cancellation on constant series.
func clampDiagonal(cov *mat.SymDense) {
	n := cov.SymmetricDim()
	for i := 0; i < n; i++ {
		if cov.At(i, i) < 0 {
			cov.SetSym(i, i, 0)
		}
	}
}

// NewCovariance converts a nested-slice covariance matrix into the symmetric
// form used by the optimizer, checking shape and symmetry.
func NewCovariance(rows [][]float64) (*mat.SymDense, error) {
	n := len(rows)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty covariance matrix", ErrInvalidUniverse)
	}
	cov := mat.NewSymDense(n, nil)
	for i := range rows {
		if len(rows[i]) != n {
			return nil, fmt.Errorf("%w: covariance row %d has size %d, expected %d", ErrInvalidUniverse, i, len(rows[i]), n)
		}
		for j := i; j < n; j++ {
			if len(rows[j]) != n {
				return nil, fmt.Errorf("%w: covariance row %d has size %d, expected %d", ErrInvalidUniverse, j, len(rows[j]), n)
			}
			a, b := rows[i][j], rows[j][i]
			if diff := a - b; diff > 1e-12 || diff < -1e-12 {
				return nil, fmt.Errorf("%w: covariance matrix is not symmetric at (%d,%d)", ErrInvalidUniverse, i, j)
			}
			cov.SetSym(i, j, a)
		}
	}
	return cov, nil
}
