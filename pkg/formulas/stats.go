// Package formulas holds return-series statistics shared by reporting and
// the CLI.
package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation (N-1 denominator).
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// AnnualizedVolatility scales the per-period standard deviation by
// sqrt(periodsPerYear).
func AnnualizedVolatility(returns []float64, periodsPerYear int) float64 {
	return StdDev(returns) * math.Sqrt(float64(periodsPerYear))
}

// CompoundedMeanReturn annualizes a mean per-period return by compounding it:
// (1 + mean)^periodsPerYear - 1.
func CompoundedMeanReturn(meanReturn float64, periodsPerYear int) float64 {
	return math.Pow(1+meanReturn, float64(periodsPerYear)) - 1
}

// CumulativeGrowth returns the value of $1 invested at the start of the
// series: g[0] = 1 + r[0], g[t] = g[t-1] * (1 + r[t]).
func CumulativeGrowth(returns []float64) []float64 {
	growth := make([]float64, len(returns))
	value := 1.0
	for i, r := range returns {
		value *= 1 + r
		growth[i] = value
	}
	return growth
}

// CalculateReturns converts prices to percentage returns
// Returns[i] = (Price[i] - Price[i-1]) / Price[i-1]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = prices[i]/prices[i-1] - 1
		}
	}

	return returns
}
