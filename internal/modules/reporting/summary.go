package reporting

import (
	"github.com/aristath/allocator/pkg/formulas"
)

// SeriesSummary describes a single periodic return series.
type SeriesSummary struct {
	MeanReturn float64
	StdDev     float64
	// SharpeRatio is mean/std·sqrt(periods) with a zero risk-free rate; nil
	// when the series has no volatility.
	SharpeRatio          *float64
	CAGR                 float64
	AnnualizedVolatility float64
}

// Summarize computes the SeriesSummary of returns. CAGR compounds the mean
// periodic return: (1 + mean)^periodsPerYear - 1.
func Summarize(returns []float64, periodsPerYear int) SeriesSummary {
	mean := formulas.Mean(returns)
	return SeriesSummary{
		MeanReturn:           mean,
		StdDev:               formulas.StdDev(returns),
		SharpeRatio:          formulas.CalculateSharpeRatio(returns, 0, periodsPerYear),
		CAGR:                 formulas.CompoundedMeanReturn(mean, periodsPerYear),
		AnnualizedVolatility: formulas.AnnualizedVolatility(returns, periodsPerYear),
	}
}
