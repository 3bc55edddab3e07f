package formulas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeReturns(value float64, count int) []float64 {
	returns := make([]float64, count)
	for i := range returns {
		returns[i] = value
	}
	return returns
}

func TestMeanAndStdDev(t *testing.T) {
	data := []float64{0.01, 0.03, -0.01}

	assert.InDelta(t, 0.01, Mean(data), 1e-15)
	assert.InDelta(t, 0.02, StdDev(data), 1e-15)
	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 0.0, StdDev([]float64{0.5}))
}

func TestAnnualizedVolatility(t *testing.T) {
	data := []float64{0.01, 0.03, -0.01}
	assert.InDelta(t, 0.02*math.Sqrt(252), AnnualizedVolatility(data, 252), 1e-12)
}

func TestCompoundedMeanReturn(t *testing.T) {
	assert.InDelta(t, 0.286, CompoundedMeanReturn(0.001, 252), 0.001)
	assert.Equal(t, 0.0, CompoundedMeanReturn(0, 252))
	assert.InDelta(t, -0.2228, CompoundedMeanReturn(-0.001, 252), 0.001)
}

func TestCumulativeGrowth(t *testing.T) {
	returns := []float64{0.10, -0.05, 0.02}
	growth := CumulativeGrowth(returns)

	require.Len(t, growth, 3)
	assert.InDelta(t, 1.10, growth[0], 1e-15)
	for i := 1; i < len(growth); i++ {
		assert.InDelta(t, growth[i-1]*(1+returns[i]), growth[i], 1e-15)
	}
	assert.Empty(t, CumulativeGrowth(nil))
}

func TestCalculateReturns(t *testing.T) {
	returns := CalculateReturns([]float64{100, 110, 99})
	require.Len(t, returns, 2)
	assert.InDelta(t, 0.10, returns[0], 1e-12)
	assert.InDelta(t, -0.10, returns[1], 1e-12)

	assert.Empty(t, CalculateReturns([]float64{100}))
}

func TestCalculateSharpeRatio(t *testing.T) {
	returns := []float64{0.01, 0.03, -0.01}

	sharpe := CalculateSharpeRatio(returns, 0, 252)
	require.NotNil(t, sharpe)
	assert.InDelta(t, 0.01/0.02*math.Sqrt(252), *sharpe, 1e-12)

	withRf := CalculateSharpeRatio(returns, 0.252, 252)
	require.NotNil(t, withRf)
	assert.InDelta(t, (0.01-0.001)/0.02*math.Sqrt(252), *withRf, 1e-12)

	assert.Nil(t, CalculateSharpeRatio(makeReturns(0.001, 10), 0, 252), "zero volatility")
	assert.Nil(t, CalculateSharpeRatio([]float64{0.01}, 0, 252), "insufficient data")
}

func TestCalculateMaxDrawdown(t *testing.T) {
	dd := CalculateMaxDrawdown([]float64{1.0, 1.2, 0.9, 1.1, 0.6, 1.3})
	require.NotNil(t, dd)
	assert.InDelta(t, 0.5, *dd, 1e-12)

	rising := CalculateMaxDrawdown([]float64{1, 2, 3})
	require.NotNil(t, rising)
	assert.Equal(t, 0.0, *rising)

	assert.Nil(t, CalculateMaxDrawdown([]float64{1}))
}
