// Package reporting turns allocations into growth curves, comparison tables,
// charts and exported artifacts.
package reporting

import (
	"fmt"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/pkg/formulas"
	"gonum.org/v1/gonum/mat"
)

// Entry is one policy's result inside a Report.
type Entry struct {
	Label      string
	Allocation *optimization.Allocation
	Metrics    optimization.MetricSet
	// Growth is the value of $1 invested at the start, one point per row.
	Growth      []float64
	MaxDrawdown float64
}

// Report compares several allocations over the same return matrix.
type Report struct {
	Tickers        []string
	Dates          []time.Time
	RiskFreeRate   float64
	PeriodsPerYear int
	Entries        []Entry
	// Assets holds per-ticker series statistics.
	Assets []AssetSummary
}

// AssetSummary pairs a ticker with its daily series statistics.
type AssetSummary struct {
	Ticker string
	SeriesSummary
}

// PortfolioReturns returns the per-period portfolio return R·w.
func PortfolioReturns(m *optimization.ReturnMatrix, weights []float64) ([]float64, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil return matrix", optimization.ErrInsufficientData)
	}
	if len(weights) != m.Assets() {
		return nil, fmt.Errorf("%w: %d weights for %d assets", optimization.ErrInvalidUniverse, len(weights), m.Assets())
	}
	out := mat.NewVecDense(m.Rows(), nil)
	out.MulVec(m.Matrix(), mat.NewVecDense(len(weights), weights))
	return out.RawVector().Data, nil
}

// GrowthCurve returns the cumulative value of $1 held in the portfolio:
// g[0] = 1 + r[0], g[t] = g[t-1]·(1 + r[t]).
func GrowthCurve(m *optimization.ReturnMatrix, weights []float64) ([]float64, error) {
	returns, err := PortfolioReturns(m, weights)
	if err != nil {
		return nil, err
	}
	return formulas.CumulativeGrowth(returns), nil
}

// Build evaluates every allocation against stats and assembles a Report.
// stats must be the annualized statistics of m.
func Build(m *optimization.ReturnMatrix, stats optimization.Statistics, allocations []*optimization.Allocation, riskFreeRate float64) (*Report, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil return matrix", optimization.ErrInsufficientData)
	}
	periods := stats.PeriodsPerYear
	if periods <= 0 {
		periods = optimization.DefaultTradingPeriodsPerYear
	}

	report := &Report{
		Tickers:        m.Tickers(),
		Dates:          m.Dates(),
		RiskFreeRate:   riskFreeRate,
		PeriodsPerYear: periods,
		Entries:        make([]Entry, 0, len(allocations)),
	}

	for _, alloc := range allocations {
		if alloc == nil {
			continue
		}
		metrics, err := optimization.EvaluateStatistics(alloc.Weights, stats, riskFreeRate)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", alloc.Policy, err)
		}
		growth, err := GrowthCurve(m, alloc.Weights)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", alloc.Policy, err)
		}
		entry := Entry{
			Label:      alloc.Policy.Label(),
			Allocation: alloc,
			Metrics:    metrics,
			Growth:     growth,
		}
		if dd := formulas.CalculateMaxDrawdown(append([]float64{1}, growth...)); dd != nil {
			entry.MaxDrawdown = *dd
		}
		report.Entries = append(report.Entries, entry)
	}

	for i, ticker := range report.Tickers {
		report.Assets = append(report.Assets, AssetSummary{
			Ticker:        ticker,
			SeriesSummary: Summarize(m.Column(i), periods),
		})
	}
	return report, nil
}

// Entry returns the entry for policy.
func (r *Report) Entry(policy optimization.Policy) (*Entry, bool) {
	for i := range r.Entries {
		if r.Entries[i].Allocation.Policy == policy {
			return &r.Entries[i], true
		}
	}
	return nil, false
}
