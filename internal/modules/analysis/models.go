// Package analysis runs allocation comparisons and keeps their history.
package analysis

import (
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/reporting"
)

const dateLayout = "2006-01-02"

// Run is a persisted allocation comparison.
type Run struct {
	ID             string      `json:"id"`
	Source         string      `json:"source"`
	CreatedAt      time.Time   `json:"created_at"`
	RiskFreeRate   float64     `json:"risk_free_rate"`
	PeriodsPerYear int         `json:"periods_per_year"`
	NumPeriods     int         `json:"num_periods"`
	StartDate      string      `json:"start_date,omitempty"`
	EndDate        string      `json:"end_date,omitempty"`
	Tickers        []string    `json:"tickers"`
	Portfolios     []Portfolio `json:"portfolios"`
	Snapshot       *Snapshot   `json:"-"`
}

// Portfolio is one policy's allocation and metrics within a run.
// SharpeRatio is nil when the portfolio has no volatility.
type Portfolio struct {
	Policy               optimization.Policy `json:"policy"`
	Label                string              `json:"label"`
	Weights              map[string]float64  `json:"weights"`
	AnnualizedReturn     float64             `json:"annualized_return"`
	AnnualizedVolatility float64             `json:"annualized_volatility"`
	SharpeRatio          *float64            `json:"sharpe_ratio"`
	MaxDrawdown          float64             `json:"max_drawdown"`
	Iterations           int                 `json:"iterations"`
}

// RunSummary is the list view of a run.
type RunSummary struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	NumPeriods int       `json:"num_periods"`
	Tickers    []string  `json:"tickers"`
}

// Snapshot is the binary payload stored with a run: the annualized
// statistics and the growth curves needed to redraw the chart.
type Snapshot struct {
	Mean           []float64            `msgpack:"mean"`
	Covariance     [][]float64          `msgpack:"covariance"`
	PeriodsPerYear int                  `msgpack:"periods_per_year"`
	Dates          []string             `msgpack:"dates"`
	Growth         map[string][]float64 `msgpack:"growth"`
}

// Statistics rebuilds the annualized statistics held by the snapshot.
func (s *Snapshot) Statistics() (optimization.Statistics, error) {
	cov, err := optimization.NewCovariance(s.Covariance)
	if err != nil {
		return optimization.Statistics{}, err
	}
	return optimization.Statistics{
		Mean:           s.Mean,
		Covariance:     cov,
		PeriodsPerYear: s.PeriodsPerYear,
	}, nil
}

func newSnapshot(stats optimization.Statistics, report *reporting.Report) *Snapshot {
	n := stats.Assets()
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
		for j := range cov[i] {
			cov[i][j] = stats.Covariance.At(i, j)
		}
	}

	snap := &Snapshot{
		Mean:           append([]float64(nil), stats.Mean...),
		Covariance:     cov,
		PeriodsPerYear: stats.PeriodsPerYear,
		Growth:         make(map[string][]float64, len(report.Entries)),
	}
	for _, d := range report.Dates {
		snap.Dates = append(snap.Dates, d.Format(dateLayout))
	}
	for _, e := range report.Entries {
		snap.Growth[string(e.Allocation.Policy)] = e.Growth
	}
	return snap
}

// newRun converts a report into its persisted form.
func newRun(id, source string, createdAt time.Time, stats optimization.Statistics, report *reporting.Report) *Run {
	run := &Run{
		ID:             id,
		Source:         source,
		CreatedAt:      createdAt.UTC().Truncate(time.Second),
		RiskFreeRate:   report.RiskFreeRate,
		PeriodsPerYear: report.PeriodsPerYear,
		Tickers:        report.Tickers,
		Portfolios:     make([]Portfolio, 0, len(report.Entries)),
		Snapshot:       newSnapshot(stats, report),
	}
	if len(report.Entries) > 0 {
		run.NumPeriods = len(report.Entries[0].Growth)
	}
	if len(report.Dates) > 0 {
		run.StartDate = report.Dates[0].Format(dateLayout)
		run.EndDate = report.Dates[len(report.Dates)-1].Format(dateLayout)
	}

	for _, e := range report.Entries {
		p := Portfolio{
			Policy:               e.Allocation.Policy,
			Label:                e.Label,
			Weights:              make(map[string]float64, len(e.Allocation.Tickers)),
			AnnualizedReturn:     e.Metrics.AnnualizedReturn,
			AnnualizedVolatility: e.Metrics.AnnualizedVolatility,
			MaxDrawdown:          e.MaxDrawdown,
			Iterations:           e.Allocation.Iterations,
		}
		for i, t := range e.Allocation.Tickers {
			p.Weights[t] = e.Allocation.Weights[i]
		}
		if v, ok := e.Metrics.Sharpe(); ok {
			p.SharpeRatio = &v
		}
		run.Portfolios = append(run.Portfolios, p)
	}
	return run
}

// Portfolio returns the portfolio for policy.
func (r *Run) Portfolio(policy optimization.Policy) (*Portfolio, bool) {
	for i := range r.Portfolios {
		if r.Portfolios[i].Policy == policy {
			return &r.Portfolios[i], true
		}
	}
	return nil, false
}

// Report rebuilds a chartable report from the stored growth curves.
func (r *Run) Report() (*reporting.Report, error) {
	if r.Snapshot == nil {
		return nil, ErrNoSnapshot
	}
	report := &reporting.Report{
		Tickers:        r.Tickers,
		RiskFreeRate:   r.RiskFreeRate,
		PeriodsPerYear: r.PeriodsPerYear,
	}
	for _, d := range r.Snapshot.Dates {
		t, err := time.Parse(dateLayout, d)
		if err != nil {
			return nil, err
		}
		report.Dates = append(report.Dates, t)
	}
	for _, p := range r.Portfolios {
		weights := make([]float64, len(r.Tickers))
		for i, t := range r.Tickers {
			weights[i] = p.Weights[t]
		}
		report.Entries = append(report.Entries, reporting.Entry{
			Label: p.Label,
			Allocation: &optimization.Allocation{
				Policy:     p.Policy,
				Tickers:    r.Tickers,
				Weights:    weights,
				Iterations: p.Iterations,
			},
			Growth:      r.Snapshot.Growth[string(p.Policy)],
			MaxDrawdown: p.MaxDrawdown,
		})
	}
	return report, nil
}
