package analysis

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/allocator/internal/events"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/reporting"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func weightSum(weights map[string]float64) float64 {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	return sum
}

func TestService_Run(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	sub, unsubscribe := bus.Subscribe(10)
	defer unsubscribe()

	repo := NewRepository(newTestDB(t).Conn(), zerolog.Nop())
	svc := newTestService(t, repo, bus)
	ctx := context.Background()

	result, err := svc.Run(ctx, Request{Source: "synthetic", Matrix: syntheticMatrix(t, 120)})
	require.NoError(t, err)

	run := result.Run
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, 120, run.NumPeriods)
	assert.Equal(t, "2023-01-02", run.StartDate)
	require.Len(t, run.Portfolios, 3)
	for i, policy := range optimization.Policies {
		p := run.Portfolios[i]
		assert.Equal(t, policy, p.Policy)
		assert.InDelta(t, 1.0, weightSum(p.Weights), 1e-6)
		for ticker, w := range p.Weights {
			assert.GreaterOrEqual(t, w, -1e-9, ticker)
			assert.LessOrEqual(t, w, 1+1e-9, ticker)
		}
	}

	eq, _ := run.Portfolio(optimization.PolicyEqualWeight)
	minVol, _ := run.Portfolio(optimization.PolicyMinVariance)
	maxSharpe, _ := run.Portfolio(optimization.PolicyMaxSharpe)
	assert.LessOrEqual(t, minVol.AnnualizedVolatility, eq.AnnualizedVolatility+1e-9)
	require.NotNil(t, maxSharpe.SharpeRatio)
	require.NotNil(t, eq.SharpeRatio)
	assert.GreaterOrEqual(t, *maxSharpe.SharpeRatio, *eq.SharpeRatio-1e-9)

	started := nextEvent(t, sub)
	assert.Equal(t, events.AnalysisStarted, started.Type)
	completed := nextEvent(t, sub)
	assert.Equal(t, events.AnalysisCompleted, completed.Type)
	data := completed.Data.(*events.AnalysisCompletedData)
	assert.Equal(t, run.ID, data.RunID)
	assert.Len(t, data.Portfolios, 3)

	stored, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored.Portfolios, 3)
	for i := range stored.Portfolios {
		for ticker, w := range run.Portfolios[i].Weights {
			assert.InDelta(t, w, stored.Portfolios[i].Weights[ticker], 1e-15)
		}
	}

	count, err := svc.CountRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestService_RunSelectedPolicies(t *testing.T) {
	svc := newTestService(t, nil, nil)
	rf := 0.01

	result, err := svc.Run(context.Background(), Request{
		Matrix:       syntheticMatrix(t, 60),
		RiskFreeRate: &rf,
		Policies:     []optimization.Policy{optimization.PolicyMaxSharpe},
	})
	require.NoError(t, err)
	require.Len(t, result.Run.Portfolios, 1)
	assert.Equal(t, optimization.PolicyMaxSharpe, result.Run.Portfolios[0].Policy)
	assert.Equal(t, 0.01, result.Run.RiskFreeRate)
	assert.Equal(t, 0.01, result.Report.RiskFreeRate)
}

func TestService_RunFailurePublishesEvent(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	sub, unsubscribe := bus.Subscribe(10)
	defer unsubscribe()
	svc := newTestService(t, nil, bus)

	_, err := svc.Run(context.Background(), Request{Source: "empty"})
	require.ErrorIs(t, err, optimization.ErrInsufficientData)

	e := nextEvent(t, sub)
	assert.Equal(t, events.AnalysisFailed, e.Type)
	data := e.Data.(*events.AnalysisFailedData)
	assert.Equal(t, "empty", data.Source)
	assert.NotEmpty(t, data.Error)
}

func TestService_RunUnknownPolicy(t *testing.T) {
	svc := newTestService(t, nil, nil)
	_, err := svc.Run(context.Background(), Request{
		Matrix:   syntheticMatrix(t, 30),
		Policies: []optimization.Policy{"risk_parity"},
	})
	assert.ErrorContains(t, err, "unknown allocation policy")
}

func TestService_RunCancelledContext(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Run(ctx, Request{Matrix: syntheticMatrix(t, 30)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_RunExports(t *testing.T) {
	dir := t.TempDir()
	exporter, err := reporting.NewDirExporter(dir)
	require.NoError(t, err)

	svc := newTestService(t, nil, nil)
	svc.SetExporter(exporter, false)

	result, err := svc.Run(context.Background(), Request{Matrix: syntheticMatrix(t, 30)})
	require.NoError(t, err)
	assert.NoError(t, result.ExportErr)
	assert.FileExists(t, filepath.Join(dir, result.Run.ID, reporting.SummaryFile))
	assert.FileExists(t, filepath.Join(dir, result.Run.ID, reporting.WeightsFile))
	assert.NoFileExists(t, filepath.Join(dir, result.Run.ID, reporting.ChartFile))
}

const pricesCSV = `Date,AAA,BBB,CCC
2024-01-02,100,50,20
2024-01-03,101,49.5,20.2
2024-01-04,100.5,50.2,20.1
2024-01-05,102,50.1,20.5
2024-01-08,101.2,51,20.4
2024-01-09,103,50.6,20.8
2024-01-10,102.5,51.4,20.6
`

func TestService_RunFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.csv")
	require.NoError(t, os.WriteFile(path, []byte(pricesCSV), 0644))

	svc := newTestService(t, nil, nil)
	result, err := svc.RunFromFile(context.Background(), path, []string{"AAA", "CCC"})
	require.NoError(t, err)
	assert.Equal(t, "prices.csv", result.Run.Source)
	assert.Equal(t, []string{"AAA", "CCC"}, result.Run.Tickers)
	assert.Equal(t, 6, result.Run.NumPeriods)
	assert.Equal(t, "2024-01-03", result.Run.StartDate)

	_, err = svc.RunFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), nil)
	assert.Error(t, err)
}

func TestService_RunFromReader(t *testing.T) {
	svc := newTestService(t, nil, nil)
	result, err := svc.RunFromReader(context.Background(), strings.NewReader(pricesCSV), "upload", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "upload", result.Run.Source)
	assert.Len(t, result.Run.Tickers, 3)
}

func TestService_Evaluate(t *testing.T) {
	svc := newTestService(t, nil, nil)
	m := syntheticMatrix(t, 60)

	metrics, err := svc.Evaluate(m, []float64{1, 0, 0}, nil)
	require.NoError(t, err)
	stats, err := svc.Allocator().Statistics(m)
	require.NoError(t, err)
	assert.InDelta(t, stats.Mean[0], metrics.AnnualizedReturn, 1e-12)

	_, err = svc.Evaluate(m, []float64{1}, nil)
	assert.Error(t, err)
}

func TestService_HistoryWithoutRepository(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.GetRun(ctx, "x")
	assert.ErrorIs(t, err, ErrNoRepository)
	_, err = svc.ListRuns(ctx, 10)
	assert.ErrorIs(t, err, ErrNoRepository)
	assert.ErrorIs(t, svc.DeleteRun(ctx, "x"), ErrNoRepository)
	n, err := svc.CountRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_DeleteRun(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	svc := newTestService(t, NewRepository(newTestDB(t).Conn(), zerolog.Nop()), bus)
	ctx := context.Background()

	result, err := svc.Run(ctx, Request{Matrix: syntheticMatrix(t, 30)})
	require.NoError(t, err)

	sub, unsubscribe := bus.Subscribe(10)
	defer unsubscribe()
	require.NoError(t, svc.DeleteRun(ctx, result.Run.ID))

	e := nextEvent(t, sub)
	assert.Equal(t, events.RunDeleted, e.Type)
	_, err = svc.GetRun(ctx, result.Run.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestService_Chart(t *testing.T) {
	svc := newTestService(t, NewRepository(newTestDB(t).Conn(), zerolog.Nop()), nil)
	ctx := context.Background()

	result, err := svc.Run(ctx, Request{Matrix: syntheticMatrix(t, 30)})
	require.NoError(t, err)

	png, err := svc.Chart(ctx, result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestRun_ReportRoundTrip(t *testing.T) {
	svc := newTestService(t, nil, nil)
	result, err := svc.Run(context.Background(), Request{Matrix: syntheticMatrix(t, 20)})
	require.NoError(t, err)

	report, err := result.Run.Report()
	require.NoError(t, err)
	require.Len(t, report.Entries, 3)
	assert.Equal(t, result.Report.Dates, report.Dates)
	for i, e := range report.Entries {
		assert.Equal(t, result.Report.Entries[i].Label, e.Label)
		assert.Equal(t, result.Report.Entries[i].Growth, e.Growth)
		assert.Equal(t, result.Report.Entries[i].Allocation.Weights, e.Allocation.Weights)
	}

	_, err = (&Run{}).Report()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}
