package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/aristath/allocator/internal/events"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/prices"
	"github.com/aristath/allocator/internal/modules/reporting"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const moduleName = "analysis"

// ErrNoRepository is returned by history operations on a service without
// persistence.
var ErrNoRepository = errors.New("analysis history is not configured")

// Request describes one comparison. A nil RiskFreeRate uses the allocator's
// configured rate; empty Policies runs every policy.
type Request struct {
	Source       string
	Matrix       *optimization.ReturnMatrix
	RiskFreeRate *float64
	Policies     []optimization.Policy
}

// Result is a completed comparison.
type Result struct {
	Run    *Run
	Report *reporting.Report
	// ExportErr is set when the run succeeded but exporting its artifacts
	// failed.
	ExportErr error
}

// Service runs allocation comparisons, stores them and announces the
// outcome on the event bus.
type Service struct {
	allocator *optimization.Allocator
	repo      *Repository
	bus       *events.Bus
	exporter  reporting.Exporter
	withChart bool
	now       func() time.Time
	log       zerolog.Logger
}

// NewService creates an analysis service. repo and bus may be nil.
func NewService(allocator *optimization.Allocator, repo *Repository, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		allocator: allocator,
		repo:      repo,
		bus:       bus,
		now:       time.Now,
		log:       log.With().Str("service", moduleName).Logger(),
	}
}

// SetExporter makes every successful run export its artifacts under the
// run ID.
func (s *Service) SetExporter(exporter reporting.Exporter, withChart bool) {
	s.exporter = exporter
	s.withChart = withChart
}

// Allocator returns the allocator used by the service.
func (s *Service) Allocator() *optimization.Allocator {
	return s.allocator
}

// Run allocates every requested policy concurrently, evaluates the results
// and records the run.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	start := s.now()
	result, err := s.run(ctx, req)
	if err != nil {
		s.log.Error().Err(err).Str("source", req.Source).Msg("Analysis failed")
		s.publish(&events.AnalysisFailedData{Source: req.Source, Error: err.Error()})
		return nil, err
	}

	elapsed := s.now().Sub(start)
	s.log.Info().
		Str("run_id", result.Run.ID).
		Str("source", req.Source).
		Int("assets", len(result.Run.Tickers)).
		Int("periods", result.Run.NumPeriods).
		Dur("duration", elapsed).
		Msg("Analysis completed")
	s.publish(completedEvent(result.Run, elapsed))
	return result, nil
}

func (s *Service) run(ctx context.Context, req Request) (*Result, error) {
	if req.Matrix == nil {
		return nil, fmt.Errorf("%w: no return matrix", optimization.ErrInsufficientData)
	}
	policies := req.Policies
	if len(policies) == 0 {
		policies = optimization.Policies
	}
	rf := s.allocator.Config().RiskFreeRate
	if req.RiskFreeRate != nil {
		rf = *req.RiskFreeRate
	}

	names := make([]string, len(policies))
	for i, p := range policies {
		names[i] = string(p)
	}
	s.publish(&events.AnalysisStartedData{Source: req.Source, Tickers: req.Matrix.Tickers(), Policies: names})

	stats, err := s.allocator.Statistics(req.Matrix)
	if err != nil {
		return nil, err
	}

	allocations := make([]*optimization.Allocation, len(policies))
	g, gctx := errgroup.WithContext(ctx)
	for i, policy := range policies {
		i, policy := i, policy
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			alloc, err := s.allocator.Allocate(policy, req.Matrix, rf)
			if err != nil {
				return err
			}
			allocations[i] = alloc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report, err := reporting.Build(req.Matrix, stats, allocations, rf)
	if err != nil {
		return nil, err
	}

	run := newRun(uuid.New().String(), req.Source, s.now(), stats, report)
	if s.repo != nil {
		if err := s.repo.Save(ctx, run); err != nil {
			return nil, err
		}
	}

	result := &Result{Run: run, Report: report}
	if s.exporter != nil {
		if err := reporting.ExportReport(ctx, s.exporter, run.ID, report, s.withChart); err != nil {
			s.log.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to export report")
			result.ExportErr = err
		}
	}
	return result, nil
}

// RunFromFile loads a price CSV, converts it to returns and runs every
// policy over it.
func (s *Service) RunFromFile(ctx context.Context, path string, tickers []string) (*Result, error) {
	m, err := prices.ReturnsFromFile(path, prices.LoadOptions{Tickers: tickers})
	if err != nil {
		s.publish(&events.AnalysisFailedData{Source: filepath.Base(path), Error: err.Error()})
		return nil, err
	}
	return s.Run(ctx, Request{Source: filepath.Base(path), Matrix: m})
}

// RunFromReader is RunFromFile for a price CSV held in memory.
func (s *Service) RunFromReader(ctx context.Context, r io.Reader, source string, tickers []string, rf *float64) (*Result, error) {
	table, err := prices.Load(r, prices.LoadOptions{Tickers: tickers})
	if err != nil {
		return nil, err
	}
	m, err := table.CleanReturns()
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, Request{Source: source, Matrix: m, RiskFreeRate: rf})
}

// Evaluate computes the annualized metrics of caller-supplied weights over m.
func (s *Service) Evaluate(m *optimization.ReturnMatrix, weights []float64, rf *float64) (optimization.MetricSet, error) {
	stats, err := s.allocator.Statistics(m)
	if err != nil {
		return optimization.MetricSet{}, err
	}
	rate := s.allocator.Config().RiskFreeRate
	if rf != nil {
		rate = *rf
	}
	return optimization.EvaluateStatistics(weights, stats, rate)
}

// GetRun returns a stored run.
func (s *Service) GetRun(ctx context.Context, id string) (*Run, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	return s.repo.Get(ctx, id)
}

// ListRuns returns the most recent runs.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	return s.repo.List(ctx, limit)
}

// DeleteRun removes a stored run.
func (s *Service) DeleteRun(ctx context.Context, id string) error {
	if s.repo == nil {
		return ErrNoRepository
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(&events.RunDeletedData{RunID: id})
	return nil
}

// CountRuns returns the number of stored runs, zero without persistence.
func (s *Service) CountRuns(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	return s.repo.Count(ctx)
}

// Chart renders the growth chart of a stored run.
func (s *Service) Chart(ctx context.Context, id string) ([]byte, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	report, err := run.Report()
	if err != nil {
		return nil, err
	}
	return reporting.RenderGrowthChart(report, reporting.ChartOptions{})
}

func (s *Service) publish(data events.EventData) {
	if s.bus != nil {
		s.bus.Publish(moduleName, data)
	}
}

func completedEvent(run *Run, elapsed time.Duration) *events.AnalysisCompletedData {
	data := &events.AnalysisCompletedData{
		RunID:      run.ID,
		Source:     run.Source,
		Periods:    run.NumPeriods,
		DurationMs: elapsed.Milliseconds(),
	}
	for _, p := range run.Portfolios {
		data.Portfolios = append(data.Portfolios, events.PortfolioSummary{
			Policy:               string(p.Policy),
			Weights:              p.Weights,
			AnnualizedReturn:     p.AnnualizedReturn,
			AnnualizedVolatility: p.AnnualizedVolatility,
			SharpeRatio:          p.SharpeRatio,
		})
	}
	return data
}
