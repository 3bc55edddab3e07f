package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/allocator/internal/modules/analysis"
	"github.com/rs/zerolog"
)

// DefaultAnalysisTimeout bounds a single scheduled analysis.
const DefaultAnalysisTimeout = 5 * time.Minute

// FileAnalyzer runs an analysis over a price file.
type FileAnalyzer interface {
	RunFromFile(ctx context.Context, path string, tickers []string) (*analysis.Result, error)
}

// AnalysisJob reruns the comparison over a configured price file.
type AnalysisJob struct {
	analyzer FileAnalyzer
	path     string
	tickers  []string
	timeout  time.Duration
	log      zerolog.Logger
}

// NewAnalysisJob creates a new AnalysisJob
func NewAnalysisJob(analyzer FileAnalyzer, path string, tickers []string) *AnalysisJob {
	return &AnalysisJob{
		analyzer: analyzer,
		path:     path,
		tickers:  tickers,
		timeout:  DefaultAnalysisTimeout,
		log:      zerolog.Nop(),
	}
}

// SetLogger sets the logger for the job
func (j *AnalysisJob) SetLogger(log zerolog.Logger) {
	j.log = log.With().Str("job", j.Name()).Logger()
}

// SetTimeout overrides DefaultAnalysisTimeout.
func (j *AnalysisJob) SetTimeout(d time.Duration) {
	j.timeout = d
}

// Name returns the job name
func (j *AnalysisJob) Name() string {
	return "analysis"
}

// Run executes the analysis job
func (j *AnalysisJob) Run() error {
	if j.path == "" {
		return fmt.Errorf("analysis job has no price file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := j.analyzer.RunFromFile(ctx, j.path, j.tickers)
	if err != nil {
		return fmt.Errorf("scheduled analysis of %s: %w", j.path, err)
	}

	j.log.Info().
		Str("run_id", result.Run.ID).
		Str("path", j.path).
		Msg("Scheduled analysis completed")
	return nil
}
