package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/events"
	"github.com/aristath/allocator/internal/modules/analysis"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func TestScheduler_AddJobValidatesSchedule(t *testing.T) {
	s := New(nil, zerolog.Nop())

	assert.NoError(t, s.AddJob("@hourly", &countingJob{}))
	assert.NoError(t, s.AddJob("0 */5 * * * *", &countingJob{}))
	assert.NoError(t, s.AddJob("30 9 * * MON-FRI", &countingJob{}))
	assert.Error(t, s.AddJob("not a schedule", &countingJob{}))
	assert.Len(t, s.Next(), 3)
}

func TestScheduler_RunNowPublishesStatus(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	sub, unsubscribe := bus.Subscribe(10)
	defer unsubscribe()
	s := New(bus, zerolog.Nop())

	job := &countingJob{}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int32(1), job.runs.Load())
	assert.Equal(t, events.JobStarted, (<-sub).Type)
	assert.Equal(t, events.JobCompleted, (<-sub).Type)

	failing := &countingJob{err: errors.New("boom")}
	assert.EqualError(t, s.RunNow(failing), "boom")
	assert.Equal(t, events.JobStarted, (<-sub).Type)
	failed := <-sub
	assert.Equal(t, events.JobFailed, failed.Type)
	assert.Equal(t, "boom", failed.Data.(*events.JobStatusData).Error)
}

func TestScheduler_RunsScheduledJob(t *testing.T) {
	s := New(nil, zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return job.runs.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
}

type fakeAnalyzer struct {
	path    string
	tickers []string
	err     error
}

func (f *fakeAnalyzer) RunFromFile(ctx context.Context, path string, tickers []string) (*analysis.Result, error) {
	f.path, f.tickers = path, tickers
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("expected a deadline")
	}
	return &analysis.Result{Run: &analysis.Run{ID: "run-1"}}, nil
}

func TestAnalysisJob_Run(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	job := NewAnalysisJob(analyzer, "/data/prices.csv", []string{"AAA", "BBB"})
	job.SetLogger(zerolog.Nop())

	assert.Equal(t, "analysis", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, "/data/prices.csv", analyzer.path)
	assert.Equal(t, []string{"AAA", "BBB"}, analyzer.tickers)

	analyzer.err = optimization.ErrInsufficientData
	err := job.Run()
	assert.ErrorIs(t, err, optimization.ErrInsufficientData)
	assert.Contains(t, err.Error(), "/data/prices.csv")

	assert.Error(t, NewAnalysisJob(analyzer, "", nil).Run())
}

func TestAnalysisJob_WithService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.csv")
	require.NoError(t, os.WriteFile(path, []byte("Date,AAA,BBB\n"+
		"2024-01-02,100,50\n"+
		"2024-01-03,101,49\n"+
		"2024-01-04,100,51\n"+
		"2024-01-05,102,50\n"), 0644))

	allocator, err := optimization.NewAllocator(optimization.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	service := analysis.NewService(allocator, nil, nil, zerolog.Nop())

	s := New(nil, zerolog.Nop())
	assert.NoError(t, s.RunNow(NewAnalysisJob(service, path, nil)))
}

func TestCheckDatabaseJob(t *testing.T) {
	job := NewCheckDatabaseJob(nil)
	assert.Equal(t, "check_database", job.Name())
	assert.NoError(t, job.Run(), "nil database is skipped")

	db, err := database.New(database.Config{Path: ":memory:", Name: "test"})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())

	job = NewCheckDatabaseJob(db)
	job.SetLogger(zerolog.Nop())
	assert.NoError(t, job.Run())
}
