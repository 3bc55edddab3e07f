package analysis

import (
	"math"
	"testing"
	"time"

	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/events"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:", Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func syntheticMatrix(t *testing.T, periods int) *optimization.ReturnMatrix {
	t.Helper()
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	dates := make([]time.Time, periods)
	rows := make([][]float64, periods)
	for i := range rows {
		x := float64(i)
		dates[i] = start.AddDate(0, 0, i)
		rows[i] = []float64{
			0.0010 + 0.010*math.Sin(x),
			0.0005 + 0.020*math.Cos(0.7*x),
			0.0008 + 0.015*math.Sin(1.3*x+1),
		}
	}
	m, err := optimization.NewReturnMatrix(dates, []string{"AAA", "BBB", "CCC"}, rows)
	require.NoError(t, err)
	return m
}

func newTestService(t *testing.T, repo *Repository, bus *events.Bus) *Service {
	t.Helper()
	allocator, err := optimization.NewAllocator(optimization.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	return NewService(allocator, repo, bus, zerolog.Nop())
}
