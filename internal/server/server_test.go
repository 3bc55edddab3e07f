package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/events"
	"github.com/aristath/allocator/internal/modules/analysis"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type testJob struct {
	runs atomic.Int32
}

func (j *testJob) Name() string { return "test_job" }

func (j *testJob) Run() error {
	j.runs.Add(1)
	return nil
}

func newTestServer(t *testing.T) (*Server, *events.Bus) {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:", Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(bus.Close)

	allocator, err := optimization.NewAllocator(optimization.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	service := analysis.NewService(allocator, analysis.NewRepository(db.Conn(), zerolog.Nop()), bus, zerolog.Nop())

	srv := New(Config{
		Log:       zerolog.Nop(),
		DB:        db,
		Analysis:  service,
		Bus:       bus,
		Scheduler: scheduler.New(bus, zerolog.Nop()),
		Port:      0,
		DevMode:   true,
	})
	return srv, bus
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := serve(t, srv.Router(), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "allocator", body["service"])
}

func TestRoutesRegistered(t *testing.T) {
	srv, _ := newTestServer(t)

	testCases := []struct {
		method string
		path   string
	}{
		{"GET", "/api/analysis/runs"},
		{"GET", "/api/analysis/runs/missing"},
		{"DELETE", "/api/analysis/runs/missing"},
		{"GET", "/api/analysis/runs/missing/chart.png"},
		{"POST", "/api/analysis/"},
		{"POST", "/api/analysis/evaluate"},
		{"GET", "/api/system/jobs"},
	}
	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := serve(t, srv.Router(), tc.method, tc.path)
			if strings.Contains(tc.path, "missing") {
				assert.Equal(t, http.StatusNotFound, rec.Code)
				assert.Contains(t, rec.Body.String(), "not found")
			} else {
				assert.NotEqual(t, http.StatusNotFound, rec.Code)
			}
			assert.NotEqual(t, http.StatusMethodNotAllowed, rec.Code)
		})
	}
}

func TestSystemStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := serve(t, srv.Router(), http.MethodGet, "/api/system/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status SystemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, Version, status.Version)
	assert.Zero(t, status.RunCount)
	assert.Positive(t, status.Goroutines)
	assert.GreaterOrEqual(t, status.MemoryPercent, 0.0)
}

func TestJobs(t *testing.T) {
	srv, _ := newTestServer(t)
	job := &testJob{}
	srv.SetJobs(job)

	rec := serve(t, srv.Router(), http.MethodGet, "/api/system/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_job")

	rec = serve(t, srv.Router(), http.MethodPost, "/api/system/jobs/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, srv.Router(), http.MethodPost, "/api/system/jobs/test_job")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Eventually(t, func() bool { return job.runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func dialEvents(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	var hello map[string]interface{}
	require.NoError(t, wsjson.Read(ctx, conn, &hello))
	require.Equal(t, "connected", hello["type"])
	return conn
}

func TestEventsStream(t *testing.T) {
	srv, bus := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialEvents(t, ts, "")
	bus.Publish("analysis", &events.AnalysisFailedData{Source: "prices.csv", Error: "boom"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg map[string]interface{}
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, "ANALYSIS_FAILED", msg["type"])
	assert.Equal(t, "analysis", msg["module"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "boom", data["error"])
}

func TestEventsStream_TypeFilter(t *testing.T) {
	srv, bus := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialEvents(t, ts, "?types=RUN_DELETED")
	bus.Publish("analysis", &events.AnalysisFailedData{Error: "skipped"})
	bus.Publish("analysis", &events.RunDeletedData{RunID: "run-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg map[string]interface{}
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, "RUN_DELETED", msg["type"])
}
