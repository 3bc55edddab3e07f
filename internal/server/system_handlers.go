package server

import (
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/modules/analysis"
	"github.com/aristath/allocator/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemHandlers handles system-wide monitoring and operations endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	startupTime time.Time
	db          *database.DB
	analysis    *analysis.Service
	scheduler   *scheduler.Scheduler

	mu   sync.RWMutex
	jobs map[string]scheduler.Job
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	db *database.DB,
	analysisService *analysis.Service,
	sched *scheduler.Scheduler,
) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("handler", "system").Logger(),
		dataDir:     dataDir,
		startupTime: time.Now(),
		db:          db,
		analysis:    analysisService,
		scheduler:   sched,
		jobs:        make(map[string]scheduler.Job),
	}
}

// SetJobs registers jobs for manual triggering
func (h *SystemHandlers) SetJobs(jobs ...scheduler.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, job := range jobs {
		h.jobs[job.Name()] = job
	}
}

// SystemStatusResponse represents system status
type SystemStatusResponse struct {
	Status         string  `json:"status"`
	Version        string  `json:"version"`
	StartedAt      string  `json:"started_at"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	RunCount       int     `json:"run_count"`
	DatabaseSizeMB float64 `json:"database_size_mb"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	Goroutines     int     `json:"goroutines"`
	GoVersion      string  `json:"go_version"`
	DataDir        string  `json:"data_dir,omitempty"`
}

// HandleSystemStatus returns the system status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	response := SystemStatusResponse{
		Status:        "healthy",
		Version:       Version,
		StartedAt:     h.startupTime.UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(h.startupTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		GoVersion:     runtime.Version(),
		DataDir:       h.dataDir,
	}

	if h.analysis != nil {
		count, err := h.analysis.CountRuns(r.Context())
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to count runs")
			response.Status = "degraded"
		}
		response.RunCount = count
	}

	if h.db != nil {
		if err := h.db.QuickCheck(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Database check failed")
			response.Status = "degraded"
		}
		if info, err := os.Stat(h.db.Path()); err == nil {
			response.DatabaseSizeMB = float64(info.Size()) / 1024 / 1024
		}
	}

	response.CPUPercent, response.MemoryPercent = h.getSystemStats()

	writeJSON(w, http.StatusOK, response, h.log)
}

// JobInfo describes a job that can be triggered via the API
type JobInfo struct {
	Name string `json:"name"`
}

// HandleListJobs lists the registered jobs
func (h *SystemHandlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	jobs := make([]JobInfo, 0, len(h.jobs))
	for name := range h.jobs {
		jobs = append(jobs, JobInfo{Name: name})
	}
	h.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs}, h.log)
}

// HandleTriggerJob runs a registered job in the background
func (h *SystemHandlers) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	h.mu.RLock()
	job, ok := h.jobs[name]
	h.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job: " + name}, h.log)
		return
	}

	go func() {
		var err error
		if h.scheduler != nil {
			err = h.scheduler.RunNow(job)
		} else {
			err = job.Run()
		}
		if err != nil {
			h.log.Error().Err(err).Str("job", name).Msg("Triggered job failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "triggered",
		"message": "Job " + name + " started",
	}, h.log)
}

// getSystemStats calculates CPU and RAM usage percentages
// Uses a short interval (100ms) to avoid blocking the request
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	// Get memory statistics (instant, no blocking)
	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
