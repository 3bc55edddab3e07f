package di

import (
	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/events"
	"github.com/aristath/allocator/internal/modules/analysis"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/reporting"
	"github.com/aristath/allocator/internal/scheduler"
)

// Container holds every long-lived dependency of the server.
type Container struct {
	DB  *database.DB // Run history (analysis_* tables)
	Bus *events.Bus

	Allocator  *optimization.Allocator
	Repository *analysis.Repository
	Exporter   reporting.Exporter // nil when no export target is configured
	Analysis   *analysis.Service

	Scheduler *scheduler.Scheduler
}

// JobInstances holds the registered jobs. Analysis is nil when no schedule
// is configured.
type JobInstances struct {
	Analysis      *scheduler.AnalysisJob
	CheckDatabase *scheduler.CheckDatabaseJob
}

// All returns the non-nil jobs.
func (j *JobInstances) All() []scheduler.Job {
	var jobs []scheduler.Job
	if j.Analysis != nil {
		jobs = append(jobs, j.Analysis)
	}
	if j.CheckDatabase != nil {
		jobs = append(jobs, j.CheckDatabase)
	}
	return jobs
}

// Close stops the scheduler and releases the database and bus.
func (c *Container) Close() error {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Bus != nil {
		c.Bus.Close()
	}
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
