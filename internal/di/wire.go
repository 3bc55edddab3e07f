// Package di provides dependency injection wiring and initialization.
package di

import (
	"context"
	"fmt"

	"github.com/aristath/allocator/internal/config"
	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/events"
	"github.com/aristath/allocator/internal/modules/analysis"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/reporting"
	"github.com/aristath/allocator/internal/scheduler"
	"github.com/rs/zerolog"
)

// DatabaseCheckSchedule is when the integrity check runs.
const DatabaseCheckSchedule = "@hourly"

// Wire initializes all dependencies and returns a fully configured container.
//
// Order of operations:
// 1. Initialize the database
// 2. Initialize services
// 3. Register jobs
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, *JobInstances, error) {
	// Step 1: Initialize the database
	container, err := InitializeDatabase(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Step 2: Initialize services
	if err := InitializeServices(ctx, container, cfg, log); err != nil {
		container.DB.Close()
		return nil, nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Step 3: Register jobs
	jobs, err := RegisterJobs(container, cfg, log)
	if err != nil {
		container.DB.Close()
		return nil, nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")

	return container, jobs, nil
}

// InitializeDatabase opens and migrates the run database.
func InitializeDatabase(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{
		Path: cfg.DatabasePath(),
		Name: "allocator",
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", db.Path()).Msg("Database initialized")
	return &Container{DB: db}, nil
}

// InitializeServices creates the bus, allocator, repository, exporters and
// analysis service.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	allocator, err := optimization.NewAllocator(cfg.Allocation(), log)
	if err != nil {
		return err
	}

	exporter, err := newExporter(ctx, cfg.Export, log)
	if err != nil {
		return err
	}

	container.Bus = events.NewBus(log)
	container.Allocator = allocator
	container.Repository = analysis.NewRepository(container.DB.Conn(), log)
	container.Exporter = exporter
	container.Analysis = analysis.NewService(allocator, container.Repository, container.Bus, log)
	if exporter != nil {
		container.Analysis.SetExporter(exporter, true)
	}
	container.Scheduler = scheduler.New(container.Bus, log)
	return nil
}

// RegisterJobs creates the background jobs and schedules them.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	jobs := &JobInstances{}

	jobs.CheckDatabase = scheduler.NewCheckDatabaseJob(container.DB)
	jobs.CheckDatabase.SetLogger(log)
	if err := container.Scheduler.AddJob(DatabaseCheckSchedule, jobs.CheckDatabase); err != nil {
		return nil, fmt.Errorf("failed to schedule %s: %w", jobs.CheckDatabase.Name(), err)
	}

	if cfg.PricesCSV != "" {
		jobs.Analysis = scheduler.NewAnalysisJob(container.Analysis, cfg.PricesCSV, cfg.Tickers)
		jobs.Analysis.SetLogger(log)
		if cfg.AnalysisSchedule != "" {
			if err := container.Scheduler.AddJob(cfg.AnalysisSchedule, jobs.Analysis); err != nil {
				return nil, fmt.Errorf("invalid ANALYSIS_SCHEDULE %q: %w", cfg.AnalysisSchedule, err)
			}
		}
	}

	return jobs, nil
}

func newExporter(ctx context.Context, cfg config.ExportConfig, log zerolog.Logger) (reporting.Exporter, error) {
	var exporters reporting.MultiExporter
	if cfg.Dir != "" {
		dir, err := reporting.NewDirExporter(cfg.Dir)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, dir)
		log.Info().Str("dir", cfg.Dir).Msg("Exporting reports to directory")
	}
	if cfg.S3.Enabled() {
		s3, err := reporting.NewS3Exporter(ctx, reporting.S3Config{
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, log)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, s3)
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("Exporting reports to S3")
	}

	switch len(exporters) {
	case 0:
		return nil, nil
	case 1:
		return exporters[0], nil
	default:
		return exporters, nil
	}
}
