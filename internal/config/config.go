// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for the run database (always absolute)
	LogLevel  string
	LogPretty bool
	Port      int
	DevMode   bool

	// Default analysis inputs
	PricesCSV string
	Tickers   []string

	Optimizer OptimizerConfig

	// AnalysisSchedule is a cron expression (optional seconds field or a
	// descriptor such as "@daily"); empty disables the
	// scheduled rerun.
	AnalysisSchedule string

	Export ExportConfig
}

// OptimizerConfig holds the solver and annualization settings.
type OptimizerConfig struct {
	FunctionTolerance    float64
	MaxIterations        int
	FeasibilityTolerance float64
	TradingDays          int
	RiskFreeRate         float64
}

// ExportConfig selects where reports are written. Dir and S3 are independent;
// both may be set.
type ExportConfig struct {
	Dir string
	S3  S3Config
}

// S3Config holds the S3-compatible bucket settings (AWS, R2, MinIO).
type S3Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether S3 export is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	absDataDir, err := filepath.Abs(getEnv("DATA_DIR", "./data"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	defaults := optimization.DefaultConfig()
	cfg := &Config{
		DataDir:   absDataDir,
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		Port:      getEnvAsInt("PORT", 8080),
		DevMode:   getEnvAsBool("DEV_MODE", false),
		PricesCSV: getEnv("PRICES_CSV", ""),
		Tickers:   getEnvAsList("TICKERS"),
		Optimizer: OptimizerConfig{
			FunctionTolerance:    getEnvAsFloat("OPTIMIZER_FTOL", defaults.FunctionTolerance),
			MaxIterations:        getEnvAsInt("OPTIMIZER_MAX_ITERATIONS", defaults.MaxIterations),
			FeasibilityTolerance: getEnvAsFloat("OPTIMIZER_FEASIBILITY_TOL", defaults.FeasibilityTolerance),
			TradingDays:          getEnvAsInt("TRADING_DAYS", defaults.TradingPeriodsPerYear),
			RiskFreeRate:         getEnvAsFloat("RISK_FREE_RATE", defaults.RiskFreeRate),
		},
		AnalysisSchedule: getEnv("ANALYSIS_SCHEDULE", ""),
		Export: ExportConfig{
			Dir: getEnv("EXPORT_DIR", ""),
			S3: S3Config{
				Bucket:          getEnv("EXPORT_S3_BUCKET", ""),
				Endpoint:        getEnv("EXPORT_S3_ENDPOINT", ""),
				Region:          getEnv("EXPORT_S3_REGION", "auto"),
				Prefix:          getEnv("EXPORT_S3_PREFIX", ""),
				AccessKeyID:     getEnv("EXPORT_S3_ACCESS_KEY_ID", ""),
				SecretAccessKey: getEnv("EXPORT_S3_SECRET_ACCESS_KEY", ""),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure directory exists
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values that cannot be used.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if err := c.Allocation().Validate(); err != nil {
		return fmt.Errorf("invalid optimizer configuration: %w", err)
	}
	if c.AnalysisSchedule != "" && c.PricesCSV == "" {
		return fmt.Errorf("ANALYSIS_SCHEDULE requires PRICES_CSV")
	}
	if c.Export.S3.Enabled() && (c.Export.S3.AccessKeyID == "") != (c.Export.S3.SecretAccessKey == "") {
		return fmt.Errorf("EXPORT_S3_ACCESS_KEY_ID and EXPORT_S3_SECRET_ACCESS_KEY must be set together")
	}
	return nil
}

// Allocation returns the allocator configuration.
func (c *Config) Allocation() optimization.Config {
	return optimization.Config{
		FunctionTolerance:     c.Optimizer.FunctionTolerance,
		MaxIterations:         c.Optimizer.MaxIterations,
		TradingPeriodsPerYear: c.Optimizer.TradingDays,
		RiskFreeRate:          c.Optimizer.RiskFreeRate,
		FeasibilityTolerance:  c.Optimizer.FeasibilityTolerance,
	}
}

// DatabasePath returns the location of the run database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "allocator.db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated value, dropping empty entries.
func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
