// Command allocate runs a one-off portfolio comparison over a price CSV and
// prints the summary and weight tables.
//
// Usage:
//
//	allocate -prices prices.csv [-tickers AAPL,MSFT] [-rf 0.02] [-out dir] [-chart]
//
// Defaults come from the same environment variables as the server
// (PRICES_CSV, TICKERS, RISK_FREE_RATE, EXPORT_DIR).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aristath/allocator/internal/config"
	"github.com/aristath/allocator/internal/modules/analysis"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/reporting"
	"github.com/aristath/allocator/pkg/logger"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocate: %v\n", err)
		os.Exit(1)
	}

	pricesPath := flag.String("prices", cfg.PricesCSV, "price CSV with a Date column and one column per ticker")
	tickers := flag.String("tickers", strings.Join(cfg.Tickers, ","), "comma-separated tickers to keep (default: every column)")
	rf := flag.Float64("rf", cfg.Optimizer.RiskFreeRate, "annual risk-free rate for the Sharpe ratio")
	out := flag.String("out", cfg.Export.Dir, "directory for the CSV reports (empty: print only)")
	chart := flag.Bool("chart", true, "also write "+reporting.ChartFile+" when -out is set")
	verbose := flag.Bool("v", false, "log solver progress to stderr")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Pretty: true})

	if *pricesPath == "" {
		fmt.Fprintln(os.Stderr, "allocate: -prices is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *pricesPath, splitTickers(*tickers), *rf, *out, *chart); err != nil {
		fmt.Fprintf(os.Stderr, "allocate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, pricesPath string, tickers []string, rf float64, out string, chart bool) error {
	allocator, err := optimization.NewAllocator(cfg.Allocation(), log)
	if err != nil {
		return err
	}
	service := analysis.NewService(allocator, nil, nil, log)

	f, err := os.Open(pricesPath)
	if err != nil {
		return err
	}
	defer f.Close()

	result, err := service.RunFromReader(ctx, f, filepath.Base(pricesPath), tickers, &rf)
	if err != nil {
		return err
	}

	if err := reporting.WriteText(os.Stdout, result.Report); err != nil {
		return err
	}

	if out == "" {
		return nil
	}
	exporter, err := reporting.NewDirExporter(out)
	if err != nil {
		return err
	}
	if err := reporting.ExportReport(ctx, exporter, "", result.Report, chart); err != nil {
		return err
	}
	fmt.Printf("\nReports written to %s\n", out)
	return nil
}

func splitTickers(s string) []string {
	var tickers []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tickers = append(tickers, t)
		}
	}
	return tickers
}
