package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-testgen/internal/config"
	"github.com/23skdu/longbow-testgen/internal/generate"
	"github.com/23skdu/longbow-testgen/internal/logger"
	"github.com/23skdu/longbow-testgen/internal/metrics"
)

var (
	configPath  = flag.String("config", "", "Path to YAML config file")
	outputDir   = flag.String("out", "", "Directory to write fixture artifacts to")
	format      = flag.String("format", "", "Artifact format: json or arrow")
	workers     = flag.Int("workers", 0, "Number of op families generated in parallel (1 = sequential)")
	ops         = flag.String("ops", "", "Comma-separated ops to generate (default all)")
	dtypes      = flag.String("dtypes", "", "Comma-separated element types (float16, float32, float64)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "", "Log format: console or json")
	metricsFile = flag.String("metrics-file", "", "Write Prometheus metrics to this textfile on exit")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	err = run(cfg)
	if cfg.MetricsFile != "" {
		if werr := metrics.WriteTextfile(cfg.MetricsFile); werr != nil {
			logger.Log.Warn("Failed to write metrics textfile", "path", cfg.MetricsFile, "error", werr)
		}
	}
	if err != nil {
		logger.Log.Error("Generation failed", "kind", generate.ErrorKind(err), "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, then applies explicitly set flags.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			cfg.OutputDir = *outputDir
		case "format":
			cfg.Format = *format
		case "workers":
			cfg.Workers = *workers
		case "ops":
			cfg.Ops = splitList(*ops)
		case "dtypes":
			cfg.DTypes = splitList(*dtypes)
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "metrics-file":
			cfg.MetricsFile = *metricsFile
		}
	})
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := generate.New(cfg)
	if err != nil {
		return err
	}
	logger.Log.Info("Generating fixtures", "dir", cfg.OutputDir, "format", cfg.Format,
		"workers", cfg.Workers, "dtypes", strings.Join(cfg.DTypes, ","))

	start := time.Now()
	results, err := r.Run(ctx)
	if err != nil {
		return err
	}
	total := 0
	for _, res := range results {
		total += res.Fixtures
	}
	logger.Log.Info("Generation complete", "tasks", len(results), "records", total,
		"fixtures", metrics.TotalFixtures(), "duration", time.Since(start))
	return nil
}
