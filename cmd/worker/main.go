package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/cmd/cli/config"
	"github.com/inferloop/fldp/internal/audit"
	"github.com/inferloop/fldp/internal/observability/health"
	"github.com/inferloop/fldp/internal/observability/metrics"
	"github.com/inferloop/fldp/internal/privacy"
	"github.com/inferloop/fldp/internal/storage"
	"github.com/inferloop/fldp/pkg/constants"
)

type WorkerConfig struct {
	WorkerID     string
	ConfigFile   string
	Concurrency  int
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	MetricsAddr  string
	LogLevel     string
	LogFormat    string
	Once         bool
	Version      bool
}

var logger *logrus.Logger

// Validate rejects settings under which no update would ever be processed.
func (c *WorkerConfig) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size cannot be negative, got %d", c.BatchSize)
	}
	return nil
}

func main() {
	workerConfig := parseFlags()

	if workerConfig.Version {
		info := GetBuildInfo()
		fmt.Printf("fldp-worker %s (commit %s, built %s, %s %s)\n", info.Version, info.GitCommit, info.BuildDate, info.GoVersion, info.Platform)
		return
	}
	if err := workerConfig.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(workerConfig.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if workerConfig.LogLevel == "" {
		workerConfig.LogLevel = cfg.Log.Level
	}
	if workerConfig.LogFormat == "" {
		workerConfig.LogFormat = cfg.Log.Format
	}
	if workerConfig.MetricsAddr != "" {
		cfg.Metrics.Addr = workerConfig.MetricsAddr
	}

	logger = setupLogger(workerConfig.LogLevel, workerConfig.LogFormat)

	logger.WithFields(logrus.Fields{
		"workerID":    workerConfig.WorkerID,
		"concurrency": workerConfig.Concurrency,
		"technique":   cfg.Privacy.Technique,
		"store":       cfg.Store.Type,
		"version":     Version,
	}).Info("Starting federated privacy worker")

	if err := run(workerConfig, cfg); err != nil {
		logger.WithError(err).Error("Worker failed")
		os.Exit(1)
	}

	logger.Info("Worker stopped successfully")
}

func run(workerConfig *WorkerConfig, cfg *config.CLIConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	pm, err := metrics.NewPrometheusMetrics(&cfg.Metrics, logger)
	if err != nil {
		return err
	}
	pm.SetVersion(GetBuildInfo().Map())

	filter, err := newFilter(cfg, pm)
	if err != nil {
		return err
	}

	store, err := storage.NewFactory(logger).Open(ctx, &cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open update store: %w", err)
	}
	defer store.Close()

	sink, err := audit.Open(ctx, &cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit sinks: %w", err)
	}
	defer sink.Close()

	scheduler := NewScheduler(workerConfig, store, pm, logger)
	processor := NewJobProcessor(workerConfig, filter, store, sink, pm, logger)
	processor.SetScheduler(scheduler)

	if workerConfig.Once {
		return drain(ctx, scheduler, processor)
	}

	pm.Health().RegisterCheck(health.NewBasicHealthCheck("scheduler", func(context.Context) error {
		if since := time.Since(scheduler.LastPoll()); since > 3*workerConfig.PollInterval {
			return fmt.Errorf("last successful poll %s ago", since.Round(time.Second))
		}
		return nil
	}, true, constants.DefaultHealthCheckTimeout))

	if err := pm.Start(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go scheduler.Start(ctx)
	go func() {
		processor.Start(ctx)
		close(done)
	}()

	go func() {
		ticker := time.NewTicker(constants.DefaultStatsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.WithFields(logrus.Fields{
					"activeJobs":    processor.ActiveJobs(),
					"completedJobs": processor.CompletedJobs(),
					"failedJobs":    processor.FailedJobs(),
				}).Debug("Worker health check")
			}
		}
	}()

	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
	defer shutdownCancel()

	err = gracefulShutdown(shutdownCtx, scheduler, done)
	cancel()
	if stopErr := pm.Stop(shutdownCtx); stopErr != nil {
		logger.WithError(stopErr).Warn("Metrics server shutdown failed")
	}
	return err
}

// drain processes everything pending once and returns. The store is only
// polled while nothing is in flight so a released retry is never missed.
func drain(ctx context.Context, scheduler *Scheduler, processor *JobProcessor) error {
	done := make(chan struct{})
	go func() {
		processor.Start(ctx)
		close(done)
	}()

	for {
		if ctx.Err() != nil {
			break
		}
		if scheduler.InFlight() > 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if scheduler.PollOnce(ctx) == 0 {
			break
		}
	}
	scheduler.Stop()
	<-done

	logger.WithFields(logrus.Fields{
		"completedJobs": processor.CompletedJobs(),
		"failedJobs":    processor.FailedJobs(),
	}).Info("Pending updates processed")
	return ctx.Err()
}

func newFilter(cfg *config.CLIConfig, observer privacy.Observer) (*privacy.Filter, error) {
	privacyConfig, err := privacy.NewPrivacyConfig(cfg.Privacy.Options())
	if err != nil {
		return nil, fmt.Errorf("invalid privacy configuration: %w", err)
	}
	kinds, err := cfg.Privacy.SupportedDataKinds()
	if err != nil {
		return nil, err
	}

	return privacy.NewFilter(privacyConfig,
		privacy.WithLogger(logger),
		privacy.WithNoiseSource(cfg.Privacy.NoiseSource()),
		privacy.WithDataKinds(kinds...),
		privacy.WithObserver(observer),
	)
}

func parseFlags() *WorkerConfig {
	config := &WorkerConfig{}

	flag.StringVar(&config.WorkerID, "worker-id", generateWorkerID(), "Unique worker ID")
	flag.StringVar(&config.ConfigFile, "config", "", "Path to configuration file (default is $HOME/.fldp/config.yaml)")
	flag.IntVar(&config.Concurrency, "concurrency", constants.DefaultWorkerConcurrency, "Number of updates privatized concurrently")
	flag.DurationVar(&config.PollInterval, "poll-interval", constants.DefaultWorkerPollInterval, "Update store polling interval")
	flag.IntVar(&config.BatchSize, "batch-size", 0, "Maximum updates queued per poll (0 for no limit)")
	flag.IntVar(&config.MaxRetries, "max-retries", constants.DefaultMaxRetries, "Attempts before a store failure marks an update as failed")
	flag.StringVar(&config.MetricsAddr, "metrics-addr", "", "Metrics listen address (overrides the config file)")
	flag.StringVar(&config.LogLevel, "log-level", "", "Log level (overrides the config file)")
	flag.StringVar(&config.LogFormat, "log-format", "", "Log format: json or text (overrides the config file)")
	flag.BoolVar(&config.Once, "once", false, "Process pending updates once and exit")
	flag.BoolVar(&config.Version, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nFederated learning privacy worker\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	return config
}

func setupLogger(level, format string) *logrus.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func generateWorkerID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
}

func gracefulShutdown(ctx context.Context, scheduler *Scheduler, done <-chan struct{}) error {
	logger.Info("Starting graceful shutdown")

	// queued jobs are still drained by the workers
	scheduler.Stop()

	select {
	case <-done:
		logger.Info("All jobs completed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}
}
