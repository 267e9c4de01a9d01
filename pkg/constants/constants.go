package constants

import "time"

// Application constants
const (
	// Application metadata
	AppName        = "fldp"
	AppDescription = "Differential-privacy filter for federated learning updates"

	// Configuration
	EnvPrefix         = "FLDP"
	DefaultConfigDir  = ".fldp"
	DefaultConfigName = "config"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"

	// Metrics defaults
	DefaultMetricsAddr      = ":9090"
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "fldp"

	// Storage defaults
	DefaultStoreBasePath = "./updates"
	DefaultS3Region      = "us-east-1"

	// Worker defaults
	DefaultWorkerConcurrency  = 4
	DefaultWorkerPollInterval = 5 * time.Second
	DefaultMaxRetries         = 3
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultHealthCheckTimeout = time.Second
	DefaultStatsInterval      = 30 * time.Second

	// Privacy defaults
	DefaultTargetDelta = 1e-5
	DefaultStepCount   = 1
)

// Worker identifiers
const (
	WorkerIDCLI = "cli"
)
