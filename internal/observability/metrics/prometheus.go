package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/internal/observability/health"
	"github.com/inferloop/fldp/internal/privacy"
	"github.com/inferloop/fldp/pkg/constants"
)

// Outcome labels of processed updates.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// PrometheusMetrics collects privacy filter and worker metrics. It implements
// privacy.Observer so it can be attached to a filter directly.
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	server   *http.Server
	config   *PrometheusConfig
	health   *health.HealthMonitor
	version  map[string]string
	mu       sync.RWMutex

	updatesTotal     *prometheus.CounterVec
	updateDuration   *prometheus.HistogramVec
	updateElements   *prometheus.HistogramVec
	noiseScale       *prometheus.GaugeVec
	utilityLoss      *prometheus.HistogramVec
	failuresTotal    *prometheus.CounterVec
	storeOperations  *prometheus.CounterVec
	storeDuration    *prometheus.HistogramVec
	auditWritesTotal *prometheus.CounterVec
	workerJobsActive prometheus.Gauge
	workerPollsTotal prometheus.Counter
}

// PrometheusConfig configures Prometheus metrics
type PrometheusConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Addr      string `json:"addr" yaml:"addr" mapstructure:"addr"`
	Path      string `json:"path" yaml:"path" mapstructure:"path"`
	Namespace string `json:"namespace" yaml:"namespace" mapstructure:"namespace"`
}

// DefaultPrometheusConfig returns the default metrics configuration.
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Enabled:   true,
		Addr:      constants.DefaultMetricsAddr,
		Path:      constants.DefaultMetricsPath,
		Namespace: constants.DefaultMetricsNamespace,
	}
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(config *PrometheusConfig, logger *logrus.Logger) (*PrometheusMetrics, error) {
	if config == nil {
		config = DefaultPrometheusConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	if logger == nil {
		logger = logrus.New()
	}

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		config:   config,
		health:   health.NewHealthMonitor(logger),
		version:  map[string]string{},
	}

	pm.initializeMetrics()

	if err := pm.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return pm, nil
}

// ObserveResult records a successfully privatized update.
func (pm *PrometheusMetrics) ObserveResult(result *privacy.Result) {
	technique := result.Technique.String()

	pm.updatesTotal.WithLabelValues(technique, OutcomeApplied).Inc()
	pm.updateDuration.WithLabelValues(technique).Observe(result.Duration.Seconds())
	pm.updateElements.WithLabelValues(technique).Observe(float64(result.Elements))
	pm.noiseScale.WithLabelValues(technique).Set(result.NoiseScale)
	pm.utilityLoss.WithLabelValues(technique).Observe(result.UtilityLoss)
}

// ObserveFailure records an update the filter did not privatize. Failures
// while validating count as rejections.
func (pm *PrometheusMetrics) ObserveFailure(technique privacy.Technique, state privacy.FilterState, err error) {
	outcome := OutcomeFailed
	if state == privacy.StateValidating {
		outcome = OutcomeRejected
	}

	pm.updatesTotal.WithLabelValues(technique.String(), outcome).Inc()
	pm.failuresTotal.WithLabelValues(technique.String(), state.String()).Inc()
}

// RecordStoreOperation records an update store call.
func (pm *PrometheusMetrics) RecordStoreOperation(operation string, err error, duration time.Duration) {
	pm.storeOperations.WithLabelValues(operation, status(err)).Inc()
	pm.storeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAuditWrite records an audit sink write.
func (pm *PrometheusMetrics) RecordAuditWrite(sink string, err error) {
	pm.auditWritesTotal.WithLabelValues(sink, status(err)).Inc()
}

// RecordPoll counts a worker poll of the update store.
func (pm *PrometheusMetrics) RecordPoll() {
	pm.workerPollsTotal.Inc()
}

// SetActiveJobs sets the number of updates being privatized.
func (pm *PrometheusMetrics) SetActiveJobs(count float64) {
	pm.workerJobsActive.Set(count)
}

// Health returns the monitor backing the /health endpoint.
func (pm *PrometheusMetrics) Health() *health.HealthMonitor {
	return pm.health
}

// SetVersion sets the build information served on /version.
func (pm *PrometheusMetrics) SetVersion(info map[string]string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.version = info
}

// Router returns the HTTP routes served by the metrics listener.
func (pm *PrometheusMetrics) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle(pm.config.Path, promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})).Methods(http.MethodGet)
	router.HandleFunc("/health", pm.health.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/version", pm.handleVersion).Methods(http.MethodGet)
	return router
}

// Start starts the metrics server
func (pm *PrometheusMetrics) Start(ctx context.Context) error {
	if !pm.config.Enabled {
		pm.logger.Info("Prometheus metrics disabled")
		return nil
	}

	pm.server = &http.Server{
		Addr:              pm.config.Addr,
		Handler:           pm.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pm.logger.WithFields(logrus.Fields{
		"addr": pm.config.Addr,
		"path": pm.config.Path,
	}).Info("Starting Prometheus metrics server")

	go func() {
		if err := pm.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			pm.logger.WithError(err).Error("Prometheus metrics server error")
		}
	}()

	return nil
}

// Stop stops the metrics server
func (pm *PrometheusMetrics) Stop(ctx context.Context) error {
	if pm.server == nil {
		return nil
	}

	pm.logger.Info("Stopping Prometheus metrics server")
	return pm.server.Shutdown(ctx)
}

// GetRegistry returns the Prometheus registry
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

func (pm *PrometheusMetrics) handleVersion(w http.ResponseWriter, r *http.Request) {
	pm.mu.RLock()
	info := pm.version
	pm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		pm.logger.WithError(err).Error("Failed to encode version")
	}
}

func (pm *PrometheusMetrics) initializeMetrics() {
	namespace := pm.config.Namespace

	pm.updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "updates_total",
			Help:      "Total number of updates handled by the privacy filter",
		},
		[]string{"technique", "outcome"},
	)

	pm.updateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "duration_seconds",
			Help:      "Time spent privatizing an update",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"technique"},
	)

	pm.updateElements = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "update_elements",
			Help:      "Number of noised elements per update",
			Buckets:   prometheus.ExponentialBuckets(10, 10, 8),
		},
		[]string{"technique"},
	)

	pm.noiseScale = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "noise_scale",
			Help:      "Noise scale of the last privatized update",
		},
		[]string{"technique"},
	)

	pm.utilityLoss = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "utility_loss_rmse",
			Help:      "Root mean squared difference between original and privatized values",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"technique"},
	)

	pm.failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "failures_total",
			Help:      "Total number of filter failures by stage",
		},
		[]string{"technique", "stage"},
	)

	pm.storeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of update store operations",
		},
		[]string{"operation", "status"},
	)

	pm.storeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Update store operation duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	pm.auditWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Total number of audit record writes",
		},
		[]string{"sink", "status"},
	)

	pm.workerJobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_active",
			Help:      "Number of updates being privatized",
		},
	)

	pm.workerPollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "polls_total",
			Help:      "Total number of update store polls",
		},
	)
}

func (pm *PrometheusMetrics) registerMetrics() error {
	metrics := []prometheus.Collector{
		pm.updatesTotal,
		pm.updateDuration,
		pm.updateElements,
		pm.noiseScale,
		pm.utilityLoss,
		pm.failuresTotal,
		pm.storeOperations,
		pm.storeDuration,
		pm.auditWritesTotal,
		pm.workerJobsActive,
		pm.workerPollsTotal,
	}

	for _, metric := range metrics {
		if err := pm.registry.Register(metric); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
