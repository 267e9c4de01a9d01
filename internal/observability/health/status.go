package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthStatus represents the health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck defines a health check function
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) HealthResult
	Critical() bool
	Timeout() time.Duration
}

// HealthResult represents the result of a health check
type HealthResult struct {
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// SystemStatus represents overall health of the process
type SystemStatus struct {
	OverallStatus  HealthStatus            `json:"overall_status"`
	CheckResults   map[string]HealthResult `json:"check_results"`
	CriticalIssues []string                `json:"critical_issues"`
	LastCheck      time.Time               `json:"last_check"`
	Uptime         string                  `json:"uptime"`
	StartTime      time.Time               `json:"start_time"`
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	logger    *logrus.Logger
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	startTime time.Time
}

// BasicHealthCheck implements a health check around a function
type BasicHealthCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
	critical  bool
	timeout   time.Duration
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(logger *logrus.Logger) *HealthMonitor {
	if logger == nil {
		logger = logrus.New()
	}

	return &HealthMonitor{
		logger:    logger,
		checks:    make(map[string]HealthCheck),
		startTime: time.Now(),
	}
}

// RegisterCheck registers a new health check
func (hm *HealthMonitor) RegisterCheck(check HealthCheck) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checks[check.Name()] = check
	hm.logger.WithField("check", check.Name()).Debug("Registered health check")
}

// CheckAll executes every registered check and aggregates the results.
// A failing critical check makes the process unhealthy, any other failure
// degrades it.
func (hm *HealthMonitor) CheckAll(ctx context.Context) *SystemStatus {
	hm.mu.RLock()
	checks := make([]HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mu.RUnlock()

	sort.Slice(checks, func(i, j int) bool { return checks[i].Name() < checks[j].Name() })

	status := &SystemStatus{
		OverallStatus:  StatusHealthy,
		CheckResults:   make(map[string]HealthResult, len(checks)),
		CriticalIssues: make([]string, 0),
		LastCheck:      time.Now(),
		Uptime:         time.Since(hm.startTime).Round(time.Second).String(),
		StartTime:      hm.startTime,
	}

	for _, check := range checks {
		result := hm.executeCheck(ctx, check)
		status.CheckResults[check.Name()] = result
		if result.Status == StatusHealthy {
			continue
		}

		if check.Critical() {
			status.CriticalIssues = append(status.CriticalIssues, fmt.Sprintf("%s: %s", check.Name(), result.Message))
			status.OverallStatus = StatusUnhealthy
		} else if status.OverallStatus == StatusHealthy {
			status.OverallStatus = StatusDegraded
		}
	}

	return status
}

// Handler serves the aggregated status as JSON. Unhealthy maps to 503.
func (hm *HealthMonitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := hm.CheckAll(r.Context())

		code := http.StatusOK
		if status.OverallStatus == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(status); err != nil {
			hm.logger.WithError(err).Error("Failed to encode health status")
		}
	}
}

func (hm *HealthMonitor) executeCheck(ctx context.Context, check HealthCheck) HealthResult {
	timeout := check.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := check.Check(checkCtx)
	if result.Status != StatusHealthy {
		hm.logger.WithFields(logrus.Fields{
			"check":   check.Name(),
			"status":  result.Status,
			"message": result.Message,
		}).Warn("Health check failed")
	}
	return result
}

// NewBasicHealthCheck creates a health check from a function
func NewBasicHealthCheck(name string, checkFunc func(ctx context.Context) error, critical bool, timeout time.Duration) *BasicHealthCheck {
	return &BasicHealthCheck{
		name:      name,
		checkFunc: checkFunc,
		critical:  critical,
		timeout:   timeout,
	}
}

func (bhc *BasicHealthCheck) Name() string {
	return bhc.name
}

func (bhc *BasicHealthCheck) Check(ctx context.Context) HealthResult {
	start := time.Now()
	result := HealthResult{Status: StatusHealthy, Timestamp: start}

	if err := bhc.checkFunc(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}

func (bhc *BasicHealthCheck) Critical() bool {
	return bhc.critical
}

func (bhc *BasicHealthCheck) Timeout() time.Duration {
	return bhc.timeout
}
