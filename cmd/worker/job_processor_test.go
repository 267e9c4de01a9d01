package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fldp/internal/audit"
	"github.com/inferloop/fldp/internal/observability/metrics"
	"github.com/inferloop/fldp/internal/privacy"
	"github.com/inferloop/fldp/internal/storage/implementations/file"
	"github.com/inferloop/fldp/internal/utils/encoding"
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

type recordingSink struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (s *recordingSink) Name() string { return "recording" }
func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) Write(_ context.Context, record *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *recordingSink) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Status)
	}
	return out
}

// flakyStore fails the first loads and completions of every key with a
// retryable storage error and counts saved outputs. A negative limit fails
// every call.
type flakyStore struct {
	*file.Store
	mu            sync.Mutex
	loads         map[string]int
	completes     map[string]int
	saves         map[string]int
	loadLimit     int
	completeLimit int
}

func (s *flakyStore) fail(calls map[string]int, key string, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := calls[key]
	calls[key] = n + 1
	return limit < 0 || n < limit
}

func (s *flakyStore) Load(ctx context.Context, key string) (*models.UpdateEnvelope, error) {
	if s.fail(s.loads, key, s.loadLimit) {
		return nil, errors.WrapError(fmt.Errorf("connection reset"), errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read update")
	}
	return s.Store.Load(ctx, key)
}

func (s *flakyStore) Save(ctx context.Context, env *models.UpdateEnvelope) (string, error) {
	s.mu.Lock()
	s.saves[env.ID]++
	s.mu.Unlock()
	return s.Store.Save(ctx, env)
}

func (s *flakyStore) Complete(ctx context.Context, key string) error {
	if s.fail(s.completes, key, s.completeLimit) {
		return errors.WrapError(fmt.Errorf("permission denied"), errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to move update")
	}
	return s.Store.Complete(ctx, key)
}

func (s *flakyStore) saveCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[id]
}

type testWorker struct {
	base      string
	sink      *recordingSink
	metrics   *metrics.PrometheusMetrics
	store     *flakyStore
	scheduler *Scheduler
	processor *JobProcessor
}

// newTestWorker builds a worker over a file store in a temp dir. With
// loadFailures > 0 every key fails to load that many times first.
func newTestWorker(t *testing.T, loadFailures int) *testWorker {
	t.Helper()
	return newFlakyWorker(t, loadFailures, 0)
}

func newFlakyWorker(t *testing.T, loadFailures, completeFailures int) *testWorker {
	t.Helper()
	logger, _ := test.NewNullLogger()
	base := t.TempDir()

	fileStore, err := file.NewStore(&file.Config{BasePath: base, CreateDirs: true}, logger)
	require.NoError(t, err)
	require.NoError(t, fileStore.Connect(context.Background()))

	store := &flakyStore{
		Store:         fileStore,
		loads:         make(map[string]int),
		completes:     make(map[string]int),
		saves:         make(map[string]int),
		loadLimit:     loadFailures,
		completeLimit: completeFailures,
	}

	pm, err := metrics.NewPrometheusMetrics(nil, logger)
	require.NoError(t, err)

	config, err := privacy.NewPrivacyConfig(privacy.Options{Technique: "laplace", Sensitivity: 1, Epsilon: 1, Gamma: 5})
	require.NoError(t, err)
	filter, err := privacy.NewFilter(config,
		privacy.WithLogger(logger),
		privacy.WithNoiseSource(privacy.NewSeededSource(42)),
		privacy.WithObserver(pm),
	)
	require.NoError(t, err)

	workerConfig := &WorkerConfig{WorkerID: "worker-test", Concurrency: 3, PollInterval: 10 * time.Millisecond, MaxRetries: 3}
	sink := &recordingSink{}

	w := &testWorker{base: base, sink: sink, metrics: pm, store: store}
	w.scheduler = NewScheduler(workerConfig, store, pm, logger)
	w.processor = NewJobProcessor(workerConfig, filter, store, sink, pm, logger)
	w.processor.SetScheduler(w.scheduler)
	return w
}

func (w *testWorker) put(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(w.base, file.FolderIncoming, name), data, 0644))
}

func (w *testWorker) putEnvelope(t *testing.T, name string, env *models.UpdateEnvelope) {
	t.Helper()
	data, err := encoding.EncodeEnvelope(env, false)
	require.NoError(t, err)
	w.put(t, name, data)
}

func (w *testWorker) exists(folder, name string) bool {
	_, err := os.Stat(filepath.Join(w.base, folder, name))
	return err == nil
}

func (w *testWorker) runUntilIdle(t *testing.T) {
	t.Helper()
	require.NoError(t, drain(context.Background(), w.scheduler, w.processor))
}

func validUpdate(round int) *models.UpdateEnvelope {
	return &models.UpdateEnvelope{
		ClientID:  "site-1",
		Round:     round,
		StepCount: 2,
		Params: models.ParameterUpdate{
			"w": models.NewTensor([]int{2, 2}, []float64{1.0, -2.0, 3.0, 0.1}),
			"b": models.NewScalar(0.5),
		},
	}
}

func init() {
	logger, _ = test.NewNullLogger()
}

func TestNewJobProcessor(t *testing.T) {
	w := newTestWorker(t, 0)

	assert.Equal(t, int32(0), w.processor.ActiveJobs())
	assert.Equal(t, int64(0), w.processor.CompletedJobs())
	assert.Equal(t, int64(0), w.processor.FailedJobs())
	assert.Equal(t, w.scheduler, w.processor.scheduler)
}

func TestSchedulerQueuesPendingOnce(t *testing.T) {
	w := newTestWorker(t, 0)
	w.putEnvelope(t, "a.json", validUpdate(1))
	w.putEnvelope(t, "b.json", validUpdate(1))

	assert.Equal(t, 2, w.scheduler.PollOnce(context.Background()))
	assert.Equal(t, 0, w.scheduler.PollOnce(context.Background()))
	assert.Equal(t, 2, w.scheduler.InFlight())
	assert.False(t, w.scheduler.LastPoll().IsZero())

	expected := `
# HELP fldp_worker_polls_total Total number of update store polls
# TYPE fldp_worker_polls_total counter
fldp_worker_polls_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(w.metrics.GetRegistry(), strings.NewReader(expected), "fldp_worker_polls_total"))

	w.scheduler.Release("a.json", false)
	assert.Equal(t, 1, w.scheduler.InFlight())
}

func TestSchedulerStop(t *testing.T) {
	w := newTestWorker(t, 0)
	w.putEnvelope(t, "a.json", validUpdate(1))

	w.scheduler.Stop()
	w.scheduler.Stop()
	assert.False(t, w.scheduler.Running())
	assert.Equal(t, 0, w.scheduler.PollOnce(context.Background()))

	_, ok := <-w.scheduler.GetJobQueue()
	assert.False(t, ok)
}

func TestJobProcessorPrivatizesUpdates(t *testing.T) {
	w := newTestWorker(t, 0)
	for i := 0; i < 10; i++ {
		w.putEnvelope(t, fmt.Sprintf("update-%02d.json", i), validUpdate(i))
	}

	w.runUntilIdle(t)

	assert.Equal(t, int64(10), w.processor.CompletedJobs())
	assert.Equal(t, int64(0), w.processor.FailedJobs())
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("update-%02d.json", i)
		assert.True(t, w.exists(file.FolderProcessed, name), name)
		assert.True(t, w.exists(file.FolderOutgoing, name), name)
		assert.False(t, w.exists(file.FolderIncoming, name), name)
	}

	data, err := os.ReadFile(filepath.Join(w.base, file.FolderOutgoing, "update-03.json"))
	require.NoError(t, err)
	env, err := encoding.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "update-03", env.ID)
	assert.Equal(t, 3, env.Round)
	assert.Equal(t, []int{2, 2}, env.Params["w"].Shape)
	assert.Equal(t, 0.5, env.Params["b"].Data[0])

	require.Len(t, w.sink.records, 10)
	for _, record := range w.sink.records {
		assert.Equal(t, audit.StatusApplied, record.Status)
		assert.Equal(t, "worker-test", record.Worker)
		assert.Equal(t, "site-1", record.ClientID)
	}

	expected := `
# HELP fldp_worker_jobs_active Number of updates being privatized
# TYPE fldp_worker_jobs_active gauge
fldp_worker_jobs_active 0
`
	assert.NoError(t, testutil.GatherAndCompare(w.metrics.GetRegistry(), strings.NewReader(expected), "fldp_worker_jobs_active"))
}

func TestJobProcessorRejectsInvalidUpdates(t *testing.T) {
	w := newTestWorker(t, 0)
	w.putEnvelope(t, "empty.json", &models.UpdateEnvelope{Round: 1, Params: models.ParameterUpdate{}})
	w.putEnvelope(t, "steps.json", &models.UpdateEnvelope{Round: 1, StepCount: -1, Params: validUpdate(1).Params})
	w.put(t, "broken.json", []byte("{not json"))
	w.putEnvelope(t, "good.json", validUpdate(2))

	w.runUntilIdle(t)

	assert.Equal(t, int64(1), w.processor.CompletedJobs())
	assert.Equal(t, int64(3), w.processor.FailedJobs())
	assert.True(t, w.exists(file.FolderFailed, "empty.json"))
	assert.True(t, w.exists(file.FolderFailed, "steps.json"))
	assert.True(t, w.exists(file.FolderFailed, "broken.json"))
	assert.True(t, w.exists(file.FolderProcessed, "good.json"))
	assert.False(t, w.exists(file.FolderOutgoing, "empty.json"))

	assert.ElementsMatch(t, []string{audit.StatusRejected, audit.StatusRejected, audit.StatusFailed, audit.StatusApplied}, w.sink.statuses())
}

func TestJobProcessorRetriesTransientStoreErrors(t *testing.T) {
	w := newTestWorker(t, 2)
	w.putEnvelope(t, "retry.json", validUpdate(1))

	w.runUntilIdle(t)

	assert.Equal(t, int64(1), w.processor.CompletedJobs())
	assert.True(t, w.exists(file.FolderProcessed, "retry.json"))
	assert.Equal(t, 0, w.scheduler.Attempts("retry.json"))
}

func TestJobProcessorGivesUpAfterMaxRetries(t *testing.T) {
	w := newTestWorker(t, 10)
	w.putEnvelope(t, "stuck.json", validUpdate(1))

	w.runUntilIdle(t)

	assert.Equal(t, int64(0), w.processor.CompletedJobs())
	assert.Equal(t, int64(1), w.processor.FailedJobs())
	assert.True(t, w.exists(file.FolderFailed, "stuck.json"))
	assert.Equal(t, []string{audit.StatusFailed}, w.sink.statuses())
}

func TestJobProcessorRetriesOnlyCompletion(t *testing.T) {
	w := newFlakyWorker(t, 0, 1)
	w.putEnvelope(t, "late.json", validUpdate(1))

	w.runUntilIdle(t)

	assert.Equal(t, 1, w.store.saveCount("late"))
	assert.Equal(t, int64(1), w.processor.CompletedJobs())
	assert.True(t, w.exists(file.FolderProcessed, "late.json"))
	assert.False(t, w.scheduler.Saved("late.json"))
	assert.Equal(t, []string{audit.StatusApplied}, w.sink.statuses())
}

func TestJobProcessorParksUpdateWhenCompletionKeepsFailing(t *testing.T) {
	w := newFlakyWorker(t, 0, -1)
	w.putEnvelope(t, "stuck.json", validUpdate(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, drain(ctx, w.scheduler, w.processor))

	assert.Equal(t, 1, w.store.saveCount("stuck"))
	assert.Equal(t, int64(0), w.processor.CompletedJobs())
	assert.Equal(t, int64(1), w.processor.FailedJobs())
	assert.Equal(t, 1, w.scheduler.Parked())
	assert.True(t, w.exists(file.FolderOutgoing, "stuck.json"))
	assert.True(t, w.exists(file.FolderIncoming, "stuck.json"))
	assert.Equal(t, []string{audit.StatusApplied}, w.sink.statuses())

	// later polls leave the parked update alone
	assert.Equal(t, 0, w.scheduler.PollOnce(context.Background()))
	assert.Equal(t, 1, w.store.saveCount("stuck"))
}

func TestJobProcessorStopsOnCancel(t *testing.T) {
	w := newTestWorker(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.processor.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestGracefulShutdownTimeout(t *testing.T) {
	w := newTestWorker(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := gracefulShutdown(ctx, w.scheduler, make(chan struct{}))
	assert.Error(t, err)
	assert.False(t, w.scheduler.Running())
}

func TestWorkerConfigValidate(t *testing.T) {
	valid := WorkerConfig{Concurrency: 1, PollInterval: time.Second, MaxRetries: 1}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*WorkerConfig)
	}{
		{"zero concurrency", func(c *WorkerConfig) { c.Concurrency = 0 }},
		{"negative concurrency", func(c *WorkerConfig) { c.Concurrency = -2 }},
		{"zero poll interval", func(c *WorkerConfig) { c.PollInterval = 0 }},
		{"zero max retries", func(c *WorkerConfig) { c.MaxRetries = 0 }},
		{"negative batch size", func(c *WorkerConfig) { c.BatchSize = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.mutate(&config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestSetupLogger(t *testing.T) {
	l := setupLogger("debug", "json")
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	l = setupLogger("bogus", "text")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestBuildInfoMap(t *testing.T) {
	info := GetBuildInfo().Map()
	assert.Equal(t, Version, info["version"])
	assert.NotEmpty(t, info["platform"])
}
