package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/internal/audit"
	"github.com/inferloop/fldp/internal/observability/metrics"
	"github.com/inferloop/fldp/internal/privacy"
	"github.com/inferloop/fldp/internal/storage"
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

// JobProcessor privatizes queued updates with a pool of workers.
type JobProcessor struct {
	config        *WorkerConfig
	logger        *logrus.Logger
	filter        *privacy.Filter
	store         storage.UpdateStore
	sink          audit.Sink
	metrics       *metrics.PrometheusMetrics
	scheduler     *Scheduler
	activeJobs    int32
	completedJobs int64
	failedJobs    int64
	wg            sync.WaitGroup
}

func NewJobProcessor(config *WorkerConfig, filter *privacy.Filter, store storage.UpdateStore, sink audit.Sink, m *metrics.PrometheusMetrics, logger *logrus.Logger) *JobProcessor {
	return &JobProcessor{
		config:  config,
		logger:  logger,
		filter:  filter,
		store:   store,
		sink:    sink,
		metrics: m,
	}
}

// Start runs the workers until the job queue closes or ctx is cancelled.
func (jp *JobProcessor) Start(ctx context.Context) {
	jp.logger.Info("Job processor started")

	for i := 0; i < jp.config.Concurrency; i++ {
		jp.wg.Add(1)
		go jp.worker(ctx, i)
	}

	jp.wg.Wait()
	jp.logger.Info("All workers stopped")
}

func (jp *JobProcessor) SetScheduler(scheduler *Scheduler) {
	jp.scheduler = scheduler
}

func (jp *JobProcessor) worker(ctx context.Context, workerID int) {
	defer jp.wg.Done()

	jp.logger.WithField("workerID", workerID).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			jp.logger.WithField("workerID", workerID).Debug("Worker stopping")
			return
		case job, ok := <-jp.scheduler.GetJobQueue():
			if !ok {
				jp.logger.WithField("workerID", workerID).Debug("Job queue closed, worker stopping")
				return
			}

			jp.processJob(ctx, job, workerID)
		}
	}
}

func (jp *JobProcessor) processJob(ctx context.Context, job *Job, workerID int) {
	jp.setActive(atomic.AddInt32(&jp.activeJobs, 1))
	defer func() { jp.setActive(atomic.AddInt32(&jp.activeJobs, -1)) }()

	startTime := time.Now()
	logger := jp.logger.WithFields(logrus.Fields{
		"jobID":    job.ID,
		"key":      job.Key,
		"attempt":  job.Attempt,
		"workerID": workerID,
	})

	logger.Debug("Processing update")

	var (
		retry bool
		err   error
	)
	if job.Saved {
		retry, err = jp.complete(ctx, job.Key)
	} else {
		retry, err = jp.privatize(ctx, job.Key, logger)
	}
	if jp.scheduler != nil {
		if err != nil && !retry && jp.saved(job) {
			jp.scheduler.Park(job.Key)
		} else {
			jp.scheduler.Release(job.Key, retry)
		}
	}

	duration := time.Since(startTime)
	switch {
	case err == nil:
		atomic.AddInt64(&jp.completedJobs, 1)
		logger.WithField("duration", duration).Info("Update privatized")
	case retry:
		logger.WithError(err).Warn("Update will be retried")
	default:
		atomic.AddInt64(&jp.failedJobs, 1)
		logger.WithError(err).WithField("duration", duration).Error("Update failed")
	}
}

// privatize runs one update through load, filter, save and complete. It
// reports whether a failure is transient and the key should be retried.
func (jp *JobProcessor) privatize(ctx context.Context, key string, logger *logrus.Entry) (bool, error) {
	var env *models.UpdateEnvelope
	err := jp.timed("load", func() (err error) {
		env, err = jp.store.Load(ctx, key)
		return err
	})
	if err != nil {
		if jp.transient(err, key) {
			return true, err
		}
		jp.reject(ctx, key, &models.UpdateEnvelope{ID: key}, err, logger)
		return false, err
	}

	out, result, err := jp.filter.ProcessEnvelope(env)
	if err != nil {
		jp.reject(ctx, key, env, err, logger)
		return false, err
	}

	err = jp.timed("save", func() error {
		_, err := jp.store.Save(ctx, out)
		return err
	})
	if err != nil {
		if jp.transient(err, key) {
			return true, err
		}
		jp.reject(ctx, key, env, err, logger)
		return false, err
	}

	if jp.scheduler != nil {
		jp.scheduler.MarkSaved(key)
	}

	record := audit.NewRecord(result, env)
	record.Worker = jp.config.WorkerID
	jp.writeAudit(ctx, record, logger)

	retry, err := jp.complete(ctx, key)
	if err != nil {
		logger.WithError(err).Error("Failed to mark update as processed")
	}
	return retry, err
}

// complete moves a privatized input out of the pending set. The output is
// already released, so a failure never sends the update through the filter
// again.
func (jp *JobProcessor) complete(ctx context.Context, key string) (bool, error) {
	err := jp.timed("complete", func() error { return jp.store.Complete(ctx, key) })
	if err == nil {
		return false, nil
	}
	return jp.transient(err, key), err
}

func (jp *JobProcessor) saved(job *Job) bool {
	if job.Saved {
		return true
	}
	return jp.scheduler.Saved(job.Key)
}

// transient reports whether a storage failure should be retried. Missing
// updates and exhausted retries are permanent.
func (jp *JobProcessor) transient(err error, key string) bool {
	if !errors.IsType(err, errors.ErrorTypeStorage) {
		return false
	}
	if errors.Is(err, errors.NewStorageError(errors.CodeDataNotFound, "")) {
		return false
	}
	if jp.scheduler == nil {
		return false
	}

	return jp.scheduler.Attempts(key)+1 < jp.config.MaxRetries
}

func (jp *JobProcessor) reject(ctx context.Context, key string, env *models.UpdateEnvelope, cause error, logger *logrus.Entry) {
	record := audit.NewFailureRecord(env, jp.filter.Config().Technique(), cause)
	record.Worker = jp.config.WorkerID
	jp.writeAudit(ctx, record, logger)

	if err := jp.timed("fail", func() error { return jp.store.Fail(ctx, key) }); err != nil {
		logger.WithError(err).Error("Failed to mark update as failed")
	}
}

// writeAudit does not fail the job. The privatized update is already saved.
func (jp *JobProcessor) writeAudit(ctx context.Context, record *audit.Record, logger *logrus.Entry) {
	if jp.sink == nil {
		return
	}
	err := jp.sink.Write(ctx, record)
	if jp.metrics != nil {
		jp.metrics.RecordAuditWrite(jp.sink.Name(), err)
	}
	if err != nil {
		logger.WithError(err).Error("Failed to write audit record")
	}
}

func (jp *JobProcessor) timed(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	if jp.metrics != nil {
		jp.metrics.RecordStoreOperation(operation, err, time.Since(start))
	}
	return err
}

func (jp *JobProcessor) setActive(n int32) {
	if jp.metrics != nil {
		jp.metrics.SetActiveJobs(float64(n))
	}
}

func (jp *JobProcessor) ActiveJobs() int32 {
	return atomic.LoadInt32(&jp.activeJobs)
}

func (jp *JobProcessor) CompletedJobs() int64 {
	return atomic.LoadInt64(&jp.completedJobs)
}

func (jp *JobProcessor) FailedJobs() int64 {
	return atomic.LoadInt64(&jp.failedJobs)
}
