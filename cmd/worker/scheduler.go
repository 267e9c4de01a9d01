package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/internal/observability/metrics"
	"github.com/inferloop/fldp/internal/storage"
)

// Job is one pending update picked up from the store.
type Job struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Attempt   int       `json:"attempt"`
	Saved     bool      `json:"saved"`
	CreatedAt time.Time `json:"created_at"`
}

// Scheduler polls the update store and queues pending keys. A key stays
// in flight until the processor releases it, so a slow update is never
// queued twice. Keys whose privatized output is already saved are only
// retried for completion, and a key parked after repeated completion
// failures is not queued again by this process.
type Scheduler struct {
	config   *WorkerConfig
	logger   *logrus.Logger
	store    storage.UpdateStore
	metrics  *metrics.PrometheusMetrics
	jobQueue chan *Job
	mu       sync.RWMutex
	running  bool
	stopped  bool
	inflight map[string]bool
	attempts map[string]int
	saved    map[string]bool
	parked   map[string]bool
	lastPoll time.Time
}

func NewScheduler(config *WorkerConfig, store storage.UpdateStore, m *metrics.PrometheusMetrics, logger *logrus.Logger) *Scheduler {
	size := config.Concurrency * 2
	if size < 1 {
		size = 1
	}

	return &Scheduler{
		config:   config,
		logger:   logger,
		store:    store,
		metrics:  m,
		jobQueue: make(chan *Job, size),
		running:  true,
		inflight: make(map[string]bool),
		attempts: make(map[string]int),
		saved:    make(map[string]bool),
		parked:   make(map[string]bool),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Scheduler started")

	s.PollOnce(ctx)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping due to context cancellation")
			return
		case <-ticker.C:
			if !s.Running() {
				s.logger.Info("Scheduler stopped")
				return
			}

			s.PollOnce(ctx)
		}
	}
}

// Stop stops polling and closes the job queue.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.running = false
	s.stopped = true
	close(s.jobQueue)
	s.logger.Info("Scheduler stop requested")
}

func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) GetJobQueue() <-chan *Job {
	return s.jobQueue
}

// LastPoll returns the time of the last successful poll.
func (s *Scheduler) LastPoll() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPoll
}

// PollOnce lists pending updates and queues those not already in flight.
// It returns the number of queued jobs.
func (s *Scheduler) PollOnce(ctx context.Context) int {
	start := time.Now()
	keys, err := s.store.List(ctx)
	if s.metrics != nil {
		s.metrics.RecordPoll()
		s.metrics.RecordStoreOperation("list", err, time.Since(start))
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to list pending updates")
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPoll = time.Now()
	if !s.running {
		return 0
	}

	queued := 0
	for _, key := range keys {
		if s.inflight[key] || s.parked[key] {
			continue
		}
		if s.config.BatchSize > 0 && queued >= s.config.BatchSize {
			break
		}

		job := &Job{
			ID:        uuid.New().String(),
			Key:       key,
			Attempt:   s.attempts[key] + 1,
			Saved:     s.saved[key],
			CreatedAt: time.Now(),
		}

		select {
		case s.jobQueue <- job:
			s.inflight[key] = true
			queued++
			s.logger.WithFields(logrus.Fields{
				"jobID": job.ID,
				"key":   key,
			}).Debug("Job queued")
		default:
			s.logger.Debug("Job queue is full")
			return queued
		}
	}

	if queued > 0 {
		s.logger.WithField("count", queued).Info("Pending updates queued")
	}
	return queued
}

// Release marks a key as no longer in flight. A retry keeps its attempt
// count, a finished key forgets it.
func (s *Scheduler) Release(key string, retry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, key)
	if retry {
		s.attempts[key]++
	} else {
		delete(s.attempts, key)
		delete(s.saved, key)
	}
}

// MarkSaved records that the output for key was written. Later attempts
// for key only complete it.
func (s *Scheduler) MarkSaved(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[key] = true
}

// Saved reports whether the output for key was written.
func (s *Scheduler) Saved(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saved[key]
}

// Park releases key and stops queueing it. It is used when the output was
// released but the input could not be marked as processed.
func (s *Scheduler) Park(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, key)
	delete(s.attempts, key)
	delete(s.saved, key)
	s.parked[key] = true
}

// Parked returns the number of keys that are no longer queued.
func (s *Scheduler) Parked() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.parked)
}

// Attempts returns the number of failed attempts recorded for key.
func (s *Scheduler) Attempts(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts[key]
}

// InFlight returns the number of queued or running keys.
func (s *Scheduler) InFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inflight)
}
