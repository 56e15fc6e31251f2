// Package worker runs periodic background jobs such as scheduled exports
// and catalog refreshes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/metrics"
)

type scheduled struct {
	job      Job
	interval time.Duration
}

// Worker runs each registered job on its own ticker.
type Worker struct {
	jobs   []scheduled
	config Config
	logger *slog.Logger

	// Synchronization
	wg      sync.WaitGroup
	stopCh  chan struct{}
	started bool
}

// New creates a new Worker with the given configuration.
// The worker must be started with Start() and stopped with Stop().
func New(config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Register schedules job every interval. Call this before Start().
func (w *Worker) Register(job Job, interval time.Duration) error {
	const op = "worker.register"

	if w.started {
		return domain.Configuration(op, "worker already started")
	}
	if interval < MinInterval {
		return domain.Configuration(op, fmt.Sprintf("job %s: interval must be at least %v, got %v", job.Name(), MinInterval, interval))
	}
	for _, s := range w.jobs {
		if s.job.Name() == job.Name() {
			return domain.Configuration(op, fmt.Sprintf("job %s registered twice", job.Name()))
		}
	}
	w.jobs = append(w.jobs, scheduled{job: job, interval: interval})
	w.logger.Debug("Registered job", "job", job.Name(), "interval", interval)
	return nil
}

// Start launches one goroutine per registered job.
func (w *Worker) Start(ctx context.Context) {
	w.started = true
	for _, s := range w.jobs {
		w.wg.Add(1)
		go w.runJob(ctx, s)
	}
	w.logger.Info("Worker started", "jobs", len(w.jobs))
}

// Stop signals all jobs to stop and waits for them to finish.
// It respects the configured ShutdownTimeout.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped gracefully")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("Worker shutdown timeout exceeded, some jobs may still be running")
	}
}

// runJob is the loop for one job. It exits on Stop, on context
// cancellation, or after a permanent failure.
func (w *Worker) runJob(ctx context.Context, s scheduled) {
	defer w.wg.Done()

	logger := w.logger.With("job", s.job.Name())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if w.config.RunOnStart && !w.execute(ctx, s.job, logger) {
		return
	}

	for {
		select {
		case <-w.stopCh:
			logger.Debug("Job stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.execute(ctx, s.job, logger) {
				return
			}
		}
	}
}

// execute runs the job once with a timeout. It reports whether the job
// should keep being scheduled.
func (w *Worker) execute(ctx context.Context, job Job, logger *slog.Logger) bool {
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	start := time.Now()
	err := job.Run(jobCtx)
	duration := time.Since(start)

	switch {
	case err == nil:
		metrics.JobRun(job.Name(), "ok", duration)
		logger.Debug("Job completed", "duration", duration)
	case errors.Is(err, ErrSkipped):
		metrics.JobRun(job.Name(), "skipped", duration)
	case IsPermanent(err):
		metrics.JobRun(job.Name(), "failed", duration)
		logger.Error("Job failed permanently, unscheduling", "error", err)
		return false
	default:
		metrics.JobRun(job.Name(), "failed", duration)
		logger.Error("Job failed", "error", err, "duration", duration)
	}
	return true
}
