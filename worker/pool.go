package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/scanworks/prospector/metrics"
	"github.com/scanworks/prospector/queue"
	"github.com/scanworks/prospector/storage"
)

// DefaultConcurrency is the shipped worker pool size.
const DefaultConcurrency = 5

// Pool runs a fixed number of workers competing for the queue. There is
// no shared mutable state between workers; coordination happens entirely
// through the queue and the database.
type Pool struct {
	processor   *Processor
	queue       *queue.Queue
	store       *storage.Store
	concurrency int
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewPool creates a Pool. concurrency <= 0 uses the default.
func NewPool(processor *Processor, q *queue.Queue, store *storage.Store, concurrency int, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		processor:   processor,
		queue:       q,
		store:       store,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start launches the workers. They stop when ctx ends or the queue
// closes.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Worker pool starting", "concurrency", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

// Drain waits up to the given grace period for in-flight jobs to finish.
// Returns true when all workers exited in time.
func (p *Pool) Drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		p.logger.Warn("Worker drain grace period expired")
		return false
	}
}

// work is one worker's dequeue loop.
func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				logger.Debug("Worker stopping")
				return
			}
			logger.Error("Dequeue failed", "error", err)
			return
		}

		p.runJob(ctx, logger, job)
	}
}

// runJob marks the project ANALYZING, processes it, and settles the job.
func (p *Pool) runJob(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	projectID := job.Payload.ProjectID
	started := time.Now()

	if err := p.store.SetProjectStatus(ctx, projectID, storage.StatusAnalyzing); err != nil {
		logger.Warn("Could not mark project analyzing",
			"project_id", projectID,
			"error", err)
	}

	if err := p.processor.Process(ctx, job); err != nil {
		metrics.AnalysesCompleted.WithLabelValues("failed").Inc()
		if failErr := p.queue.Fail(job.ID, err.Error(), nil); failErr != nil && !errors.Is(failErr, queue.ErrNotFound) {
			logger.Error("Job failure record failed", "job_id", job.ID, "error", failErr)
		}
		return
	}

	metrics.AnalysesCompleted.WithLabelValues("completed").Inc()
	metrics.AnalysisDuration.Observe(time.Since(started).Seconds())
	if err := p.queue.Complete(job.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		logger.Error("Job completion record failed", "job_id", job.ID, "error", err)
	}

	logger.Info("Analysis completed",
		"job_id", job.ID,
		"project_id", projectID,
		"duration", time.Since(started))
}
