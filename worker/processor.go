// Package worker runs dequeued analysis jobs through the pipeline:
// cache lookup, context extraction, rate-limited analyzer call, cache
// write, and the transactional persistence that flips the project to
// ANALYZED. A fixed pool of workers competes for the queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/scanworks/prospector/analyzer"
	"github.com/scanworks/prospector/bus"
	"github.com/scanworks/prospector/cache"
	"github.com/scanworks/prospector/extract"
	"github.com/scanworks/prospector/limiter"
	"github.com/scanworks/prospector/metrics"
	"github.com/scanworks/prospector/queue"
	"github.com/scanworks/prospector/storage"
)

// extractTimeout is the hard cap on context extraction.
const extractTimeout = 30 * time.Second

// defaultAITimeout bounds a single analyzer invocation.
const defaultAITimeout = 180 * time.Second

// Processor executes one job end to end. It never retries on its own:
// network retries belong to the executor, job retries to the queue.
type Processor struct {
	store     *storage.Store
	busClient *bus.Client
	cache     *cache.Cache
	extractor *extract.Extractor
	client    *analyzer.Client
	executor  *limiter.Executor
	queue     *queue.Queue
	aiTimeout time.Duration
	logger    *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithAITimeout overrides the analyzer call timeout.
func WithAITimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.aiTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor wires the pipeline dependencies.
func NewProcessor(
	store *storage.Store,
	busClient *bus.Client,
	resultCache *cache.Cache,
	extractor *extract.Extractor,
	client *analyzer.Client,
	executor *limiter.Executor,
	q *queue.Queue,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		store:     store,
		busClient: busClient,
		cache:     resultCache,
		extractor: extractor,
		client:    client,
		executor:  executor,
		queue:     q,
		aiTimeout: defaultAITimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs a job to completion or failure. The returned error is the
// job's failure reason; nil means the analysis was persisted.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	projectID := job.Payload.ProjectID
	path := job.Payload.ProjectPath

	p.publish(bus.EventAnalysisStarted, projectID, nil)
	p.progress(job, projectID, "queued", 0, "")

	if err := p.run(ctx, job); err != nil {
		reason := err.Error()
		p.publish(bus.EventAnalysisFailed, projectID, bus.FailureData{Reason: reason})
		p.progressFailed(job, projectID, reason)
		if statusErr := p.store.SetProjectStatus(ctx, projectID, storage.StatusError); statusErr != nil {
			p.logger.Error("Status update after failure failed",
				"project_id", projectID,
				"error", statusErr)
		}
		p.logger.Warn("Analysis failed",
			"job_id", job.ID,
			"project_id", projectID,
			"path", path,
			"reason", reason)
		return err
	}

	p.progress(job, projectID, "completed", 100, "")
	p.publish(bus.EventAnalysisCompleted, projectID, nil)
	return nil
}

// run is the fallible pipeline body.
func (p *Processor) run(ctx context.Context, job *queue.Job) error {
	projectID := job.Payload.ProjectID
	path := job.Payload.ProjectPath

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("project path %s no longer exists", path)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path %s is not a directory", path)
	}
	lastModified := info.ModTime()

	if !job.Payload.ForceRefresh {
		entry, err := p.cache.Get(ctx, path, lastModified)
		if err != nil {
			p.logger.Warn("Cache lookup failed, analyzing fresh",
				"project_id", projectID,
				"error", err)
		}
		if entry != nil {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return p.persist(ctx, projectID, entry.Result, true)
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	p.progress(job, projectID, "extracting", 20, "")
	extractCtx, cancelExtract := context.WithTimeout(ctx, extractTimeout)
	pc, err := p.extractor.Extract(extractCtx, path)
	cancelExtract()
	if err != nil {
		return fmt.Errorf("context extraction: %w", err)
	}

	if err := p.store.UpdateProjectStats(ctx, projectID,
		pc.Summary.FileCount, pc.Summary.LinesOfCode, pc.Summary.TotalSize); err != nil {
		p.logger.Warn("Project stats update failed", "project_id", projectID, "error", err)
	}

	p.progress(job, projectID, "analyzing", 50, "")
	blob := pc.Render()

	var result *analyzer.Result
	err = p.executor.Execute(ctx, func(callCtx context.Context) error {
		aiCtx, cancel := context.WithTimeout(callCtx, p.aiTimeout)
		defer cancel()

		res, analyzeErr := p.client.Analyze(aiCtx, blob, projectID)
		if analyzeErr != nil {
			if aiCtx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("analysis timed out after %s", p.aiTimeout)
			}
			return analyzeErr
		}
		result = res
		return nil
	}, limiter.ExecuteOpts{
		OnRetry: func(attempt int, retryErr error) {
			p.progress(job, projectID, "analyzing", 50,
				fmt.Sprintf("retry %d: %v", attempt, retryErr))
		},
	})
	if err != nil {
		return fmt.Errorf("analysis: %w", err)
	}

	p.progress(job, projectID, "caching", 80, "")
	p.cache.Set(ctx, path, lastModified, result)

	p.progress(job, projectID, "caching", 90, "")
	return p.persist(ctx, projectID, result, false)
}

// persist inserts the analysis row and flips the project to ANALYZED in
// one transaction. Cache replays produce a fresh append-only row carrying
// cacheHit for observability.
func (p *Processor) persist(ctx context.Context, projectID string, result *analyzer.Result, cacheHit bool) error {
	row, err := analysisRow(projectID, result, cacheHit)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	if err := p.store.CompleteAnalysis(ctx, row); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}
	return nil
}

// progress mirrors a milestone to the queue's job record and the bus.
func (p *Processor) progress(job *queue.Job, projectID, status string, percent int, message string) {
	if err := p.queue.SetProgress(job.ID, percent, status); err != nil {
		p.logger.Debug("Job progress update dropped", "job_id", job.ID, "error", err)
	}
	p.publish(bus.EventAnalysisProgress, projectID, bus.ProgressData{
		Status:  status,
		Percent: percent,
		Message: message,
	})
}

func (p *Processor) progressFailed(job *queue.Job, projectID, reason string) {
	if err := p.queue.SetProgress(job.ID, 0, "failed"); err != nil {
		p.logger.Debug("Job progress update dropped", "job_id", job.ID, "error", err)
	}
	p.publish(bus.EventAnalysisProgress, projectID, bus.ProgressData{
		Status:  "failed",
		Percent: 0,
		Error:   reason,
	})
}

func (p *Processor) publish(t bus.EventType, projectID string, payload any) {
	ev, err := bus.NewEvent(t, projectID, payload)
	if err != nil {
		p.logger.Error("Event build failed", "type", t, "error", err)
		return
	}
	if err := p.busClient.Publish(ev); err != nil {
		p.logger.Warn("Event publish failed", "type", t, "error", err)
	}
}

// analysisRow maps an analyzer result onto a storage row. The dynamic
// payloads stay opaque JSON at rest.
func analysisRow(projectID string, result *analyzer.Result, cacheHit bool) (*storage.Analysis, error) {
	techStack, err := json.Marshal(result.TechStack)
	if err != nil {
		return nil, err
	}
	recommendations, err := json.Marshal(result.Recommendations)
	if err != nil {
		return nil, err
	}
	gaps, err := json.Marshal(result.ProductionGaps)
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(result.EstimatedValue)
	if err != nil {
		return nil, err
	}

	return &storage.Analysis{
		ProjectID:       projectID,
		Summary:         result.Summary,
		TechStack:       techStack,
		Complexity:      result.Complexity,
		Recommendations: recommendations,
		CompletionScore: result.CompletionScore,
		MaturityLevel:   result.MaturityLevel,
		ProductionGaps:  gaps,
		EstimatedValue:  value,
		Model:           result.Model,
		TokensUsed:      result.TokensUsed,
		CacheHit:        cacheHit,
	}, nil
}
