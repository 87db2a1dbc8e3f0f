// Package queue implements the project-analysis job queue: priority
// ordered dispatch, configurable retry with exponential backoff, bounded
// retention of finished jobs, and the admin operations the HTTP API
// exposes.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Name identifies the single queue this process runs.
const Name = "project-analysis"

// Priority levels. Lower numeric dispatches earlier.
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// ParsePriority maps the API-facing priority names to levels. Unknown
// names fall back to normal.
func ParsePriority(s string) int {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Job states.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

var (
	// ErrNotFound is returned for operations on unknown job ids.
	ErrNotFound = errors.New("job not found")

	// ErrActive is returned when a plain remove targets a running job.
	ErrActive = errors.New("job is active")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

// Payload is the work description carried by a job.
type Payload struct {
	ProjectID    string `json:"projectId"`
	ProjectPath  string `json:"projectPath"`
	ProjectName  string `json:"projectName"`
	Priority     string `json:"priority"`
	ForceRefresh bool   `json:"forceRefresh"`
}

// Job tracks one analysis job through its lifecycle. Callers always see
// snapshots; the queue owns the live instance.
type Job struct {
	ID       string  `json:"id"`
	Payload  Payload `json:"payload"`
	Priority int     `json:"priority"`

	State        string    `json:"state"`
	Progress     int       `json:"progress"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"maxAttempts"`
	FailedReason string    `json:"failedReason,omitempty"`
	Stacktrace   []string  `json:"stacktrace,omitempty"`
	Logs         []string  `json:"logs,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	StartedAt    time.Time `json:"startedAt,omitzero"`
	FinishedAt   time.Time `json:"finishedAt,omitzero"`

	seq   uint64
	timer *time.Timer
}

// Counts summarizes queue occupancy per state.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Config tunes retry and retention behavior.
type Config struct {
	// Attempts is the total tries per job. 1 disables automatic retry.
	Attempts int `yaml:"attempts"`

	// BackoffBase is the first retry delay.
	BackoffBase time.Duration `yaml:"backoffBase"`

	// BackoffMax clamps the retry delay.
	BackoffMax time.Duration `yaml:"backoffMax"`

	// KeepCompleted caps retained completed jobs.
	KeepCompleted int `yaml:"keepCompleted"`

	// CompletedTTL bounds how long a completed job is retained.
	CompletedTTL time.Duration `yaml:"completedTTL"`

	// KeepFailed caps retained failed jobs.
	KeepFailed int `yaml:"keepFailed"`
}

// DefaultConfig returns the shipped queue defaults: no automatic retry,
// 100 completed jobs for 24h, 500 failed jobs.
func DefaultConfig() Config {
	return Config{
		Attempts:      1,
		BackoffBase:   2 * time.Second,
		BackoffMax:    60 * time.Second,
		KeepCompleted: 100,
		CompletedTTL:  24 * time.Hour,
		KeepFailed:    500,
	}
}

// Queue is the in-process priority queue. All state transitions happen
// under one mutex; the mutex is never held across I/O.
type Queue struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	waiting jobHeap
	jobs    map[string]*Job
	paused  bool
	closed  bool
	seq     uint64
}

// New creates a Queue. Zero config fields take defaults.
func New(config Config, logger *slog.Logger) *Queue {
	def := DefaultConfig()
	if config.Attempts <= 0 {
		config.Attempts = def.Attempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = def.BackoffMax
	}
	if config.KeepCompleted <= 0 {
		config.KeepCompleted = def.KeepCompleted
	}
	if config.CompletedTTL <= 0 {
		config.CompletedTTL = def.CompletedTTL
	}
	if config.KeepFailed <= 0 {
		config.KeepFailed = def.KeepFailed
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		config: config,
		logger: logger,
		jobs:   make(map[string]*Job),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a job for the payload and returns its snapshot. The id is
// stable for the job's lifetime and embeds the project id.
func (q *Queue) Enqueue(payload Payload) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	q.seq++
	job := &Job{
		ID:          fmt.Sprintf("analysis-%s-%d", payload.ProjectID, time.Now().UnixNano()),
		Payload:     payload,
		Priority:    ParsePriority(payload.Priority),
		State:       StateWaiting,
		MaxAttempts: q.config.Attempts,
		EnqueuedAt:  time.Now(),
		seq:         q.seq,
	}

	q.jobs[job.ID] = job
	heap.Push(&q.waiting, job)
	q.cond.Signal()

	q.logger.Debug("Job enqueued",
		"job_id", job.ID,
		"project_id", payload.ProjectID,
		"priority", payload.Priority)

	return job.snapshot(), nil
}

// Dequeue blocks until a job is dispatchable or ctx is done. The returned
// snapshot is in the active state; the caller must finish it with
// Complete or Fail.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	// Wake the cond loop when the context ends.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if q.closed {
			return nil, ErrClosed
		}
		if !q.paused && q.waiting.Len() > 0 {
			break
		}
		q.cond.Wait()
	}

	job := heap.Pop(&q.waiting).(*Job)
	job.State = StateActive
	job.Attempts++
	job.Progress = 0
	job.StartedAt = time.Now()
	return job.snapshot(), nil
}

// SetProgress records a job's progress percentage and optional log line.
func (q *Queue) SetProgress(jobID string, percent int, note string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Progress = percent
	if note != "" {
		job.Logs = append(job.Logs, fmt.Sprintf("%s %s", time.Now().Format(time.RFC3339), note))
	}
	return nil
}

// Complete marks an active job finished and applies completed retention.
func (q *Queue) Complete(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.State = StateCompleted
	job.Progress = 100
	job.FinishedAt = time.Now()
	q.trimFinishedLocked()
	return nil
}

// Fail marks an active job failed. If attempts remain, the job moves to
// delayed and is re-dispatched after an exponential backoff; otherwise it
// stays failed and failed retention applies.
func (q *Queue) Fail(jobID, reason string, stacktrace []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}

	job.FailedReason = reason
	job.Stacktrace = append([]string(nil), stacktrace...)

	if job.Attempts < job.MaxAttempts && !q.closed {
		delay := q.config.backoffDelay(job.Attempts)
		job.State = StateDelayed
		job.timer = time.AfterFunc(delay, func() { q.requeue(job.ID) })
		q.logger.Debug("Job retry scheduled",
			"job_id", job.ID, "attempt", job.Attempts, "delay", delay)
		return nil
	}

	job.State = StateFailed
	job.Progress = 0
	job.FinishedAt = time.Now()
	q.trimFinishedLocked()
	return nil
}

// requeue moves a delayed job back to waiting when its backoff elapses.
func (q *Queue) requeue(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.State != StateDelayed || q.closed {
		return
	}
	job.State = StateWaiting
	job.timer = nil
	q.seq++
	job.seq = q.seq
	heap.Push(&q.waiting, job)
	q.cond.Signal()
}

// Pause stops dispatching. In-flight jobs run to completion.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume restarts dispatching.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Paused reports whether dispatching is stopped.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Clear removes completed and failed jobs finished more than an hour ago
// and returns the count removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	removed := 0
	for id, job := range q.jobs {
		if (job.State == StateCompleted || job.State == StateFailed) && job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed
}

// Remove deletes a job that is not currently running. Active jobs return
// ErrActive; use ForceDelete for those.
func (q *Queue) Remove(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}

	switch job.State {
	case StateActive:
		return ErrActive
	case StateWaiting:
		q.waiting.removeWaiting(jobID)
	case StateDelayed:
		if job.timer != nil {
			job.timer.Stop()
		}
	}
	delete(q.jobs, jobID)
	return nil
}

// ForceDelete removes a job regardless of state. An active job is marked
// failed first so its worker's eventual Complete/Fail is a no-op.
func (q *Queue) ForceDelete(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}

	switch job.State {
	case StateActive:
		job.State = StateFailed
		job.FailedReason = "force-deleted by operator"
		job.FinishedAt = time.Now()
	case StateWaiting:
		q.waiting.removeWaiting(jobID)
	case StateDelayed:
		if job.timer != nil {
			job.timer.Stop()
		}
	}
	delete(q.jobs, jobID)
	return nil
}

// RemoveByProject drops all non-terminal jobs for a project. Used by
// reset-stuck, which forces ANALYZING projects back to DISCOVERED.
func (q *Queue) RemoveByProject(projectID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, job := range q.jobs {
		if job.Payload.ProjectID != projectID {
			continue
		}
		switch job.State {
		case StateWaiting:
			q.waiting.removeWaiting(id)
		case StateDelayed:
			if job.timer != nil {
				job.timer.Stop()
			}
		case StateActive:
			job.State = StateFailed
			job.FailedReason = "reset by operator"
			job.FinishedAt = time.Now()
		default:
			continue
		}
		delete(q.jobs, id)
		removed++
	}
	return removed
}

// Get returns a snapshot of one job.
func (q *Queue) Get(jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.snapshot(), nil
}

// List returns snapshots of jobs in the given state, newest first. An
// empty state returns everything.
func (q *Queue) List(state string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if state == "" || job.State == state {
			out = append(out, job.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.After(out[j].EnqueuedAt) })
	return out
}

// Counts returns occupancy per state.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			c.Waiting++
		case StateActive:
			c.Active++
		case StateDelayed:
			c.Delayed++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		}
	}
	return c
}

// Close stops dispatching permanently and wakes all blocked Dequeue calls.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for _, job := range q.jobs {
		if job.timer != nil {
			job.timer.Stop()
		}
	}
	q.cond.Broadcast()
}

// trimFinishedLocked enforces retention. Completed jobs: most recent
// KeepCompleted, each at most CompletedTTL old. Failed jobs: most recent
// KeepFailed, no age limit.
func (q *Queue) trimFinishedLocked() {
	var completed, failed []*Job
	for _, job := range q.jobs {
		switch job.State {
		case StateCompleted:
			completed = append(completed, job)
		case StateFailed:
			failed = append(failed, job)
		}
	}

	byFinished := func(jobs []*Job) {
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].FinishedAt.After(jobs[j].FinishedAt) })
	}

	byFinished(completed)
	cutoff := time.Now().Add(-q.config.CompletedTTL)
	for i, job := range completed {
		if i >= q.config.KeepCompleted || job.FinishedAt.Before(cutoff) {
			delete(q.jobs, job.ID)
		}
	}

	byFinished(failed)
	for i := q.config.KeepFailed; i < len(failed); i++ {
		delete(q.jobs, failed[i].ID)
	}
}

// jobHeap orders by (priority, seq): lower priority value first, FIFO
// within a level.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

func (h *jobHeap) removeWaiting(id string) bool {
	for i, job := range *h {
		if job.ID == id {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}

// jitter applies ±20% to a delay.
func jitter(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}

// backoffDelay computes the delay before retrying after failed attempt n.
func (c Config) backoffDelay(attempt int) time.Duration {
	delay := c.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.BackoffMax {
			break
		}
	}
	delay = jitter(delay)
	if delay > c.BackoffMax {
		delay = c.BackoffMax
	}
	return delay
}

// snapshot deep-copies a job for callers outside the lock.
func (j *Job) snapshot() *Job {
	cp := *j
	cp.timer = nil
	cp.Stacktrace = append([]string(nil), j.Stacktrace...)
	cp.Logs = append([]string(nil), j.Logs...)
	return &cp
}
