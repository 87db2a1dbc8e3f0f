// Package limiter provides the rate-limited executor that gates analyzer
// calls: a concurrency cap, a sliding per-minute request window, and
// retry with exponential backoff for transient failures.
package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/scanworks/prospector/analyzer"
)

// window is the span of the sliding request-rate window.
const window = 60 * time.Second

// pollInterval is how often a caller blocked on the concurrency gate
// re-checks for a free slot.
const pollInterval = 100 * time.Millisecond

// windowBuffer is added to the computed sleep when the rate window is
// full, so the oldest timestamp has definitely aged out on wake.
const windowBuffer = 50 * time.Millisecond

// maxBackoff clamps any single retry delay.
const maxBackoff = 60 * time.Second

// Config tunes the executor.
type Config struct {
	// MaxConcurrent caps in-flight calls.
	MaxConcurrent int `yaml:"maxConcurrent"`

	// RequestsPerMinute caps call starts in any 60s window.
	RequestsPerMinute int `yaml:"requestsPerMinute"`

	// InitialDelay is the base backoff; rate-limit errors use triple.
	InitialDelay time.Duration `yaml:"initialDelay"`

	// BackoffMultiplier scales the delay between consecutive retries.
	BackoffMultiplier int `yaml:"backoffMultiplier"`

	// MaxRetries is the default retry count for Execute.
	MaxRetries int `yaml:"maxRetries"`
}

// DefaultConfig returns the shipped executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     3,
		RequestsPerMinute: 10,
		InitialDelay:      2 * time.Second,
		BackoffMultiplier: 2,
		MaxRetries:        3,
	}
}

// Stats reports the executor's current occupancy.
type Stats struct {
	InFlight      int `json:"inFlight"`
	WindowCount   int `json:"windowCount"`
	MaxConcurrent int `json:"maxConcurrent"`
	PerMinute     int `json:"perMinute"`
}

// Executor serializes access to the analyzer endpoint. Counters live
// behind one mutex; the mutex is never held while sleeping or calling fn.
type Executor struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	inFlight int
	starts   []time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New creates an Executor. Zero config fields take defaults.
func New(config Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = def.RequestsPerMinute
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = def.MaxRetries
	}

	e := &Executor{config: config, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteOpts overrides per-call behavior.
type ExecuteOpts struct {
	// MaxRetries overrides the configured retry count: a positive value
	// sets the budget, a negative value disables retries, zero keeps the
	// configured value.
	MaxRetries int

	// OnRetry is invoked before each retry sleep with the attempt number
	// (1-based) and the error that caused it.
	OnRetry func(attempt int, err error)
}

// Execute acquires a slot, runs fn, releases the slot, and retries
// retryable failures with exponential backoff. Context cancellation
// aborts slot waits, backoff sleeps, and fn itself (fn receives ctx).
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context) error, opts ExecuteOpts) error {
	maxRetries := e.config.MaxRetries
	switch {
	case opts.MaxRetries > 0:
		maxRetries = opts.MaxRetries
	case opts.MaxRetries < 0:
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := e.acquire(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		e.release()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !Retryable(err) {
			return err
		}

		lastErr = err
		if attempt >= maxRetries {
			break
		}

		delay := e.backoff(attempt+1, err)
		e.logger.Warn("Retrying after transient failure",
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"delay", delay,
			"error", err)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", maxRetries+1, lastErr)
}

// acquire blocks until both gates pass: in-flight below MaxConcurrent and
// window occupancy below RequestsPerMinute. The slot's timestamp is
// recorded the moment both pass.
func (e *Executor) acquire(ctx context.Context) error {
	for {
		e.mu.Lock()
		e.pruneLocked(time.Now())

		if e.inFlight < e.config.MaxConcurrent && len(e.starts) < e.config.RequestsPerMinute {
			e.inFlight++
			e.starts = append(e.starts, time.Now())
			e.mu.Unlock()
			return nil
		}

		var wait time.Duration
		if e.inFlight >= e.config.MaxConcurrent {
			wait = pollInterval
		} else {
			// Window full: sleep until the oldest start ages out.
			wait = time.Until(e.starts[0].Add(window)) + windowBuffer
			if wait < windowBuffer {
				wait = windowBuffer
			}
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (e *Executor) release() {
	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
}

// pruneLocked drops window timestamps older than 60s.
func (e *Executor) pruneLocked(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(e.starts) && e.starts[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.starts = append(e.starts[:0], e.starts[i:]...)
	}
}

// backoff computes the sleep before retry n (1-based): the base delay
// scaled by the configured multiplier per prior retry, with ±20% jitter,
// clamped to 60s. Rate-limit errors triple the base.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	base := e.config.InitialDelay
	if rateLimited(err) {
		base *= 3
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(e.config.BackoffMultiplier)
		if delay >= maxBackoff {
			break
		}
	}

	factor := 0.8 + rand.Float64()*0.4
	delay = time.Duration(float64(delay) * factor)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// Retryable reports whether an error warrants another attempt: a
// transient classification from the analyzer client, status 429 or 529,
// or a message naming a rate-limit/overload/abort/timeout condition.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if analyzer.IsTransient(err) {
		return true
	}
	switch analyzer.StatusCode(err) {
	case http.StatusTooManyRequests, 529:
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate_limit", "overloaded", "aborted", "timed out"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// rateLimited reports whether the failure was the provider shedding load,
// which triples the backoff base.
func rateLimited(err error) bool {
	switch analyzer.StatusCode(err) {
	case http.StatusTooManyRequests, 529:
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate_limit") || strings.Contains(msg, "overloaded")
}

// Stats returns current occupancy.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(time.Now())
	return Stats{
		InFlight:      e.inFlight,
		WindowCount:   len(e.starts),
		MaxConcurrent: e.config.MaxConcurrent,
		PerMinute:     e.config.RequestsPerMinute,
	}
}
