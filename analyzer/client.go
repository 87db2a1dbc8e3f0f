package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// systemPreamble is identical across calls so the provider can cache it.
// Correctness does not depend on whether the provider actually caches.
const systemPreamble = `You are a software project analyst. You are given the contents of a software project: its README, its package manifest, and a prioritized selection of source files.

Respond with a single JSON object, inside a fenced json code block, with these fields:
  "summary": one-paragraph description of what the project does,
  "techStack": {"languages": [], "frameworks": [], "databases": [], "tools": [], "infrastructure": []},
  "complexity": one of "simple" | "moderate" | "complex",
  "recommendations": [{"kind": "feature|refactor|tooling|security|docs", "priority": "low|medium|high", "title": "...", "description": "..."}],
  "completionScore": integer 0-100 estimating how complete the project is,
  "maturityLevel": one of "poc" | "prototype" | "beta" | "production",
  "productionGaps": list of things missing before production use,
  "estimatedValue": {"score": integer 0-100, "rationale": "...", "confidence": "low|medium|high"}

Base every judgement only on the provided files. Do not invent files or features that are not shown.`

// Config configures the analyzer client.
type Config struct {
	// Provider selects the registered adapter ("anthropic", "openai", "ollama").
	Provider string `yaml:"provider"`

	// Model is the provider model identifier.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"baseURL"`

	// MaxTokens limits response length. 0 uses the provider default.
	MaxTokens int `yaml:"maxTokens"`

	// Temperature controls randomness. nil uses the provider default.
	Temperature *float64 `yaml:"temperature"`

	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the shipped analyzer defaults.
func DefaultConfig() Config {
	return Config{
		Provider:  "anthropic",
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 4096,
		Timeout:   180 * time.Second,
	}
}

// Client calls the configured LLM provider. Consecutive endpoint failures
// trip a circuit breaker so a dead endpoint fails fast instead of burning
// the rate-limit budget.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	breaker    *gobreaker.CircuitBreaker
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an analyzer client.
func NewClient(config Config, opts ...ClientOption) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	c := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: slog.Default(),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "analyzer-" + config.Provider,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Analyzer circuit state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.config.Model
}

// Analyze sends the assembled project context to the model and parses the
// structured result. Unparseable model output yields a fallback result,
// not an error; transport and status failures are classified for the
// rate-limited executor. Cancellation propagates through ctx down to the
// HTTP transport.
func (c *Client) Analyze(ctx context.Context, contextBlob, projectID string) (*Result, error) {
	provider := GetProvider(c.config.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", c.config.Provider))
	}

	started := time.Now()
	out, err := c.breaker.Execute(func() (any, error) {
		return c.doRequest(ctx, provider, contextBlob)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewTransientError(fmt.Errorf("analyzer endpoint unavailable: %w", err))
		}
		return nil, err
	}

	resp := out.(*Response)
	c.logger.Debug("Analyzer call completed",
		"project_id", projectID,
		"model", resp.Model,
		"tokens", resp.TokensUsed,
		"duration", time.Since(started))

	return ParseResult(resp.Content, resp.Model, resp.TokensUsed), nil
}

// doRequest executes a single HTTP round trip to the provider.
func (c *Client) doRequest(ctx context.Context, provider Provider, contextBlob string) (*Response, error) {
	url := provider.BuildURL(c.config.BaseURL)

	body, err := provider.BuildRequestBody(
		c.config.Model, systemPreamble, contextBlob,
		c.config.Temperature, c.config.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Cooperative cancellation: surfaced as-is, never retried.
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("analyzer request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}

	return provider.ParseResponse(respBody, c.config.Model)
}

// classifyHTTPError wraps status failures so the executor can decide
// whether to retry. 429 means rate-limited, 529 overloaded; both carry
// the code for the executor's tripled-backoff handling.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := &StatusError{Code: statusCode, Body: bodyStr}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode == 529: // provider overloaded
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
